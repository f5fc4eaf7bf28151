package httpdl

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"pakpatch/datamodel/pak"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

// maxDocumentSize bounds the size of a fetched manifest.
const maxDocumentSize = 64 << 20

// Fetcher implements pak.Fetcher. Concurrent fetches of the same url share one request.
type Fetcher struct {
	client *http.Client
	sg     singleflight.Group
}

var _ pak.Fetcher = (*Fetcher)(nil)

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	v, err, shared := f.sg.Do(url, func() (interface{}, error) {
		return f.fetch(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debugf("Shared fetch of %s", url)
	}

	// callers may modify what they get
	body := v.([]byte)
	return append([]byte(nil), body...), nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var r io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", url, err)
		}
		defer zr.Close()
		r = zr
	}

	body, err := io.ReadAll(io.LimitReader(r, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}
	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("%s: document exceeds %d bytes", url, maxDocumentSize)
	}
	return body, nil
}
