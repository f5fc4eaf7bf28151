// Package httpdl downloads archives and manifests from a CDN over HTTP.
package httpdl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"pakpatch/datamodel/pak"

	log "github.com/sirupsen/logrus"
)

const (
	defaultRetryDelay    = 1 * time.Second
	defaultMaxRetryDelay = 60 * time.Second
	copyBufferSize       = 256 * 1024
)

type Options struct {
	Client *http.Client

	// RetryDelay is the delay after the first failed attempt, it doubles on every further failure
	// up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// MaxAttempts bounds the number of attempts per download, 0 retries until cancelled.
	MaxAttempts int
}

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d %s", e.Code, http.StatusText(e.Code))
}

// Temporary reports whether a retry may succeed. Client errors other than timeouts and rate
// limiting are final.
func (e *StatusError) Temporary() bool {
	if e.Code >= 400 && e.Code < 500 {
		return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
	}
	return true
}

// Transport implements pak.Transport. Each download runs on its own goroutine and resumes from
// the bytes already present at the destination.
type Transport struct {
	opts Options
	wg   sync.WaitGroup
}

var _ pak.Transport = (*Transport)(nil)

func NewTransport(opts Options) *Transport {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}
	return &Transport{opts: opts}
}

func (t *Transport) StartDownload(url string, destPath string, onProgress func(bytesOnDisk uint64), onComplete func(result pak.TransferResult)) func() {
	ctx, cancel := context.WithCancel(context.Background())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.download(ctx, url, destPath, onProgress, onComplete)
	}()

	return cancel
}

// Wait blocks until every download goroutine has returned.
func (t *Transport) Wait() {
	t.wg.Wait()
}

func (t *Transport) retryDelay(attempt int) time.Duration {
	delay := t.opts.RetryDelay
	for i := 1; i < attempt && delay < t.opts.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > t.opts.MaxRetryDelay {
		delay = t.opts.MaxRetryDelay
	}
	return delay
}

func (t *Transport) download(ctx context.Context, url string, destPath string, onProgress func(uint64), onComplete func(pak.TransferResult)) {
	start := time.Now()
	logger := log.WithField("url", url)

	var received uint64
	for attempt := 1; ; attempt++ {
		status, n, err := t.attempt(ctx, url, destPath, onProgress)
		received += n

		if err == nil {
			onComplete(pak.TransferResult{HTTPStatus: status, BytesReceived: received, Duration: time.Since(start)})
			return
		}

		if ctx.Err() != nil {
			logger.Debug("Download cancelled")
			return
		}

		var se *StatusError
		final := errors.As(err, &se) && !se.Temporary()
		if final || (t.opts.MaxAttempts > 0 && attempt >= t.opts.MaxAttempts) {
			logger.Errorf("Download failed after %d attempts: %v", attempt, err)
			onComplete(pak.TransferResult{HTTPStatus: status, BytesReceived: received, Duration: time.Since(start), Err: err})
			return
		}

		delay := t.retryDelay(attempt)
		logger.Warnf("Download attempt #%d failed, retrying in %v: %v", attempt, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("Download cancelled")
			return
		case <-timer.C:
		}
	}
}

// attempt performs one request, appending to destPath. It returns the HTTP status and the number
// of body bytes written.
func (t *Transport) attempt(ctx context.Context, url string, destPath string, onProgress func(uint64)) (int, uint64, error) {
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	offset := uint64(fi.Size())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatUint(offset, 10)+"-")
	}

	resp, err := t.opts.Client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// the server ignored the range, start over
		if offset > 0 {
			if err := f.Truncate(0); err != nil {
				return resp.StatusCode, 0, err
			}
			offset = 0
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// nothing left to fetch, the caller checks the size
		if offset > 0 {
			return http.StatusOK, 0, nil
		}
		return resp.StatusCode, 0, &StatusError{Code: resp.StatusCode}
	default:
		return resp.StatusCode, 0, &StatusError{Code: resp.StatusCode}
	}

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return resp.StatusCode, 0, err
	}

	var written uint64
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return resp.StatusCode, written, err
			}
			written += uint64(n)
			onProgress(offset + written)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return resp.StatusCode, written, rerr
		}
	}

	if err := f.Sync(); err != nil {
		return resp.StatusCode, written, err
	}
	return resp.StatusCode, written, nil
}
