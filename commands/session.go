package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"pakpatch/config"
	"pakpatch/datamodel/download"
	"pakpatch/datamodel/pak"
	"pakpatch/datastore/leveldb"
	"pakpatch/downloader"
	"pakpatch/helper/timer"
	"pakpatch/net/httpdl"
	"pakpatch/vfs"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// SetLogLevel applies the CLI log level to the command logger.
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

// progressInterval is how often loading stats are logged while waiting on an operation.
const progressInterval = 2 * time.Second

// session is a downloader wired to the in-process namespace, the HTTP transport and the download log.
type session struct {
	cfg       *config.Config
	d         *downloader.Downloader
	ns        *vfs.Namespace
	transport *httpdl.Transport
	downloads *leveldb.DownloadLog
}

// openSession initializes a downloader and reconciles it against the cached build, if any.
func openSession(cfg *config.Config) (*session, error) {
	downloads, err := leveldb.NewDownloadLog(cfg.DataStore.DownloadLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open download log: %w", err)
	}

	client := &http.Client{}
	s := &session{
		cfg:       cfg,
		ns:        vfs.NewNamespace(),
		transport: httpdl.NewTransport(httpdl.Options{Client: client}),
		downloads: downloads,
	}

	s.d, err = downloader.New(downloader.Options{
		Platform:                cfg.Content.Platform,
		CacheDir:                cfg.DataStore.CacheDir,
		EmbeddedDir:             cfg.DataStore.EmbeddedDir,
		TargetDownloadsInFlight: cfg.Downloader.MaxConcurrentDownloads,
		MaxMountAttempts:        cfg.Downloader.MaxMountAttempts,
		CdnBaseURLs:             cfg.CdnBaseURLs,
	}, downloader.Deps{
		Backend:   s.ns,
		Registrar: s.ns,
		Index:     s.ns,
		Transport: s.transport,
		Fetcher:   httpdl.NewFetcher(client),
	})
	if err != nil {
		downloads.Close()
		return nil, err
	}

	s.d.OnDownloadAnalytics(s.recordDownload)

	if err := s.d.Initialize(); err != nil {
		downloads.Close()
		return nil, err
	}

	if s.d.LoadCachedBuild(cfg.Content.Deployment) {
		log.Infof("Loaded cached build %s", s.d.ContentBuildID())
	}

	return s, nil
}

func (s *session) recordDownload(rec *download.Record) {
	stored, err := s.downloads.Put(rec)
	if err != nil {
		log.Errorf("Failed to record download of %s: %v", rec.FileName, err)
		return
	}
	log.Debugf("Recorded download of %s, seq: %d", rec.FileName, stored.Sequence)
}

func (s *session) Close() {
	s.d.Finalize()
	s.transport.Wait()
	s.ns.CollectGarbage()
	if err := s.downloads.Close(); err != nil {
		log.Errorf("Failed to close download log: %v", err)
	}
}

// await runs op on the downloader and logs the loading stats until its callback fires.
func (s *session) await(ctx context.Context, op func(done pak.Callback)) (bool, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go timer.RunWithTicker(pctx, &timer.Interval{Duration: progressInterval}, func(ctx context.Context) error {
		s.d.Submit(func() { logStats(s.d.Stats()) })
		return nil
	})

	return s.d.Await(ctx, s.cfg.Downloader.TickInterval, op)
}

// ensureBuild switches to the configured build if one is set and differs from the cached one.
func (s *session) ensureBuild(ctx context.Context, deployment string, buildID string) error {
	if buildID == "" {
		if s.d.ContentBuildID() == "" {
			return fmt.Errorf("no build id configured and no cached build available")
		}
		return nil
	}

	ok, err := s.await(ctx, func(done pak.Callback) {
		s.d.UpdateBuild(deployment, buildID, true, done)
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("failed to update to build %s: %s", buildID, s.d.Stats().LastError)
	}
	return nil
}

func logStats(st pak.Stats) {
	log.WithFields(logrus.Fields{
		"files":  fmt.Sprintf("%d/%d", st.FilesDownloaded, st.TotalFilesToDownload),
		"bytes":  fmt.Sprintf("%d/%d", st.BytesDownloaded, st.TotalBytesToDownload),
		"chunks": fmt.Sprintf("%d/%d", st.ChunksMounted, st.TotalChunksToMount),
		"error":  st.LastError,
	}).Info("Loading")
}
