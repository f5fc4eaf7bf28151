package commands

import (
	"context"
	"errors"
	"time"

	"pakpatch/config"
	"pakpatch/helper/timer"

	"golang.org/x/sync/errgroup"
)

const statusInterval = 10 * time.Second

// RunServe keeps the session ticking until the context is cancelled: it switches to the configured
// build, mounts the requested chunks and logs the loading stats periodically.
func RunServe(ctx context.Context, cfg *config.Config, chunkIDs []int32) {
	s, err := openSession(cfg)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	d := s.d
	mount := func() {
		if len(chunkIDs) == 0 {
			return
		}
		d.BeginLoadingMode(func(ok bool) {
			log.Infof("Loading complete (ok: %t)", ok)
			logStats(d.Stats())
		})
		d.MountChunks(chunkIDs, true, func(ok bool) {
			if !ok {
				log.Errorf("Failed to mount chunks %v: %s", chunkIDs, d.Stats().LastError)
			}
		})
	}

	d.Submit(func() {
		if cfg.Content.BuildID == "" {
			mount()
			return
		}
		d.UpdateBuild(cfg.Content.Deployment, cfg.Content.BuildID, true, func(ok bool) {
			if !ok {
				log.Errorf("Failed to update to build %s: %s", cfg.Content.BuildID, d.Stats().LastError)
				return
			}
			mount()
		})
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(gctx, cfg.ControlInterval())
	})

	g.Go(func() error {
		err := timer.RunWithTicker(gctx, &timer.Interval{Duration: statusInterval, Jitter: statusInterval / 10}, func(ctx context.Context) error {
			d.Submit(func() {
				log.Infof("Build %s, %d download requests", d.ContentBuildID(), d.NumDownloadRequests())
				if d.IsLoading() {
					logStats(d.Stats())
				}
			})
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Errorf("Serve failed: %v", err)
	}
	log.Info("Shutting down")
}
