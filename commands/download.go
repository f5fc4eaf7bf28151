package commands

import (
	"context"

	"pakpatch/config"
	"pakpatch/datamodel/pak"
)

func RunDownload(ctx context.Context, cfg *config.Config, chunkIDs []int32, priority int32) {
	s, err := openSession(cfg)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	if err := s.ensureBuild(ctx, cfg.Content.Deployment, cfg.Content.BuildID); err != nil {
		log.Errorf("%v", err)
		return
	}

	if len(chunkIDs) == 0 {
		chunkIDs = s.d.GetAllChunkIDs()
	}

	ok, err := s.await(ctx, func(done pak.Callback) {
		s.d.BeginLoadingMode(nil)
		s.d.DownloadChunks(chunkIDs, priority, done)
	})
	if err != nil {
		log.Errorf("Download interrupted: %v", err)
		return
	}

	logStats(s.d.Stats())
	if !ok {
		log.Errorf("Download failed: %s", s.d.Stats().LastError)
		return
	}
	log.Infof("Downloaded %d chunks", len(chunkIDs))
}
