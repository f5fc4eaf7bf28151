package commands

import (
	"context"
	"fmt"

	"pakpatch/config"
	"pakpatch/datamodel/pak"
)

func RunMount(ctx context.Context, cfg *config.Config, chunkIDs []int32, scan bool) {
	s, err := openSession(cfg)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	if err := s.ensureBuild(ctx, cfg.Content.Deployment, cfg.Content.BuildID); err != nil {
		log.Errorf("%v", err)
		return
	}

	ok, err := s.await(ctx, func(done pak.Callback) {
		s.d.MountChunks(chunkIDs, scan, done)
	})
	if err != nil {
		log.Errorf("Mount interrupted: %v", err)
		return
	}
	if !ok {
		log.Errorf("Mount failed: %s", s.d.Stats().LastError)
	}

	for _, id := range chunkIDs {
		paths, err := s.d.ChunkContentPaths(id, false)
		if err != nil {
			log.Errorf("Chunk %d: %v", id, err)
			continue
		}
		fmt.Printf("Chunk %d (%s), %d files\n", id, s.d.GetChunkStatus(id), len(paths))
		for _, p := range paths {
			fmt.Printf("  %s\n", p)
		}
	}

	if scan {
		indexed := s.ns.Query("/")
		fmt.Printf("Content index, %d entries\n", len(indexed))
		for _, p := range indexed {
			fmt.Printf("  %s\n", p)
		}
	}
}
