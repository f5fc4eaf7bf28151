package commands

import (
	"context"
	"fmt"

	"pakpatch/config"
)

func RunStatus(ctx context.Context, cfg *config.Config) {
	s, err := openSession(cfg)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	if s.d.ContentBuildID() == "" {
		log.Warn("No cached build, run update first")
		return
	}

	fmt.Printf("Build %s (%s)\n", s.d.ContentBuildID(), s.d.DeploymentName())
	for _, id := range s.d.GetAllChunkIDs() {
		fmt.Printf("%6d  %s\n", id, s.d.GetChunkStatus(id))
	}
	fmt.Printf("%d files in the local cache\n", len(s.d.LocalManifest()))
}
