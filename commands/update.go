package commands

import (
	"context"

	"pakpatch/config"
	"pakpatch/datamodel/pak"
)

func RunUpdate(ctx context.Context, cfg *config.Config, deployment string, buildID string) {
	if deployment == "" {
		deployment = cfg.Content.Deployment
	}
	if buildID == "" {
		buildID = cfg.Content.BuildID
	}
	if buildID == "" {
		log.Fatal("No build id given")
	}

	s, err := openSession(cfg)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	ok, err := s.await(ctx, func(done pak.Callback) {
		s.d.UpdateBuild(deployment, buildID, false, done)
	})
	if err != nil {
		log.Errorf("Update interrupted: %v", err)
		return
	}
	if !ok {
		log.Errorf("Update to %s/%s failed: %s", deployment, buildID, s.d.Stats().LastError)
		return
	}

	log.Infof("Updated to %s/%s", s.d.DeploymentName(), s.d.ContentBuildID())
	for i, u := range s.d.BuildBaseURLs() {
		log.Infof("Base url %d: %s", i, u)
	}
	s.d.DumpLoadedChunks()
}
