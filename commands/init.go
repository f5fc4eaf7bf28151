package commands

import (
	"context"
	"os"

	"pakpatch/config"
)

func RunInit(ctx context.Context, cfg *config.Config) {
	log.Info("RunInit()")

	if err := os.MkdirAll(cfg.DataStore.CacheDir, 0755); err != nil {
		log.Fatalf("Failed to create cache folder: %v", err)
	}

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
}
