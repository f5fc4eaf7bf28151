package commands

import (
	"context"
	"fmt"

	"pakpatch/config"
)

func RunFlush(ctx context.Context, cfg *config.Config) {
	s, err := openSession(cfg)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	skipped := s.d.FlushCache()
	fmt.Printf("%d files could not be flushed\n", skipped)
}

func RunValidate(ctx context.Context, cfg *config.Config) {
	s, err := openSession(cfg)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer s.Close()

	invalid := s.d.ValidateCache()
	fmt.Printf("%d invalid files deleted\n", invalid)
}
