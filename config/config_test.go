package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pakpatch.yaml")

	cfg := NewEmptyConfig(path)
	cfg.Content.BuildID = "1234"
	cfg.Downloader.TickInterval = 100 * time.Millisecond
	cfg.Downloader.TickJitter = 10 * time.Millisecond
	cfg.CDN.Deployments = map[string]Deployment{
		"staging": {CdnBaseURLs: []string{"http://staging-a", "http://staging-b"}},
	}
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}

	cfg2, err := NewConfigFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg2.Content != cfg.Content || cfg2.DataStore != cfg.DataStore || cfg2.Downloader != cfg.Downloader {
		t.Fatalf("Config mismatch: %+v != %+v", cfg2, cfg)
	}
	if !slices.Equal(cfg2.CdnBaseURLs("staging"), []string{"http://staging-a", "http://staging-b"}) {
		t.Fatalf("Unexpected staging urls: %v", cfg2.CdnBaseURLs("staging"))
	}
	if !slices.Equal(cfg2.CdnBaseURLs("live"), cfg.CDN.BaseURLs) {
		t.Fatalf("Unexpected live urls: %v", cfg2.CdnBaseURLs("live"))
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pakpatch.yaml")
	data := "content:\n  platform: Windows\ndownloader:\n  tick_interval: 20ms\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewConfigFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Content.Platform != "Windows" || cfg.Downloader.TickInterval != 20*time.Millisecond {
		t.Fatalf("Unexpected config: %+v", cfg)
	}
	if cfg.Downloader.MaxConcurrentDownloads != 4 || cfg.Downloader.MaxMountAttempts != 3 {
		t.Fatalf("Defaults were not kept: %+v", cfg.Downloader)
	}
}

func TestValidate(t *testing.T) {
	if err := NewEmptyConfig("").Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}

	cases := map[string]func(*Config){
		"cache dir":   func(c *Config) { c.DataStore.CacheDir = "" },
		"platform":    func(c *Config) { c.Content.Platform = "" },
		"concurrency": func(c *Config) { c.Downloader.MaxConcurrentDownloads = 0 },
		"attempts":    func(c *Config) { c.Downloader.MaxMountAttempts = -1 },
		"interval":    func(c *Config) { c.Downloader.TickInterval = 0 },
		"jitter":      func(c *Config) { c.Downloader.TickJitter = c.Downloader.TickInterval },
	}
	for name, mutate := range cases {
		cfg := NewEmptyConfig("")
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := NewConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Expected an error")
	}
}
