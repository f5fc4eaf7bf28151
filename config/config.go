package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"pakpatch/helper/timer"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var log = logrus.New()

func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

// Deployment overrides settings for one deployment, e.g. "live" or "staging"
type Deployment struct {
	CdnBaseURLs []string `yaml:"cdn_base_urls"`
}

// Config represents the configuration of the pakpatch client
type Config struct {
	// Default config file location
	configFile string

	// Content settings identify the content build to keep in sync with
	Content struct {
		Platform   string `yaml:"platform"`
		Deployment string `yaml:"deployment"`
		BuildID    string `yaml:"build_id"`
	} `yaml:"content"`

	DataStore struct {
		CacheDir    string `yaml:"cache_dir"`
		EmbeddedDir string `yaml:"embedded_dir"`
		DownloadLog string `yaml:"download_log"`
	} `yaml:"datastore"`

	Downloader struct {
		MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads"`
		TickInterval           time.Duration `yaml:"tick_interval"`
		TickJitter             time.Duration `yaml:"tick_jitter"`
		MaxMountAttempts       int           `yaml:"max_mount_attempts"`
	} `yaml:"downloader"`

	CDN struct {
		BaseURLs    []string              `yaml:"cdn_base_urls"`
		Deployments map[string]Deployment `yaml:"deployments,omitempty"`
	} `yaml:"cdn"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Content.Platform = "Linux"
	cfg.Content.Deployment = "live"

	cfg.DataStore.CacheDir = "/tmp/pakpatch/cache"
	cfg.DataStore.EmbeddedDir = ""
	cfg.DataStore.DownloadLog = "/tmp/pakpatch/downloads"

	cfg.Downloader.MaxConcurrentDownloads = 4
	cfg.Downloader.TickInterval = 50 * time.Millisecond
	cfg.Downloader.TickJitter = 0
	cfg.Downloader.MaxMountAttempts = 3

	cfg.CDN.BaseURLs = []string{"http://localhost:8080"}

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%s: %w", c.configFile, err)
	}

	return c.Validate()
}

// CdnBaseURLs returns the CDN base urls of a deployment, falling back to the default list.
func (c *Config) CdnBaseURLs(deployment string) []string {
	if d, ok := c.CDN.Deployments[deployment]; ok && len(d.CdnBaseURLs) > 0 {
		return d.CdnBaseURLs
	}
	return c.CDN.BaseURLs
}

// ControlInterval is the interval the downloader is ticked at.
func (c *Config) ControlInterval() *timer.Interval {
	return &timer.Interval{Duration: c.Downloader.TickInterval, Jitter: c.Downloader.TickJitter}
}

func (c *Config) Validate() error {
	if c.Content.Platform == "" {
		return errors.New("config: platform is not set")
	}
	if c.DataStore.CacheDir == "" {
		return errors.New("config: cache_dir is not set")
	}
	if c.Downloader.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("config: max_concurrent_downloads must be positive, got %d", c.Downloader.MaxConcurrentDownloads)
	}
	if c.Downloader.MaxMountAttempts <= 0 {
		return fmt.Errorf("config: max_mount_attempts must be positive, got %d", c.Downloader.MaxMountAttempts)
	}
	if err := c.ControlInterval().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
