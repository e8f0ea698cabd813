// Package configs holds the configuration file of the installer. Command line flags override the
// values of the file.
package configs

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"github.com/unbasical/doras-installer/internal/pkg/utils/fileutils"
)

//go:embed installer.example.yaml
var exampleConfig string

// ExampleConfig returns a documented configuration file.
func ExampleConfig() string {
	return exampleConfig
}

type InstallerConfig struct {
	Product    string `yaml:"product"`
	InstallDir string `yaml:"install-dir"`
	// TempDir is wiped after fatal failures, StateDir keeps the client record and the uninstall
	// manifest.
	TempDir     string            `yaml:"temp-dir"`
	StateDir    string            `yaml:"state-dir"`
	Interactive bool              `yaml:"interactive"`
	LockRetry   RetryConfig       `yaml:"lock-retry"`
	ProcessWait ProcessWaitConfig `yaml:"process-wait"`
	Log         LogConfig         `yaml:"log"`
}

// RetryConfig controls how long a locked file is retried.
type RetryConfig struct {
	Interval time.Duration `yaml:"interval"`
	Attempts uint          `yaml:"attempts"`
}

// ProcessWaitConfig controls how long processes running from the install directory are waited for
// in unattended sessions.
type ProcessWaitConfig struct {
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File receives a copy of the log. Relative paths are resolved against the state directory.
	File string `yaml:"file"`
}

// Default returns the configuration used for every value the file does not set.
func Default() InstallerConfig {
	return InstallerConfig{
		Product: "doras",
		LockRetry: RetryConfig{
			Interval: 500 * time.Millisecond,
			Attempts: 20,
		},
		ProcessWait: ProcessWaitConfig{
			Interval: time.Second,
			Window:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "update.log",
		},
	}
}

// Load reads the configuration file at path on top of the defaults. A missing file yields the
// defaults.
func Load(fs afero.Fs, path string) (InstallerConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := fileutils.SafeReadYAML(fs, path, &cfg); err != nil {
		return cfg, fmt.Errorf("reading config %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values no session can work with.
func (c InstallerConfig) Validate() error {
	if c.Product == "" {
		return fmt.Errorf("product must not be empty")
	}
	if c.LockRetry.Interval <= 0 {
		return fmt.Errorf("lock-retry.interval must be positive")
	}
	if c.ProcessWait.Interval <= 0 || c.ProcessWait.Window < 0 {
		return fmt.Errorf("process-wait needs a positive interval and a non-negative window")
	}
	return nil
}
