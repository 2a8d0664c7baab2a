// Package config composes the per-package configuration of the harness
// into the flag surfaces of its two entry points: the harness itself and
// the worker binary it spawns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/rdkcentral/fwupdate-harness/daemon"
	"github.com/rdkcentral/fwupdate-harness/fwclient"
	"github.com/rdkcentral/fwupdate-harness/logging"
	"github.com/rdkcentral/fwupdate-harness/pool"
)

const defaultConfFile = "/opt/swupdate.conf"

// Config is the full harness configuration.
type Config struct {
	BaseDir  string `long:"basedir" description:"Directory for harness scratch files (worker binary, logs)"`
	ConfFile string `long:"conffile" description:"The daemon's single-line upstream URL file"`

	Logging logging.Opts   `group:"Logging"`
	Daemon  *daemon.Config `group:"Daemon" namespace:"daemon"`
	Pool    *pool.Config   `group:"Pool" namespace:"pool"`
}

// DefaultConfig returns a config with the defaults the functional test
// suite runs with.
func DefaultConfig() *Config {
	return &Config{
		BaseDir:  filepath.Join(os.TempDir(), "fwharness"),
		ConfFile: defaultConfFile,
		Daemon:   daemon.DefaultConfig(),
		Pool:     pool.DefaultConfig(),
	}
}

// ParseFlags overlays command line arguments onto the passed config.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// Setup creates the harness scratch directory.
func Setup(cfg *Config) (*Config, error) {
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return cfg, nil
}

// WorkerConfig is the flag surface of the worker binary. The pool renders
// these flags when spawning; keep the two in sync.
type WorkerConfig struct {
	WorkerID    int           `long:"worker-id" description:"This worker's identity in results"`
	CommandWait time.Duration `long:"command-wait" description:"Bounded wait for the next command"`

	Logging logging.Opts     `group:"Logging"`
	Client  *fwclient.Config `group:"Client" namespace:"client"`
}

func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		CommandWait: 30 * time.Second,
		Client:      fwclient.DefaultConfig(),
	}
}

// ParseWorkerFlags overlays command line arguments onto the passed
// worker config.
func ParseWorkerFlags(preCfg *WorkerConfig) (*WorkerConfig, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}
