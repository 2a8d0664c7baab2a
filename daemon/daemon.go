// Package daemon starts and stops the service under test with clean-slate
// guarantees between runs. The daemon is a black box here: it is launched
// with its two mandatory positional arguments, tracked through a pid
// file, and torn down first gracefully, then forcibly, with a name-based
// kill as the safety net for orphans the pid file never saw.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/rdkcentral/fwupdate-harness/logging"
)

// TriggerType is the daemon's second positional startup argument.
type TriggerType int

const (
	TriggerBootup TriggerType = iota + 1
	TriggerScheduled
	TriggerTR69
	TriggerApp
	TriggerDelayedDownload
	TriggerStateRed
)

var startsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fwharness",
	Subsystem: "daemon",
	Name:      "starts_total",
	Help:      "Daemon start attempts by outcome",
}, []string{"outcome"})

// Config locates the daemon binary and sets the lifecycle timing.
type Config struct {
	Binary     string        `long:"binary" description:"Path to the daemon binary"`
	PidFile    string        `long:"pidfile" description:"Where to persist the daemon pid"`
	RetryCount int           `long:"retry-count" description:"Daemon's first positional argument"`
	Trigger    TriggerType   `long:"trigger" description:"Daemon's second positional argument (1-6)"`
	WarmUp     time.Duration `long:"warmup" description:"Wait after launch before declaring success"`
	StopGrace  time.Duration `long:"stop-grace" description:"Wait after SIGTERM before escalating"`
}

func DefaultConfig() *Config {
	return &Config{
		Binary:    "/usr/local/bin/rdkFwupdateMgr",
		PidFile:   "/tmp/rdkFwupdateMgr.pid",
		Trigger:   TriggerBootup,
		WarmUp:    2 * time.Second,
		StopGrace: time.Second,
	}
}

// Controller drives one daemon instance between test runs.
type Controller struct {
	cfg    Config
	logger *zap.Logger
	cmd    *exec.Cmd

	// exited is closed once the launched process has been reaped. Nil
	// until the first successful Start.
	exited chan struct{}
}

func New(ctx context.Context, cfg *Config) *Controller {
	return &Controller{
		cfg:    *cfg,
		logger: logging.FromContext(ctx).Named("daemon"),
	}
}

// Start launches a fresh daemon instance. Any stray same-named process is
// force-killed first. Failure (missing binary, immediate exit) is
// reported as an error and leaves no pid file behind.
func (c *Controller) Start() error {
	if _, err := os.Stat(c.cfg.Binary); err != nil {
		startsMetric.WithLabelValues("missing_binary").Inc()
		return fmt.Errorf("daemon binary: %w", err)
	}

	// Clean slate: nothing of a previous run may survive.
	if err := c.Stop(); err != nil {
		c.logger.Warn("pre-start stop reported errors", zap.Error(err))
	}
	time.Sleep(200 * time.Millisecond)

	cmd := exec.Command(c.cfg.Binary,
		strconv.Itoa(c.cfg.RetryCount),
		strconv.Itoa(int(c.cfg.Trigger)),
	)
	// New session, so pool or test signals never reach the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		startsMetric.WithLabelValues("spawn_failed").Inc()
		return fmt.Errorf("launching daemon: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	// Give the daemon its warm-up window; dying inside it is a failure.
	select {
	case <-exited:
		startsMetric.WithLabelValues("exited_immediately").Inc()
		return fmt.Errorf("daemon exited during warm-up")
	case <-time.After(c.cfg.WarmUp):
	}

	if err := os.WriteFile(c.cfg.PidFile, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644); err != nil {
		_ = cmd.Process.Kill()
		startsMetric.WithLabelValues("pidfile_failed").Inc()
		return fmt.Errorf("writing pid file: %w", err)
	}

	c.cmd = cmd
	c.exited = exited
	startsMetric.WithLabelValues("ok").Inc()
	c.logger.Info("daemon started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("trigger", int(c.cfg.Trigger)),
	)
	return nil
}

// Stop terminates the daemon: SIGTERM against the persisted pid, a grace
// wait, SIGKILL for a survivor, pid file removal, and finally a
// name-based force-kill for orphans the pid file did not track.
func (c *Controller) Stop() error {
	var merr *multierror.Error

	if pid, err := c.readPid(); err == nil {
		if err := unix.Kill(pid, unix.SIGTERM); err == nil {
			time.Sleep(c.cfg.StopGrace)
			if unix.Kill(pid, 0) == nil {
				if err := unix.Kill(pid, unix.SIGKILL); err != nil {
					merr = multierror.Append(merr, fmt.Errorf("force-killing pid %d: %w", pid, err))
				}
			}
		}
		if err := os.Remove(c.cfg.PidFile); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, fmt.Errorf("removing pid file: %w", err))
		}
	}

	// Orphans launched outside this controller's pid file.
	if err := killByName(filepath.Base(c.cfg.Binary)); err != nil {
		merr = multierror.Append(merr, err)
	}

	if c.exited != nil {
		select {
		case <-c.exited:
		case <-time.After(c.cfg.StopGrace):
		}
		c.exited = nil
		c.cmd = nil
	}

	return merr.ErrorOrNil()
}

// IsRunning probes the persisted pid with a null signal. Any failure -
// stale pid, missing file, permissions - means "not running".
func (c *Controller) IsRunning() bool {
	pid, err := c.readPid()
	if err != nil {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

func (c *Controller) readPid() (int, error) {
	data, err := os.ReadFile(c.cfg.PidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", c.cfg.PidFile, err)
	}
	return pid, nil
}

// killByName force-kills every process with exactly the given name.
// "No processes matched" is not an error.
func killByName(name string) error {
	cmd := exec.Command("pkill", "-9", "-x", name)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil
		}
		return fmt.Errorf("pkill %s: %w", name, err)
	}
	return nil
}
