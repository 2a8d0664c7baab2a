package harness

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/rdkcentral/fwupdate-harness/config"
	"github.com/rdkcentral/fwupdate-harness/daemon"
	"github.com/rdkcentral/fwupdate-harness/pool"
	"github.com/rdkcentral/fwupdate-harness/scenario"
)

// Harness fully encapsulates an active daemon instance plus a fleet of
// simulated clients, providing a unified platform to drive deterministic
// multi-identity test scenarios against the service under test.
type Harness struct {
	Daemon   *daemon.Controller
	Scenario *scenario.Controller
	Pool     *pool.Pool
}

// New starts the daemon and spawns numWorkers simulated clients against
// it. On any failure everything already started is stopped again.
func New(ctx context.Context, cfg *config.Config, numWorkers int) (*Harness, error) {
	ctrl := daemon.New(ctx, cfg.Daemon)
	if err := ctrl.Start(); err != nil {
		return nil, fmt.Errorf("starting daemon: %w", err)
	}

	p, err := pool.New(ctx, numWorkers, cfg.Pool)
	if err != nil {
		_ = ctrl.Stop()
		return nil, fmt.Errorf("constructing pool: %w", err)
	}

	return &Harness{
		Daemon:   ctrl,
		Scenario: scenario.New(ctx, cfg.ConfFile),
		Pool:     p,
	}, nil
}

// TearDown stops the running instance: workers first, then the daemon,
// then any scenario override still in place. Every step runs even when
// an earlier one fails.
func (h *Harness) TearDown() error {
	var merr *multierror.Error

	if err := h.Pool.Cleanup(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("pool cleanup: %w", err))
	}
	if err := h.Daemon.Stop(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("daemon stop: %w", err))
	}
	if err := h.Scenario.Restore(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("scenario restore: %w", err))
	}

	return merr.ErrorOrNil()
}
