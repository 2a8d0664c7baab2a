// fwworker is one simulated client of the firmware update daemon. The
// pool spawns one process per identity: commands arrive as JSON lines on
// stdin, results leave on stdout. Logs go to stderr (and optionally a
// rotated file) so stdout stays a pure result stream.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rdkcentral/fwupdate-harness/config"
	"github.com/rdkcentral/fwupdate-harness/fwclient"
	"github.com/rdkcentral/fwupdate-harness/logging"
	"github.com/rdkcentral/fwupdate-harness/wire"
	"github.com/rdkcentral/fwupdate-harness/worker"
)

func main() {
	cfg, err := config.ParseWorkerFlags(config.DefaultWorkerConfig())
	if err != nil {
		os.Exit(2)
	}

	logger := logging.WithWorkerID(logging.New(cfg.Logging), cfg.WorkerID)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(
		logging.NewContext(context.Background(), logger),
		os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	out := wire.NewEncoder(os.Stdout)

	client, err := fwclient.Dial(ctx, cfg.Client)
	if err != nil {
		// A real client could not proceed past a dead service either;
		// report the fatal condition and terminate.
		_ = out.Encode(wire.Fault(cfg.WorkerID, wire.FatalError, err.Error()))
		logger.Error("connection establishment failed", zap.Error(err))
		os.Exit(1)
	}
	defer client.Close()

	w := worker.New(cfg.WorkerID, client, os.Stdin, os.Stdout, cfg.CommandWait)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker loop failed", zap.Error(err))
		os.Exit(1)
	}
}
