// Package worker implements the command loop of one simulated client.
// A worker owns exactly one connection to the service under test for its
// whole lifetime; the pool talks to it through line-framed commands on
// stdin and reads its results from stdout. A failed call never brings the
// worker down - faults are classified and reported so the worker's slot
// in fan-in stays accounted for.
package worker

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/rdkcentral/fwupdate-harness/fwclient"
	"github.com/rdkcentral/fwupdate-harness/logging"
	"github.com/rdkcentral/fwupdate-harness/wire"
)

// Worker runs commands against the service on behalf of one identity.
type Worker struct {
	id     int
	client *fwclient.Client
	out    *wire.Encoder
	in     io.Reader

	// commandWait bounds the wait for the next command. Its expiry is
	// reported as a Timeout result, not a silent exit, so the pool can
	// still reap the worker afterwards.
	commandWait time.Duration

	// handlerID is this worker's sole valid identity reference. It is
	// meaningless to any other worker and becomes unusable after
	// Unregister until a new Register succeeds.
	handlerID  uint64
	registered bool
}

func New(id int, client *fwclient.Client, in io.Reader, out io.Writer, commandWait time.Duration) *Worker {
	return &Worker{
		id:          id,
		client:      client,
		in:          in,
		out:         wire.NewEncoder(out),
		commandWait: commandWait,
	}
}

// Run executes commands until Exit, stdin EOF or context cancellation.
// EOF is treated as an exit request: the pool closes the command pipe
// when it is done with the worker.
func (w *Worker) Run(ctx context.Context) error {
	logger := logging.WithWorkerID(logging.FromContext(ctx), w.id)

	commands := make(chan wire.Command)
	readErr := make(chan error, 1)
	go func() {
		dec := wire.NewDecoder(w.in)
		for {
			var cmd wire.Command
			if err := dec.Decode(&cmd); err != nil {
				readErr <- err
				close(commands)
				return
			}
			commands <- cmd
		}
	}()

	timer := time.NewTimer(w.commandWait)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.commandWait)

		select {
		case cmd, ok := <-commands:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) {
					logger.Debug("command stream closed")
					return nil
				}
				w.emit(logger, wire.Fault(w.id, wire.FatalError, err.Error()))
				return err
			}
			if done := w.handle(logger, cmd); done {
				return nil
			}

		case <-timer.C:
			logger.Warn("no command within wait window",
				zap.Duration("wait", w.commandWait))
			w.emit(logger, wire.Fault(w.id, wire.Timeout, "no command received"))

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handle executes one command and reports exactly one result. It returns
// true when the loop must stop accepting further commands.
func (w *Worker) handle(logger *zap.Logger, cmd wire.Command) bool {
	res := wire.Result{WorkerID: w.id, Token: cmd.Token}

	switch cmd.Kind {
	case wire.CmdRegister:
		id, path, err := w.client.Register(cmd.Name, cmd.Version)
		if err != nil {
			w.emit(logger, w.classified(res, err))
			return false
		}
		w.handlerID = id
		w.registered = true
		res.Kind = wire.Registered
		res.Registration = &wire.Registration{HandlerID: id, ResourcePath: path}
		w.emit(logger, res)

	case wire.CmdCheckUpdate:
		if !w.registered {
			// The RPC is known-invalid without a handler id; answer
			// locally instead of sending it.
			res.Kind = wire.NotRegistered
			res.Message = "not registered"
			w.emit(logger, res)
			return false
		}
		update, err := w.client.CheckForUpdate(w.handlerID)
		if err != nil {
			w.emit(logger, w.classified(res, err))
			return false
		}
		res.Kind = wire.UpdateInfo
		res.Update = update
		w.emit(logger, res)

	case wire.CmdUnregister:
		if !w.registered {
			res.Kind = wire.Unregistered
			res.Unregister = &wire.Unregister{Success: false}
			res.Message = "not registered"
			w.emit(logger, res)
			return false
		}
		ok, err := w.client.Unregister(w.handlerID)
		// A registration is single-use within the worker's lifetime:
		// the local id is cleared no matter what the service said.
		w.handlerID = 0
		w.registered = false
		if err != nil {
			w.emit(logger, w.classified(res, err))
			return false
		}
		res.Kind = wire.Unregistered
		res.Unregister = &wire.Unregister{Success: ok}
		w.emit(logger, res)

	case wire.CmdExit:
		res.Kind = wire.Exited
		w.emit(logger, res)
		return true

	default:
		res.Kind = wire.ServiceFault
		res.Message = "unknown command: " + string(cmd.Kind)
		w.emit(logger, res)
	}
	return false
}

// classified maps a client error onto the matching result kind. Only
// connection establishment is fatal; everything at call level is
// recoverable and occupies the worker's fan-in slot as a tagged fault.
func (w *Worker) classified(res wire.Result, err error) wire.Result {
	res.Message = err.Error()

	var fault *fwclient.FaultError
	var decode *fwclient.DecodeError
	var timeout *fwclient.TimeoutError
	switch {
	case errors.As(err, &fault):
		res.Kind = wire.ServiceFault
	case errors.As(err, &decode):
		res.Kind = wire.DecodeFault
	case errors.As(err, &timeout):
		res.Kind = wire.Timeout
	default:
		res.Kind = wire.ServiceFault
	}
	return res
}

func (w *Worker) emit(logger *zap.Logger, res wire.Result) {
	if err := w.out.Encode(res); err != nil {
		logger.Error("failed to write result", zap.Error(err))
	}
}
