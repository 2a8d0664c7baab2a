// Package pool coordinates N worker processes as a single logical client
// fleet. Each worker is a separate OS process holding its own connection
// to the service under test; the daemon binds identity to the connection,
// so in-process concurrency could never exercise its multi-client paths.
// Commands fan out over per-worker stdin pipes, results fan back in over
// one merged stream and are reassembled deterministically by worker id.
package pool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rdkcentral/fwupdate-harness/fwclient"
	"github.com/rdkcentral/fwupdate-harness/logging"
	"github.com/rdkcentral/fwupdate-harness/wire"
)

var resultsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fwharness",
	Subsystem: "pool",
	Name:      "results_total",
	Help:      "Results collected from workers, by kind",
}, []string{"kind"})

// Config holds the knobs for spawning and coordinating workers.
type Config struct {
	WorkerExe   string        `long:"worker-exe" description:"Path to the worker executable"`
	SettleDelay time.Duration `long:"settle-delay" description:"Fixed wait after spawning workers"`
	ResultWait  time.Duration `long:"result-wait" description:"Wait per fan-in collection batch"`
	JoinGrace   time.Duration `long:"join-grace" description:"Wait per worker before escalating to a kill"`
	KillWait    time.Duration `long:"kill-wait" description:"Wait per worker after a forced kill"`
	CommandWait time.Duration `long:"command-wait" description:"Worker-side wait for the next command"`
	DebugLog    bool          `long:"worker-debuglog" description:"Run workers with debug logging"`

	Client *fwclient.Config `group:"Client" namespace:"client"`
}

func DefaultConfig() *Config {
	return &Config{
		SettleDelay: time.Second,
		ResultWait:  10 * time.Second,
		JoinGrace:   2 * time.Second,
		KillWait:    time.Second,
		CommandWait: 30 * time.Second,
		Client:      fwclient.DefaultConfig(),
	}
}

// workerProc is the pool's handle on one spawned worker. The handle, the
// process and its connection are bound 1:1 for the worker's lifetime.
type workerProc struct {
	id    int
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *wire.Encoder
	errb  bytes.Buffer

	// exited is closed once the process has been reaped.
	exited  chan struct{}
	waitErr error
}

func (w *workerProc) alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// Pool owns its workers from construction to Cleanup.
type Pool struct {
	cfg     Config
	logger  *zap.Logger
	workers []*workerProc
	results chan wire.Result

	mu      sync.Mutex
	state   map[int]*wire.Registration
	cleaned bool
}

// New spawns n workers and waits a fixed settle interval for them to
// connect. The interval is not a readiness barrier: callers that need
// strict readiness must look for FatalError results before issuing
// further commands.
func New(ctx context.Context, n int, cfg *Config) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", n)
	}
	if cfg.WorkerExe == "" {
		return nil, fmt.Errorf("worker executable not configured")
	}

	p := &Pool{
		cfg:     *cfg,
		logger:  logging.FromContext(ctx).Named("pool"),
		workers: make([]*workerProc, n),
		results: make(chan wire.Result, 64*n),
		state:   make(map[int]*wire.Registration),
	}

	var eg errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			w, err := p.spawn(i)
			if err != nil {
				return fmt.Errorf("spawning worker %d: %w", i, err)
			}
			p.workers[i] = w
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, w := range p.workers {
			if w != nil && w.alive() {
				_ = w.cmd.Process.Kill()
			}
		}
		return nil, err
	}

	time.Sleep(p.cfg.SettleDelay)
	return p, nil
}

func (p *Pool) spawn(id int) (*workerProc, error) {
	args := []string{
		fmt.Sprintf("--worker-id=%d", id),
		fmt.Sprintf("--command-wait=%s", p.cfg.CommandWait),
		fmt.Sprintf("--client.socket=%s", p.cfg.Client.Socket),
		fmt.Sprintf("--client.connect-retries=%d", p.cfg.Client.ConnectRetries),
		fmt.Sprintf("--client.connect-backoff=%s", p.cfg.Client.ConnectBackoff),
		fmt.Sprintf("--client.call-timeout=%s", p.cfg.Client.CallTimeout),
	}
	if p.cfg.DebugLog {
		args = append(args, "--debuglog")
	}

	w := &workerProc{
		id:     id,
		cmd:    exec.Command(p.cfg.WorkerExe, args...),
		exited: make(chan struct{}),
	}
	w.cmd.Stderr = &w.errb

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	w.stdin = stdin
	w.enc = wire.NewEncoder(stdin)

	if err := w.cmd.Start(); err != nil {
		return nil, err
	}

	// Merge this worker's result stream into the shared channel.
	go func() {
		dec := wire.NewDecoder(stdout)
		for {
			var res wire.Result
			if err := dec.Decode(&res); err != nil {
				return
			}
			p.results <- res
		}
	}()

	// Reap the process and remember how it went.
	go func() {
		w.waitErr = w.cmd.Wait()
		close(w.exited)
	}()

	return w, nil
}

// Faults sweeps results that were reported outside any fan-out and
// returns the fatal ones, such as workers whose connection retries were
// exhausted during construction. Callers that need strict readiness call
// this after New before issuing commands.
func (p *Pool) Faults() []wire.Result {
	var faults []wire.Result
	for {
		select {
		case res := <-p.results:
			if res.Kind == wire.FatalError {
				faults = append(faults, res)
			}
		default:
			return faults
		}
	}
}

// Broadcast sends the command to every worker and returns exactly one
// result per worker, ordered by worker id regardless of arrival order.
func (p *Pool) Broadcast(cmd wire.Command) []wire.Result {
	return p.fanOut(func(int) wire.Command { return cmd })
}

// RegisterAll registers every worker under a distinct derived name
// (prefix_i) and records the returned identities in the pool state.
func (p *Pool) RegisterAll(prefix, version string) []wire.Result {
	results := p.fanOut(func(id int) wire.Command {
		return wire.Command{
			Kind:    wire.CmdRegister,
			Name:    fmt.Sprintf("%s_%d", prefix, id),
			Version: version,
		}
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, res := range results {
		if res.Kind == wire.Registered && res.Registration != nil {
			p.state[res.WorkerID] = res.Registration
		}
	}
	return results
}

// CheckUpdateAll issues CheckUpdate from every worker.
func (p *Pool) CheckUpdateAll() []wire.Result {
	return p.Broadcast(wire.Command{Kind: wire.CmdCheckUpdate})
}

// UnregisterAll unregisters every worker and unconditionally forgets all
// recorded identities: after this call the pool remembers none, no matter
// how the per-worker calls went.
func (p *Pool) UnregisterAll() []wire.Result {
	results := p.Broadcast(wire.Command{Kind: wire.CmdUnregister})

	p.mu.Lock()
	p.state = make(map[int]*wire.Registration)
	p.mu.Unlock()
	return results
}

// Registration returns the identity recorded for the given worker, if a
// registration succeeded and has not been bulk-reset since. The pool only
// ever learns identities from results; it never reads worker memory.
func (p *Pool) Registration(workerID int) (*wire.Registration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.state[workerID]
	return reg, ok
}

// NumWorkers returns the pool size.
func (p *Pool) NumWorkers() int {
	return len(p.workers)
}

// fanOut delivers a per-worker command to every worker and collects a
// positionally complete result list. A worker that cannot be reached, or
// that produces nothing within the collection window, occupies its slot
// with a tagged fault instead of being omitted.
func (p *Pool) fanOut(build func(id int) wire.Command) []wire.Result {
	n := len(p.workers)
	token := uuid.NewString()
	out := make([]wire.Result, n)
	pending := 0

	var eg errgroup.Group
	var mu sync.Mutex
	for _, w := range p.workers {
		w := w
		eg.Go(func() error {
			cmd := build(w.id)
			cmd.Token = token

			var failure string
			if !w.alive() {
				failure = "worker process exited"
			} else if err := w.enc.Encode(cmd); err != nil {
				failure = fmt.Sprintf("sending command: %v", err)
			}

			mu.Lock()
			defer mu.Unlock()
			if failure != "" {
				out[w.id] = wire.Fault(w.id, wire.FatalError, failure)
			} else {
				pending++
			}
			return nil
		})
	}
	_ = eg.Wait()

	p.collect(token, out, pending)

	for _, res := range out {
		resultsMetric.WithLabelValues(string(res.Kind)).Inc()
	}
	return out
}

// collect fills result slots until every pending worker has answered or
// the wait window lapses. The window re-arms on each received result.
func (p *Pool) collect(token string, out []wire.Result, pending int) {
	timer := time.NewTimer(p.cfg.ResultWait)
	defer timer.Stop()

	for pending > 0 {
		select {
		case res := <-p.results:
			if res.Token != token {
				// Spontaneous report (e.g. a worker-side command
				// timeout) from outside this fan-out.
				p.logger.Debug("dropping uncorrelated result",
					zap.Int("worker_id", res.WorkerID),
					zap.String("kind", string(res.Kind)),
				)
				continue
			}
			if res.WorkerID < 0 || res.WorkerID >= len(out) {
				p.logger.Warn("result with out-of-range worker id",
					zap.Int("worker_id", res.WorkerID))
				continue
			}
			if out[res.WorkerID].Kind != "" {
				continue
			}
			out[res.WorkerID] = res
			pending--

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.cfg.ResultWait)

		case <-timer.C:
			for id := range out {
				if out[id].Kind == "" {
					out[id] = wire.Fault(id, wire.Timeout, "no result within wait window")
				}
			}
			return
		}
	}
}

// Cleanup shuts the fleet down: Exit is broadcast, every process gets a
// bounded grace period, stragglers are killed. It tolerates workers that
// already exited abnormally and is safe to call more than once.
func (p *Pool) Cleanup() error {
	p.mu.Lock()
	if p.cleaned {
		p.mu.Unlock()
		return nil
	}
	p.cleaned = true
	p.mu.Unlock()

	for _, w := range p.workers {
		if w.alive() {
			// Send failures just mean the worker is already gone.
			_ = w.enc.Encode(wire.Command{Kind: wire.CmdExit})
		}
	}

	var merr *multierror.Error
	for _, w := range p.workers {
		select {
		case <-w.exited:
		case <-time.After(p.cfg.JoinGrace):
			p.logger.Warn("worker did not exit in time, killing",
				zap.Int("worker_id", w.id))
			if err := w.cmd.Process.Kill(); err != nil {
				merr = multierror.Append(merr,
					fmt.Errorf("killing worker %d: %w", w.id, err))
			}
			select {
			case <-w.exited:
			case <-time.After(p.cfg.KillWait):
				merr = multierror.Append(merr,
					fmt.Errorf("worker %d still alive after kill", w.id))
			}
		}
		_ = w.stdin.Close()
	}

	return merr.ErrorOrNil()
}
