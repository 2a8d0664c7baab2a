// Package fwclient is a faithful protocol client for the firmware update
// manager daemon. It speaks the daemon's native framing over a unix
// socket: positional argument lists in, positional value tuples out, with
// the handler id rendered as a decimal string exactly as the daemon
// expects it. Convenience is deliberately left to callers; the client's
// job is to put on the wire what a real registrant would.
package fwclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/rdkcentral/fwupdate-harness/logging"
	"github.com/rdkcentral/fwupdate-harness/wire"
)

const (
	methodRegister    = "RegisterProcess"
	methodCheckUpdate = "CheckForUpdate"
	methodUnregister  = "UnregisterProcess"
	methodIntrospect  = "Introspect"
)

var callLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "fwharness",
	Subsystem: "client",
	Name:      "call_latency_seconds",
	Help:      "Latency of RPC calls against the service under test",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
}, []string{"method"})

// Config holds the connection parameters for one client. Every worker
// process builds exactly one Client from it and keeps the connection for
// its whole lifetime.
type Config struct {
	Socket         string        `long:"socket" description:"Unix socket of the service under test"`
	ConnectRetries int           `long:"connect-retries" description:"Connection attempts before giving up"`
	ConnectBackoff time.Duration `long:"connect-backoff" description:"Fixed delay between connection attempts"`
	CallTimeout    time.Duration `long:"call-timeout" description:"Per-call deadline on the wire"`
}

// DefaultConfig returns the connection parameters used by the functional
// test suite: ten attempts half a second apart, ten seconds per call.
func DefaultConfig() *Config {
	return &Config{
		Socket:         "/tmp/rdkfwupdater.sock",
		ConnectRetries: 10,
		ConnectBackoff: 500 * time.Millisecond,
		CallTimeout:    10 * time.Second,
	}
}

// Client is a single connection to the service under test. The daemon
// binds registrant identity to the connection, so a Client must never be
// shared between simulated clients.
type Client struct {
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder
	cfg  Config
}

type request struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

type reply struct {
	Values []any  `json:"values"`
	Fault  string `json:"fault,omitempty"`
}

// Dial establishes the connection with bounded retries, verifying on each
// attempt that the daemon answers introspection before the client is
// handed out. Exhausted retries are fatal to the caller; a real client
// could not proceed past this point either.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	logger := logging.FromContext(ctx)

	var lastErr error
	for attempt := 0; attempt < cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.ConnectBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		c, err := dialOnce(cfg)
		if err != nil {
			lastErr = err
			logger.Debug("connection attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		return c, nil
	}
	return nil, fmt.Errorf("cannot connect to service at %s after %d attempts: %w",
		cfg.Socket, cfg.ConnectRetries, lastErr)
}

func dialOnce(cfg *Config) (*Client, error) {
	conn, err := net.DialTimeout("unix", cfg.Socket, cfg.ConnectBackoff)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn: conn,
		enc:  wire.NewEncoder(conn),
		dec:  wire.NewDecoder(conn),
		cfg:  *cfg,
	}

	// The socket may accept before the daemon's handler table is up.
	// Introspection proves the interface is actually served.
	if _, err := c.call(methodIntrospect); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("introspection probe: %w", err)
	}
	return c, nil
}

// Register invokes the service's registration call and returns the opaque
// handler id together with its companion resource path.
func (c *Client) Register(name, version string) (uint64, string, error) {
	values, err := c.call(methodRegister, name, version)
	if err != nil {
		return 0, "", err
	}
	if len(values) != 2 {
		return 0, "", &DecodeError{Method: methodRegister, Arity: len(values)}
	}
	id, ok := asUint64(values[0])
	if !ok {
		return 0, "", &DecodeError{Method: methodRegister, Arity: len(values)}
	}
	return id, asString(values[1]), nil
}

// CheckForUpdate queries the service on behalf of the given handler id.
// The id goes out string-encoded; the daemon rejects the integral form.
func (c *Client) CheckForUpdate(handlerID uint64) (*wire.Update, error) {
	values, err := c.call(methodCheckUpdate, strconv.FormatUint(handlerID, 10))
	if err != nil {
		return nil, err
	}
	return decodeUpdate(values)
}

// Unregister revokes the given handler id. The id goes out string-encoded.
func (c *Client) Unregister(handlerID uint64) (bool, error) {
	values, err := c.call(methodUnregister, strconv.FormatUint(handlerID, 10))
	if err != nil {
		return false, err
	}
	if len(values) != 1 {
		return false, &DecodeError{Method: methodUnregister, Arity: len(values)}
	}
	ok, valid := asBool(values[0])
	if !valid {
		return false, &DecodeError{Method: methodUnregister, Arity: len(values)}
	}
	return ok, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(method string, args ...any) ([]any, error) {
	timer := prometheus.NewTimer(callLatency.WithLabelValues(method))
	defer timer.ObserveDuration()

	if args == nil {
		args = []any{}
	}
	deadline := time.Now().Add(c.cfg.CallTimeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := c.enc.Encode(request{Method: method, Args: args}); err != nil {
		return nil, classify(method, err)
	}

	var rep reply
	if err := c.dec.Decode(&rep); err != nil {
		return nil, classify(method, err)
	}
	if rep.Fault != "" {
		return nil, &FaultError{Method: method, Message: rep.Fault}
	}
	return rep.Values, nil
}

func classify(method string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Method: method}
	}
	return fmt.Errorf("%s: %w", method, err)
}
