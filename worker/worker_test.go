package worker_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/rdkcentral/fwupdate-harness/fwclient"
	"github.com/rdkcentral/fwupdate-harness/logging"
	"github.com/rdkcentral/fwupdate-harness/mockservice"
	"github.com/rdkcentral/fwupdate-harness/wire"
	"github.com/rdkcentral/fwupdate-harness/worker"
)

// testWorker runs a worker in-process, wired up exactly as the spawned
// binary would be: commands in on one pipe, results out on another.
type testWorker struct {
	commands *wire.Encoder
	results  *wire.Decoder
	closeIn  func() error
	eg       errgroup.Group
}

func startWorker(t *testing.T, commandWait time.Duration) *testWorker {
	t.Helper()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))

	socket := filepath.Join(t.TempDir(), "svc.sock")
	srv, err := mockservice.Start(ctx, socket)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, srv.Close()) })

	cfg := fwclient.DefaultConfig()
	cfg.Socket = socket
	cfg.ConnectRetries = 3
	cfg.ConnectBackoff = 50 * time.Millisecond
	client, err := fwclient.Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cmdR, cmdW := io.Pipe()
	resR, resW := io.Pipe()

	w := worker.New(0, client, cmdR, resW, commandWait)
	tw := &testWorker{
		commands: wire.NewEncoder(cmdW),
		results:  wire.NewDecoder(resR),
		closeIn:  cmdW.Close,
	}
	tw.eg.Go(func() error {
		defer resW.Close()
		return w.Run(ctx)
	})
	t.Cleanup(func() {
		_ = cmdW.Close()
		require.NoError(t, tw.eg.Wait())
	})
	return tw
}

func (tw *testWorker) roundTrip(t *testing.T, cmd wire.Command) wire.Result {
	t.Helper()
	require.NoError(t, tw.commands.Encode(cmd))
	return tw.next(t)
}

func (tw *testWorker) next(t *testing.T) wire.Result {
	t.Helper()
	var res wire.Result
	require.NoError(t, tw.results.Decode(&res))
	return res
}

func TestRegisterQueryUnregisterFlow(t *testing.T) {
	tw := startWorker(t, 30*time.Second)

	res := tw.roundTrip(t, wire.Command{Kind: wire.CmdRegister, Name: "TestClient_0", Version: "1.0.0"})
	require.Equal(t, wire.Registered, res.Kind)
	require.NotNil(t, res.Registration)
	require.NotZero(t, res.Registration.HandlerID)
	require.NotEmpty(t, res.Registration.ResourcePath)

	res = tw.roundTrip(t, wire.Command{Kind: wire.CmdCheckUpdate})
	require.Equal(t, wire.UpdateInfo, res.Kind)
	require.NotNil(t, res.Update)
	require.Equal(t, 7, res.Update.Arity)

	res = tw.roundTrip(t, wire.Command{Kind: wire.CmdUnregister})
	require.Equal(t, wire.Unregistered, res.Kind)
	require.True(t, res.Unregister.Success)

	res = tw.roundTrip(t, wire.Command{Kind: wire.CmdExit})
	require.Equal(t, wire.Exited, res.Kind)
}

// A handler id is single-use within the worker's lifetime: once
// unregistered, the stored id is gone until a new Register succeeds.
func TestLocalIDClearedAfterUnregister(t *testing.T) {
	tw := startWorker(t, 30*time.Second)

	res := tw.roundTrip(t, wire.Command{Kind: wire.CmdRegister, Name: "TestClient_0", Version: "1.0.0"})
	require.Equal(t, wire.Registered, res.Kind)

	res = tw.roundTrip(t, wire.Command{Kind: wire.CmdUnregister})
	require.True(t, res.Unregister.Success)

	// Second unregister is answered locally: no id to send.
	res = tw.roundTrip(t, wire.Command{Kind: wire.CmdUnregister})
	require.Equal(t, wire.Unregistered, res.Kind)
	require.False(t, res.Unregister.Success)
	require.Equal(t, "not registered", res.Message)

	// Query without an id is short-circuited the same way.
	res = tw.roundTrip(t, wire.Command{Kind: wire.CmdCheckUpdate})
	require.Equal(t, wire.NotRegistered, res.Kind)

	// A fresh registration makes the worker whole again.
	res = tw.roundTrip(t, wire.Command{Kind: wire.CmdRegister, Name: "TestClient_0", Version: "1.0.0"})
	require.Equal(t, wire.Registered, res.Kind)
}

func TestQueryBeforeRegisterAnsweredLocally(t *testing.T) {
	tw := startWorker(t, 30*time.Second)

	res := tw.roundTrip(t, wire.Command{Kind: wire.CmdCheckUpdate})
	require.Equal(t, wire.NotRegistered, res.Kind)
	require.Equal(t, "not registered", res.Message)
}

// Expiry of the command wait is reported, not swallowed: the worker says
// Timeout and keeps serving, so the pool can still reap it.
func TestCommandWaitExpiryReportsTimeout(t *testing.T) {
	tw := startWorker(t, 200*time.Millisecond)

	res := tw.next(t)
	require.Equal(t, wire.Timeout, res.Kind)

	// The worker is still serving; further Timeouts may race the Exit.
	require.NoError(t, tw.commands.Encode(wire.Command{Kind: wire.CmdExit}))
	for i := 0; ; i++ {
		require.Less(t, i, 10, "worker never acknowledged Exit")
		res = tw.next(t)
		if res.Kind == wire.Exited {
			break
		}
		require.Equal(t, wire.Timeout, res.Kind)
	}
}

func TestTokenEchoedInResult(t *testing.T) {
	tw := startWorker(t, 30*time.Second)

	res := tw.roundTrip(t, wire.Command{Kind: wire.CmdCheckUpdate, Token: "correlate-me"})
	require.Equal(t, "correlate-me", res.Token)
}

func TestCommandStreamEOFExitsCleanly(t *testing.T) {
	tw := startWorker(t, 30*time.Second)
	require.NoError(t, tw.closeIn())
	require.NoError(t, tw.eg.Wait())
}
