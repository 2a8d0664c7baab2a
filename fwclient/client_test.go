package fwclient_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rdkcentral/fwupdate-harness/fwclient"
	"github.com/rdkcentral/fwupdate-harness/logging"
	"github.com/rdkcentral/fwupdate-harness/mockservice"
)

func testContext(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func startService(t *testing.T) (*mockservice.Server, *fwclient.Config) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "svc.sock")

	srv, err := mockservice.Start(testContext(t), socket)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, srv.Close()) })

	cfg := fwclient.DefaultConfig()
	cfg.Socket = socket
	cfg.ConnectRetries = 3
	cfg.ConnectBackoff = 50 * time.Millisecond
	cfg.CallTimeout = 2 * time.Second
	return srv, cfg
}

func TestRegisterReturnsHandlerAndResourcePath(t *testing.T) {
	_, cfg := startService(t)

	c, err := fwclient.Dial(testContext(t), cfg)
	require.NoError(t, err)
	defer c.Close()

	id, path, err := c.Register("TestClient_0", "1.0.0")
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Contains(t, path, "/org/rdkfwupdater/handler/")
}

// The service rejects an integral handler id; a passing query after
// registration proves the client sends the decimal-string form.
func TestHandlerIDStringEncoding(t *testing.T) {
	_, cfg := startService(t)

	c, err := fwclient.Dial(testContext(t), cfg)
	require.NoError(t, err)
	defer c.Close()

	id, _, err := c.Register("TestClient_0", "1.0.0")
	require.NoError(t, err)

	update, err := c.CheckForUpdate(id)
	require.NoError(t, err)
	require.Equal(t, 7, update.Arity)

	ok, err := c.Unregister(id)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnregisterUnknownHandlerReturnsFalse(t *testing.T) {
	_, cfg := startService(t)

	c, err := fwclient.Dial(testContext(t), cfg)
	require.NoError(t, err)
	defer c.Close()

	ok, err := c.Unregister(424242)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandlerIsBoundToConnection(t *testing.T) {
	_, cfg := startService(t)

	first, err := fwclient.Dial(testContext(t), cfg)
	require.NoError(t, err)
	defer first.Close()
	second, err := fwclient.Dial(testContext(t), cfg)
	require.NoError(t, err)
	defer second.Close()

	id, _, err := first.Register("TestClient_0", "1.0.0")
	require.NoError(t, err)

	// Another identity cannot revoke or query a foreign registration.
	ok, err := second.Unregister(id)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = second.CheckForUpdate(id)
	var fault *fwclient.FaultError
	require.ErrorAs(t, err, &fault)

	// The owner still can.
	ok, err = first.Unregister(id)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckForUpdateDecodesAllArities(t *testing.T) {
	srv, cfg := startService(t)

	c, err := fwclient.Dial(testContext(t), cfg)
	require.NoError(t, err)
	defer c.Close()

	id, _, err := c.Register("TestClient_0", "1.0.0")
	require.NoError(t, err)

	srv.SetUpdateReply([]any{1, "v2.0.0", "http://mockxconf/fw.bin", 0, 0, "", 200})
	update, err := c.CheckForUpdate(id)
	require.NoError(t, err)
	require.Equal(t, 7, update.Arity)
	require.Equal(t, 1, update.UpdateAvailable)
	require.Equal(t, "v2.0.0", update.AvailableVersion)
	require.Equal(t, 200, update.HTTPCode)

	srv.SetUpdateReply([]any{0, "v2.0.0", "http://mockxconf/fw.bin", 1, 3, "no route"})
	update, err = c.CheckForUpdate(id)
	require.NoError(t, err)
	require.Equal(t, 6, update.Arity)
	require.Equal(t, 1, update.RebootImmediately)
	require.Equal(t, 3, update.ErrorCode)
	require.Equal(t, "no route", update.ErrorMessage)
	require.Zero(t, update.HTTPCode)

	srv.SetUpdateReply([]any{0, "v1.0.0", "v2.0.0", "http://mockxconf/fw.bin", "Success"})
	update, err = c.CheckForUpdate(id)
	require.NoError(t, err)
	require.Equal(t, 5, update.Arity)
	require.Equal(t, "v1.0.0", update.CurrentVersion)
	require.Equal(t, "v2.0.0", update.AvailableVersion)
	require.Equal(t, "Success", update.ErrorMessage)
}

func TestUnrecognizedReplyShapeIsDecodeError(t *testing.T) {
	srv, cfg := startService(t)

	c, err := fwclient.Dial(testContext(t), cfg)
	require.NoError(t, err)
	defer c.Close()

	id, _, err := c.Register("TestClient_0", "1.0.0")
	require.NoError(t, err)

	srv.SetUpdateReply([]any{1, "v2.0.0", "http://mockxconf/fw.bin", 0})
	_, err = c.CheckForUpdate(id)
	var decodeErr *fwclient.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, 4, decodeErr.Arity)
}

func TestDialExhaustsRetries(t *testing.T) {
	cfg := fwclient.DefaultConfig()
	cfg.Socket = filepath.Join(t.TempDir(), "nobody-home.sock")
	cfg.ConnectRetries = 2
	cfg.ConnectBackoff = 20 * time.Millisecond

	start := time.Now()
	_, err := fwclient.Dial(testContext(t), cfg)
	require.Error(t, err)
	require.ErrorContains(t, err, "after 2 attempts")
	// One backoff between the two attempts.
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
