package scenario_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rdkcentral/fwupdate-harness/logging"
	"github.com/rdkcentral/fwupdate-harness/scenario"
)

func testController(t *testing.T, initial string) (*scenario.Controller, string) {
	t.Helper()
	conf := filepath.Join(t.TempDir(), "swupdate.conf")
	require.NoError(t, os.WriteFile(conf, []byte(initial), 0o644))
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	return scenario.New(ctx, conf), conf
}

func readConf(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestOverrideRestoredAfterError(t *testing.T) {
	c, conf := testController(t, "A")

	errBoom := errors.New("scenario blew up")
	err := c.With("B", func() error {
		require.Equal(t, "B\n", readConf(t, conf))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, "A", readConf(t, conf))
}

func TestOverrideRestoredAfterPanic(t *testing.T) {
	c, conf := testController(t, "A")

	require.Panics(t, func() {
		_ = c.With("B", func() error {
			panic("scenario blew up")
		})
	})
	require.Equal(t, "A", readConf(t, conf))
}

// Nested or repeated activation must never lose the true original.
func TestBackupIsWrittenExactlyOnce(t *testing.T) {
	c, conf := testController(t, "A")

	_, err := c.Set("B")
	require.NoError(t, err)
	_, err = c.Set("C")
	require.NoError(t, err)
	require.Equal(t, "C\n", readConf(t, conf))

	require.NoError(t, c.Restore())
	require.Equal(t, "A", readConf(t, conf))

	// The backup marker is gone; another restore is a no-op.
	require.NoError(t, c.Restore())
	require.Equal(t, "A", readConf(t, conf))
}

func TestRestoreWithoutActivationIsNoop(t *testing.T) {
	c, conf := testController(t, "A")
	require.NoError(t, c.Restore())
	require.Equal(t, "A", readConf(t, conf))
}

func TestRestoreFunctionIsReusable(t *testing.T) {
	c, conf := testController(t, "A")

	restore, err := c.Set("B")
	require.NoError(t, err)
	require.NoError(t, restore())
	require.Equal(t, "A", readConf(t, conf))
	require.NoError(t, restore())
}

func TestWaitReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := scenario.WaitReachable(context.Background(), srv.URL, 2*time.Second)
	require.NoError(t, err)
}
