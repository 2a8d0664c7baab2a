package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rdkcentral/fwupdate-harness/config"
	"github.com/rdkcentral/fwupdate-harness/daemon"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	require.NotEmpty(t, cfg.BaseDir)
	require.Equal(t, "/opt/swupdate.conf", cfg.ConfFile)

	require.NotNil(t, cfg.Daemon)
	require.Equal(t, daemon.TriggerBootup, cfg.Daemon.Trigger)
	require.Equal(t, 2*time.Second, cfg.Daemon.WarmUp)

	require.NotNil(t, cfg.Pool)
	require.Equal(t, time.Second, cfg.Pool.SettleDelay)
	require.Equal(t, 10*time.Second, cfg.Pool.ResultWait)
	require.NotNil(t, cfg.Pool.Client)
}

func TestDefaultWorkerConfig(t *testing.T) {
	cfg := config.DefaultWorkerConfig()

	require.Equal(t, 30*time.Second, cfg.CommandWait)
	require.NotNil(t, cfg.Client)
	require.Equal(t, 10, cfg.Client.ConnectRetries)
	require.Equal(t, 500*time.Millisecond, cfg.Client.ConnectBackoff)
}

func TestSetupCreatesBaseDir(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BaseDir = t.TempDir() + "/nested/scratch"

	_, err := config.Setup(cfg)
	require.NoError(t, err)
	require.DirExists(t, cfg.BaseDir)
}
