package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownFinishesWithinGracePeriod(t *testing.T) {
	cfg := Config{
		DatabaseFile:         filepath.Join(t.TempDir(), "warden.db"),
		ShutdownGracePeriod:  5 * time.Second,
		HousekeepingInterval: time.Hour,
		LogLevel:             "error",
		LogFormat:            "text",
	}

	a, err := New(cfg)
	require.NoError(t, err)

	a.housekeeping.Start()
	require.NoError(t, a.sweeper.Start())
	require.NoError(t, a.nightly.Start())

	done := make(chan error, 1)
	go func() { done <- a.Shutdown() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(cfg.ShutdownGracePeriod + time.Second):
		t.Fatal("shutdown did not finish inside the grace period")
	}
}

func TestLoadConfigSMTPTransportSecurity(t *testing.T) {
	t.Setenv("WARDEN_SMTP_TLS", "false")
	t.Setenv("WARDEN_SMTP_STARTTLS", "true")
	t.Setenv("SHUTDOWN_GRACE_PERIOD", "30s")

	cfg := LoadConfig()
	require.False(t, cfg.SMTPTLS)
	require.True(t, cfg.SMTPStartTLS)
	require.Equal(t, 30*time.Second, cfg.ShutdownGracePeriod)
}
