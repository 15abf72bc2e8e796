package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/config"
)

func TestRelayConfigPrecedence(t *testing.T) {
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("COLLABTEXT_ADDR", ":7000")
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  addr: \":9000\"\n  keep_snapshots: false\n"), 0o644))

	cmd := newServerCommand()
	require.NoError(t, cmd.Flags().Set("config", path))
	require.NoError(t, cmd.Flags().Set("redis", "flag-redis:6379"))

	opts := &serverOptions{configPath: path, redis: "flag-redis:6379"}
	r, err := relayConfig(cmd, opts)
	require.NoError(t, err)
	// environment over file, flags over both
	assert.Equal(t, ":7000", r.Addr)
	assert.Equal(t, "flag-redis:6379", r.Redis)
	assert.False(t, r.KeepSnapshots)
}

func TestRelayConfigInvalid(t *testing.T) {
	t.Setenv("COLLABTEXT_ADDR", "")
	cmd := newServerCommand()
	require.NoError(t, cmd.Flags().Set("addr", ""))

	_, err := relayConfig(cmd, &serverOptions{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
