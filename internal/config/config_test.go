package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), c)

	c, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), c)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"capacity": 100, "port": 9090, "payout_url": "http://payout.local/rpc"}`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), c.Capacity)
	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, "http://payout.local/rpc", c.PayoutURL)
	assert.Equal(t, Defaults().WithdrawalLimit, c.WithdrawalLimit)
	assert.Equal(t, Defaults().DBFile, c.DBFile)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 9090}`), 0o600))

	t.Setenv("CBANK_PORT", "7070")
	t.Setenv("CBANK_WITHDRAWAL_LIMIT", "42")
	t.Setenv("CBANK_LOG_LEVEL", "debug")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, c.Port)
	assert.Equal(t, uint64(42), c.WithdrawalLimit)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestLoadRejectsBadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, err := Load(path)
	require.Error(t, err)

	t.Setenv("CBANK_PORT", "70000")
	_, err = Load("")
	require.Error(t, err)
}
