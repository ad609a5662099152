package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoad_BaseAndProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CARACAL_TEST_ADDR", "10.0.0.1:7400")

	writeFile(t, dir, "application.yml", `
app:
  profile: dev
  log-level: debug
node:
  address: ${CARACAL_TEST_ADDR}
  bootstrap: ["10.0.0.1:7400", "10.0.0.2:7400"]
paxos:
  tick-interval: 50ms
`)
	writeFile(t, dir, "application-dev.yml", `
storage:
  engine: memory
engine:
  scan-interval: 10s
`)

	cfg, err := Load(dir, "")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "10.0.0.1:7400", cfg.Node.Address)
	assert.Len(t, cfg.Node.Bootstrap, 2)
	assert.Equal(t, 50*time.Millisecond, cfg.Paxos.TickInterval)
	assert.Equal(t, "memory", cfg.Storage.Engine)
	assert.Equal(t, 10*time.Second, cfg.Engine.ScanInterval)
	// untouched defaults survive both files
	assert.Equal(t, 512, cfg.Engine.TransferChunkSize)
	assert.Equal(t, "tcp", cfg.Transport.Network)
}

func TestLoad_ProfileArgumentWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yml", "app:\n  profile: dev\n")
	writeFile(t, dir, "application-test.yml", "storage:\n  engine: memory\n")

	cfg, err := Load(dir, "test")
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.App.Profile)
	assert.Equal(t, "memory", cfg.Storage.Engine)
}

func TestLoad_MissingProfileFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yml", "app:\n  profile: nope\n")

	_, err := Load(dir, "")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoad_UnsetEnvIsAnError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yml", "node:\n  address: ${CARACAL_SURELY_UNSET_VAR}\n")

	_, err := Load(dir, "")
	assert.ErrorIs(t, err, ErrEnvNotSet)
}

func TestLoad_DotEnvFeedsExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Cleanup(func() { _ = os.Unsetenv("CARACAL_DOTENV_DIR") })
	writeFile(t, dir, ".env", "CARACAL_DOTENV_DIR=/var/lib/caracal\n")
	writeFile(t, dir, "application.yml", "node:\n  data-dir: ${CARACAL_DOTENV_DIR}\n")

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/caracal", cfg.Node.DataDir)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cfg.Storage.Engine = "rocksdb"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = Defaults()
	cfg.Node.Join = true
	cfg.Node.Bootstrap = []string{"a"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoad_PaxosRetain(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yml", "paxos:\n  tick-interval: 50ms\n")

	cfg, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), cfg.Paxos.Retain)

	writeFile(t, dir, "application.yml", "paxos:\n  retain: 64\n")
	cfg, err = Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, int64(64), cfg.Paxos.Retain)

	for _, bad := range []string{"0", "-1", "100000"} {
		writeFile(t, dir, "application.yml", "paxos:\n  retain: "+bad+"\n")
		_, err = Load(dir, "")
		assert.ErrorIs(t, err, ErrInvalidConfig, bad)
	}
}
