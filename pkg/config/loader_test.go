package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imgtrace.yaml")
	content := `
targetHost: fbcdn.net
responseQuota: 20
minImageSize: 5000
pendingTTL: 90s
source: websocket
listenAddr: 127.0.0.1:9000
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fbcdn.net", cfg.TargetHost)
	assert.Equal(t, 20, cfg.ResponseQuota)
	assert.Equal(t, int64(5000), cfg.MinImageSize)
	assert.Equal(t, 90*time.Second, cfg.PendingTTL.Duration())
	assert.Equal(t, SourceWebSocket, cfg.Source)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "unset fields keep defaults")
	assert.Equal(t, OutputSession, cfg.Output)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imgtrace.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"targetHost":"x.example","responseQuota":5,"pendingTTL":60000}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x.example", cfg.TargetHost)
	assert.Equal(t, 5, cfg.ResponseQuota)
	assert.Equal(t, time.Minute, cfg.PendingTTL.Duration())
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFromFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = LoadFromFile(dir)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0644))
	_, err = LoadFromFile(empty)
	assert.ErrorIs(t, err, ErrEmptyFile)

	badJSON := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badJSON, []byte(`{"targetHost":`), 0644))
	_, err = LoadFromFile(badJSON)
	assert.ErrorIs(t, err, ErrInvalidJSON)

	badYAML := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("targetHost: [unclosed"), 0644))
	_, err = LoadFromFile(badYAML)
	assert.ErrorIs(t, err, ErrInvalidYAML)

	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("targetHost: a\nquota: 3\n"), 0644))
	_, err = LoadFromFile(unknown)
	assert.ErrorIs(t, err, ErrInvalidYAML, "unknown keys are rejected")

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"responseQuota":0}`), 0644))
	_, err = LoadFromFile(invalid)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"cfg.yaml", "cfg.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)

			cfg := Default()
			cfg.TargetHost = "pbs.twimg.com"
			cfg.ResponseQuota = 42
			cfg.FilterExpr = `contentLength < 500000`
			cfg.SweepInterval = Duration(10 * time.Second)

			require.NoError(t, SaveToFile(path, cfg))
			assert.NoFileExists(t, path+".tmp")

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestSaveToFile_Nil(t *testing.T) {
	assert.Error(t, SaveToFile(filepath.Join(t.TempDir(), "x.yaml"), nil))
}
