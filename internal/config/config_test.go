package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/stayrace/internal/browser"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 30*time.Second, cfg.Task.PollInterval)
	assert.Equal(t, 15*time.Minute, cfg.Task.Retention)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, "heuristic", cfg.Decision.Provider)
	assert.True(t, cfg.Browser.Headless)
	assert.True(t, cfg.EphemeralKeys)
	assert.Len(t, cfg.HandleHashKey, 32)
	assert.Len(t, cfg.SealKey, 32)
	assert.Equal(t, browser.DefaultSelectors(), cfg.Browser.Selectors)
	assert.Equal(t, browser.DefaultMarkers(), cfg.Browser.Markers)
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	seal := base64.StdEncoding.EncodeToString(make([]byte, 32))
	t.Setenv("STAYRACE_POOL_SIZE", "7")
	t.Setenv("STAYRACE_TASK_POLL_INTERVAL", "12s")
	t.Setenv("STAYRACE_RETRY_MAX_TRANSIENT", "9")
	t.Setenv("STAYRACE_KEYS_SEAL", seal)
	t.Setenv("STAYRACE_BROWSER_HEADLESS", "false")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pool.Size)
	assert.Equal(t, 12*time.Second, cfg.Task.PollInterval)
	assert.Equal(t, 9, cfg.Retry.MaxTransient)
	assert.Equal(t, make([]byte, 32), cfg.SealKey)
	assert.False(t, cfg.Browser.Headless)
}

func TestYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stayrace.yaml")
	yaml := `pool:
  size: 2
decision:
  provider: gemini
  api_key: k
browser:
  selectors:
    result_card: ".hotel-card"
    book_button: "#reserve"
  markers:
    unavailable: ["fully booked", "нет мест"]
    confirmation: "ref ([A-Z0-9]+)"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pool.Size)
	assert.Equal(t, "gemini", cfg.Decision.Provider)

	def := browser.DefaultSelectors()
	assert.Equal(t, ".hotel-card", cfg.Browser.Selectors.ResultCard)
	assert.Equal(t, "#reserve", cfg.Browser.Selectors.BookButton)
	assert.Equal(t, def.Submit, cfg.Browser.Selectors.Submit)
	assert.Equal(t, []string{"fully booked", "нет мест"}, cfg.Browser.Markers.Unavailable)
	assert.Equal(t, browser.DefaultMarkers().Confirmed, cfg.Browser.Markers.Confirmed)
	assert.Equal(t, "ref ([A-Z0-9]+)", cfg.Browser.Markers.Confirmation)

	require.NoError(t, os.WriteFile(path, []byte("browser:\n  markers:\n    confirmation: \"(\"\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "browser.markers.confirmation")
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("STAYRACE_POOL_SIZE", "0")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "pool.size")

	t.Setenv("STAYRACE_POOL_SIZE", "1")
	t.Setenv("STAYRACE_DECISION_PROVIDER", "gemini")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "api_key")

	t.Setenv("STAYRACE_DECISION_PROVIDER", "oracle")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "oracle")
}

func TestDecodeKey(t *testing.T) {
	want := []byte("0123456789abcdef0123456789abcdef")
	enc := base64.StdEncoding.EncodeToString(want)

	got, err := DecodeKey(enc)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = DecodeKey(base64.RawStdEncoding.EncodeToString(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte(enc+"\n"), 0o600))
	got, err = DecodeKey(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = DecodeKey("not base64!")
	assert.Error(t, err)
}

func TestShortSealKey(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STAYRACE_KEYS_SEAL", base64.StdEncoding.EncodeToString([]byte("short")))
	_, err := FromEnv()
	assert.ErrorContains(t, err, "keys.seal")
}
