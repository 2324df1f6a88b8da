package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestEnsureCreatesFileWithDefaults(t *testing.T) {
	s := newStore(t)
	cfg := s.Ensure()

	assert.Equal(t, false, cfg["firewall_enabled"])
	assert.Equal(t, true, cfg["auto_approve"])
	assert.FileExists(t, filepath.Join(s.RunDir, ConfigFilename))

	typed := s.Load()
	assert.InDelta(t, 0.5, typed.Temperature, 1e-9)
	assert.Equal(t, 300, typed.MaxTokens)
	assert.Equal(t, "http://127.0.0.1:1235/v1/chat/completions", typed.UpstreamURL)
}

func TestEnsureDropsUnknownAndRestoresMissingKeys(t *testing.T) {
	s := newStore(t)
	p := filepath.Join(s.RunDir, ConfigFilename)
	require.NoError(t, os.WriteFile(p, []byte(`{"model":"custom","bogus":1}`), 0600))

	cfg := s.Ensure()
	assert.Equal(t, "custom", cfg["model"])
	assert.NotContains(t, cfg, "bogus")
	assert.Contains(t, cfg, "upstream_url")
}

func TestLoadCoercesLooseTypes(t *testing.T) {
	s := newStore(t)
	p := filepath.Join(s.RunDir, ConfigFilename)
	require.NoError(t, os.WriteFile(p, []byte(`{
		"firewall_enabled": "yes",
		"auto_approve": 0,
		"max_tokens": "250",
		"temperature": "0.9",
		"stream_to_panel": "on"
	}`), 0600))

	cfg := s.Load()
	assert.True(t, cfg.FirewallEnabled)
	assert.False(t, cfg.AutoApprove)
	assert.Equal(t, 250, cfg.MaxTokens)
	assert.InDelta(t, 0.9, cfg.Temperature, 1e-9)
	assert.True(t, cfg.StreamToPanel)
}

func TestLoadCorruptFileFallsBackToDefaults(t *testing.T) {
	s := newStore(t)
	p := filepath.Join(s.RunDir, ConfigFilename)
	require.NoError(t, os.WriteFile(p, []byte("{corrupt"), 0600))

	cfg := s.Load()
	assert.Equal(t, 300, cfg.MaxTokens)
	assert.False(t, cfg.FirewallEnabled)
}

func TestUpdateOnlyKnownKeys(t *testing.T) {
	s := newStore(t)
	out := s.Update(map[string]any{"model": "m2", "evil": true})
	assert.Equal(t, "m2", out["model"])
	assert.NotContains(t, out, "evil")
	assert.Equal(t, "m2", s.Load().Model)
}

func TestAllowedToolsValidation(t *testing.T) {
	s := newStore(t)
	assert.Equal(t, AllTools, s.AllowedTools())

	got := s.SetAllowedTools([]string{"click", "nuke", "write"})
	assert.Equal(t, []string{"click", "write"}, got)
	assert.Equal(t, []string{"click", "write"}, s.AllowedTools())

	got = s.SetAllowedTools(nil)
	assert.Empty(t, got)
	assert.Empty(t, s.AllowedTools())
}

func TestPauseMarker(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.Paused())
	require.NoError(t, s.Pause())
	assert.True(t, s.Paused())
	s.Unpause()
	assert.False(t, s.Paused())
	s.Unpause() // second removal is harmless
}

func TestCropRoundTrip(t *testing.T) {
	s := newStore(t)
	assert.Empty(t, s.Crop())
	require.NoError(t, s.SetCrop(map[string]any{"x": 10.0, "y": 20.0, "w": 100.0, "h": 50.0}))
	crop := s.Crop()
	assert.EqualValues(t, 10, crop["x"])
	assert.EqualValues(t, 50, crop["h"])
}
