// Package settings manages the per-run-directory persisted state: the typed
// configuration file, the crop rectangle, the allowed-tool set and the pause
// marker.
//
// DESIGN: Whole-file read/replace semantics, not transactional. The files are
// shared with the supervised agent loop and may be edited externally between
// reads; last writer wins. The configuration has a fixed key set: missing
// keys are re-added with defaults, unknown keys are dropped, and values are
// coerced tolerantly so a hand-edited file degrades to defaults instead of
// failing.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ConfigFilename is the typed configuration file inside the run directory.
const ConfigFilename = "config.json"

// CropFilename holds the capture crop rectangle.
const CropFilename = "crop.json"

// AllowedToolsFilename holds the allowed-tool set.
const AllowedToolsFilename = "allowed_tools.json"

// PauseMarker is the file whose mere presence idles the supervised loop.
const PauseMarker = "PAUSED"

// AllTools is the full synthetic-input tool set the agent may use.
var AllTools = []string{"click", "right_click", "double_click", "drag", "write", "remember", "recall"}

// Config is the typed view of the run configuration.
type Config struct {
	Model             string  `json:"model"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	MaxTokens         int     `json:"max_tokens"`
	CachePrompt       bool    `json:"cache_prompt"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	PhysicalExecution bool    `json:"physical_execution"`
	LoopDelay         float64 `json:"loop_delay"`
	CaptureDelay      float64 `json:"capture_delay"`
	FirewallEnabled   bool    `json:"firewall_enabled"`
	AutoApprove       bool    `json:"auto_approve"`
	StreamToPanel     bool    `json:"stream_to_panel"`
	UpstreamURL       string  `json:"upstream_url"`
	FullFidelityLogs  bool    `json:"full_fidelity_logs"`
}

// Defaults returns the documented default configuration.
func Defaults() map[string]any {
	return map[string]any{
		"model":              "qwen3-vl-2b-instruct",
		"temperature":        0.5,
		"top_p":              0.8,
		"max_tokens":         300,
		"cache_prompt":       true,
		"width":              512,
		"height":             288,
		"physical_execution": true,
		"loop_delay":         2.0,
		"capture_delay":      1.0,
		"firewall_enabled":   false,
		"auto_approve":       true,
		"stream_to_panel":    false,
		"upstream_url":       "http://127.0.0.1:1235/v1/chat/completions",
		"full_fidelity_logs": true,
	}
}

// Store reads and writes run-directory files.
type Store struct {
	RunDir string
}

// NewStore creates a store rooted at runDir, creating it if needed.
func NewStore(runDir string) (*Store, error) {
	if err := os.MkdirAll(runDir, 0750); err != nil {
		return nil, err
	}
	return &Store{RunDir: runDir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.RunDir, name)
}

func readJSONMap(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}

// Ensure reconciles config.json with the fixed key set and returns the
// resulting raw map. The file is rewritten when anything changed or it was
// missing.
func (s *Store) Ensure() map[string]any {
	p := s.path(ConfigFilename)
	cur := readJSONMap(p)
	changed := cur == nil
	if cur == nil {
		cur = map[string]any{}
	}
	defaults := Defaults()
	for k, v := range defaults {
		if _, ok := cur[k]; !ok {
			cur[k] = v
			changed = true
		}
	}
	for k := range cur {
		if _, ok := defaults[k]; !ok {
			delete(cur, k)
			changed = true
		}
	}
	if changed {
		_ = writeJSON(p, cur)
	}
	return cur
}

// Load returns the typed configuration with tolerant coercion and defaults.
func (s *Store) Load() Config {
	raw := s.Ensure()
	d := Defaults()
	return Config{
		Model:             coerceString(raw["model"], d["model"].(string)),
		Temperature:       coerceFloat(raw["temperature"], d["temperature"].(float64)),
		TopP:              coerceFloat(raw["top_p"], d["top_p"].(float64)),
		MaxTokens:         coerceInt(raw["max_tokens"], d["max_tokens"].(int)),
		CachePrompt:       coerceBool(raw["cache_prompt"], d["cache_prompt"].(bool)),
		Width:             coerceInt(raw["width"], d["width"].(int)),
		Height:            coerceInt(raw["height"], d["height"].(int)),
		PhysicalExecution: coerceBool(raw["physical_execution"], d["physical_execution"].(bool)),
		LoopDelay:         coerceFloat(raw["loop_delay"], d["loop_delay"].(float64)),
		CaptureDelay:      coerceFloat(raw["capture_delay"], d["capture_delay"].(float64)),
		FirewallEnabled:   coerceBool(raw["firewall_enabled"], d["firewall_enabled"].(bool)),
		AutoApprove:       coerceBool(raw["auto_approve"], d["auto_approve"].(bool)),
		StreamToPanel:     coerceBool(raw["stream_to_panel"], d["stream_to_panel"].(bool)),
		UpstreamURL:       coerceString(raw["upstream_url"], d["upstream_url"].(string)),
		FullFidelityLogs:  coerceBool(raw["full_fidelity_logs"], d["full_fidelity_logs"].(bool)),
	}
}

// Update applies the known keys from updates and returns the stored map.
func (s *Store) Update(updates map[string]any) map[string]any {
	cur := s.Ensure()
	defaults := Defaults()
	for k, v := range updates {
		if _, ok := defaults[k]; ok {
			cur[k] = v
		}
	}
	_ = writeJSON(s.path(ConfigFilename), cur)
	return cur
}

// Crop returns the stored crop rectangle, or an empty object.
func (s *Store) Crop() map[string]any {
	if m := readJSONMap(s.path(CropFilename)); m != nil {
		return m
	}
	return map[string]any{}
}

// SetCrop replaces the crop rectangle.
func (s *Store) SetCrop(crop map[string]any) error {
	if crop == nil {
		crop = map[string]any{}
	}
	return writeJSON(s.path(CropFilename), crop)
}

// AllowedTools returns the allowed-tool list, defaulting to the full set.
func (s *Store) AllowedTools() []string {
	m := readJSONMap(s.path(AllowedToolsFilename))
	if m == nil {
		return append([]string(nil), AllTools...)
	}
	raw, ok := m["allowed"].([]any)
	if !ok {
		return append([]string(nil), AllTools...)
	}
	var out []string
	for _, v := range raw {
		name, ok := v.(string)
		if !ok {
			continue
		}
		for _, known := range AllTools {
			if name == known {
				out = append(out, name)
				break
			}
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// SetAllowedTools stores the intersection of names with the known tool set.
func (s *Store) SetAllowedTools(names []string) []string {
	var valid []string
	for _, name := range names {
		for _, known := range AllTools {
			if name == known {
				valid = append(valid, name)
				break
			}
		}
	}
	if valid == nil {
		valid = []string{}
	}
	_ = writeJSON(s.path(AllowedToolsFilename), map[string]any{"allowed": valid})
	return valid
}

// Pause drops the pause marker.
func (s *Store) Pause() error {
	return os.WriteFile(s.path(PauseMarker), []byte("1"), 0600)
}

// Unpause removes the pause marker. Missing marker is not an error.
func (s *Store) Unpause() {
	_ = os.Remove(s.path(PauseMarker))
}

// Paused reports whether the pause marker is present.
func (s *Store) Paused() bool {
	_, err := os.Stat(s.path(PauseMarker))
	return err == nil
}

func coerceString(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func coerceBool(v any, def bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		if t == 0 {
			return false
		}
		if t == 1 {
			return true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func coerceInt(v any, def int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

func coerceFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return def
}
