// Operator control surface: health, index, pending decisions, settings.
package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/agentpanel/approval-gateway/internal/envelope"
	"github.com/agentpanel/approval-gateway/internal/hub"
	"github.com/agentpanel/approval-gateway/internal/pending"
)

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	supervised := false
	if g.Supervisor != nil {
		supervised = g.Supervisor.Running()
	}
	g.writeJSON(w, map[string]any{
		"status":         "ok",
		"run_dir":        g.RunDir,
		"paused":         g.Settings.Paused(),
		"pending_count":  g.Registry.Count(),
		"turn_count":     g.Ledger.Count(),
		"loop_running":   supervised,
		"uptime_seconds": time.Since(g.started).Seconds(),
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	last, avail := g.LastText()
	lastTokens := 0
	if avail {
		lastTokens = envelope.EstimateTokens(last)
	}
	g.writeJSON(w, map[string]any{
		"turns":             g.Ledger.Count(),
		"pending":           g.Registry.Count(),
		"observers":         g.Hub.Count(),
		"uptime_seconds":    time.Since(g.started).Seconds(),
		"last_text_tokens":  lastTokens,
		"last_text_present": avail,
	})
}

func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, map[string]any{"index": g.Ledger.Index()})
}

func (g *Gateway) handleTurn(w http.ResponseWriter, r *http.Request) {
	turn, ok := g.Ledger.Get(r.PathValue("id"))
	if !ok {
		g.writeError(w, "turn not found", http.StatusNotFound)
		return
	}
	g.writeJSON(w, turn)
}

func (g *Gateway) handlePendingList(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, map[string]any{"pending": g.Registry.List()})
}

func (g *Gateway) handlePendingDetail(w http.ResponseWriter, r *http.Request) {
	item := g.Registry.Get(r.PathValue("id"))
	if item == nil {
		g.writeError(w, "pending item not found", http.StatusNotFound)
		return
	}
	rawResp, parsedResp := item.Response()
	g.writeJSON(w, map[string]any{
		"id":           item.ID,
		"created":      item.Created.UTC().Format(time.RFC3339),
		"path":         item.Path,
		"stage":        string(item.Stage),
		"request_raw":  string(item.RawRequest),
		"request":      item.ParsedRequest(),
		"response_raw": string(rawResp),
		"response":     parsedResp,
	})
}

// handleDecision resolves a pending item. The release fires once; a second
// decision on the same item is reported back as not applied.
func (g *Gateway) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := pending.Action(r.PathValue("action"))

	var body struct {
		Message string          `json:"message"`
		Raw     json.RawMessage `json:"raw"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	d := pending.Decision{Action: action, Message: body.Message}
	switch action {
	case pending.ActionApprove, pending.ActionReject:
	case pending.ActionEditRequest:
		d.RawRequest = body.Raw
	case pending.ActionEditResponse, pending.ActionInjectResponse:
		d.RawResponse = body.Raw
	default:
		g.writeError(w, "unknown action", http.StatusBadRequest)
		return
	}

	item := g.Registry.Get(id)
	if item == nil {
		g.writeError(w, "pending item not found", http.StatusNotFound)
		return
	}

	applied := item.Resolve(d)
	g.writeJSON(w, map[string]any{"ok": true, "applied": applied, "id": id})
}

func (g *Gateway) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := g.Settings.Pause(); err != nil {
		g.writeError(w, "failed to write pause marker", http.StatusInternalServerError)
		return
	}
	g.Hub.Emit(hub.EventPaused, nil)
	g.writeJSON(w, map[string]any{"ok": true, "paused": true})
}

func (g *Gateway) handleUnpause(w http.ResponseWriter, r *http.Request) {
	g.Settings.Unpause()
	g.Hub.Emit(hub.EventUnpaused, nil)
	g.writeJSON(w, map[string]any{"ok": true, "paused": false})
}

func (g *Gateway) handlePreview(w http.ResponseWriter, r *http.Request) {
	if g.Capturer == nil {
		g.writeError(w, "capture service unavailable", http.StatusServiceUnavailable)
		return
	}
	maxWidth := 0
	if v := r.URL.Query().Get("max_width"); v != "" {
		maxWidth, _ = strconv.Atoi(v)
	}
	uri := g.Capturer.Preview(r.Context(), maxWidth)
	if uri == "" {
		g.writeError(w, "capture failed", http.StatusServiceUnavailable)
		return
	}
	g.writeJSON(w, map[string]any{"data_uri": uri})
}

func (g *Gateway) handleCropGet(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, map[string]any{"crop": g.Settings.Crop()})
}

func (g *Gateway) handleCropSet(w http.ResponseWriter, r *http.Request) {
	var crop map[string]any
	if err := json.NewDecoder(r.Body).Decode(&crop); err != nil {
		g.writeError(w, "invalid crop body", http.StatusBadRequest)
		return
	}
	if err := g.Settings.SetCrop(crop); err != nil {
		g.writeError(w, "failed to persist crop", http.StatusInternalServerError)
		return
	}
	g.Hub.Emit(hub.EventCrop, map[string]any{"crop": crop})
	g.writeJSON(w, map[string]any{"ok": true, "crop": crop})
}

func (g *Gateway) handleAllowedToolsGet(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, map[string]any{"allowed_tools": g.Settings.AllowedTools()})
}

func (g *Gateway) handleAllowedToolsSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AllowedTools []string `json:"allowed_tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, "invalid allowed_tools body", http.StatusBadRequest)
		return
	}
	kept := g.Settings.SetAllowedTools(body.AllowedTools)
	g.Hub.Emit(hub.EventAllowedTools, map[string]any{"allowed_tools": kept})
	g.writeJSON(w, map[string]any{"ok": true, "allowed_tools": kept})
}

func (g *Gateway) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, map[string]any{"config": g.Settings.Ensure()})
}

func (g *Gateway) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		g.writeError(w, "invalid config body", http.StatusBadRequest)
		return
	}
	current := g.Settings.Update(updates)
	g.Hub.Emit(hub.EventConfig, map[string]any{"config": current})
	g.writeJSON(w, map[string]any{"ok": true, "config": current})
}

func (g *Gateway) handleDebugExecute(w http.ResponseWriter, r *http.Request) {
	if g.Executor == nil {
		g.writeError(w, "execution service unavailable", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		Raw string `json:"raw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Raw == "" {
		g.writeError(w, "invalid execute body", http.StatusBadRequest)
		return
	}
	g.writeJSON(w, g.Executor.Execute(r.Context(), body.Raw))
}
