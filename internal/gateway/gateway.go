// Approval gateway core.
//
// DESIGN: Main exchange flow:
//   - handleProxy(): Entry point for all agent loop requests under /v1/
//   - Exchange():    Parse, gate, forward, gate again, record
//   - finishTurn():  Ledger append, last-text update, broadcasts
//
// The gateway owns the lifecycle of every PendingItem and Turn it creates.
// The registry, ledger and hub are shared containers with their own locks;
// the only state guarded here is the last-observed assistant text used by
// the continuity check.
package gateway

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentpanel/approval-gateway/internal/continuity"
	"github.com/agentpanel/approval-gateway/internal/envelope"
	"github.com/agentpanel/approval-gateway/internal/execbridge"
	"github.com/agentpanel/approval-gateway/internal/hub"
	"github.com/agentpanel/approval-gateway/internal/ledger"
	"github.com/agentpanel/approval-gateway/internal/pending"
	"github.com/agentpanel/approval-gateway/internal/relay"
	"github.com/agentpanel/approval-gateway/internal/settings"
	"github.com/agentpanel/approval-gateway/internal/supervisor"
)

// MaxRequestBodySize caps inbound bodies. Vision requests carry inline
// screenshots as base64 data URIs, so this is generous.
const MaxRequestBodySize = 64 * 1024 * 1024

// Gateway intercepts chat-completion traffic between the agent loop and
// the upstream backend.
type Gateway struct {
	RunDir     string
	Settings   *settings.Store
	Registry   *pending.Registry
	Ledger     *ledger.Ledger
	Hub        *hub.Hub
	Relay      *relay.Client
	Supervisor *supervisor.Supervisor
	Capturer   execbridge.Capturer
	Executor   execbridge.Executor

	started time.Time

	mu            sync.Mutex
	lastText      string
	lastAvailable bool
}

// New wires a gateway over its collaborators. Supervisor, Capturer and
// Executor may be nil; the matching endpoints degrade gracefully.
func New(runDir string, store *settings.Store, led *ledger.Ledger, h *hub.Hub) *Gateway {
	reg := pending.NewRegistry()
	return &Gateway{
		RunDir:   runDir,
		Settings: store,
		Registry: reg,
		Ledger:   led,
		Hub:      h,
		Relay: &relay.Client{
			HTTP:     &http.Client{},
			Hub:      h,
			Registry: reg,
		},
		started: time.Now(),
	}
}

// handleProxy serves the gated proxy entry point.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		g.writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}

	status, body := g.Exchange(r.Context(), r.URL.Path, raw)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Exchange runs one request through the full gate/forward/record cycle and
// returns the status and bytes to hand back to the agent loop verbatim.
func (g *Gateway) Exchange(ctx context.Context, path string, raw []byte) (int, []byte) {
	start := time.Now()
	cfg := g.Settings.Load()

	req := envelope.ParseRequest(raw)
	cont := g.checkContinuity(req.UserText)

	id := g.Registry.NextID()
	created := start.UTC().Format(time.RFC3339)
	g.Ledger.TrackPending(id, string(pending.StageRequest), created)
	g.Hub.Emit(hub.EventTurnStarted, map[string]any{
		"id": id, "path": path, "model": req.Model,
	})

	gated := cfg.FirewallEnabled && !cfg.AutoApprove

	if gated {
		item := pending.NewItem(id, path, pending.StageRequest, raw, req)
		g.Registry.Put(item)
		g.Hub.Emit(hub.EventPendingCreated, map[string]any{
			"id": id, "stage": string(pending.StageRequest), "path": path,
		})

		d := item.Await()
		g.Registry.Remove(id)

		switch d.Action {
		case pending.ActionReject:
			// Local completion, upstream never sees the request.
			body := envelope.Completion(d.Message, req.Model)
			return g.finishTurn(start, id, path, raw, req, cont,
				http.StatusOK, body, "", "rejected")
		case pending.ActionEditRequest:
			if len(d.RawRequest) > 0 {
				raw = d.RawRequest
				req = envelope.ParseRequest(raw)
				cont = g.checkContinuity(req.UserText)
			}
		}
	}

	// Register the response-stage item before forwarding so a streamed
	// reply is visible to an approver while it is still arriving.
	var respItem *pending.Item
	if gated {
		respItem = pending.NewItem(id, path, pending.StageResponse, raw, req)
		g.Registry.Put(respItem)
		g.Ledger.TrackPending(id, string(pending.StageResponse), created)
		g.Hub.Emit(hub.EventPendingCreated, map[string]any{
			"id": id, "stage": string(pending.StageResponse), "path": path,
		})
	}

	var res relay.Result
	if cfg.StreamToPanel {
		res = g.Relay.Stream(ctx, cfg.UpstreamURL, raw, id)
	} else {
		res = g.Relay.Do(ctx, cfg.UpstreamURL, raw)
	}
	if res.Err != "" {
		log.Warn().Str("id", id).Str("err", res.Err).Msg("upstream call failed")
	}

	status, body := res.Status, res.Body
	label := ""

	if gated {
		respItem.SetResponse(body, envelope.ParseResponse(body))
		g.Hub.Emit(hub.EventPendingUpdated, map[string]any{
			"id": id, "stage": string(pending.StageResponse),
		})

		d := respItem.Await()
		g.Registry.Remove(id)

		switch d.Action {
		case pending.ActionReject:
			status, body = http.StatusOK, envelope.Completion(d.Message, req.Model)
			label = "rejected"
		case pending.ActionEditResponse, pending.ActionInjectResponse:
			if len(d.RawResponse) > 0 {
				status, body = http.StatusOK, d.RawResponse
				label = "edited"
			}
		}
	}

	return g.finishTurn(start, id, path, raw, req, cont, status, body, res.Err, label)
}

// finishTurn records the resolved exchange and returns its final shape.
// Every exchange passes through here exactly once, including rejections.
func (g *Gateway) finishTurn(start time.Time, id, path string, rawReq []byte,
	req envelope.Request, cont continuity.Result,
	status int, body []byte, transportErr, label string) (int, []byte) {

	resp := envelope.ParseResponse(body)

	tokens := 0
	if len(resp.Usage) == 0 && resp.Text != "" {
		tokens = envelope.EstimateTokens(resp.Text)
	}

	if label == "" {
		label = "ok"
		if transportErr != "" || status >= 400 {
			label = "error"
		}
	}

	turn := ledger.Turn{
		TurnID:      id,
		Timestamp:   start.UTC().Format(time.RFC3339),
		Path:        path,
		LatencyMs:   float64(time.Since(start)) / float64(time.Millisecond),
		RequestRaw:  string(rawReq),
		ResponseRaw: string(body),
		Request:     req,
		Response: ledger.TurnResponse{
			Response:        resp,
			Status:          status,
			Error:           transportErr,
			BodySize:        len(body),
			EstimatedTokens: tokens,
		},
		Continuity: cont,
		Status:     label,
	}
	g.Ledger.Append(turn)

	if resp.Text != "" {
		g.mu.Lock()
		g.lastText = resp.Text
		g.lastAvailable = true
		g.mu.Unlock()
	}
	if req.HasImage {
		execbridge.SaveDataURI(g.RunDir, id, req.ImageDataURI)
	}

	g.Hub.Emit(hub.EventTurnCompleted, map[string]any{
		"id": id, "status": status, "turn_status": label,
		"latency_ms": turn.LatencyMs,
	})

	log.Info().Str("id", id).Int("status", status).Str("turn_status", label).
		Float64("latency_ms", turn.LatencyMs).Msg("turn completed")

	return status, body
}

func (g *Gateway) checkContinuity(current string) continuity.Result {
	g.mu.Lock()
	prev, avail := g.lastText, g.lastAvailable
	g.mu.Unlock()
	return continuity.Check(prev, avail, current)
}

// LastText returns the last-observed assistant text, if any.
func (g *Gateway) LastText() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastText, g.lastAvailable
}
