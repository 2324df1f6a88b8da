package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agentpanel/approval-gateway/internal/hub"
	"github.com/agentpanel/approval-gateway/internal/ledger"
	"github.com/agentpanel/approval-gateway/internal/pending"
	"github.com/agentpanel/approval-gateway/internal/settings"
)

func decisionApprove() pending.Decision {
	return pending.Decision{Action: pending.ActionApprove}
}

func decisionEditResponse(raw []byte) pending.Decision {
	return pending.Decision{Action: pending.ActionEditResponse, RawResponse: raw}
}

func newTestGateway(t *testing.T, upstream string) *Gateway {
	t.Helper()
	dir := t.TempDir()
	store, err := settings.NewStore(dir)
	require.NoError(t, err)
	if upstream != "" {
		store.Update(map[string]any{"upstream_url": upstream})
	}
	led, err := ledger.Open(filepath.Join(dir, "turns.jsonl"))
	require.NoError(t, err)
	g := New(dir, store, led, hub.New())
	t.Cleanup(g.Hub.Close)
	return g
}

const simpleRequest = `{"model":"m","messages":[{"role":"user","content":"hi"}]}`

func completionBody(content string) []byte {
	data, _ := json.Marshal(map[string]any{
		"id": "resp-1", "object": "chat.completion", "model": "m",
		"choices": []map[string]any{{
			"index": 0, "finish_reason": "stop",
			"message": map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2},
	})
	return data
}

func TestUngatedExchangeIsTransparent(t *testing.T) {
	var seen atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen.Store(string(body))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(completionBody("done"))
	}))
	defer backend.Close()

	g := newTestGateway(t, backend.URL)
	status, body := g.Exchange(t.Context(), "/v1/chat/completions", []byte(simpleRequest))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(completionBody("done")), string(body))
	assert.Equal(t, simpleRequest, seen.Load(), "request forwarded unmodified")
	assert.Equal(t, 1, g.Ledger.Count())

	last, avail := g.LastText()
	assert.True(t, avail)
	assert.Equal(t, "done", last)
}

func TestRequestStageRejectSkipsBackend(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(completionBody("should never happen"))
	}))
	defer backend.Close()

	g := newTestGateway(t, backend.URL)
	g.Settings.Update(map[string]any{"firewall_enabled": true, "auto_approve": false})

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	type result struct {
		status int
		body   []byte
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
			bytes.NewReader([]byte(simpleRequest)))
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		done <- result{resp.StatusCode, body}
	}()

	// Wait for the request-stage item to appear, then reject it.
	var id string
	require.Eventually(t, func() bool {
		list := g.Registry.List()
		if len(list) == 0 {
			return false
		}
		id = list[0].ID
		return true
	}, 2*time.Second, 10*time.Millisecond)

	decision, err := http.Post(srv.URL+"/pending/"+id+"/reject", "application/json",
		bytes.NewReader([]byte(`{"message":"no"}`)))
	require.NoError(t, err)
	decision.Body.Close()
	require.Equal(t, http.StatusOK, decision.StatusCode)

	res := <-done
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "no", gjson.GetBytes(res.body, "choices.0.message.content").String())
	assert.Equal(t, int64(0), calls.Load(), "backend never called")
	assert.Equal(t, 0, g.Registry.Count(), "item removed after observation")
	assert.Equal(t, 1, g.Ledger.Count())
}

func TestApprovedExchangeForwardsAndGatesResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completionBody("backend text"))
	}))
	defer backend.Close()

	g := newTestGateway(t, backend.URL)
	g.Settings.Update(map[string]any{"firewall_enabled": true, "auto_approve": false})

	done := make(chan []byte, 1)
	go func() {
		_, body := g.Exchange(t.Context(), "/v1/chat/completions", []byte(simpleRequest))
		done <- body
	}()

	approveStage := func(stage string) {
		var id string
		require.Eventually(t, func() bool {
			for _, it := range g.Registry.List() {
				if it.Stage == stage {
					id = it.ID
					return true
				}
			}
			return false
		}, 2*time.Second, 10*time.Millisecond, "waiting for %s stage", stage)
		g.Registry.Get(id).Resolve(decisionApprove())
	}

	approveStage("request")
	approveStage("response")

	body := <-done
	assert.Equal(t, "backend text", gjson.GetBytes(body, "choices.0.message.content").String())
}

func TestResponseStageEditSubstitutesBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completionBody("original"))
	}))
	defer backend.Close()

	g := newTestGateway(t, backend.URL)
	g.Settings.Update(map[string]any{"firewall_enabled": true, "auto_approve": false})

	type result struct {
		status int
		body   []byte
	}
	done := make(chan result, 1)
	go func() {
		status, body := g.Exchange(t.Context(), "/v1/chat/completions", []byte(simpleRequest))
		done <- result{status, body}
	}()

	waitStage := func(stage string) string {
		var id string
		require.Eventually(t, func() bool {
			for _, it := range g.Registry.List() {
				if it.Stage == stage {
					id = it.ID
					return true
				}
			}
			return false
		}, 2*time.Second, 10*time.Millisecond)
		return id
	}

	g.Registry.Get(waitStage("request")).Resolve(decisionApprove())

	respID := waitStage("response")
	// The seeded view should eventually show the forwarded body.
	require.Eventually(t, func() bool {
		raw, _ := g.Registry.Get(respID).Response()
		return len(raw) > 0
	}, 2*time.Second, 10*time.Millisecond)
	g.Registry.Get(respID).Resolve(decisionEditResponse(completionBody("edited")))

	res := <-done
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "edited", gjson.GetBytes(res.body, "choices.0.message.content").String())
}

func TestUpstreamFailureRecordedNotFatal(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:1/v1/chat/completions")

	status, body := g.Exchange(t.Context(), "/v1/chat/completions", []byte(simpleRequest))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.NotEmpty(t, body)

	index := g.Ledger.Index()
	require.Len(t, index, 1)
	turn, ok := g.Ledger.Get(index[0].ID)
	require.True(t, ok)
	assert.Equal(t, "error", turn.Status)
	assert.NotEmpty(t, turn.Response.Error)
}

func TestMalformedRequestStillForwarded(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completionBody("ok"))
	}))
	defer backend.Close()

	g := newTestGateway(t, backend.URL)
	status, _ := g.Exchange(t.Context(), "/v1/chat/completions", []byte("not json at all"))
	assert.Equal(t, http.StatusOK, status)

	index := g.Ledger.Index()
	require.Len(t, index, 1)
	turn, _ := g.Ledger.Get(index[0].ID)
	assert.NotEmpty(t, turn.Request.ParseError)
}

func TestContinuityTrackedAcrossExchanges(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completionBody("Hello world"))
	}))
	defer backend.Close()

	g := newTestGateway(t, backend.URL)
	g.Exchange(t.Context(), "/v1/chat/completions", []byte(simpleRequest))

	follow := `{"model":"m","messages":[{"role":"user","content":"Hello world, I look"}]}`
	g.Exchange(t.Context(), "/v1/chat/completions", []byte(follow))

	index := g.Ledger.Index()
	require.Len(t, index, 2)
	second, _ := g.Ledger.Get(index[0].ID)
	assert.True(t, second.Continuity.Match)
	assert.True(t, second.Continuity.PrevAvailable)

	bad := `{"model":"m","messages":[{"role":"user","content":"Goodbye"}]}`
	g.Exchange(t.Context(), "/v1/chat/completions", []byte(bad))
	third, _ := g.Ledger.Get(g.Ledger.Index()[0].ID)
	assert.False(t, third.Continuity.Match)
}

func TestDecisionEndpointUnknownItem(t *testing.T) {
	g := newTestGateway(t, "")
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/pending/12345/approve", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := http.Post(srv.URL+"/pending/12345/frobnicate", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestControlSurface(t *testing.T) {
	g := newTestGateway(t, "")
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, gjson.GetBytes(body, "paused").Bool())

	resp, err = http.Post(srv.URL+"/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, g.Settings.Paused())

	resp, err = http.Post(srv.URL+"/unpause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.False(t, g.Settings.Paused())

	resp, err = http.Post(srv.URL+"/config", "application/json",
		bytes.NewReader([]byte(`{"temperature":0.9,"bogus_key":1}`)))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.InDelta(t, 0.9, gjson.GetBytes(body, "config.temperature").Float(), 1e-9)
	assert.False(t, gjson.GetBytes(body, "config.bogus_key").Exists())

	resp, err = http.Post(srv.URL+"/allowed_tools", "application/json",
		bytes.NewReader([]byte(`{"allowed_tools":["click","made_up"]}`)))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	tools := gjson.GetBytes(body, "allowed_tools").Array()
	require.Len(t, tools, 1)
	assert.Equal(t, "click", tools[0].String())

	resp, err = http.Get(srv.URL + "/turn/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPanicRecoveryKeepsServing(t *testing.T) {
	g := newTestGateway(t, "")
	mux := http.NewServeMux()
	mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})
	mux.HandleFunc("/fine", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(g.recoverPanics(mux))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/boom")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "gateway_error", gjson.GetBytes(body, "error.type").String())

	resp, err = http.Get(srv.URL + "/fine")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsEndpointDeliversBroadcasts(t *testing.T) {
	g := newTestGateway(t, "")
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return g.Hub.Count() == 1 },
		2*time.Second, 10*time.Millisecond)
	g.Hub.Emit(hub.EventPaused, nil)

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"type":"paused"`)
}
