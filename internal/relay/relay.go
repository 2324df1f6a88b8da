// Package relay forwards exchanges to the upstream backend.
//
// DESIGN: Two forwarding modes share one client. Do performs a single
// synchronous call. Stream forces the incremental protocol upstream, turns
// every content delta into a live stream_delta broadcast plus an in-place
// update of the gated item's parsed view, and collapses the transcript into
// a standard completion envelope at the end — callers never observe whether
// the backend call was streamed. A corrupt stream frame is skipped, never
// fatal.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/agentpanel/approval-gateway/internal/envelope"
	"github.com/agentpanel/approval-gateway/internal/hub"
	"github.com/agentpanel/approval-gateway/internal/pending"
)

// maxScanTokenSize bounds a single SSE line; vision payloads stay well under it.
const maxScanTokenSize = 16 * 1024 * 1024

// Client forwards request bodies to one upstream endpoint.
type Client struct {
	HTTP     *http.Client
	Hub      *hub.Hub
	Registry *pending.Registry
}

// Result is the outcome of a forward: HTTP status, response bytes and a
// transport-level error description (empty on success).
type Result struct {
	Status int
	Body   []byte
	Err    string
}

func errorBody(msg string) []byte {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return data
}

// Do performs a single buffered call to the upstream.
func (c *Client) Do(ctx context.Context, upstreamURL string, raw []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(raw))
	if err != nil {
		msg := fmt.Sprintf("bad upstream request: %v", err)
		return Result{Status: http.StatusBadGateway, Body: errorBody(msg), Err: msg}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		msg := fmt.Sprintf("upstream unreachable: %v", err)
		return Result{Status: http.StatusBadGateway, Body: errorBody(msg), Err: msg}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		msg := fmt.Sprintf("upstream read failed: %v", err)
		return Result{Status: http.StatusBadGateway, Body: errorBody(msg), Err: msg}
	}
	if resp.StatusCode >= 400 {
		return Result{Status: resp.StatusCode, Body: body, Err: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return Result{Status: resp.StatusCode, Body: body}
}

// Stream forwards with the streaming flag forced on and relays the event
// sequence. corrID names the exchange for stream_delta broadcasts and the
// response-stage pending item updated after every delta.
func (c *Client) Stream(ctx context.Context, upstreamURL string, raw []byte, corrID string) Result {
	patched := envelope.ForceStreaming(raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(patched))
	if err != nil {
		msg := fmt.Sprintf("bad upstream request: %v", err)
		return Result{Status: http.StatusBadGateway, Body: errorBody(msg), Err: msg}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		msg := fmt.Sprintf("upstream unreachable: %v", err)
		return Result{Status: http.StatusBadGateway, Body: errorBody(msg), Err: msg}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return Result{Status: resp.StatusCode, Body: body, Err: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	// Backend decided not to stream: hand the buffered body back unchanged.
	if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			msg := fmt.Sprintf("upstream read failed: %v", readErr)
			return Result{Status: http.StatusBadGateway, Body: errorBody(msg), Err: msg}
		}
		return Result{Status: resp.StatusCode, Body: body}
	}

	st := &streamState{
		client:   c,
		corrID:   corrID,
		reqModel: gjson.GetBytes(patched, "model").String(),
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)

	var eventLines [][]byte
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		if len(line) == 0 {
			for _, payload := range dataPayloads(eventLines) {
				if bytes.Equal(payload, []byte("[DONE]")) {
					st.finish(true)
					return Result{Status: resp.StatusCode, Body: st.completion()}
				}
				st.consume(payload)
			}
			eventLines = eventLines[:0]
			continue
		}
		if line[0] == ':' {
			continue
		}
		eventLines = append(eventLines, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		log.Debug().Err(err).Str("id", corrID).Msg("relay: stream read ended with error")
	}

	// Stream ended without a terminator; treat the accumulated transcript
	// as the final message.
	st.finish(true)
	return Result{Status: resp.StatusCode, Body: st.completion()}
}

// dataPayloads extracts the data field values from one SSE event's lines.
func dataPayloads(eventLines [][]byte) [][]byte {
	var out [][]byte
	for _, l := range eventLines {
		if !bytes.HasPrefix(l, []byte("data:")) {
			continue
		}
		out = append(out, bytes.TrimLeft(l[5:], " \t"))
	}
	return out
}

// streamState accumulates the transcript and publishes progress.
type streamState struct {
	client   *Client
	corrID   string
	reqModel string

	full         strings.Builder
	model        string
	finishReason string
	usage        map[string]any
	done         bool
}

// consume handles one decoded event payload. Malformed JSON is skipped.
func (st *streamState) consume(payload []byte) {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return
	}
	if m := gjson.GetBytes(payload, "model").String(); m != "" {
		st.model = m
	}
	if fr := gjson.GetBytes(payload, "choices.0.finish_reason").String(); fr != "" {
		st.finishReason = fr
	}
	if u := gjson.GetBytes(payload, "usage"); u.IsObject() {
		if m, ok := u.Value().(map[string]any); ok {
			st.usage = m
		}
	}

	delta := gjson.GetBytes(payload, "choices.0.delta.content").String()
	if delta == "" {
		delta = gjson.GetBytes(payload, "choices.0.message.content").String()
	}
	if delta == "" {
		return
	}
	st.full.WriteString(delta)
	st.publish(delta, false)
}

// finish marks the stream complete and publishes the terminal transition.
func (st *streamState) finish(done bool) {
	if st.done {
		return
	}
	st.done = done
	st.publish("", true)
}

// publish broadcasts a stream_delta and refreshes the gated item's parsed
// view so an approver inspecting it mid-stream sees current content.
func (st *streamState) publish(delta string, done bool) {
	if st.client.Hub != nil && (delta != "" || done) {
		st.client.Hub.Emit(hub.EventStreamDelta, map[string]any{
			"id":    st.corrID,
			"delta": delta,
			"done":  done,
			"chars": st.full.Len(),
		})
	}

	if st.client.Registry == nil {
		return
	}
	item := st.client.Registry.Get(st.corrID)
	if item == nil || item.Stage != pending.StageResponse {
		return
	}
	usage := st.usage
	if usage == nil {
		usage = map[string]any{}
	}
	item.SetResponse(st.completion(), envelope.Response{
		Text:         st.full.String(),
		FinishReason: st.finishReason,
		Usage:        usage,
		Streaming:    true,
		Done:         done,
	})
}

// completion synthesizes the buffered envelope from the transcript so far,
// carrying over the streamed finish reason and usage summary when present.
func (st *streamState) completion() []byte {
	model := st.model
	if model == "" {
		model = st.reqModel
	}
	if model == "" {
		model = "gateway"
	}
	body := envelope.Completion(st.full.String(), model)
	if st.finishReason != "" {
		body, _ = sjson.SetBytes(body, "choices.0.finish_reason", st.finishReason)
	}
	if st.usage != nil {
		body, _ = sjson.SetBytes(body, "usage", st.usage)
	}
	return body
}
