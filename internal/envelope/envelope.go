// Package envelope provides a normalized view of chat-completion payloads.
//
// DESIGN: Extraction is best-effort over loosely-typed JSON (gjson probing):
// parsing always returns a fully-populated structure with defaults on
// missing or invalid fields, plus an explicit ParseError marker. A malformed
// body never fails a request.
package envelope

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ParseErrBadJSON marks an envelope derived from an unparseable body.
const ParseErrBadJSON = "bad json"

// Sampling holds the sampling parameters present in a request.
// Nil means the field was absent from the payload.
type Sampling struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	CachePrompt *bool    `json:"cache_prompt,omitempty"`
}

// Request is the parsed view of a chat-completion request.
type Request struct {
	ParseError   string   `json:"parse_error"`
	Model        string   `json:"model"`
	Sampling     Sampling `json:"sampling"`
	MessageCount int      `json:"messages_count"`
	UserText     string   `json:"user_text"`
	HasImage     bool     `json:"has_image"`
	ImageDataURI string   `json:"image_data_uri"`
}

// Response is the parsed view of a chat-completion response. Streaming and
// Done are set only on the live view the relay maintains for an approver.
type Response struct {
	ParseError        string         `json:"parse_error"`
	ResponseID        string         `json:"response_id"`
	Created           int64          `json:"created,omitempty"`
	SystemFingerprint string         `json:"system_fingerprint"`
	Text              string         `json:"text"`
	FinishReason      string         `json:"finish_reason"`
	Usage             map[string]any `json:"usage"`
	Streaming         bool           `json:"streaming,omitempty"`
	Done              bool           `json:"done,omitempty"`
}

// ParseRequest extracts the request envelope. The trailing user text and
// inline image come from the last user message, matching how the agent loop
// assembles its prompt.
func ParseRequest(raw []byte) Request {
	var out Request
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		out.ParseError = ParseErrBadJSON
		return out
	}

	out.Model = gjson.GetBytes(raw, "model").String()

	if v := gjson.GetBytes(raw, "temperature"); v.Exists() {
		f := v.Float()
		out.Sampling.Temperature = &f
	}
	if v := gjson.GetBytes(raw, "top_p"); v.Exists() {
		f := v.Float()
		out.Sampling.TopP = &f
	}
	if v := gjson.GetBytes(raw, "max_tokens"); v.Exists() {
		n := int(v.Int())
		out.Sampling.MaxTokens = &n
	}
	if v := gjson.GetBytes(raw, "cache_prompt"); v.Exists() {
		b := v.Bool()
		out.Sampling.CachePrompt = &b
	}

	msgs := gjson.GetBytes(raw, "messages")
	if !msgs.IsArray() {
		return out
	}
	arr := msgs.Array()
	out.MessageCount = len(arr)

	for i := len(arr) - 1; i >= 0; i-- {
		m := arr[i]
		if m.Get("role").String() != "user" {
			continue
		}
		content := m.Get("content")
		if content.IsArray() {
			for _, part := range content.Array() {
				switch part.Get("type").String() {
				case "text":
					out.UserText = part.Get("text").String()
				case "image_url":
					out.HasImage = true
					out.ImageDataURI = part.Get("image_url.url").String()
				}
			}
		} else if content.Type == gjson.String {
			out.UserText = content.String()
		}
		break
	}
	return out
}

// ParseResponse extracts the response envelope from a buffered completion.
func ParseResponse(raw []byte) Response {
	out := Response{Usage: map[string]any{}}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		out.ParseError = ParseErrBadJSON
		return out
	}

	out.ResponseID = gjson.GetBytes(raw, "id").String()
	out.Created = gjson.GetBytes(raw, "created").Int()
	out.SystemFingerprint = gjson.GetBytes(raw, "system_fingerprint").String()
	out.Text = gjson.GetBytes(raw, "choices.0.message.content").String()
	out.FinishReason = gjson.GetBytes(raw, "choices.0.finish_reason").String()

	if usage := gjson.GetBytes(raw, "usage"); usage.IsObject() {
		if m, ok := usage.Value().(map[string]any); ok {
			out.Usage = m
		}
	}
	return out
}

// Completion synthesizes a standard non-incremental chat-completion body.
// Used for locally generated replies (rejections) and for collapsing a
// streamed transcript into the envelope the caller expects.
func Completion(content, model string) []byte {
	now := time.Now().Unix()
	body := map[string]any{
		"id":      fmt.Sprintf("gw-%d", now),
		"object":  "chat.completion",
		"created": now,
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		// Marshal of plain maps and strings cannot fail; keep the contract total.
		return []byte(`{"object":"chat.completion","choices":[]}`)
	}
	return data
}

// ForceStreaming patches the request to stream with usage reporting.
// Returns the input unchanged when it cannot be patched.
func ForceStreaming(raw []byte) []byte {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return raw
	}
	out, err := sjson.SetBytes(raw, "stream", true)
	if err != nil {
		return raw
	}
	if !gjson.GetBytes(out, "stream_options").Exists() {
		if patched, err := sjson.SetBytes(out, "stream_options.include_usage", true); err == nil {
			out = patched
		}
	}
	return out
}

// IsStreaming reports whether the request asks for a streamed response.
func IsStreaming(raw []byte) bool {
	return gjson.GetBytes(raw, "stream").Bool()
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens in text with the cl100k_base encoding,
// falling back to the chars/4 heuristic when the encoding is unavailable
// (e.g. offline without a cached BPE file).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			enc = e
		}
	})
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
