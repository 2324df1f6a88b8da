// Package execbridge defines the narrow contracts to the external screen
// capture and action-execution collaborators, plus subprocess-backed
// adapters speaking JSON over stdin/stdout.
//
// The collaborators themselves (image encoding, synthetic input, sandboxing)
// are out of scope for the gateway: a collaborator failure degrades to empty
// output, never to a failed exchange.
package execbridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// ExecResult is the structured outcome of one action-execution call.
type ExecResult struct {
	Executed      []string `json:"executed"`
	ExtractedCode string   `json:"extracted_code"`
	Malformed     bool     `json:"malformed"`
	Screenshot    string   `json:"screenshot"`
	Feedback      string   `json:"feedback"`
	Stderr        []string `json:"stderr,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Capturer produces a screen preview as a data URI, or empty on failure.
type Capturer interface {
	Preview(ctx context.Context, maxWidth int) string
}

// Executor runs raw agent-produced text through the action collaborator.
type Executor interface {
	Execute(ctx context.Context, raw string) ExecResult
}

// CommandCapturer shells out to a capture program. Input is a JSON object
// {"crop":..., "run_dir":..., "max_width":...} on stdin; output is
// {"data_uri": "..."} on stdout.
type CommandCapturer struct {
	Command []string
	RunDir  string
	Crop    func() map[string]any
}

func (c *CommandCapturer) Preview(ctx context.Context, maxWidth int) string {
	if len(c.Command) == 0 {
		return ""
	}
	var crop map[string]any
	if c.Crop != nil {
		crop = c.Crop()
	}
	out, _, err := runJSON(ctx, c.Command, map[string]any{
		"crop": crop, "run_dir": c.RunDir, "max_width": maxWidth,
	})
	if err != nil {
		log.Debug().Err(err).Msg("execbridge: capture failed")
		return ""
	}
	uri, _ := out["data_uri"].(string)
	return uri
}

// CommandExecutor shells out to an action-execution program. Input is
// {"raw":..., "run_dir":...} on stdin; output is the ExecResult JSON with
// collaborator stderr lines appended.
type CommandExecutor struct {
	Command []string
	RunDir  string
}

func (e *CommandExecutor) Execute(ctx context.Context, raw string) ExecResult {
	if len(e.Command) == 0 {
		return ExecResult{Error: "no executor configured"}
	}
	out, stderr, err := runJSON(ctx, e.Command, map[string]any{"raw": raw, "run_dir": e.RunDir})
	if err != nil {
		return ExecResult{Error: err.Error(), Stderr: stderr}
	}

	// Re-decode through JSON to keep the loose collaborator output tolerant.
	data, _ := json.Marshal(out)
	var res ExecResult
	if err := json.Unmarshal(data, &res); err != nil {
		return ExecResult{Error: "bad executor output", Stderr: stderr}
	}
	res.Stderr = stderr
	return res
}

// runJSON runs command with input serialized to stdin and parses a JSON
// object from stdout. Stderr is returned as trimmed lines.
func runJSON(ctx context.Context, command []string, input any) (map[string]any, []string, error) {
	inData, err := json.Marshal(input)
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdin = bytes.NewReader(inData)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	var lines []string
	for _, l := range strings.Split(stderr.String(), "\n") {
		if l = strings.TrimRight(l, "\r"); l != "" {
			lines = append(lines, l)
		}
	}
	if runErr != nil {
		return nil, lines, runErr
	}
	if strings.TrimSpace(stdout.String()) == "" {
		return nil, lines, fmt.Errorf("empty stdout")
	}

	var out map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, lines, fmt.Errorf("bad JSON from collaborator: %w", err)
	}
	return out, lines, nil
}

// SaveDataURI decodes a base64 image data URI and writes it to the run
// directory as turn_<id>.png. Failures are ignored: screenshot persistence
// is best-effort.
func SaveDataURI(runDir, turnID, uri string) {
	i := strings.Index(uri, "base64,")
	if i < 0 {
		return
	}
	png, err := base64.StdEncoding.DecodeString(uri[i+len("base64,"):])
	if err != nil {
		return
	}
	path := filepath.Join(runDir, "turn_"+turnID+".png")
	if err := os.WriteFile(path, png, 0600); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("execbridge: screenshot write failed")
	}
}
