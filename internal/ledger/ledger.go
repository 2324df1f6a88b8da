// Package ledger is the append-only durable record of resolved exchanges.
//
// DESIGN: One JSON object per line in turns.jsonl, written synchronously the
// moment a turn resolves; records are never mutated or deleted. An in-memory
// index (newest first) carries lightweight summaries: a pending exchange
// occupies a placeholder slot from creation and is upgraded in place when it
// resolves, so observer-visible ordering stays stable across an item's
// lifetime. Full turn detail lives in a map that is never evicted — a fresh
// run directory is expected per process lifetime.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentpanel/approval-gateway/internal/continuity"
	"github.com/agentpanel/approval-gateway/internal/envelope"
)

// TurnResponse is the response half of a turn record: the parsed envelope
// plus transport-level outcome.
type TurnResponse struct {
	envelope.Response
	Status          int    `json:"status"`
	Error           string `json:"error"`
	BodySize        int    `json:"body_size"`
	EstimatedTokens int    `json:"estimated_tokens,omitempty"`
}

// Turn is the immutable record of one fully resolved exchange.
type Turn struct {
	TurnID      string            `json:"turn_id"`
	Timestamp   string            `json:"timestamp"`
	Path        string            `json:"path"`
	LatencyMs   float64           `json:"latency_ms"`
	RequestRaw  string            `json:"request_raw"`
	ResponseRaw string            `json:"response_raw"`
	Request     envelope.Request  `json:"request"`
	Response    TurnResponse      `json:"response"`
	Continuity  continuity.Result `json:"continuity_check"`
	Status      string            `json:"status"`
}

// IndexEntry is the listing view of a slot in the turn index.
type IndexEntry struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // "pending" or "turn"
	Stage     string `json:"stage,omitempty"`
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status,omitempty"`
}

// Ledger owns the durable file, the ordered index and the detail map.
type Ledger struct {
	path string

	mu    sync.Mutex
	index []IndexEntry
	turns map[string]Turn
}

// Open creates (or reopens) the ledger file at path.
func Open(path string) (*Ledger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	_ = f.Close()
	return &Ledger{path: path, turns: make(map[string]Turn)}, nil
}

// TrackPending inserts a placeholder slot for a gated exchange at the front
// of the index. If a slot for the id already exists (request stage upgraded
// to response stage) it is updated in place instead; slots are never removed.
func (l *Ledger) TrackPending(id, stage, timestamp string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.index {
		if e.ID == id {
			l.index[i].Kind = "pending"
			l.index[i].Stage = stage
			return
		}
	}
	l.index = append([]IndexEntry{{ID: id, Kind: "pending", Stage: stage, Timestamp: timestamp}}, l.index...)
}

// Append records a resolved turn: detail map, in-place index upgrade, then a
// synchronous write of one JSONL record. A write failure is logged and the
// in-memory record kept; it never aborts the exchange.
func (l *Ledger) Append(t Turn) {
	l.mu.Lock()
	l.turns[t.TurnID] = t
	upgraded := false
	for i, e := range l.index {
		if e.ID == t.TurnID {
			l.index[i].Kind = "turn"
			l.index[i].Stage = ""
			l.index[i].Status = t.Response.Status
			upgraded = true
			break
		}
	}
	if !upgraded {
		l.index = append([]IndexEntry{{ID: t.TurnID, Kind: "turn", Timestamp: t.Timestamp, Status: t.Response.Status}}, l.index...)
	}
	l.mu.Unlock()

	if err := l.appendLine(t); err != nil {
		log.Error().Err(err).Str("path", l.path).Msg("ledger: write failed")
	}
}

func (l *Ledger) appendLine(t Turn) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(data)
	return err
}

// Get returns the full detail for a resolved turn.
func (l *Ledger) Get(id string) (Turn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.turns[id]
	return t, ok
}

// Index returns a point-in-time snapshot of the ordered index, newest first.
func (l *Ledger) Index() []IndexEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]IndexEntry, len(l.index))
	copy(out, l.index)
	return out
}

// Count returns the number of index slots (pending placeholders included).
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

// ReadAll parses every record from a ledger file, oldest first. Used to
// inspect a prior run's ledger; corrupt lines are skipped.
func ReadAll(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []Turn
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(line, &t); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("ledger: skipping corrupt record")
			continue
		}
		out = append(out, t)
	}
	return out, sc.Err()
}
