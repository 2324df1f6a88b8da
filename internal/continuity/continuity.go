// Package continuity verifies the agent loop's text carry-forward.
//
// The loop's memory mechanism requires each new user prompt to begin with
// exactly the assistant text returned on the prior resolved turn. The check
// itself cannot fail: Verified is always true, Match carries the verdict.
package continuity

import "fmt"

// Result is the outcome of one carry-forward check.
type Result struct {
	Verified      bool   `json:"verified"`
	Match         bool   `json:"match"`
	PrevAvailable bool   `json:"prev_available"`
	Detail        string `json:"detail"`
}

// Check compares the current user text against the previous assistant text.
// prevAvailable is false on the first exchange of a run, which is an
// automatic match.
func Check(prev string, prevAvailable bool, current string) Result {
	if !prevAvailable {
		return Result{Verified: true, Match: true, Detail: "First turn"}
	}
	if len(current) >= len(prev) && current[:len(prev)] == prev {
		return Result{
			Verified:      true,
			Match:         true,
			PrevAvailable: true,
			Detail:        fmt.Sprintf("Prefix match (%d chars)", len(prev)),
		}
	}

	limit := len(prev)
	if len(current) < limit {
		limit = len(current)
	}
	pos := limit
	for i := 0; i < limit; i++ {
		if prev[i] != current[i] {
			pos = i
			break
		}
	}
	return Result{
		Verified:      true,
		Match:         false,
		PrevAvailable: true,
		Detail:        fmt.Sprintf("VIOLATION pos %d. current=%d prev=%d", pos, len(current), len(prev)),
	}
}
