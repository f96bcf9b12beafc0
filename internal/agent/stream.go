// Package agent spawns the per-run assistant subprocess, streams its
// sentinel-framed stdout, and enforces idle/hard timeouts.
package agent

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Sentinel markers framing each JSON record on the agent's stdout. The values
// are deliberately noisy so natural content never collides with them.
const (
	StreamStart = "<<<SHEPHERD:7f3a:BEGIN>>>"
	StreamEnd   = "<<<SHEPHERD:7f3a:END>>>"
)

// OutputRecord is one streamed result from the agent subprocess.
type OutputRecord struct {
	Status       string  `json:"status"` // "success" | "error"
	Result       *string `json:"result"` // nil = no user-visible text
	NewSessionID string  `json:"newSessionId,omitempty"`
	Error        string  `json:"error,omitempty"`
	TokensIn     int64   `json:"tokensIn,omitempty"`
	TokensOut    int64   `json:"tokensOut,omitempty"`
	Model        string  `json:"model,omitempty"`
}

// HasResult reports whether the record carries user-visible text.
func (r OutputRecord) HasResult() bool {
	return r.Result != nil && strings.TrimSpace(*r.Result) != ""
}

// StreamParser extracts sentinel-framed JSON records from a chunked byte
// stream. It keeps a rolling buffer across chunk boundaries so markers split
// between chunks are handled; noise outside marker pairs is discarded once a
// complete pair has been consumed.
type StreamParser struct {
	buf       strings.Builder
	maxBuffer int
	truncated bool
}

// NewStreamParser creates a parser whose rolling buffer is capped at
// maxBuffer bytes (0 = 10 MiB). Overflow is dropped, not fatal.
func NewStreamParser(maxBuffer int) *StreamParser {
	if maxBuffer <= 0 {
		maxBuffer = 10 << 20
	}
	return &StreamParser{maxBuffer: maxBuffer}
}

// Truncated reports whether any input was dropped for exceeding the cap.
func (p *StreamParser) Truncated() bool { return p.truncated }

// Buffered returns the current unconsumed buffer (for tests and run logs).
func (p *StreamParser) Buffered() string { return p.buf.String() }

// Feed appends chunk and returns all complete records it unlocked, in order.
// Malformed JSON between a valid marker pair is skipped with a log line; the
// buffer never advances past the last processed END marker otherwise.
func (p *StreamParser) Feed(chunk string) []OutputRecord {
	if p.buf.Len()+len(chunk) > p.maxBuffer {
		keep := p.maxBuffer - p.buf.Len()
		if keep < 0 {
			keep = 0
		}
		chunk = chunk[:keep]
		p.truncated = true
	}
	p.buf.WriteString(chunk)

	var records []OutputRecord
	work := p.buf.String()
	for {
		start := strings.Index(work, StreamStart)
		if start < 0 {
			break
		}
		rest := work[start+len(StreamStart):]
		end := strings.Index(rest, StreamEnd)
		if end < 0 {
			// Partial pair: drop noise before START, keep from START on.
			work = work[start:]
			break
		}

		body := strings.TrimSpace(rest[:end])
		if body != "" {
			var rec OutputRecord
			if err := json.Unmarshal([]byte(body), &rec); err != nil {
				slog.Warn("skipping malformed agent output record", "error", err, "bytes", len(body))
			} else {
				records = append(records, rec)
			}
		}
		work = rest[end+len(StreamEnd):]
	}

	p.buf.Reset()
	p.buf.WriteString(work)
	return records
}

// WrapRecord frames a record for the agent side of the contract; used by
// tests and the replay tooling.
func WrapRecord(rec OutputRecord) string {
	data, _ := json.Marshal(rec)
	return StreamStart + string(data) + StreamEnd
}
