package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/roach88/querygate/internal/runctx"
)

// RecordedCall is one tool invocation captured for offline replay. The
// principal is kept whole so a replay can rebuild the same context.
type RecordedCall struct {
	ID              string           `json:"id"`
	ToolName        string           `json:"tool_name"`
	Principal       runctx.Principal `json:"principal"`
	RequestID       string           `json:"request_id,omitempty"`
	Inputs          map[string]any   `json:"inputs"`
	OK              bool             `json:"ok"`
	Output          any              `json:"output,omitempty"`
	ErrorCode       string           `json:"error_code,omitempty"`
	Error           string           `json:"error,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	DurationMS      float64          `json:"duration_ms"`
	PolicyDecisions []string         `json:"policy_decisions,omitempty"`
}

// Outcome is what a tool execution produced, reduced to what replay
// compares.
func (c RecordedCall) Outcome() Outcome {
	return Outcome{OK: c.OK, Data: c.Output, ErrorCode: c.ErrorCode, Error: c.Error}
}

// CallFilter selects recorded calls. Zero fields do not constrain.
type CallFilter struct {
	ToolName string
	TenantID string
	Status   Status
}

func (f CallFilter) matches(c RecordedCall) bool {
	switch {
	case f.ToolName != "" && c.ToolName != f.ToolName:
		return false
	case f.TenantID != "" && c.Principal.TenantID != f.TenantID:
		return false
	case f.Status == StatusSuccess && !c.OK:
		return false
	case f.Status == StatusError && c.OK:
		return false
	}
	return true
}

// CallRecorder accumulates recorded calls in memory. It is safe for
// concurrent use.
type CallRecorder struct {
	mu    sync.Mutex
	calls []RecordedCall
}

// NewCallRecorder returns a recorder, optionally pre-loaded.
func NewCallRecorder(calls ...RecordedCall) *CallRecorder {
	return &CallRecorder{calls: slices.Clone(calls)}
}

// Record appends a call. A missing id is generated.
func (c *CallRecorder) Record(call RecordedCall) {
	if call.ID == "" {
		call.ID = NewID()
	}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

// Calls returns a copy of everything recorded, in recording order.
func (c *CallRecorder) Calls() []RecordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// Len reports how many calls are recorded.
func (c *CallRecorder) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Filter returns the recorded calls matching f.
func (c *CallRecorder) Filter(f CallFilter) []RecordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []RecordedCall
	for _, call := range c.calls {
		if f.matches(call) {
			out = append(out, call)
		}
	}
	return out
}

// Reset drops every recorded call.
func (c *CallRecorder) Reset() {
	c.mu.Lock()
	c.calls = nil
	c.mu.Unlock()
}

// WriteJSONL writes one JSON object per line.
func (c *CallRecorder) WriteJSONL(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for _, call := range c.Calls() {
		if err := enc.Encode(call); err != nil {
			return fmt.Errorf("encode call %s: %w", call.ID, err)
		}
	}
	return bw.Flush()
}

// maxLineSize bounds a single JSONL entry.
const maxLineSize = 16 << 20

// ReadJSONL parses a call log. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]RecordedCall, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var (
		out  []RecordedCall
		line int
	)
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		var call RecordedCall
		if err := json.Unmarshal(b, &call); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, call)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read call log: %w", err)
	}
	return out, nil
}

// SaveFile writes the log to path, replacing any existing file.
func (c *CallRecorder) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save call log: %w", err)
	}
	if err := c.WriteJSONL(f); err != nil {
		f.Close()
		return fmt.Errorf("save call log: %w", err)
	}
	return f.Close()
}

// AppendFile appends the log to path, creating it if needed.
func (c *CallRecorder) AppendFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append call log: %w", err)
	}
	if err := c.WriteJSONL(f); err != nil {
		f.Close()
		return fmt.Errorf("append call log: %w", err)
	}
	return f.Close()
}

// LoadFile reads a log written by SaveFile.
func LoadFile(path string) ([]RecordedCall, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load call log: %w", err)
	}
	defer f.Close()
	return ReadJSONL(f)
}
