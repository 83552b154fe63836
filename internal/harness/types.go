package harness

// TraceEvent is one executed step: a tool call or an approval decision.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Tool string `json:"tool"`
	// Args are the call arguments exactly as the scenario wrote them.
	Args         map[string]any `json:"args,omitempty"`
	OK           bool           `json:"ok"`
	ErrorCode    string         `json:"error_code,omitempty"`
	RowCount     *int           `json:"row_count,omitempty"`
	AffectedRows *int64         `json:"affected_rows,omitempty"`
	// Data is the tool result decoded to plain JSON values. It is left out
	// of golden snapshots; expect clauses check it instead.
	Data any `json:"-"`
	// ApprovalID is set on calls that were parked for approval.
	ApprovalID string `json:"-"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed expectation.
	Errors []string `json:"errors,omitempty"`

	// AuditRecords is the number of audit records written during the run.
	AuditRecords int `json:"audit_records"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends ev with the next sequence number and returns it.
func (r *Result) AddEvent(ev TraceEvent) TraceEvent {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
	return ev
}
