package harness

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Action  string `json:"action"`
	Replica string `json:"replica,omitempty"`
	// At is the scenario clock when the step ran.
	At    int64  `json:"at"`
	Error string `json:"error,omitempty"`
	// Views holds each bound replica's view after a settle step.
	Views []ReplicaView `json:"views,omitempty"`
}

// ReplicaView is what one replica sees of the room.
type ReplicaView struct {
	Replica string   `json:"replica"`
	Cursor  int64    `json:"cursor"`
	Counter int64    `json:"counter"`
	Host    string   `json:"host"`
	Members []string `json:"members"`
	Closed  bool     `json:"closed"`
}

// LogEntry summarizes one envelope of the room log.
type LogEntry struct {
	ID       int64  `json:"id"`
	ClientID string `json:"client_id"`
	EventID  string `json:"event_id"`
	Type     string `json:"type"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step met its expectation and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains all executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Log is the final room log.
	Log []LogEntry `json:"log"`

	// Final holds each bound replica's view after the final settle.
	Final []ReplicaView `json:"final"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Log:    []LogEntry{},
		Final:  []ReplicaView{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
