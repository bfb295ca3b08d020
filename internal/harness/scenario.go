package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// DefaultStartMillis is the scenario clock's start when none is given.
const DefaultStartMillis int64 = 1_700_000_000_000

// DefaultSettleTimeoutMillis bounds how long a settle step waits.
const DefaultSettleTimeoutMillis int64 = 2_000

// Scenario defines a multi-replica room scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Room is the room code every replica binds to.
	Room string `yaml:"room"`

	// StartMillis is the initial scenario clock (unix milliseconds).
	StartMillis int64 `yaml:"start_ms,omitempty"`

	// SettleTimeoutMillis bounds each settle step.
	SettleTimeoutMillis int64 `yaml:"settle_timeout_ms,omitempty"`

	// Replicas declares the participating replicas in view order.
	Replicas []ReplicaSpec `yaml:"replicas"`

	// Steps run sequentially.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after a final settle.
	Assertions []Assertion `yaml:"assertions"`
}

// ReplicaSpec configures one replica.
type ReplicaSpec struct {
	// ID is both the log client id and the participant id.
	ID string `yaml:"id"`

	Optimistic    bool `yaml:"optimistic,omitempty"`
	SnapshotEvery int  `yaml:"snapshot_every,omitempty"`
	PageLimit     int  `yaml:"page_limit,omitempty"`
	IgnoreSelf    bool `yaml:"ignore_self,omitempty"`

	// Deferred replicas start unbound and join the room on a connect step.
	Deferred bool `yaml:"deferred,omitempty"`
}

// Step is one scenario action.
type Step struct {
	// Action is one of the Step* constants.
	Action string `yaml:"action"`

	// Replica performs the action. Not used by advance and settle.
	Replica string `yaml:"replica,omitempty"`

	// Name is the display name (join, rename).
	Name string `yaml:"name,omitempty"`

	// Ready is the ready flag (ready).
	Ready bool `yaml:"ready,omitempty"`

	// Target is the other participant (transfer_host, kick).
	Target string `yaml:"target,omitempty"`

	// Event is the counter event (game).
	Event map[string]any `yaml:"event,omitempty"`

	// Count is the number of deliveries to drop (drop_next).
	Count int `yaml:"count,omitempty"`

	// Millis is the clock advance (advance).
	Millis int64 `yaml:"ms,omitempty"`

	// ExpectError marks a step that must fail.
	ExpectError bool `yaml:"expect_error,omitempty"`
}

// Step action constants.
const (
	StepJoin         = "join"
	StepLeave        = "leave"
	StepHeartbeat    = "heartbeat"
	StepReady        = "ready"
	StepRename       = "rename"
	StepTransferHost = "transfer_host"
	StepKick         = "kick"
	StepClose        = "close"
	StepGame         = "game"
	StepDropNext     = "drop_next"
	StepAdvance      = "advance"
	StepConnect      = "connect"
	StepDisconnect   = "disconnect"
	StepSettle       = "settle"
)

// Assertion validates the final room.
type Assertion struct {
	// Type specifies the assertion type:
	// - "counter": counter value equals Value
	// - "host": host id equals ID
	// - "closed": closed flag equals Closed
	// - "members": participant ids in order equal IDs
	// - "head": log length equals Value
	// - "snapshots": at least Value snapshots were saved
	// - "converged": replicas match a full replay
	Type string `yaml:"type"`

	// Replica restricts the assertion to one replica.
	Replica string `yaml:"replica,omitempty"`

	Value  *int64   `yaml:"value,omitempty"`
	ID     *string  `yaml:"id,omitempty"`
	Closed *bool    `yaml:"closed,omitempty"`
	IDs    []string `yaml:"ids,omitempty"`
}

// Assertion type constants.
const (
	AssertCounter   = "counter"
	AssertHost      = "host"
	AssertClosed    = "closed"
	AssertMembers   = "members"
	AssertHead      = "head"
	AssertSnapshots = "snapshots"
	AssertConverged = "converged"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Room == "" {
		return fmt.Errorf("room is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	ids := make([]string, 0, len(s.Replicas))
	for i, r := range s.Replicas {
		if r.ID == "" {
			return fmt.Errorf("replicas[%d]: id is required", i)
		}
		if slices.Contains(ids, r.ID) {
			return fmt.Errorf("replicas[%d]: duplicate id %q", i, r.ID)
		}
		if r.SnapshotEvery < 0 || r.PageLimit < 0 {
			return fmt.Errorf("replicas[%d]: snapshot_every and page_limit must be non-negative", i)
		}
		ids = append(ids, r.ID)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, ids); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, ids); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its action.
func validateStep(index int, st *Step, ids []string) error {
	switch st.Action {
	case StepAdvance:
		if st.Millis <= 0 {
			return fmt.Errorf("steps[%d]: ms must be positive for advance", index)
		}
		return nil
	case StepSettle:
		return nil
	case StepJoin, StepLeave, StepHeartbeat, StepReady, StepRename, StepClose,
		StepConnect, StepDisconnect:
	case StepTransferHost, StepKick:
		if st.Target == "" {
			return fmt.Errorf("steps[%d]: target is required for %s", index, st.Action)
		}
	case StepGame:
		if len(st.Event) == 0 {
			return fmt.Errorf("steps[%d]: event is required for game", index)
		}
	case StepDropNext:
		if st.Count <= 0 {
			return fmt.Errorf("steps[%d]: count must be positive for drop_next", index)
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, st.Action)
	}

	if st.Replica == "" {
		return fmt.Errorf("steps[%d]: replica is required for %s", index, st.Action)
	}
	if !slices.Contains(ids, st.Replica) {
		return fmt.Errorf("steps[%d]: unknown replica %q", index, st.Replica)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, ids []string) error {
	if a.Replica != "" && !slices.Contains(ids, a.Replica) {
		return fmt.Errorf("assertions[%d]: unknown replica %q", index, a.Replica)
	}

	switch a.Type {
	case AssertCounter, AssertHead, AssertSnapshots:
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for %s", index, a.Type)
		}
	case AssertHost:
		if a.ID == nil {
			return fmt.Errorf("assertions[%d]: id is required for host", index)
		}
	case AssertClosed:
		if a.Closed == nil {
			return fmt.Errorf("assertions[%d]: closed is required for closed", index)
		}
	case AssertMembers:
		if a.IDs == nil {
			return fmt.Errorf("assertions[%d]: ids is required for members", index)
		}
	case AssertConverged:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
