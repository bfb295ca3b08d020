package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/roomsync/internal/canonical"
	"github.com/roach88/roomsync/internal/counter"
	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/roach88/roomsync/internal/room"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string        // Assertion type for categorization
	Replica  string        // Replica the assertion failed on, if any
	Expected string        // Human-readable expected outcome
	Actual   string        // Human-readable actual outcome
	Views    []ReplicaView // All replica views for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Replica != "" {
		fmt.Fprintf(&buf, " (replica %s)", e.Replica)
	}
	buf.WriteString("\n")

	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nReplica views:\n")
	for _, v := range e.Views {
		fmt.Fprintf(&buf, "  %s cursor=%d counter=%d host=%q members=%v closed=%t\n",
			v.Replica, v.Cursor, v.Counter, v.Host, v.Members, v.Closed)
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns failure messages.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		for _, err := range evaluate(ctx, h, a) {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// targets returns the bound replicas an assertion applies to.
func (h *Harness) targets(a Assertion) []*peer {
	var out []*peer
	for _, p := range h.peers {
		if p.bound && (a.Replica == "" || a.Replica == p.spec.ID) {
			out = append(out, p)
		}
	}
	return out
}

func evaluate(ctx context.Context, h *Harness, a Assertion) []error {
	views := h.views()
	fail := func(replica, expected, actual string) error {
		return &AssertionError{Type: a.Type, Replica: replica, Expected: expected, Actual: actual, Views: views}
	}

	switch a.Type {
	case AssertHead:
		head := int64(h.hub.Head(h.scenario.Room))
		if head != *a.Value {
			return []error{fail("", fmt.Sprintf("log head %d", *a.Value), fmt.Sprintf("log head %d", head))}
		}
		return nil
	case AssertSnapshots:
		n := int64(len(h.hub.Snapshots(h.scenario.Room)))
		if n < *a.Value {
			return []error{fail("", fmt.Sprintf("at least %d snapshots", *a.Value), fmt.Sprintf("%d snapshots", n))}
		}
		return nil
	case AssertConverged:
		if err := assertConverged(ctx, h, a); err != nil {
			return []error{err}
		}
		return nil
	}

	var errs []error
	for _, p := range h.targets(a) {
		v := viewOf(p)
		switch a.Type {
		case AssertCounter:
			if v.Counter != *a.Value {
				errs = append(errs, fail(v.Replica, fmt.Sprintf("counter %d", *a.Value), fmt.Sprintf("counter %d", v.Counter)))
			}
		case AssertHost:
			if v.Host != *a.ID {
				errs = append(errs, fail(v.Replica, fmt.Sprintf("host %q", *a.ID), fmt.Sprintf("host %q", v.Host)))
			}
		case AssertClosed:
			if v.Closed != *a.Closed {
				errs = append(errs, fail(v.Replica, fmt.Sprintf("closed=%t", *a.Closed), fmt.Sprintf("closed=%t", v.Closed)))
			}
		case AssertMembers:
			if !slices.Equal(v.Members, a.IDs) {
				errs = append(errs, fail(v.Replica, fmt.Sprintf("members %v", a.IDs), fmt.Sprintf("members %v", v.Members)))
			}
		}
	}
	return errs
}

// assertConverged replays the whole log into a fresh engine and compares
// its canonical digest with every target replica's state.
func assertConverged(ctx context.Context, h *Harness, a Assertion) error {
	reader := h.hub.Conn("harness-replay")
	res, err := eventsync.Replay(ctx, room.NewSpec(counter.Spec()), reader, h.scenario.Room, nil, 0)
	if err != nil {
		return fmt.Errorf("converged: %w", err)
	}
	want, err := canonical.StateDigest(res.State)
	if err != nil {
		return fmt.Errorf("converged: %w", err)
	}

	views := h.views()
	for _, p := range h.targets(a) {
		got, err := canonical.StateDigest(p.replica.State())
		if err != nil {
			return fmt.Errorf("converged: replica %s: %w", p.spec.ID, err)
		}
		if got != want {
			return &AssertionError{
				Type:     a.Type,
				Replica:  p.spec.ID,
				Expected: fmt.Sprintf("replay digest %s", want),
				Actual:   fmt.Sprintf("state digest %s", got),
				Views:    views,
			}
		}
	}
	return nil
}
