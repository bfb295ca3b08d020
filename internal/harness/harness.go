package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/roomsync/internal/counter"
	"github.com/roach88/roomsync/internal/engine"
	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/roach88/roomsync/internal/memlog"
	"github.com/roach88/roomsync/internal/room"
	"github.com/roach88/roomsync/internal/testutil"
)

type (
	roomState = room.State[counter.State]
	roomEvent = room.Event[counter.Event]
	hub       = memlog.Hub[roomState, roomEvent]
)

// peer is one scenario replica and its room session.
type peer struct {
	spec    ReplicaSpec
	conn    *memlog.Conn[roomState, roomEvent]
	replica *room.Replica[counter.State, counter.Event]
	session *room.Session[counter.State, counter.Event]
	bound   bool
}

// Harness executes one scenario.
// It runs replicas with a manual clock and sequential event ids.
type Harness struct {
	scenario *Scenario
	hub      *hub
	clock    *testutil.ManualClock
	peers    []*peer
	byID     map[string]*peer
	logger   *slog.Logger
	seq      int64
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh memlog hub for isolation.
//
// Execution flow:
// 1. Create the hub and one replica per declared replica
// 2. Bind and hydrate every non-deferred replica
// 3. Execute steps, checking expect_error
// 4. Settle, then record the log and final views
// 5. Evaluate assertions
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	start := scenario.StartMillis
	if start == 0 {
		start = DefaultStartMillis
	}
	clock := testutil.NewManualClock(start)

	h := &Harness{
		scenario: scenario,
		clock:    clock,
		byID:     make(map[string]*peer),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	h.hub = memlog.NewHub[roomState, roomEvent](memlog.WithClock(func() time.Time {
		return time.UnixMilli(clock.NowMillis()).UTC()
	}))
	defer h.close()

	for _, spec := range scenario.Replicas {
		p, err := h.newPeer(spec)
		if err != nil {
			return nil, fmt.Errorf("replica %s: %w", spec.ID, err)
		}
		h.peers = append(h.peers, p)
		h.byID[spec.ID] = p
		if !spec.Deferred {
			if err := h.connect(ctx, p); err != nil {
				return nil, fmt.Errorf("replica %s: %w", spec.ID, err)
			}
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.seq++
		ev := TraceEvent{
			Seq:     h.seq,
			Action:  step.Action,
			Replica: step.Replica,
			At:      clock.NowMillis(),
		}
		err := h.execute(ctx, step, &ev)
		if err != nil {
			ev.Error = err.Error()
		}
		switch {
		case err != nil && !step.ExpectError:
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Action, err))
		case err == nil && step.ExpectError:
			result.AddError(fmt.Sprintf("steps[%d] %s: expected an error", i, step.Action))
		}
		result.Trace = append(result.Trace, ev)
	}

	if err := h.settle(ctx); err != nil {
		result.AddError(fmt.Sprintf("final settle: %v", err))
	}
	for _, env := range h.hub.Envelopes(scenario.Room) {
		result.Log = append(result.Log, LogEntry{
			ID:       int64(env.ID),
			ClientID: env.ClientID,
			EventID:  env.EventID,
			Type:     eventType(env.Event),
		})
	}
	result.Final = h.views()

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) newPeer(spec ReplicaSpec) (*peer, error) {
	eng, err := engine.New(room.NewSpec(counter.Spec()))
	if err != nil {
		return nil, err
	}
	var opts []memlog.ConnOption
	if spec.IgnoreSelf {
		opts = append(opts, memlog.IgnoreSelf())
	}
	conn := h.hub.Conn(spec.ID, opts...)
	r := eventsync.NewReplica(eng, conn, conn, eventsync.Options{
		Optimistic:    spec.Optimistic,
		SnapshotEvery: spec.SnapshotEvery,
		PageLimit:     spec.PageLimit,
		IDs:           testutil.NewSequentialIDs(spec.ID),
		Logger:        h.logger,
	})
	sess, err := room.NewSession(r, h.scenario.Room, room.SessionOptions{
		ClientID: spec.ID,
		Now:      h.clock.NowMillis,
		Logger:   h.logger,
	})
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return &peer{spec: spec, conn: conn, replica: r, session: sess}, nil
}

func (h *Harness) connect(ctx context.Context, p *peer) error {
	if err := p.replica.Bind(ctx, h.scenario.Room); err != nil {
		return err
	}
	if err := h.wait(ctx, func(ctx context.Context) error { return p.replica.WaitHydrated(ctx) }); err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	p.bound = true
	return nil
}

func (h *Harness) close() {
	for _, p := range h.peers {
		_ = p.replica.Close()
	}
}

func (h *Harness) wait(ctx context.Context, fn func(context.Context) error) error {
	timeout := h.scenario.SettleTimeoutMillis
	if timeout <= 0 {
		timeout = DefaultSettleTimeoutMillis
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
	defer cancel()
	return fn(ctx)
}

// settle waits for every bound replica to reach the log head.
func (h *Harness) settle(ctx context.Context) error {
	head := h.hub.Head(h.scenario.Room)
	for _, p := range h.peers {
		if !p.bound {
			continue
		}
		err := h.wait(ctx, func(ctx context.Context) error { return p.replica.WaitCursor(ctx, head) })
		if err != nil {
			return fmt.Errorf("replica %s stuck at cursor %s, head %s: %w", p.spec.ID, p.replica.Cursor(), head, err)
		}
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, step Step, ev *TraceEvent) error {
	switch step.Action {
	case StepAdvance:
		h.clock.Advance(step.Millis)
		return nil
	case StepSettle:
		err := h.settle(ctx)
		ev.Views = h.views()
		return err
	}

	p := h.byID[step.Replica]
	s := p.session
	switch step.Action {
	case StepJoin:
		return s.Join(ctx, step.Name)
	case StepLeave:
		return s.Leave(ctx)
	case StepHeartbeat:
		return s.Heartbeat(ctx)
	case StepReady:
		return s.SetReady(ctx, step.Ready)
	case StepRename:
		return s.SetName(ctx, step.Name)
	case StepTransferHost:
		return s.TransferHost(ctx, step.Target)
	case StepKick:
		return s.Kick(ctx, step.Target)
	case StepClose:
		return s.CloseRoom(ctx)
	case StepGame:
		gev, err := decodeGameEvent(step.Event)
		if err != nil {
			return err
		}
		_, err = s.DispatchGame(ctx, gev)
		return err
	case StepDropNext:
		p.conn.DropNext(step.Count)
		return nil
	case StepConnect:
		if p.bound {
			return fmt.Errorf("replica %s is already connected", p.spec.ID)
		}
		return h.connect(ctx, p)
	case StepDisconnect:
		p.bound = false
		return p.replica.Bind(ctx, "")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

func decodeGameEvent(raw map[string]any) (counter.Event, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return counter.Event{}, fmt.Errorf("encode game event: %w", err)
	}
	var ev counter.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return counter.Event{}, fmt.Errorf("decode game event: %w", err)
	}
	return ev, nil
}

func eventType(ev roomEvent) string {
	if gev, ok := ev.Game(); ok {
		return room.GameType + ":" + string(gev.Type)
	}
	return ev.Type()
}

// views returns each bound replica's view in declaration order.
func (h *Harness) views() []ReplicaView {
	views := []ReplicaView{}
	for _, p := range h.peers {
		if !p.bound {
			continue
		}
		views = append(views, viewOf(p))
	}
	return views
}

func viewOf(p *peer) ReplicaView {
	st := p.replica.State()
	members := []string{}
	for _, m := range st.Participants.List() {
		members = append(members, m.ID)
	}
	return ReplicaView{
		Replica: p.spec.ID,
		Cursor:  int64(p.replica.Cursor()),
		Counter: st.Game.Value,
		Host:    st.Participants.HostID,
		Members: members,
		Closed:  st.Participants.Closed,
	}
}
