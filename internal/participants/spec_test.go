package participants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomsync/internal/engine"
)

func newEngine(t *testing.T) *engine.Engine[State, Event] {
	t.Helper()
	e, err := engine.New(Spec())
	require.NoError(t, err)
	return e
}

func apply(t *testing.T, e *engine.Engine[State, Event], events ...Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, e.Dispatch(ev), "dispatch %s", ev.Type())
	}
}

func TestJoin_FirstJoinerBecomesHost(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		RoomOpen{RoomCode: "ABCD", At: 1},
		Join{ID: "a", Name: "Alice", At: 1},
	)

	s := e.State()
	assert.Equal(t, "ABCD", s.RoomCode)
	assert.Equal(t, "a", s.HostID)
	assert.Equal(t, RoleHost, s.ByID["a"].Role)
	assert.Equal(t, []string{"a"}, s.Order)
	assert.True(t, s.ByID["a"].Online)
}

func TestJoin_SecondJoinerIsMember(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		Join{ID: "a", Name: "Alice", At: 1},
		Join{ID: "b", Name: "Bob", At: 2},
	)

	s := e.State()
	assert.Equal(t, "a", s.HostID)
	assert.Equal(t, RoleMember, s.ByID["b"].Role)
	assert.Equal(t, []string{"a", "b"}, s.Order)
}

func TestJoin_RejoinRefreshesWithoutDuplicating(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		Join{ID: "a", Name: "Alice", At: 1},
		Join{ID: "b", Name: "Bob", At: 2},
		Join{ID: "a", At: 50},
	)

	s := e.State()
	assert.Equal(t, []string{"a", "b"}, s.Order)
	assert.Equal(t, "Alice", s.ByID["a"].Name, "empty name keeps existing")
	assert.Equal(t, int64(50), s.ByID["a"].LastSeenAt)
	assert.Equal(t, int64(1), s.ByID["a"].JoinedAt)

	apply(t, e, Join{ID: "a", Name: "Alicia", At: 60})
	assert.Equal(t, "Alicia", e.State().ByID["a"].Name)
}

func TestLeave_HostHandsOverToNextMember(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		Join{ID: "a", Name: "Alice", At: 1},
		Join{ID: "b", Name: "Bob", At: 2},
		Leave{ID: "a", At: 3},
	)

	s := e.State()
	assert.Equal(t, "b", s.HostID)
	assert.Equal(t, RoleHost, s.ByID["b"].Role)
	assert.NotContains(t, s.ByID, "a")
	assert.Equal(t, []string{"b"}, s.Order)
	assert.False(t, s.Closed)
}

func TestLeave_PrefersOnlineParticipant(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		Join{ID: "a", Name: "Alice", At: 0},
		Join{ID: "b", Name: "Bob", At: 0},
		Join{ID: "c", Name: "Cat", At: 0},
		Heartbeat{ID: "c", At: 100_000},
		Leave{ID: "a", At: 100_000},
	)

	s := e.State()
	assert.Equal(t, "c", s.HostID, "b was last seen outside the online window")
	assert.Equal(t, RoleHost, s.ByID["c"].Role)
	assert.Equal(t, RoleMember, s.ByID["b"].Role)
}

func TestLeave_FallsBackToFirstPresent(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		Join{ID: "a", Name: "Alice", At: 0},
		Join{ID: "b", Name: "Bob", At: 0},
		Join{ID: "c", Name: "Cat", At: 0},
		Leave{ID: "a", At: 1_000_000},
	)

	assert.Equal(t, "b", e.State().HostID)
}

func TestLeave_LastParticipantClosesRoom(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		RoomOpen{RoomCode: "R", At: 1},
		Join{ID: "a", Name: "Alice", At: 1},
		Leave{ID: "a", At: 2},
	)

	s := e.State()
	assert.True(t, s.Closed)
	assert.Empty(t, s.HostID)
	assert.Empty(t, s.ByID)
}

func TestLeave_UnknownIDIsNoop(t *testing.T) {
	e := newEngine(t)
	apply(t, e, Join{ID: "a", Name: "Alice", At: 1})
	before := e.State()

	apply(t, e, Leave{ID: "ghost", At: 2})
	assert.Equal(t, before, e.State())
}

func TestKick_BehavesLikeLeave(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		Join{ID: "a", Name: "Alice", At: 1},
		Join{ID: "b", Name: "Bob", At: 2},
		Kick{ID: "a", At: 3},
	)
	assert.Equal(t, "b", e.State().HostID)
}

func TestClosedRoom_IgnoresEverythingButOpen(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		RoomOpen{RoomCode: "R", At: 1},
		Join{ID: "a", Name: "Alice", At: 1},
		RoomClose{At: 2},
	)
	closed := e.State()
	assert.True(t, closed.Closed)
	assert.Empty(t, closed.HostID)

	apply(t, e,
		Join{ID: "b", Name: "Bob", At: 3},
		SetName{ID: "a", Name: "Nope", At: 3},
	)
	assert.Equal(t, closed, e.State())

	apply(t, e, RoomOpen{RoomCode: "R", At: 4})
	s := e.State()
	assert.False(t, s.Closed)
	assert.Equal(t, "a", s.HostID, "reopening re-elects a host among remaining members")
}

func TestRoomOpen_IgnoresDifferentRoomCode(t *testing.T) {
	e := newEngine(t)
	apply(t, e, RoomOpen{RoomCode: "ONE", At: 1})
	before := e.State()

	apply(t, e, RoomOpen{RoomCode: "TWO", At: 2})
	assert.Equal(t, before, e.State())
}

func TestSetNameSetReadyHeartbeat(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		Join{ID: "a", Name: "Alice", At: 1},
		SetName{ID: "a", Name: "Al", At: 2},
		SetReady{ID: "a", Ready: true, At: 3},
		Heartbeat{ID: "a", At: 9},
		SetName{ID: "ghost", Name: "x", At: 10},
	)

	p := e.State().ByID["a"]
	assert.Equal(t, "Al", p.Name)
	assert.True(t, p.Ready)
	assert.Equal(t, int64(9), p.LastSeenAt)
	assert.NotContains(t, e.State().ByID, "ghost")
}

func TestTransferHost(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		Join{ID: "a", Name: "Alice", At: 1},
		Join{ID: "b", Name: "Bob", At: 2},
		TransferHost{ToID: "b", At: 3},
	)

	s := e.State()
	assert.Equal(t, "b", s.HostID)
	assert.Equal(t, RoleHost, s.ByID["b"].Role)
	assert.Equal(t, RoleMember, s.ByID["a"].Role)

	apply(t, e, TransferHost{ToID: "ghost", At: 4})
	assert.Equal(t, s, e.State())
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	s := Reduce(InitialState(), Join{ID: "a", Name: "Alice", At: 1})
	snapshotOrder := append([]string(nil), s.Order...)

	_ = Reduce(s, Join{ID: "b", Name: "Bob", At: 2})
	_ = Reduce(s, Leave{ID: "a", At: 3})
	_ = Reduce(s, SetReady{ID: "a", Ready: true, At: 3})

	assert.Equal(t, snapshotOrder, s.Order)
	assert.Len(t, s.ByID, 1)
	assert.False(t, s.ByID["a"].Ready)
}

func TestValidate_RejectsStructuralInconsistency(t *testing.T) {
	s := InitialState()
	s.HostID = "ghost"
	s.ByID = map[string]Participant{"a": {ID: "a", Role: RoleMember}}
	s.Order = []string{"a"}

	err := Validate(s)
	require.Error(t, err)
	assert.True(t, engine.IsValidationError(err))
	assert.Contains(t, err.Error(), string(engine.ErrCodeStructural))
}

func TestValidate_RejectsRoleMismatch(t *testing.T) {
	s := InitialState()
	s.HostID = "a"
	s.ByID = map[string]Participant{"a": {ID: "a", Role: RoleMember}}
	s.Order = []string{"a"}

	err := Validate(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host role mismatch")
}

func TestValidate_RejectsTwoHosts(t *testing.T) {
	s := InitialState()
	s.HostID = "a"
	s.ByID = map[string]Participant{
		"a": {ID: "a", Role: RoleHost},
		"b": {ID: "b", Role: RoleHost},
	}
	s.Order = []string{"a", "b"}

	require.Error(t, Validate(s))
}

func TestValidate_RejectsOrderDrift(t *testing.T) {
	s := InitialState()
	s.HostID = "a"
	s.ByID = map[string]Participant{"a": {ID: "a", Role: RoleHost}}
	s.Order = []string{"a", "a"}
	require.Error(t, Validate(s))

	s.Order = []string{}
	require.Error(t, Validate(s))
}

func TestValidate_EngineRefusesInvalidReplacement(t *testing.T) {
	e := newEngine(t)
	apply(t, e, Join{ID: "a", Name: "Alice", At: 1})
	before := e.State()

	bad := InitialState()
	bad.HostID = "ghost"
	require.Error(t, e.ReplaceState(bad))
	assert.Equal(t, before, e.State())
}

func TestList_FollowsOrder(t *testing.T) {
	e := newEngine(t)
	apply(t, e,
		Join{ID: "b", Name: "Bob", At: 1},
		Join{ID: "a", Name: "Alice", At: 2},
	)

	list := e.State().List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)

	host, ok := e.State().Host()
	require.True(t, ok)
	assert.Equal(t, "b", host.ID)
}
