package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_TestdataScenariosMatchGolden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		sc, err := LoadScenario(path)
		require.NoError(t, err)
		t.Run(sc.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, sc)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/host_handoff.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), sc)
	require.NoError(t, err)
	second, err := Run(context.Background(), sc)
	require.NoError(t, err)

	a, err := MarshalTrace(sc.Name, first)
	require.NoError(t, err)
	b, err := MarshalTrace(sc.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_ExpectError(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: overflow
description: "an event pushing the counter out of range is rejected before publishing"
room: ROOM
replicas: [{id: alice}]
steps:
  - action: game
    replica: alice
    event: { type: inc, by: 9007199254740991 }
  - action: settle
  - action: game
    replica: alice
    event: { type: inc }
    expect_error: true
assertions:
  - type: counter
    value: 9007199254740991
  - type: head
    value: 1
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 3)
	assert.NotEmpty(t, result.Trace[2].Error)
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: reconnect
description: "connecting a bound replica is an error"
room: ROOM
replicas: [{id: alice}]
steps:
  - action: connect
    replica: alice
assertions:
  - type: head
    value: 0
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "already connected")
}

func TestRun_FailedAssertionReportsViews(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: wrong_counter
description: "assertion failure"
room: ROOM
replicas: [{id: alice}, {id: bob}]
steps:
  - action: game
    replica: alice
    event: { type: inc, by: 2 }
assertions:
  - type: counter
    replica: bob
    value: 3
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	msg := result.Errors[0]
	assert.Contains(t, msg, "Assertion failed: counter (replica bob)")
	assert.Contains(t, msg, "Expected: counter 3")
	assert.Contains(t, msg, "Actual: counter 2")
	assert.True(t, strings.Contains(msg, "alice cursor=1 counter=2"), msg)
}

func TestRun_DisconnectedReplicaIsNotAsserted(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: offline
description: "a disconnected replica drops out of views and assertions"
room: ROOM
replicas: [{id: alice}, {id: bob}]
steps:
  - action: disconnect
    replica: bob
  - action: game
    replica: alice
    event: { type: inc, by: 4 }
  - action: settle
assertions:
  - type: counter
    value: 4
  - type: converged
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Final, 1)
	assert.Equal(t, "alice", result.Final[0].Replica)
}
