package participants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalEvent_TypeFirst(t *testing.T) {
	data, err := MarshalEvent(Join{ID: "a", Name: "Alice", At: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"participants/join","id":"a","name":"Alice","at":7}`, string(data))

	data, err = MarshalEvent(TransferHost{ToID: "b", At: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"type":"participants/transferHost","toId":"b","at":1}`, string(data))
}

func TestMarshalEvent_Nil(t *testing.T) {
	_, err := MarshalEvent(nil)
	require.Error(t, err)
}

func TestUnmarshalEvent_DispatchesOnType(t *testing.T) {
	ev, err := UnmarshalEvent([]byte(`{"type":"participants/setReady","id":"a","ready":true,"at":3}`))
	require.NoError(t, err)
	assert.Equal(t, SetReady{ID: "a", Ready: true, At: 3}, ev)

	ev, err = UnmarshalEvent([]byte(`{"type":"room/open","roomCode":"XY","at":1}`))
	require.NoError(t, err)
	assert.Equal(t, RoomOpen{RoomCode: "XY", At: 1}, ev)
}

func TestUnmarshalEvent_Errors(t *testing.T) {
	cases := map[string]string{
		"not json":     `{`,
		"missing type": `{"id":"a"}`,
		"bad field":    `{"type":"participants/leave","id":5}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalEvent([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestUnmarshalEvent_UnknownTypeIsKept(t *testing.T) {
	raw := `{"type":"participants/wave","id":"a"}`
	ev, err := UnmarshalEvent([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, EventType("participants/wave"), ev.Type())

	data, err := MarshalEvent(ev)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(data))
}

func TestReduce_UnknownEventLeavesStateUnchanged(t *testing.T) {
	s := Reduce(InitialState(), Join{ID: "a", Name: "A", At: 1})
	ev, err := UnmarshalEvent([]byte(`{"type":"participants/wave","id":"a"}`))
	require.NoError(t, err)

	assert.Equal(t, s, Reduce(s, ev))
	assert.NoError(t, Validate(Reduce(s, ev)))
}
