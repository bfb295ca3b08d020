package logclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/roomsync/internal/config"
	"github.com/roach88/roomsync/internal/counter"
	"github.com/roach88/roomsync/internal/engine"
	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/roach88/roomsync/internal/logserver"
	"github.com/roach88/roomsync/internal/store"
)

var (
	_ eventsync.EventLog[counter.Event]      = (*Client[counter.Event])(nil)
	_ eventsync.SnapshotStore[counter.State] = (*Snapshots[counter.State])(nil)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T, rateLimit int) *httptest.Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := logserver.New(st, config.Server{
		Addr:         "127.0.0.1:0",
		DBPath:       "unused",
		MaxBodyBytes: 16 * 1024,
		RateLimit:    rateLimit,
	}, discardLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return ts
}

func newClient(t *testing.T, url, clientID string, ignoreSelf bool) *Client[counter.Event] {
	t.Helper()
	c, err := New[counter.Event](url, Options{
		ClientID:       clientID,
		IgnoreSelf:     ignoreSelf,
		ReconnectDelay: 20 * time.Millisecond,
		Logger:         discardLogger(),
	})
	require.NoError(t, err)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New[counter.Event]("ftp://example.com", Options{})
	assert.Error(t, err)

	c, err := New[counter.Event]("http://localhost:8787", Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ClientID())
}

func TestPublishAndLoadAfter(t *testing.T) {
	ts := newServer(t, 100)
	ctx := testContext(t)
	c := newClient(t, ts.URL, "alice", false)

	require.NoError(t, c.Publish(ctx, "ABCD", "e1", counter.Inc(2)))
	require.NoError(t, c.Publish(ctx, "ABCD", "e2", counter.Dec(1)))
	// Republishing a token is success.
	require.NoError(t, c.Publish(ctx, "ABCD", "e1", counter.Inc(2)))

	envs, err := c.LoadAfter(ctx, "ABCD", 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, eventsync.Ordinal(1), envs[0].ID)
	assert.Equal(t, counter.TypeInc, envs[0].Event.Type)
	assert.Equal(t, int64(2), *envs[0].Event.By)
	assert.Equal(t, "alice", envs[0].ClientID)
	assert.Equal(t, "e2", envs[1].EventID)

	envs, err = c.LoadAfter(ctx, "ABCD", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestPublish_RateLimited(t *testing.T) {
	ts := newServer(t, 1)
	ctx := testContext(t)
	c := newClient(t, ts.URL, "alice", false)

	// The window is one wall-clock second; two quick publishes may straddle
	// a boundary, so retry until one lands in an exhausted window.
	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = c.Publish(ctx, "ABCD", eventsync.UUIDv7Generator{}.Generate(), counter.Inc(1))
	}
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "rate_limited", se.Code)
}

func TestSnapshots_RoundTrip(t *testing.T) {
	ts := newServer(t, 100)
	ctx := testContext(t)
	snaps := NewSnapshots[counter.State](newClient(t, ts.URL, "alice", false))

	got, err := snaps.LoadLatest(ctx, "ABCD")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, snaps.SaveSnapshot(ctx, "ABCD", 7, counter.State{Value: 42}))
	got, err = snaps.LoadLatest(ctx, "ABCD")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, eventsync.Ordinal(7), got.LastEventID)
	assert.Equal(t, int64(42), got.State.Value)
}

func TestSubscribe_IgnoreSelf(t *testing.T) {
	ts := newServer(t, 100)
	ctx := testContext(t)
	alice := newClient(t, ts.URL, "alice", true)
	bob := newClient(t, ts.URL, "bob", false)

	var mu sync.Mutex
	var got []string
	unsub, err := alice.Subscribe(ctx, "ABCD", func(env eventsync.Envelope[counter.Event]) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env.EventID)
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, alice.Publish(ctx, "ABCD", "mine", counter.Inc(1)))
	require.NoError(t, bob.Publish(ctx, "ABCD", "theirs", counter.Inc(1)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"theirs"}, got)
}

func TestSubscribe_UnsubscribeStops(t *testing.T) {
	ts := newServer(t, 100)
	ctx := testContext(t)
	c := newClient(t, ts.URL, "alice", false)

	unsub, err := c.Subscribe(ctx, "ABCD", func(eventsync.Envelope[counter.Event]) {})
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		unsub()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("unsubscribe did not return")
	}
}

func newCounterReplica(t *testing.T, url, clientID string, opts eventsync.Options) *eventsync.Replica[counter.State, counter.Event] {
	t.Helper()
	eng, err := engine.New(counter.Spec())
	require.NoError(t, err)
	c := newClient(t, url, clientID, false)
	opts.Logger = discardLogger()
	r := eventsync.NewReplica(eng, c, NewSnapshots[counter.State](c), opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestReplicas_ConvergeOverHTTP(t *testing.T) {
	ts := newServer(t, 100)
	ctx := testContext(t)

	alice := newCounterReplica(t, ts.URL, "alice", eventsync.Options{Optimistic: true, SnapshotEvery: 3})
	bob := newCounterReplica(t, ts.URL, "bob", eventsync.Options{})

	require.NoError(t, alice.Bind(ctx, "ABCD"))
	require.NoError(t, bob.Bind(ctx, "ABCD"))
	require.NoError(t, alice.WaitHydrated(ctx))
	require.NoError(t, bob.WaitHydrated(ctx))

	var lastID string
	for i := 0; i < 3; i++ {
		res, err := alice.Dispatch(ctx, counter.Inc(5))
		require.NoError(t, err)
		require.True(t, res.Published)
		res, err = bob.Dispatch(ctx, counter.Dec(1))
		require.NoError(t, err)
		lastID = res.EventID
	}

	require.NoError(t, alice.WaitCursor(ctx, 6))
	require.NoError(t, bob.WaitCursor(ctx, 6))
	require.NoError(t, alice.WaitForEvent(ctx, lastID))
	assert.Equal(t, int64(12), alice.State().Value)
	assert.Equal(t, int64(12), bob.State().Value)

	// A late joiner catches up from the log alone.
	carol := newCounterReplica(t, ts.URL, "carol", eventsync.Options{PageLimit: 2})
	require.NoError(t, carol.Bind(ctx, "ABCD"))
	require.NoError(t, carol.WaitHydrated(ctx))
	assert.Equal(t, int64(12), carol.State().Value)
	assert.Equal(t, eventsync.Ordinal(6), carol.Cursor())
}

func TestLoadAfter_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "query_failed"})
	}))
	defer ts.Close()

	c := newClient(t, ts.URL, "alice", false)
	_, err := c.LoadAfter(testContext(t), "ABCD", 0, 10)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Status)
	assert.Equal(t, "query_failed", se.Code)
	assert.False(t, IsRateLimited(err))
}

func TestReplica_SkipsUndecodableEventsOverHTTP(t *testing.T) {
	ts := newServer(t, 100)
	ctx := testContext(t)
	alice := newClient(t, ts.URL, "alice", false)
	rawClient, err := New[json.RawMessage](ts.URL, Options{ClientID: "mallory", Logger: discardLogger()})
	require.NoError(t, err)
	malformed := json.RawMessage(`{"type":"inc","by":"lots"}`)

	require.NoError(t, alice.Publish(ctx, "ABCD", "e1", counter.Inc(1)))
	require.NoError(t, rawClient.Publish(ctx, "ABCD", "e2", malformed))
	require.NoError(t, alice.Publish(ctx, "ABCD", "e3", counter.Inc(1)))

	envs, err := alice.LoadAfter(ctx, "ABCD", 0, 10)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.NoError(t, envs[0].DecodeErr)
	assert.Error(t, envs[1].DecodeErr)
	assert.Equal(t, "e2", envs[1].EventID)

	r := newCounterReplica(t, ts.URL, "bob", eventsync.Options{})
	require.NoError(t, r.Bind(ctx, "ABCD"))
	require.NoError(t, r.WaitHydrated(ctx))
	assert.Equal(t, eventsync.Ordinal(3), r.Cursor())
	assert.Equal(t, int64(2), r.State().Value)

	require.NoError(t, rawClient.Publish(ctx, "ABCD", "e4", malformed))
	require.NoError(t, alice.Publish(ctx, "ABCD", "e5", counter.Inc(1)))
	require.NoError(t, r.WaitCursor(ctx, 5))
	assert.Equal(t, int64(3), r.State().Value)
}
