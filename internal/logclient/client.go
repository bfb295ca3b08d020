// Package logclient is the HTTP and websocket client of the room log
// server. Client implements eventsync.EventLog and Snapshots implements
// eventsync.SnapshotStore.
package logclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/roach88/roomsync/internal/eventsync"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// StatusError is a non-2xx response from the log server.
type StatusError struct {
	Status int
	Code   string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("log server: status %d", e.Status)
	}
	return fmt.Sprintf("log server: status %d: %s", e.Status, e.Code)
}

// IsRateLimited reports whether err is a rate limit rejection.
func IsRateLimited(err error) bool {
	var pe *StatusError
	return errors.As(err, &pe) && pe.Status == http.StatusTooManyRequests
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	// ClientID identifies this replica. Defaults to a random id.
	ClientID string
	// IgnoreSelf drops live envelopes published under ClientID.
	IgnoreSelf bool
	HTTPClient *http.Client
	// ReconnectDelay is the initial delay between live reconnect attempts.
	// It doubles up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Logger            *slog.Logger
}

// Client talks to one log server.
//
// Thread-safety: safe for concurrent use.
type Client[E any] struct {
	*transport
	opts   Options
	decode func([]byte) (E, error)
}

// transport holds what the event and snapshot clients share.
type transport struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

var _ eventsync.EventLog[json.RawMessage] = (*Client[json.RawMessage])(nil)

// New creates a client for the server at baseURL. Events are decoded with
// encoding/json.
func New[E any](baseURL string, opts Options) (*Client[E], error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	if opts.ClientID == "" {
		opts.ClientID = eventsync.NewClientID()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 500 * time.Millisecond
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = max(10*time.Second, opts.ReconnectDelay)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client[E]{
		transport: &transport{base: base, http: httpClient, logger: logger},
		opts:      opts,
		decode:    eventsync.JSONDecoder[E](),
	}, nil
}

// ClientID returns the id this client publishes under.
func (c *Client[E]) ClientID() string {
	return c.opts.ClientID
}

func (c *transport) roomURL(room string, elem ...string) *url.URL {
	return c.base.JoinPath(append([]string{"rooms", room}, elem...)...)
}

type appendRequest struct {
	RoomCode string `json:"room_code"`
	Event    any    `json:"event"`
	ClientID string `json:"client_id"`
	EventID  string `json:"event_id"`
}

// Publish appends ev to room. A deduplicated event_id is success.
func (c *Client[E]) Publish(ctx context.Context, room, eventID string, ev E) error {
	body, err := json.Marshal(appendRequest{
		RoomCode: room,
		Event:    ev,
		ClientID: c.opts.ClientID,
		EventID:  eventID,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.roomURL(room, "events"), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LoadAfter fetches one page of room's log after the given ordinal.
func (c *Client[E]) LoadAfter(ctx context.Context, room string, after eventsync.Ordinal, limit int) ([]eventsync.Envelope[E], error) {
	u := c.roomURL(room, "events")
	q := u.Query()
	q.Set("after", after.String())
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var raws []eventsync.Envelope[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&raws); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return eventsync.DecodePage(raws, c.decode), nil
}

func (c *transport) do(ctx context.Context, method string, u *url.URL, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	return resp, nil
}

// Healthy reports an error unless the server answers its health check.
func (c *Client[E]) Healthy(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.base.JoinPath("healthz"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// checkStatus converts a non-2xx response into a *StatusError.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(data, &body)
	return &StatusError{Status: resp.StatusCode, Code: body.Error}
}
