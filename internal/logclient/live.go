package logclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/roomsync/internal/eventsync"
)

// Subscribe streams newly appended envelopes of room to fn until the
// returned function is called or ctx ends. Dropped connections are redialed
// with backoff; envelopes appended while disconnected arrive through the
// replica's gap-fill on the next delivery.
//
// The first dial happens before Subscribe returns so that a replica which
// subscribes before catching up misses nothing. A failed first dial is
// logged and retried in the background.
func (c *Client[E]) Subscribe(ctx context.Context, room string, fn func(eventsync.Envelope[E])) (func(), error) {
	u := c.roomURL(room, "live")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	conn, err := c.dial(ctx, u.String())
	if err != nil {
		c.logger.Warn("live dial failed", "room", room, "error", err)
	}
	go func() {
		defer close(done)
		c.stream(ctx, room, u.String(), conn, fn)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (c *Client[E]) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return conn, nil
}

func (c *Client[E]) stream(ctx context.Context, room, target string, conn *websocket.Conn, fn func(eventsync.Envelope[E])) {
	delay := c.opts.ReconnectDelay
	for {
		if conn != nil {
			delivered := c.read(ctx, room, conn, fn)
			if delivered {
				delay = c.opts.ReconnectDelay
			}
		}
		if ctx.Err() != nil {
			return
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
		delay = min(delay*2, c.opts.MaxReconnectDelay)

		var err error
		conn, err = c.dial(ctx, target)
		if err != nil {
			c.logger.Warn("live redial failed", "room", room, "retry_in", delay, "error", err)
			continue
		}
		c.logger.Info("live reconnected", "room", room)
	}
}

// read consumes conn until it fails or ctx ends. It reports whether any
// envelope was received.
func (c *Client[E]) read(ctx context.Context, room string, conn *websocket.Conn, fn func(eventsync.Envelope[E])) (delivered bool) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		var raw eventsync.Envelope[json.RawMessage]
		if err := conn.ReadJSON(&raw); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Warn("live stream ended", "room", room, "error", err)
			}
			return delivered
		}
		delivered = true
		if c.opts.IgnoreSelf && raw.ClientID == c.opts.ClientID {
			continue
		}
		env := eventsync.DecodeEnvelopeOrMark(raw, c.decode)
		if env.DecodeErr != nil {
			c.logger.Warn("undecodable live envelope", "room", room, "id", raw.ID, "error", env.DecodeErr)
		}
		fn(env)
	}
}
