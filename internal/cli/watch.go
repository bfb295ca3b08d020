package cli

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/roach88/roomsync/internal/logclient"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	ClientFlags
	Room    string
	History bool
	Count   int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print a room's events as they are appended",
		Long: `Subscribe to a room's live event stream and print each envelope.

With --history the existing log is printed first. Text output prints one
line per envelope; --format json prints one JSON envelope per line.

Examples:
  roomsync watch --room ABCD
  roomsync watch --room ABCD --history --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), opts, cmd)
		},
	}

	opts.ClientFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Room, "room", "", "room code (required)")
	_ = cmd.MarkFlagRequired("room")
	cmd.Flags().BoolVar(&opts.History, "history", false, "print existing events before live ones")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after printing N envelopes (0 = until interrupted)")

	return cmd
}

type rawEnvelope = eventsync.Envelope[json.RawMessage]

// envelopePrinter writes envelopes once each, in ascending id order, and
// signals done after limit envelopes when limit is positive. While holding,
// envelopes are buffered until release.
type envelopePrinter struct {
	mu      sync.Mutex
	w       io.Writer
	json    bool
	cursor  eventsync.Ordinal
	printed int
	limit   int
	holding bool
	held    []rawEnvelope
	done    chan struct{}
}

func (p *envelopePrinter) print(env rawEnvelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holding {
		p.held = append(p.held, env)
		return
	}
	p.emitLocked(env)
}

// release prints the buffered envelopes and stops buffering.
func (p *envelopePrinter) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holding = false
	slices.SortFunc(p.held, func(a, b rawEnvelope) int { return cmp.Compare(a.ID, b.ID) })
	for _, env := range p.held {
		p.emitLocked(env)
	}
	p.held = nil
}

func (p *envelopePrinter) emitLocked(env rawEnvelope) {
	// Live deliveries can overlap the history pages.
	if env.ID <= p.cursor || p.finished() {
		return
	}
	p.cursor = env.ID
	if p.json {
		data, err := json.Marshal(env)
		if err != nil {
			slog.Warn("encode envelope", "id", env.ID, "error", err)
			return
		}
		fmt.Fprintln(p.w, string(data))
	} else {
		fmt.Fprintf(p.w, "#%s %s %s %s\n", env.ID, env.ClientID, env.EventID, env.Event)
	}
	p.printed++
	if p.finished() {
		close(p.done)
	}
}

func (p *envelopePrinter) finished() bool {
	return p.limit > 0 && p.printed >= p.limit
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command) error {
	cfg, err := clientConfig(&opts.ClientFlags, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	client, err := logclient.New[json.RawMessage](cfg.ServerURL, logclient.Options{
		ClientID:   cfg.ClientID,
		IgnoreSelf: cfg.IgnoreSelf,
		Logger:     slog.Default(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server URL", err)
	}
	if err := client.Healthy(ctx); err != nil {
		return WrapExitError(ExitCommandError, "server unreachable", err)
	}

	p := &envelopePrinter{
		w:       cmd.OutOrStdout(),
		json:    opts.Format == "json",
		limit:   opts.Count,
		holding: opts.History,
		done:    make(chan struct{}),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Subscribe before reading history so nothing appended in between is lost.
	unsubscribe, err := client.Subscribe(ctx, opts.Room, p.print)
	if err != nil {
		return WrapExitError(ExitCommandError, "subscribe failed", err)
	}
	defer unsubscribe()

	if opts.History {
		var after eventsync.Ordinal
		for {
			page, err := client.LoadAfter(ctx, opts.Room, after, cfg.PageLimit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load history", err)
			}
			for _, env := range page {
				p.print(env)
				after = env.ID
			}
			if len(page) < cfg.PageLimit {
				break
			}
		}
		p.release()
	}

	select {
	case <-ctx.Done():
	case <-p.done:
	}
	return nil
}
