package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/roomsync/internal/config"
	"github.com/roach88/roomsync/internal/counter"
	"github.com/roach88/roomsync/internal/engine"
	"github.com/roach88/roomsync/internal/eventsync"
	"github.com/roach88/roomsync/internal/logclient"
	"github.com/roach88/roomsync/internal/room"
)

// confirmTimeout bounds the wait for a published event to come back
// through the log.
const confirmTimeout = 5 * time.Second

// ClientFlags are the flags shared by commands that connect to a server.
// Unset flags fall back to the ROOMSYNC_* environment.
type ClientFlags struct {
	Server        string
	ClientID      string
	PageLimit     int
	SnapshotEvery int
	Optimistic    bool
	IgnoreSelf    bool
	Heartbeat     time.Duration
}

func (f *ClientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Server, "server", "", "log server URL (default $ROOMSYNC_SERVER_URL or http://localhost:8787)")
	cmd.Flags().StringVar(&f.ClientID, "client-id", "", "client id (default $ROOMSYNC_CLIENT_ID or a new UUIDv7)")
	cmd.Flags().IntVar(&f.PageLimit, "page-limit", 0, "catch-up page size")
	cmd.Flags().IntVar(&f.SnapshotEvery, "snapshot-every", 0, "save a snapshot every N applied events (0 = off)")
	cmd.Flags().BoolVar(&f.Optimistic, "optimistic", false, "apply local events before the log confirms them")
	cmd.Flags().BoolVar(&f.IgnoreSelf, "ignore-self", false, "drop live deliveries of this client's own events")
	cmd.Flags().DurationVar(&f.Heartbeat, "heartbeat", 0, "presence heartbeat interval")
}

// clientConfig merges changed flags over the environment configuration.
func clientConfig(f *ClientFlags, cmd *cobra.Command) (config.Client, error) {
	var cfg config.Client
	if err := config.ParseEnv(&cfg); err != nil {
		return config.Client{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = f.Server
	}
	if flags.Changed("client-id") {
		cfg.ClientID = f.ClientID
	}
	if flags.Changed("page-limit") {
		cfg.PageLimit = f.PageLimit
	}
	if flags.Changed("snapshot-every") {
		cfg.SnapshotEvery = f.SnapshotEvery
	}
	if flags.Changed("optimistic") {
		cfg.Optimistic = f.Optimistic
	}
	if flags.Changed("ignore-self") {
		cfg.IgnoreSelf = f.IgnoreSelf
	}
	if flags.Changed("heartbeat") {
		cfg.Heartbeat = f.Heartbeat
	}
	return cfg, cfg.Validate()
}

// CounterOptions holds flags for the counter command.
type CounterOptions struct {
	*RootOptions
	ClientFlags
	Room string
	Name string
}

// NewCounterCommand creates the counter command.
func NewCounterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CounterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Join a counter room and send commands from stdin",
		Long: `Join a counter room as a participant and read commands from stdin,
one per line:

  inc [n]        increment the counter (default 1)
  dec [n]        decrement the counter (default 1)
  reset          reset the counter to zero
  ready | unready
  name <name>    change display name
  host <id>      hand the host role to another participant
  kick <id>      remove a participant
  close          close the room
  state          print the room state
  quit           leave the room and exit

The participant leaves the room on quit or end of input.

Examples:
  roomsync counter --room ABCD --name alice
  printf 'inc 5\nstate\n' | roomsync counter --room ABCD`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCounter(cmd.Context(), opts, cmd)
		},
	}

	opts.ClientFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Room, "room", "", "room code (required)")
	_ = cmd.MarkFlagRequired("room")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name (default the client id)")

	return cmd
}

// counterClient is a connected counter room participant.
type counterClient struct {
	replica *room.Replica[counter.State, counter.Event]
	session *room.Session[counter.State, counter.Event]
	confirm bool
}

// connectCounter builds a replica over the log server, binds it to the
// room and waits for catch-up.
func connectCounter(ctx context.Context, cfg config.Client, code string, logger *slog.Logger) (*counterClient, error) {
	client, err := logclient.New[counterEvent](cfg.ServerURL, logclient.Options{
		ClientID:   cfg.ClientID,
		IgnoreSelf: cfg.IgnoreSelf,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Healthy(ctx); err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.ServerURL, err)
	}

	eng, err := engine.New(counterSpec(), engine.WithLogger[counterState, counterEvent](logger))
	if err != nil {
		return nil, err
	}
	replica := eventsync.NewReplica(eng, client, logclient.NewSnapshots[counterState](client), eventsync.Options{
		DedupeCapacity: cfg.DedupeCapacity,
		PageLimit:      cfg.PageLimit,
		Optimistic:     cfg.Optimistic,
		SnapshotEvery:  cfg.SnapshotEvery,
		Logger:         logger,
	})
	if err := replica.Bind(ctx, code); err != nil {
		_ = replica.Close()
		return nil, err
	}
	if err := replica.WaitHydrated(ctx); err != nil {
		_ = replica.Close()
		return nil, err
	}

	session, err := room.NewSession(replica, code, room.SessionOptions{Logger: logger})
	if err != nil {
		_ = replica.Close()
		return nil, err
	}
	return &counterClient{
		replica: replica,
		session: session,
		// Own events never come back when self deliveries are dropped and
		// the replica applies nothing locally.
		confirm: !cfg.IgnoreSelf || cfg.Optimistic,
	}, nil
}

func (c *counterClient) Close() error {
	return c.replica.Close()
}

func runCounter(ctx context.Context, opts *CounterOptions, cmd *cobra.Command) error {
	cfg, err := clientConfig(&opts.ClientFlags, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger := slog.Default()

	c, err := connectCounter(ctx, cfg, opts.Room, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer c.Close()

	name := opts.Name
	if name == "" {
		name = c.session.ClientID()
	}
	if err := c.session.Join(ctx, name); err != nil {
		return WrapExitError(ExitCommandError, "failed to join room", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.session.RunHeartbeat(hbCtx, cfg.Heartbeat)

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "joined %s as %s\n", opts.Room, c.session.ClientID())

	err = c.readCommands(ctx, cmd.InOrStdin(), w)
	stopHeartbeat()
	if leaveErr := c.session.Leave(ctx); leaveErr != nil && !c.session.Closed() {
		logger.Warn("leave failed", "room", opts.Room, "error", leaveErr)
	}
	return err
}

var errQuit = errors.New("quit")

// readCommands executes one command per input line until quit or EOF.
// Rejected commands are reported and do not stop the loop.
func (c *counterClient) readCommands(ctx context.Context, in io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		err := c.execute(ctx, line, w)
		switch {
		case errors.Is(err, errQuit):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func (c *counterClient) execute(ctx context.Context, line string, w io.Writer) error {
	fields := strings.Fields(line)
	verb, args := fields[0], fields[1:]

	switch verb {
	case "inc", "dec":
		by := int64(1)
		if len(args) > 0 {
			n, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("%s: invalid amount %q", verb, args[0])
			}
			by = n
		}
		ev := counter.Inc(by)
		if verb == "dec" {
			ev = counter.Dec(by)
		}
		return c.game(ctx, ev, w)
	case "reset":
		return c.game(ctx, counter.Reset(), w)
	case "ready", "unready":
		return c.session.SetReady(ctx, verb == "ready")
	case "name":
		if len(args) == 0 {
			return errors.New("name: missing name")
		}
		return c.session.SetName(ctx, strings.Join(args, " "))
	case "host":
		if len(args) != 1 {
			return errors.New("host: expected one participant id")
		}
		return c.session.TransferHost(ctx, args[0])
	case "kick":
		if len(args) != 1 {
			return errors.New("kick: expected one participant id")
		}
		return c.session.Kick(ctx, args[0])
	case "close":
		return c.session.CloseRoom(ctx)
	case "state":
		fmt.Fprintln(w, describeState(c.session.State()))
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}

// game publishes a counter event and prints the state once the log has
// confirmed it.
func (c *counterClient) game(ctx context.Context, ev counter.Event, w io.Writer) error {
	res, err := c.session.DispatchGame(ctx, ev)
	if err != nil {
		return err
	}
	if res.Published && c.confirm {
		waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
		defer cancel()
		if err := c.replica.WaitForEvent(waitCtx, res.EventID); err != nil {
			return fmt.Errorf("waiting for %s: %w", res.EventID, err)
		}
	}
	fmt.Fprintf(w, "counter=%d\n", c.session.Game().Value)
	return nil
}
