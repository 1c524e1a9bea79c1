package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/inercia/avatalk/internal/audio"
	"github.com/inercia/avatalk/internal/chat"
	"github.com/inercia/avatalk/internal/conn"
	"github.com/inercia/avatalk/internal/logging"
	"github.com/inercia/avatalk/internal/sessioncache"
)

var (
	// Chat-specific flags
	oncePrompt  string
	onceTimeout time.Duration
	chatMuted   bool
	noAudio     bool
	playerCmd   string
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat [agent-id]",
	Short: "Chat with an agent in real time",
	Long: `Open the realtime chat session with an agent.

The session id is cached per agent, so the conversation continues where
it left off until /reset. Replies stream in as they are generated and
the assistant's speech is played through the configured player.

Use --once to send a single message and exit after the reply:
  avatalk chat my-agent --once "Summarize our last talk"

Commands (interactive mode only):
  /help        - Show all commands
  /reset       - Start a new session
  /quit        - Exit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVar(&oncePrompt, "once", "", "Send a single message and exit after the reply (non-interactive mode)")
	chatCmd.Flags().DurationVar(&onceTimeout, "timeout", 2*time.Minute, "How long --once waits for the reply")
	chatCmd.Flags().BoolVar(&chatMuted, "mute", false, "Start muted")
	chatCmd.Flags().BoolVar(&noAudio, "no-audio", false, "Never run the audio player")
	chatCmd.Flags().StringVar(&playerCmd, "player", "", "Audio player command (overrides audio.player)")
}

func runChat(cmd *cobra.Command, args []string) error {
	botID, err := resolveAgent(args)
	if err != nil {
		return err
	}
	isOnceMode := oncePrompt != ""

	store, err := secretStore()
	if err != nil {
		return err
	}
	tokens := tokenSource(store)
	client := newAPIClient(tokens)

	cache, err := openSessionCache()
	if err != nil {
		return err
	}
	defer cache.Close()
	if err := cache.Watch(); err != nil {
		logging.Session().Warn("Session cache will not follow external edits", "error", err)
	}
	resolver := sessioncache.NewResolver(cache, client, logging.Session())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	printer := newTranscript(out)
	waiter := newOnceWaiter()
	observer := func(snap chat.Snapshot) {
		if !isOnceMode || debug {
			printer.observe(snap)
		}
		waiter.observe(snap)
	}

	newSocket := func(cb conn.Callbacks) chat.Socket {
		return conn.New(conn.Config{
			ServerURL:         cfg.Server.URL,
			Lang:              cfg.Server.Locale,
			ReconnectDelay:    cfg.Connection.ReconnectDelay,
			HeartbeatInterval: cfg.Connection.HeartbeatInterval,
			Logger:            logging.Conn(),
		}, tokens, cb)
	}
	ctrl := chat.New(botID, client, resolver, newSocket,
		chat.WithSink(newSink()),
		chat.WithMuted(cfg.Audio.Muted || chatMuted),
		chat.WithHistoryLimit(cfg.API.HistoryLimit),
		chat.WithObserver(observer),
		chat.WithLogger(logging.Session()),
	)
	defer ctrl.Close()

	if !isOnceMode || debug {
		fmt.Fprintf(out, "🚀 Opening chat with %s on %s\n", botID, cfg.Server.URL)
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	if isOnceMode {
		return runOnceMode(ctx, ctrl, waiter, out, oncePrompt)
	}
	return runInteractiveLoop(ctx, ctrl, out)
}

// newSink returns the configured player, or a silent sink when audio is off
// or the player is not installed.
func newSink() audio.Sink {
	if noAudio {
		return audio.NewNullSink()
	}
	command := cfg.Audio.Player
	if playerCmd != "" {
		command = playerCmd
	}
	logger := logging.Audio()
	argv, err := audio.ParsePlayerCommand(command)
	if err == nil {
		_, err = exec.LookPath(argv[0])
	}
	if err != nil {
		logger.Warn("Audio player unavailable, speech will not be played", "player", command, "error", err)
		return audio.NewNullSink()
	}
	sink, err := audio.NewExecSink(command, audio.WithExecLogger(logger))
	if err != nil {
		logger.Warn("Audio player unavailable, speech will not be played", "player", command, "error", err)
		return audio.NewNullSink()
	}
	return sink
}

// runOnceMode sends a single message and returns after the reply has been
// streamed and spoken.
func runOnceMode(ctx context.Context, ctrl *chat.Controller, waiter *onceWaiter, out io.Writer, prompt string) error {
	ctx, cancel := context.WithTimeout(ctx, onceTimeout)
	defer cancel()

	select {
	case <-waiter.connected:
	case <-ctx.Done():
		return fmt.Errorf("chat socket did not connect: %w", ctx.Err())
	}
	waiter.arm()
	if err := ctrl.SendText(prompt); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	select {
	case <-waiter.finished:
	case <-ctx.Done():
		return fmt.Errorf("no reply: %w", ctx.Err())
	}

	snap := ctrl.Snapshot()
	if snap.Status == chat.StatusError {
		return errors.New("the agent reported an error (see the log for details)")
	}
	if text, ok := ctrl.LastReply(); ok {
		fmt.Fprintln(out, text)
	}
	return nil
}

func runInteractiveLoop(ctx context.Context, ctrl *chat.Controller, out io.Writer) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return chatPrompt(ctrl.Snapshot()) })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Fprintln(out, "\n📝 Type your message and press Enter. Use /help for commands. Tab completes commands.")

	shell := newChatShell(ctrl, out)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\n👋 Goodbye!")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				fmt.Fprintln(out, "\n👋 Goodbye!")
				return nil
			}
			return err
		}
		if shell.handleLine(ctx, line) {
			fmt.Fprintln(out, "👋 Goodbye!")
			return nil
		}
	}
}

// chatPrompt shows the agent and the connection state.
func chatPrompt(snap chat.Snapshot) string {
	name := snap.Agent.Name
	if name == "" {
		name = snap.BotID
	}
	mark := "○"
	if snap.State == conn.StateConnected {
		mark = "●"
	}
	if snap.Muted {
		mark += " 🔇"
	}
	return fmt.Sprintf("%s %s> ", name, mark)
}

// onceWaiter follows snapshots for --once: connected fires on the first
// connected (or failed) state, finished once every run started after arm has
// ended and playback is idle, or on an error.
type onceWaiter struct {
	connected chan struct{}
	finished  chan struct{}

	connectOnce sync.Once
	finishOnce  sync.Once

	mu     sync.Mutex
	armed  bool
	sawRun bool
}

func newOnceWaiter() *onceWaiter {
	return &onceWaiter{
		connected: make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

func (w *onceWaiter) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = true
}

func (w *onceWaiter) observe(snap chat.Snapshot) {
	if snap.State == conn.StateConnected || snap.State == conn.StateError {
		w.connectOnce.Do(func() { close(w.connected) })
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return
	}
	live := 0
	for _, r := range snap.Runs {
		if r.Live {
			live++
		}
	}
	if live > 0 {
		w.sawRun = true
	}
	if (w.sawRun && live == 0 && !snap.Speaking) || snap.Status == chat.StatusError {
		w.finishOnce.Do(func() { close(w.finished) })
	}
}
