// Package chat holds the realtime session controller for one agent.
//
// A Controller owns the chat socket, the run aggregator, the audio sequencer
// and the session resolver. Every event source (socket reader, reconnect and
// heartbeat timers, audio sink, user input) enters through a method that
// takes the controller lock, so state changes happen one at a time.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/inercia/avatalk/internal/api"
	"github.com/inercia/avatalk/internal/audio"
	"github.com/inercia/avatalk/internal/conn"
	"github.com/inercia/avatalk/internal/logging"
	"github.com/inercia/avatalk/internal/protocol"
	"github.com/inercia/avatalk/internal/runs"
	"github.com/inercia/avatalk/internal/sessioncache"
)

// Status texts shown for controller-driven changes. Connection changes use
// the conn package's texts.
const (
	StatusInitializing    = "Initializing session…"
	StatusReady           = "Ready"
	StatusInitFailed      = "Init failed"
	StatusUserSent        = "User · sent"
	StatusTyping          = "Assistant · typing…"
	StatusDone            = "Assistant · done"
	StatusError           = "Error"
	StatusGenerating      = "Generating response…"
	StatusProcessingAudio = "Processing audio…"
	StatusResetting       = "Resetting…"
	StatusResetFailed     = "Reset failed"
)

// ActivityLogSize is the number of activity lines kept.
const ActivityLogSize = 250

// RecentRunsShown is the number of runs listed in a Snapshot.
const RecentRunsShown = 10

var (
	// ErrNotConnected is returned when a query is sent without an open socket.
	ErrNotConnected = errors.New("not connected")
	// ErrAudioTooLarge is returned for clips over protocol.MaxAudioQueryBytes.
	ErrAudioTooLarge = errors.New("audio clip too large")
	// ErrEmptyMessage is returned for blank text queries.
	ErrEmptyMessage = errors.New("empty message")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("chat closed")
)

// AvatarMode tells the avatar renderer what to show.
type AvatarMode string

const (
	AvatarIdle     AvatarMode = "idle"
	AvatarResponse AvatarMode = "response"
)

// Socket is the chat connection used by the controller. *conn.Manager
// implements it.
type Socket interface {
	Connect(ctx context.Context, botID, sessionID string)
	Disconnect()
	Reconnect()
	Send(msg protocol.Outbound) bool
	Close()
}

// SocketFactory creates the controller's socket with its callbacks.
type SocketFactory func(cb conn.Callbacks) Socket

// AgentSource fetches an agent with its recent history.
type AgentSource interface {
	AgentDetail(ctx context.Context, botID, sessionID string, limit int) (*api.AgentDetail, error)
}

// Snapshot is a copy of everything a front end renders.
type Snapshot struct {
	BotID     string
	SessionID string
	Agent     api.Agent

	Status string
	State  conn.State

	Rows       []runs.Row
	Speaking   bool
	Muted      bool
	AvatarMode AvatarMode

	// NowPlaying is the MIME type of the clip in the player, or "".
	NowPlaying  string
	QueuedClips int

	ActiveRun string
	Slides    runs.Slides
	HasSlides bool
	Runs      []runs.RunInfo

	// LastTiming is the total_ms of the last response_done, if any.
	LastTiming time.Duration
	HasTiming  bool
}

// Controller is the session controller for one agent.
type Controller struct {
	botID        string
	agents       AgentSource
	resolver     *sessioncache.Resolver
	historyLimit int
	now          func() time.Time
	logger       *slog.Logger
	observer     func(Snapshot)

	mu         sync.Mutex
	ctx        context.Context
	socket     Socket
	dispatcher *Dispatcher
	agg        *runs.Aggregator
	seq        *audio.Sequencer

	sessionID  string
	agent      api.Agent
	status     string
	state      conn.State
	muted      bool
	lastTiming time.Duration
	hasTiming  bool
	// paused drops socket events while a reset swaps sessions.
	paused   bool
	started  bool
	closed   bool
	activity []string
}

// Option configures a Controller.
type Option func(*Controller)

// WithSink plays assistant audio through sink. Defaults to a NullSink.
func WithSink(sink audio.Sink) Option {
	return func(c *Controller) {
		c.seq = audio.NewSequencer(sink, audio.WithDispatcher(c.runUnderLock), audio.WithLogger(logging.Audio()))
	}
}

// WithMuted sets the initial mute flag.
func WithMuted(muted bool) Option {
	return func(c *Controller) {
		c.muted = muted
	}
}

// WithHistoryLimit sets how many chats are loaded at start and reset.
func WithHistoryLimit(n int) Option {
	return func(c *Controller) {
		c.historyLimit = n
	}
}

// WithObserver is called with a fresh Snapshot after every change. It runs
// with the controller locked and must not call back into the Controller.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

// WithClock overrides the clock used for local_time and run start times.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithAggregator replaces the run aggregator.
func WithAggregator(agg *runs.Aggregator) Option {
	return func(c *Controller) {
		c.agg = agg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// New creates a Controller for botID. Nothing happens until Start.
func New(botID string, agents AgentSource, resolver *sessioncache.Resolver, newSocket SocketFactory, opts ...Option) *Controller {
	c := &Controller{
		botID:        botID,
		agents:       agents,
		resolver:     resolver,
		historyLimit: api.DefaultHistoryLimit,
		now:          time.Now,
		logger:       logging.Session(),
		state:        conn.StateConnecting,
		status:       conn.StatusConnecting,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.agg == nil {
		c.agg = runs.New(runs.WithClock(c.now), runs.WithLogger(logging.WithChat(logging.Runs(), botID, "")))
	}
	if c.seq == nil {
		c.seq = audio.NewSequencer(audio.NewNullSink(), audio.WithDispatcher(c.runUnderLock), audio.WithLogger(logging.Audio()))
	}
	c.seq.SetMuted(c.muted)
	c.logger = logging.WithChat(c.logger, botID, "")
	c.dispatcher = NewDispatcher(&handler{c: c}, logging.WithChat(logging.Dispatch(), botID, ""))
	c.socket = newSocket(conn.Callbacks{
		OnState:   c.onSocketState,
		OnMessage: c.onSocketMessage,
	})
	return c
}

// runUnderLock runs fn with the controller locked, then notifies.
func (c *Controller) runUnderLock(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	fn()
	c.notifyLocked()
}

func (c *Controller) onSocketState(state conn.State, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.paused {
		return
	}
	c.state = state
	c.status = status
	c.logLocked(fmt.Sprintf("connection %s", state))
	c.notifyLocked()
}

func (c *Controller) onSocketMessage(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.paused {
		return
	}
	if err := c.dispatcher.Dispatch(data); err != nil {
		if errors.Is(err, ErrUnknownType) {
			c.logLocked(err.Error())
		} else {
			c.logLocked("bad WS message")
		}
	}
	c.notifyLocked()
}

// Start resolves the session, loads the agent and its history, then connects.
// ctx bounds the whole chat: cancelling it stops reconnecting. A bootstrap
// failure leaves the controller in the error state and is not retried.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("chat already started")
	}
	c.started = true
	c.ctx = ctx
	c.status = StatusInitializing
	c.notifyLocked()
	c.mu.Unlock()

	sessionID, detail, err := c.bootstrap(ctx, false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err != nil {
		c.state = conn.StateError
		c.status = StatusInitFailed
		c.logLocked("detail/session init failed")
		c.logger.Error("Session init failed", "error", err)
		c.notifyLocked()
		return fmt.Errorf("initialize session: %w", err)
	}
	c.applyDetailLocked(sessionID, detail)
	c.status = StatusReady
	c.notifyLocked()
	c.socket.Connect(ctx, c.botID, sessionID)
	return nil
}

// bootstrap runs the blocking REST part of Start and Reset.
func (c *Controller) bootstrap(ctx context.Context, fresh bool) (string, *api.AgentDetail, error) {
	var (
		sessionID string
		err       error
	)
	if fresh {
		sessionID, err = c.resolver.ResetSession(ctx, c.botID)
	} else {
		sessionID, err = c.resolver.EnsureSession(ctx, c.botID)
	}
	if err != nil {
		return "", nil, err
	}
	detail, err := c.agents.AgentDetail(ctx, c.botID, sessionID, c.historyLimit)
	if err != nil {
		return "", nil, fmt.Errorf("fetch agent: %w", err)
	}
	return sessionID, detail, nil
}

func (c *Controller) applyDetailLocked(sessionID string, detail *api.AgentDetail) {
	c.sessionID = sessionID
	c.agent = detail.Agent
	c.logger = logging.WithChat(logging.Session(), c.botID, sessionID)
	history := detail.History()
	items := make([]runs.HistoryItem, 0, len(history))
	for _, h := range history {
		items = append(items, runs.HistoryItem{Query: h.Query, Response: h.Response, CreatedAt: h.CreatedAt})
	}
	c.agg.LoadHistory(items)
	c.logLocked(fmt.Sprintf("session %s ready, %d chats loaded", sessionID, len(items)))
}

// SendText submits a typed query.
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendableLocked(); err != nil {
		return err
	}
	if !c.socket.Send(protocol.NewTextQuery(text, c.now(), c.muted)) {
		return ErrNotConnected
	}
	c.agg.BeginThinking()
	c.status = StatusGenerating
	c.notifyLocked()
	return nil
}

// SendAudio submits one voice clip. Clips over protocol.MaxAudioQueryBytes
// are rejected before anything is sent.
func (c *Controller) SendAudio(data []byte, mime string) error {
	if len(data) > protocol.MaxAudioQueryBytes {
		return fmt.Errorf("%w: %d bytes, the limit is %d MiB; record a shorter clip",
			ErrAudioTooLarge, len(data), protocol.MaxAudioQueryBytes>>20)
	}
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	if mime == "" {
		mime = "audio/webm"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendableLocked(); err != nil {
		return err
	}
	if !c.socket.Send(protocol.NewAudioQuery(data, mime, c.muted)) {
		return ErrNotConnected
	}
	c.agg.BeginThinking()
	c.status = StatusProcessingAudio
	c.logLocked(fmt.Sprintf("client → audio_query (%s)", mime))
	c.notifyLocked()
	return nil
}

func (c *Controller) sendableLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.state != conn.StateConnected {
		return ErrNotConnected
	}
	return nil
}

// StopAudio asks the server to stop speaking and clears local playback.
func (c *Controller) StopAudio() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.socket.Send(protocol.StopAudio{})
	c.seq.Stop()
	c.notifyLocked()
}

// SetMuted mutes or unmutes playback. Later queries ask the server to skip
// speech while muted.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	c.seq.SetMuted(muted)
	c.notifyLocked()
}

// ToggleMute flips the mute flag and returns the new value.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	c.seq.SetMuted(c.muted)
	c.notifyLocked()
	return c.muted
}

// Reconnect force-closes the socket; it reconnects after the usual delay.
func (c *Controller) Reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sessionID == "" {
		return
	}
	c.status = conn.StatusReconnecting
	c.logLocked("manual reconnect")
	c.socket.Reconnect()
	c.notifyLocked()
}

// ClearChat empties the visible transcript and slides. Open runs keep
// streaming into new rows.
func (c *Controller) ClearChat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agg.Clear()
	c.hasTiming = false
	c.lastTiming = 0
	c.logLocked("cleared chat")
	c.notifyLocked()
}

// SelectRun shows the slides of a known run.
func (c *Controller) SelectRun(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.agg.SelectRun(runID)
	if ok {
		c.notifyLocked()
	}
	return ok
}

// Reset starts a fresh server session: audio stops, the socket closes, the
// cached session id is replaced and every run is abandoned. Envelopes still
// arriving for old runs are ignored.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.status = StatusResetting
	c.state = conn.StateConnecting
	c.paused = true
	c.socket.Send(protocol.StopAudio{})
	c.socket.Disconnect()
	c.seq.Stop()
	c.agg.Reset()
	c.activity = nil
	c.hasTiming = false
	c.lastTiming = 0
	c.notifyLocked()
	c.mu.Unlock()

	sessionID, detail, err := c.bootstrap(ctx, true)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	if c.closed {
		return ErrClosed
	}
	if err != nil {
		c.state = conn.StateError
		c.status = StatusResetFailed
		c.logLocked("reset failed")
		c.logger.Error("Session reset failed", "error", err)
		c.notifyLocked()
		return fmt.Errorf("reset session: %w", err)
	}
	c.applyDetailLocked(sessionID, detail)
	c.status = StatusReady
	c.notifyLocked()
	connectCtx := c.ctx
	if connectCtx == nil {
		connectCtx = ctx
	}
	c.socket.Connect(connectCtx, c.botID, sessionID)
	return nil
}

// Close stops audio and shuts the socket down for good.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.seq.Stop()
	c.mu.Unlock()
	c.socket.Close()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Activity returns the activity log, oldest first.
func (c *Controller) Activity() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.activity))
	copy(out, c.activity)
	return out
}

// LastReply returns the text of the most recent assistant row.
func (c *Controller) LastReply() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.agg.LastAssistant()
	return row.Text, ok
}

// SessionID returns the current session id, or "" before Start.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) snapshotLocked() Snapshot {
	slides, hasSlides := c.agg.ActiveSlides()
	speaking := c.seq.Speaking()
	mode := AvatarIdle
	if speaking {
		mode = AvatarResponse
	}
	var nowPlaying string
	if clip, ok := c.seq.Current(); ok && c.seq.Playing() {
		nowPlaying = clip.MIME
	}
	return Snapshot{
		BotID:       c.botID,
		SessionID:   c.sessionID,
		Agent:       c.agent,
		Status:      c.status,
		State:       c.state,
		Rows:        c.agg.Rows(),
		Speaking:    speaking,
		Muted:       c.muted,
		AvatarMode:  mode,
		NowPlaying:  nowPlaying,
		QueuedClips: c.seq.Queued(),
		ActiveRun:   c.agg.Active(),
		Slides:      slides,
		HasSlides:   hasSlides,
		Runs:        c.agg.RecentRuns(RecentRunsShown),
		LastTiming:  c.lastTiming,
		HasTiming:   c.hasTiming,
	}
}

func (c *Controller) notifyLocked() {
	if c.observer != nil {
		c.observer(c.snapshotLocked())
	}
}

// logLocked appends to the activity log and mirrors the line at debug level.
func (c *Controller) logLocked(line string) {
	c.logger.Debug(line)
	entry := c.now().Format("15:04:05") + " " + line
	if len(c.activity) >= ActivityLogSize {
		copy(c.activity, c.activity[1:])
		c.activity[len(c.activity)-1] = entry
		return
	}
	c.activity = append(c.activity, entry)
}

// handler applies routed envelopes. The controller lock is held.
type handler struct {
	c *Controller
}

func (h *handler) OnConnected(msg protocol.Connected) {
	h.c.logLocked(fmt.Sprintf("server connected: bot=%s session=%s", msg.BotID, msg.SessionID))
}

func (h *handler) OnUserEcho(text string) {
	h.c.agg.UserEcho(text)
	h.c.status = StatusUserSent
}

func (h *handler) OnResponseStart(runID string) {
	if !h.c.agg.ResponseStart(runID) {
		return
	}
	h.c.agg.BeginThinking()
	h.c.status = StatusTyping
}

func (h *handler) OnTextResponse(runID, text string) {
	h.c.agg.EndThinking()
	h.c.agg.TextFragment(runID, text)
	h.c.status = StatusTyping
}

func (h *handler) OnSlides(runID string, updates []protocol.SlideUpdate) {
	for _, u := range updates {
		h.c.agg.SlideFragment(runID, u)
		switch u.(type) {
		case protocol.SlidesStarted:
			h.c.logLocked(fmt.Sprintf("slides sub-agent: started (run=%s)", runID))
		case protocol.SlideDeck:
			h.c.logLocked(fmt.Sprintf("slides sub-agent: json delivered (run=%s)", runID))
		case protocol.SlidesRaw:
			h.c.logLocked(fmt.Sprintf("slides sub-agent: raw delivered (run=%s)", runID))
		}
	}
}

func (h *handler) OnAudio(chunk string) {
	h.c.seq.Enqueue(chunk)
}

func (h *handler) OnResponseDone(runID string, timings protocol.Timings) {
	h.c.lastTiming = time.Duration(timings.TotalMS * float64(time.Millisecond))
	h.c.hasTiming = true
	h.c.status = StatusDone
	logging.WithRun(h.c.logger, runID).Debug("Response done", "total_ms", timings.TotalMS, "stages", timings.Stages)
}

func (h *handler) OnResponseEnded(runID string) {
	h.c.agg.ResponseEnded(runID)
	h.c.seq.ResponseEnded()
}

func (h *handler) OnStopAudio() {
	h.c.seq.Stop()
}

func (h *handler) OnError(runID, message string) {
	h.c.agg.EndThinking()
	h.c.status = StatusError
	h.c.logLocked("server error: " + message)
	logging.WithRun(h.c.logger, runID).Warn("Server reported an error", "message", message)
}
