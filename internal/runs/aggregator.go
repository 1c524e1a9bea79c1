// Package runs aggregates streamed assistant responses into message rows.
//
// A run is one user query's response lifecycle, identified by the run_id the
// server issues in response_start. Several runs may be open at once; each has
// its own live row that grows with every text fragment until response_ended
// finalizes it. The Aggregator also tracks per-run slide state and which run
// is "active", i.e. whose slides are shown next to the transcript.
//
// The Aggregator is not safe for concurrent use. Its owner (the chat
// controller) serializes every call.
package runs

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/avatalk/internal/conversion"
	"github.com/inercia/avatalk/internal/protocol"
)

// Kind is the kind of a message row.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindThinking  Kind = "thinking"
)

// Row is one entry of the append-only message log.
type Row struct {
	ID    string
	Kind  Kind
	RunID string
	// Text is the plain text; HTML is its escaped (and, once final, linkified)
	// rendering.
	Text string
	HTML string
	// Final is set on history rows and finalized assistant rows.
	Final bool
}

// Slides is the slide state of one run. Deck and Raw are kept independently
// so consumers can prefer the structured deck and fall back to raw markdown.
type Slides struct {
	Deck    *protocol.Deck
	Raw     string
	Loading bool
}

// Empty reports whether neither form has been delivered.
func (s Slides) Empty() bool {
	return s.Deck == nil && s.Raw == ""
}

// RunInfo describes a known run.
type RunInfo struct {
	ID        string
	StartedAt time.Time
	Active    bool
	// Live is true until the run's response_ended is seen.
	Live bool
}

// HistoryItem is one stored exchange, as returned by the history endpoint.
type HistoryItem struct {
	Query     string
	Response  string
	CreatedAt string
}

// Aggregator converts per-run fragments into message rows.
type Aggregator struct {
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	rows []Row
	seq  int

	// live maps run id to the transient id of its growing row.
	live map[string]string
	// startedAt records the first observation of each run.
	startedAt map[string]time.Time
	slides    map[string]*Slides
	active    string

	// abandoned holds runs dropped by Reset; late fragments for them are ignored.
	abandoned map[string]struct{}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the clock used for run start times.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithIDGenerator overrides the generator of permanent row ids.
func WithIDGenerator(newID func() string) Option {
	return func(a *Aggregator) {
		a.newID = newID
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// New creates an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    slog.Default(),
		live:      make(map[string]string),
		startedAt: make(map[string]time.Time),
		slides:    make(map[string]*Slides),
		abandoned: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NormalizeFragment trims a fragment and collapses internal whitespace runs,
// newlines included, to single spaces.
func NormalizeFragment(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func (a *Aggregator) isAbandoned(runID, event string) bool {
	_, ok := a.abandoned[runID]
	if ok {
		a.logger.Debug("Ignoring event for abandoned run", "run_id", runID, "event", event)
	}
	return ok
}

// observe records the run's start time if it has none yet and returns it.
// Fragments may precede response_start; the run is then tracked from here.
func (a *Aggregator) observe(runID, event string) time.Time {
	t, ok := a.startedAt[runID]
	if !ok {
		t = a.now()
		a.startedAt[runID] = t
		a.logger.Debug("Tracking run first seen without response_start", "run_id", runID, "event", event)
	}
	return t
}

// promote makes runID active unless the active run started strictly later.
func (a *Aggregator) promote(runID string, started time.Time) {
	if a.active == "" {
		a.active = runID
		return
	}
	if !started.Before(a.startedAt[a.active]) {
		a.active = runID
	}
}

func (a *Aggregator) slidesFor(runID string) *Slides {
	s, ok := a.slides[runID]
	if !ok {
		s = &Slides{}
		a.slides[runID] = s
	}
	return s
}

// ResponseStart opens a run. The run becomes active unless the current active
// run started later; equal start times favour the new run. The run's slide
// state is reset. It reports false for runs abandoned by Reset.
func (a *Aggregator) ResponseStart(runID string) bool {
	if a.isAbandoned(runID, "response_start") {
		return false
	}
	if runID == "" {
		return true
	}
	started := a.now()
	a.startedAt[runID] = started
	a.promote(runID, started)
	a.slides[runID] = &Slides{}
	return true
}

// TextFragment appends a fragment to the run's live row, creating the row on
// the first non-empty fragment. Fragments are joined by exactly one space.
func (a *Aggregator) TextFragment(runID, text string) {
	if runID == "" || a.isAbandoned(runID, "text_response") {
		return
	}
	incoming := NormalizeFragment(text)
	if incoming == "" {
		return
	}
	a.observe(runID, "text_response")

	liveID, ok := a.live[runID]
	if !ok {
		a.seq++
		liveID = fmt.Sprintf("live_%s_%d", runID, a.seq)
		a.live[runID] = liveID
		a.appendLive(liveID, runID, incoming)
		return
	}

	idx := a.indexOf(liveID)
	if idx < 0 {
		// The row was cleared from view while the run kept streaming.
		a.appendLive(liveID, runID, incoming)
		return
	}
	row := &a.rows[idx]
	if row.Text == "" {
		row.Text = incoming
	} else {
		row.Text = row.Text + " " + incoming
	}
	row.HTML = conversion.EscapeHTML(row.Text)
}

func (a *Aggregator) appendLive(id, runID, text string) {
	a.rows = append(a.rows, Row{
		ID:    id,
		Kind:  KindAssistant,
		RunID: runID,
		Text:  text,
		HTML:  conversion.EscapeHTML(text),
	})
}

// ResponseEnded finalizes the run's live row: it gets a permanent id and its
// URLs are linked. The row stays in the log; the run stops being live.
func (a *Aggregator) ResponseEnded(runID string) {
	liveID, ok := a.live[runID]
	if !ok {
		a.logger.Debug("response_ended for a run with no live row", "run_id", runID)
		return
	}
	delete(a.live, runID)

	idx := a.indexOf(liveID)
	if idx < 0 {
		return
	}
	row := &a.rows[idx]
	row.ID = "a_" + a.newID()
	row.HTML = conversion.TextToHTML(row.Text)
	row.Final = true
}

// SlideFragment applies one slide update to the run.
func (a *Aggregator) SlideFragment(runID string, update protocol.SlideUpdate) {
	if runID == "" || a.isAbandoned(runID, "slides_response") {
		return
	}
	started := a.observe(runID, "slides_response")
	s := a.slidesFor(runID)

	switch u := update.(type) {
	case protocol.SlidesStarted:
		s.Loading = true
		a.promote(runID, started)
	case protocol.SlideDeck:
		deck := u.Deck
		s.Deck = &deck
		s.Loading = false
	case protocol.SlidesRaw:
		s.Raw = u.Markdown
		s.Loading = false
	}
}

// UserEcho appends the server's echo of the user's text and drops any
// thinking placeholder.
func (a *Aggregator) UserEcho(text string) {
	a.EndThinking()
	if strings.TrimSpace(text) == "" {
		return
	}
	a.rows = append(a.rows, Row{
		ID:    "u_" + a.newID(),
		Kind:  KindUser,
		Text:  text,
		HTML:  conversion.TextToHTML(text),
		Final: true,
	})
}

// BeginThinking appends a thinking placeholder.
func (a *Aggregator) BeginThinking() {
	a.seq++
	a.rows = append(a.rows, Row{
		ID:   fmt.Sprintf("th_%d", a.seq),
		Kind: KindThinking,
	})
}

// EndThinking removes every thinking placeholder. It reports whether any was
// removed.
func (a *Aggregator) EndThinking() bool {
	kept := a.rows[:0]
	removed := false
	for _, r := range a.rows {
		if r.Kind == KindThinking {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	a.rows = kept
	return removed
}

// LoadHistory replaces the log with stored exchanges, oldest first.
func (a *Aggregator) LoadHistory(items []HistoryItem) {
	rows := make([]Row, 0, len(items)*2)
	for _, it := range items {
		if it.Query != "" {
			rows = append(rows, Row{
				ID:    "u_" + it.CreatedAt,
				Kind:  KindUser,
				Text:  it.Query,
				HTML:  conversion.TextToHTML(it.Query),
				Final: true,
			})
		}
		if it.Response != "" {
			rows = append(rows, Row{
				ID:    "a_" + it.CreatedAt,
				Kind:  KindAssistant,
				Text:  it.Response,
				HTML:  conversion.TextToHTML(it.Response),
				Final: true,
			})
		}
	}
	a.rows = rows
}

// Clear empties the visible log and all slide state. Open runs keep
// streaming into fresh rows.
func (a *Aggregator) Clear() {
	a.rows = nil
	a.slides = make(map[string]*Slides)
}

// Reset abandons every known run and empties all state. Fragments that still
// arrive for abandoned runs are ignored.
func (a *Aggregator) Reset() {
	for id := range a.startedAt {
		a.abandoned[id] = struct{}{}
	}
	for id := range a.live {
		a.abandoned[id] = struct{}{}
	}
	a.rows = nil
	a.live = make(map[string]string)
	a.startedAt = make(map[string]time.Time)
	a.slides = make(map[string]*Slides)
	a.active = ""
}

// SelectRun makes a known run active. It reports whether the run is known.
func (a *Aggregator) SelectRun(runID string) bool {
	if _, ok := a.startedAt[runID]; !ok {
		return false
	}
	a.active = runID
	return true
}

// Active returns the active run id, or "" if none.
func (a *Aggregator) Active() string {
	return a.active
}

// ActiveSlides returns the slide state of the active run.
func (a *Aggregator) ActiveSlides() (Slides, bool) {
	if a.active == "" {
		return Slides{}, false
	}
	s, ok := a.slides[a.active]
	if !ok {
		return Slides{}, false
	}
	return *s, true
}

// RecentRuns returns up to n runs, most recently started first.
func (a *Aggregator) RecentRuns(n int) []RunInfo {
	runs := make([]RunInfo, 0, len(a.startedAt))
	for id, t := range a.startedAt {
		_, live := a.live[id]
		runs = append(runs, RunInfo{
			ID:        id,
			StartedAt: t,
			Active:    id == a.active,
			Live:      live,
		})
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if n > 0 && len(runs) > n {
		runs = runs[:n]
	}
	return runs
}

// LiveRuns returns the number of runs still streaming.
func (a *Aggregator) LiveRuns() int {
	return len(a.live)
}

// Rows returns a copy of the message log.
func (a *Aggregator) Rows() []Row {
	out := make([]Row, len(a.rows))
	copy(out, a.rows)
	return out
}

// LastAssistant returns the most recent assistant row.
func (a *Aggregator) LastAssistant() (Row, bool) {
	for i := len(a.rows) - 1; i >= 0; i-- {
		if a.rows[i].Kind == KindAssistant {
			return a.rows[i], true
		}
	}
	return Row{}, false
}

func (a *Aggregator) indexOf(id string) int {
	for i := range a.rows {
		if a.rows[i].ID == id {
			return i
		}
	}
	return -1
}
