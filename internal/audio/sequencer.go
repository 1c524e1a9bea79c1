// Package audio plays response audio chunks strictly in arrival order.
//
// The Sequencer keeps a single global FIFO of base64 chunks and feeds them to
// a Sink one at a time. Chunks are not correlated with runs. Each response
// cycle ends when the server's response_ended has been seen and the queue has
// drained, at which point the speaking indicator clears.
package audio

import (
	"encoding/base64"
	"log/slog"
	"strings"
)

// DefaultMIME is the format assumed for audio_response payloads.
const DefaultMIME = "audio/mpeg"

// Clip is one decoded audio chunk.
type Clip struct {
	MIME string
	Data []byte
}

// DecodeChunk decodes a base64 chunk. A leading data URL header is accepted
// and its MIME type kept.
func DecodeChunk(chunk string) (Clip, error) {
	mime := DefaultMIME
	payload := chunk
	if strings.HasPrefix(payload, "data:") {
		if header, body, ok := strings.Cut(payload, ","); ok {
			payload = body
			header = strings.TrimPrefix(header, "data:")
			header = strings.TrimSuffix(header, ";base64")
			if header != "" {
				mime = header
			}
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return Clip{}, err
	}
	return Clip{MIME: mime, Data: data}, nil
}

// Sequencer is the playback state machine. It is not safe for concurrent
// use; its owner serializes calls, including the ended notifications that a
// Sink delivers from its own goroutine (see WithDispatcher).
type Sequencer struct {
	sink     Sink
	dispatch func(func())
	logger   *slog.Logger

	queue         []string
	playing       bool
	current       *Clip
	gen           uint64
	speaking      bool
	responseEnded bool
	muted         bool
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithDispatcher routes sink ended notifications through fn, which must run
// the given function while holding the owner's lock.
func WithDispatcher(fn func(func())) Option {
	return func(s *Sequencer) {
		s.dispatch = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger
	}
}

// NewSequencer creates a Sequencer that plays through sink.
func NewSequencer(sink Sink, opts ...Option) *Sequencer {
	s := &Sequencer{
		sink:     sink,
		dispatch: func(f func()) { f() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends a chunk and starts playback if the sink is idle.
func (s *Sequencer) Enqueue(chunk string) {
	if chunk == "" {
		return
	}
	s.queue = append(s.queue, chunk)
	s.DrainIfIdle()
}

// DrainIfIdle plays the head of the queue if nothing is playing.
func (s *Sequencer) DrainIfIdle() {
	if s.playing {
		return
	}
	s.playNext()
}

// playNext pops chunks until one starts playing or the queue is empty.
// Undecodable or unplayable chunks are skipped.
func (s *Sequencer) playNext() {
	for len(s.queue) > 0 {
		chunk := s.queue[0]
		s.queue[0] = ""
		s.queue = s.queue[1:]

		clip, err := DecodeChunk(chunk)
		if err != nil {
			s.logger.Warn("Dropping undecodable audio chunk", "error", err)
			continue
		}

		s.gen++
		gen := s.gen
		s.playing = true
		s.speaking = true
		s.current = &clip
		err = s.sink.Play(clip, func() {
			s.dispatch(func() { s.ended(gen) })
		})
		if err != nil {
			s.logger.Warn("Audio playback failed", "error", err)
			s.playing = false
			s.current = nil
			continue
		}
		return
	}
	s.maybeCompleteCycle()
}

func (s *Sequencer) ended(gen uint64) {
	if gen != s.gen || !s.playing {
		// Stale notification from a clip that was stopped or superseded.
		return
	}
	s.Ended()
}

// Ended handles the end of the current clip: the next chunk plays if one is
// queued, otherwise the cycle completes if response_ended has been seen.
func (s *Sequencer) Ended() {
	s.playing = false
	s.current = nil
	if len(s.queue) > 0 {
		s.playNext()
		return
	}
	s.maybeCompleteCycle()
}

func (s *Sequencer) maybeCompleteCycle() {
	if s.responseEnded && !s.playing && len(s.queue) == 0 {
		s.speaking = false
		s.responseEnded = false
	}
}

// ResponseEnded marks the server's response as finished. If nothing is queued
// or playing the cycle completes immediately; otherwise it completes when the
// last queued clip ends.
func (s *Sequencer) ResponseEnded() {
	s.responseEnded = true
	s.maybeCompleteCycle()
}

// Stop clears the queue, halts the sink and clears the speaking indicator.
func (s *Sequencer) Stop() {
	s.queue = nil
	if s.playing {
		s.sink.Stop()
	}
	s.gen++
	s.playing = false
	s.current = nil
	s.speaking = false
	s.responseEnded = false
}

// SetMuted mutes or unmutes the sink. Muted playback still advances the
// queue and still reports speaking.
func (s *Sequencer) SetMuted(muted bool) {
	s.muted = muted
	s.sink.SetMuted(muted)
}

// Muted reports the mute flag.
func (s *Sequencer) Muted() bool { return s.muted }

// Speaking reports whether a response cycle is audibly (or silently, when
// muted) in progress.
func (s *Sequencer) Speaking() bool { return s.speaking }

// Playing reports whether the sink is busy with a clip.
func (s *Sequencer) Playing() bool { return s.playing }

// Queued returns the number of chunks waiting to play.
func (s *Sequencer) Queued() int { return len(s.queue) }

// Current returns the clip being played, if any.
func (s *Sequencer) Current() (Clip, bool) {
	if s.current == nil {
		return Clip{}, false
	}
	return *s.current, true
}
