package audio

import (
	"encoding/base64"
	"errors"
	"testing"
)

// fakeSink records plays; tests finish clips by hand.
type fakeSink struct {
	played  []string
	pending []func()
	stops   int
	muted   bool
	failOn  string
}

func (f *fakeSink) Play(clip Clip, ended func()) error {
	name := string(clip.Data)
	if name == f.failOn {
		return errors.New("player failed")
	}
	f.played = append(f.played, name)
	f.pending = append(f.pending, ended)
	return nil
}

func (f *fakeSink) Stop() { f.stops++ }

func (f *fakeSink) SetMuted(muted bool) { f.muted = muted }

// finishLatest reports the end of the most recently started clip.
func (f *fakeSink) finishLatest() {
	ended := f.pending[len(f.pending)-1]
	ended()
}

func chunk(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestSequencer_FIFO(t *testing.T) {
	sink := &fakeSink{}
	s := NewSequencer(sink)

	s.Enqueue(chunk("a"))
	s.Enqueue(chunk("b"))
	s.Enqueue(chunk("c"))

	if len(sink.played) != 1 || sink.played[0] != "a" {
		t.Fatalf("played = %v, want [a]", sink.played)
	}
	if s.Queued() != 2 {
		t.Errorf("Queued() = %d, want 2", s.Queued())
	}
	if !s.Speaking() {
		t.Error("Speaking() = false while playing")
	}

	sink.finishLatest()
	sink.finishLatest()
	sink.finishLatest()

	want := []string{"a", "b", "c"}
	if len(sink.played) != len(want) {
		t.Fatalf("played = %v, want %v", sink.played, want)
	}
	for i := range want {
		if sink.played[i] != want[i] {
			t.Errorf("played[%d] = %q, want %q", i, sink.played[i], want[i])
		}
	}
	if s.Playing() {
		t.Error("Playing() = true after last clip ended")
	}
	// No response_ended yet: the cycle stays open.
	if !s.Speaking() {
		t.Error("Speaking() = false before response ended")
	}

	s.ResponseEnded()
	if s.Speaking() {
		t.Error("Speaking() = true after response ended with empty queue")
	}
}

func TestSequencer_ResponseEndedWhilePlaying(t *testing.T) {
	sink := &fakeSink{}
	s := NewSequencer(sink)

	s.Enqueue(chunk("a"))
	s.Enqueue(chunk("b"))
	s.ResponseEnded()
	if !s.Speaking() {
		t.Fatal("cycle completed while clips remain")
	}

	sink.finishLatest()
	if !s.Speaking() {
		t.Fatal("cycle completed while b is playing")
	}
	sink.finishLatest()
	if s.Speaking() {
		t.Error("Speaking() = true after the last clip of an ended response")
	}

	// The flag is consumed: a new cycle needs its own response_ended.
	s.Enqueue(chunk("c"))
	sink.finishLatest()
	if !s.Speaking() {
		t.Error("new cycle completed without response_ended")
	}
}

func TestSequencer_ResponseEndedWithoutAudio(t *testing.T) {
	s := NewSequencer(&fakeSink{})
	s.ResponseEnded()
	if s.Speaking() {
		t.Error("Speaking() = true with no audio")
	}
	// Flag must not leak into the next cycle.
	s.Enqueue(chunk("x"))
	if !s.Speaking() {
		t.Error("Speaking() = false while playing")
	}
}

func TestSequencer_Stop(t *testing.T) {
	sink := &fakeSink{}
	s := NewSequencer(sink)

	s.Enqueue(chunk("a"))
	s.Enqueue(chunk("b"))
	s.Enqueue(chunk("c"))
	s.Stop()

	if s.Queued() != 0 || s.Playing() || s.Speaking() {
		t.Errorf("state after Stop: queued=%d playing=%v speaking=%v", s.Queued(), s.Playing(), s.Speaking())
	}
	if sink.stops != 1 {
		t.Errorf("sink stopped %d times, want 1", sink.stops)
	}
	if _, ok := s.Current(); ok {
		t.Error("Current() still set after Stop")
	}

	// A late end from the halted clip is ignored.
	sink.pending[0]()
	if len(sink.played) != 1 {
		t.Errorf("played = %v after stale end, want only a", sink.played)
	}

	// Stop is idempotent.
	s.Stop()
	if sink.stops != 1 {
		t.Errorf("idle Stop() halted the sink again")
	}
}

func TestSequencer_MutedStillAdvances(t *testing.T) {
	sink := &fakeSink{}
	s := NewSequencer(sink)
	s.SetMuted(true)
	if !sink.muted || !s.Muted() {
		t.Fatal("mute not applied to sink")
	}

	s.Enqueue(chunk("a"))
	s.Enqueue(chunk("b"))
	if !s.Speaking() {
		t.Error("muted playback should still report speaking")
	}
	sink.finishLatest()
	if len(sink.played) != 2 {
		t.Errorf("played = %v, want a then b", sink.played)
	}
}

func TestSequencer_SkipsBadChunks(t *testing.T) {
	sink := &fakeSink{failOn: "bad"}
	s := NewSequencer(sink)

	s.Enqueue("!!! not base64")
	s.Enqueue(chunk("bad"))
	s.Enqueue(chunk("good"))

	if len(sink.played) != 1 || sink.played[0] != "good" {
		t.Errorf("played = %v, want [good]", sink.played)
	}
}

func TestSequencer_Dispatcher(t *testing.T) {
	sink := &fakeSink{}
	var routed int
	s := NewSequencer(sink, WithDispatcher(func(f func()) {
		routed++
		f()
	}))

	s.Enqueue(chunk("a"))
	s.Enqueue(chunk("b"))
	sink.finishLatest()

	if routed != 1 {
		t.Errorf("dispatcher called %d times, want 1", routed)
	}
	if len(sink.played) != 2 {
		t.Errorf("played = %v", sink.played)
	}
}

func TestDecodeChunk(t *testing.T) {
	clip, err := DecodeChunk(chunk("raw"))
	if err != nil {
		t.Fatalf("DecodeChunk() error = %v", err)
	}
	if clip.MIME != DefaultMIME || string(clip.Data) != "raw" {
		t.Errorf("DecodeChunk() = %+v", clip)
	}

	clip, err = DecodeChunk("data:audio/wav;base64," + chunk("w"))
	if err != nil {
		t.Fatalf("DecodeChunk() error = %v", err)
	}
	if clip.MIME != "audio/wav" || string(clip.Data) != "w" {
		t.Errorf("DecodeChunk() = %+v", clip)
	}

	if _, err := DecodeChunk("%%%"); err == nil {
		t.Error("DecodeChunk() accepted invalid base64")
	}
}
