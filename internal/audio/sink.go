package audio

import "sync"

// Sink renders clips. Play starts a clip and returns; the sink calls ended
// exactly once when the clip finishes on its own, always from another
// goroutine and never after Stop halted it.
type Sink interface {
	Play(clip Clip, ended func()) error
	Stop()
	SetMuted(muted bool)
}

// NullSink produces no audio and finishes every clip immediately.
type NullSink struct {
	mu    sync.Mutex
	muted bool
	// stopped is bumped by Stop so in-flight ends are suppressed.
	stopped uint64
}

// NewNullSink creates a NullSink.
func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) Play(clip Clip, ended func()) error {
	n.mu.Lock()
	gen := n.stopped
	n.mu.Unlock()
	go func() {
		n.mu.Lock()
		stale := gen != n.stopped
		n.mu.Unlock()
		if !stale {
			ended()
		}
	}()
	return nil
}

func (n *NullSink) Stop() {
	n.mu.Lock()
	n.stopped++
	n.mu.Unlock()
}

func (n *NullSink) SetMuted(muted bool) {
	n.mu.Lock()
	n.muted = muted
	n.mu.Unlock()
}

// Muted reports the last mute setting.
func (n *NullSink) Muted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.muted
}
