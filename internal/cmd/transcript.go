package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/inercia/avatalk/internal/chat"
	"github.com/inercia/avatalk/internal/runs"
)

// transcript prints controller snapshots as a scrolling terminal log: each
// user row once, each assistant row once it is final, and status changes.
// It is used as the controller observer, so it must not call back into the
// controller.
type transcript struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
	status  string
	slides  string
	speaker string
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, printed: make(map[string]bool)}
}

func (t *transcript) observe(snap chat.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if snap.Agent.Name != "" {
		t.speaker = snap.Agent.Name
	}
	if snap.Status != t.status {
		t.status = snap.Status
		fmt.Fprintf(t.out, "· %s\n", snap.Status)
	}

	for _, row := range snap.Rows {
		if t.printed[row.ID] {
			continue
		}
		switch row.Kind {
		case runs.KindUser:
			fmt.Fprintf(t.out, "you> %s\n", row.Text)
		case runs.KindAssistant:
			if !row.Final {
				continue
			}
			fmt.Fprintf(t.out, "%s> %s\n", t.speakerName(), row.Text)
		default:
			continue
		}
		t.printed[row.ID] = true
	}

	if key := slidesKey(snap); key != t.slides {
		t.slides = key
		if key != "" && !snap.Slides.Empty() {
			fmt.Fprintf(t.out, "🖼  Slides ready for run %s (/slides to show)\n", snap.ActiveRun)
		}
	}
}

func (t *transcript) speakerName() string {
	if t.speaker == "" {
		return "assistant"
	}
	return t.speaker
}

// slidesKey identifies the slide content currently shown.
func slidesKey(snap chat.Snapshot) string {
	if !snap.HasSlides || snap.Slides.Empty() {
		return ""
	}
	return fmt.Sprintf("%s:%t:%d", snap.ActiveRun, snap.Slides.Deck != nil, len(snap.Slides.Raw))
}
