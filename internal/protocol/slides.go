package protocol

import (
	"encoding/json"
	"fmt"
)

// Slide is one slide of a structured deck.
type Slide struct {
	Title   string   `json:"title,omitempty"`
	Bullets []string `json:"bullets,omitempty"`
}

// Deck is the structured slides payload.
type Deck struct {
	Slides []Slide `json:"slides,omitempty"`
}

// SlideUpdate is one of SlidesStarted, SlideDeck or SlidesRaw.
type SlideUpdate interface {
	isSlideUpdate()
}

// SlidesStarted announces that slide generation began for a run.
type SlidesStarted struct{}

// SlideDeck delivers a structured deck.
type SlideDeck struct {
	Deck Deck
}

// SlidesRaw delivers the deck as raw markdown.
type SlidesRaw struct {
	Markdown string
}

func (SlidesStarted) isSlideUpdate() {}
func (SlideDeck) isSlideUpdate()     {}
func (SlidesRaw) isSlideUpdate()     {}

type slidesBody struct {
	Slides    json.RawMessage `json:"slides"`
	SlidesRaw *string         `json:"slides_raw"`
}

// SlideUpdates decodes a slides_response body. The started sentinel yields a
// single SlidesStarted. Otherwise a structured deck and a raw markdown string
// are reported in that order, each only if present; a frame carrying neither
// yields no updates.
func (in Inbound) SlideUpdates() ([]SlideUpdate, error) {
	var body slidesBody
	if err := in.Body(&body); err != nil {
		return nil, err
	}
	if body.SlidesRaw != nil && *body.SlidesRaw == SlidesStartedSentinel {
		return []SlideUpdate{SlidesStarted{}}, nil
	}

	var updates []SlideUpdate
	if len(body.Slides) > 0 && string(body.Slides) != "null" {
		var deck Deck
		if err := json.Unmarshal(body.Slides, &deck); err != nil {
			return nil, fmt.Errorf("decode slides deck: %w", err)
		}
		updates = append(updates, SlideDeck{Deck: deck})
	}
	if body.SlidesRaw != nil {
		updates = append(updates, SlidesRaw{Markdown: *body.SlidesRaw})
	}
	return updates, nil
}
