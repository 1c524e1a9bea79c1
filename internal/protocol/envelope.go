// Package protocol defines the JSON envelopes exchanged with the agent chat
// backend over the /ws/chat/ WebSocket.
//
// # Wire format
//
// Every frame is a flat JSON object carrying a "type" discriminant:
//
//	{"type": "text_response", "run_id": "r1", "text": "Hello"}
//
// Unlike a nested {"type", "data"} envelope, payload fields live next to the
// discriminant, so inbound frames are decoded in two steps: first the common
// header (type and run_id), then the type-specific body from the same bytes.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// =============================================================================
// Client → Server Message Types
// =============================================================================

const (
	// TypeTextQuery submits a typed query.
	// Fields: text, local_time ("2006-01-02 15:04:05"), muteAudio
	TypeTextQuery = "text_query"

	// TypeAudioQuery submits one captured voice clip as a data URL.
	// Fields: audio, format (MIME type), muteAudio
	TypeAudioQuery = "audio_query"

	// TypeStopAudio interrupts playback and any pending speech synthesis.
	// Also sent by the server (see below).
	TypeStopAudio = "stop_audio"

	// TypePing is the application-level heartbeat.
	TypePing = "ping"
)

// =============================================================================
// Server → Client Message Types
// =============================================================================

const (
	// TypeConnected acknowledges the socket. Fields: bot_id, session_id
	TypeConnected = "connected"

	// TypeTextQuery (above) is also echoed back with the user's text.

	// TypeResponseStart opens a run. Fields: run_id
	TypeResponseStart = "response_start"

	// TypeTextResponse carries one streamed text fragment. Fields: run_id, text
	TypeTextResponse = "text_response"

	// TypeSlidesResponse carries slide generation progress for a run.
	// Fields: run_id, and one of slides_raw == "__started__", slides, slides_raw
	TypeSlidesResponse = "slides_response"

	// TypeAudioResponse carries a base64 audio chunk. Not run-correlated.
	// Fields: audio
	TypeAudioResponse = "audio_response"

	// TypeResponseDone reports timings once generation is complete.
	// Fields: run_id, timings
	TypeResponseDone = "response_done"

	// TypeResponseEnded closes a run. Fields: run_id
	TypeResponseEnded = "response_ended"

	// TypeError reports an application error. Fields: message, run_id (optional)
	TypeError = "error"
)

// SlidesStartedSentinel is the slides_raw value announcing that slide
// generation has begun for a run.
const SlidesStartedSentinel = "__started__"

// MaxAudioQueryBytes is the largest clip accepted for an audio_query.
const MaxAudioQueryBytes = 25 * 1024 * 1024

// LocalTimeLayout is the layout of the local_time field.
const LocalTimeLayout = "2006-01-02 15:04:05"

// Header holds the fields common to all inbound envelopes.
type Header struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
}

// UnmarshalJSON accepts a numeric run_id as well as a string one; numbers
// keep their literal spelling.
func (h *Header) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  string          `json:"type"`
		RunID json.RawMessage `json:"run_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	runID, err := decodeRunID(raw.RunID)
	if err != nil {
		return err
	}
	h.Type = raw.Type
	h.RunID = runID
	return nil
}

func decodeRunID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("run_id: %w", err)
	}
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return id, nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("run_id: unsupported JSON value %s", raw)
	}
}

// Inbound is a decoded server envelope. Raw keeps the original bytes so that
// the type-specific body can be decoded on demand.
type Inbound struct {
	Header
	Raw json.RawMessage
}

// Decode parses the envelope header. The frame must be a JSON object with a
// non-empty type.
func Decode(data []byte) (Inbound, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Inbound{}, fmt.Errorf("decode envelope: %w", err)
	}
	if h.Type == "" {
		return Inbound{}, fmt.Errorf("decode envelope: missing type")
	}
	return Inbound{Header: h, Raw: append(json.RawMessage(nil), data...)}, nil
}

// Body decodes the type-specific fields into v.
func (in Inbound) Body(v any) error {
	if err := json.Unmarshal(in.Raw, v); err != nil {
		return fmt.Errorf("decode %s body: %w", in.Type, err)
	}
	return nil
}

// Connected is the body of a connected acknowledgement.
type Connected struct {
	BotID     string `json:"bot_id"`
	SessionID string `json:"session_id"`
}

// TextEcho is the body of a text_query echo.
type TextEcho struct {
	Text string `json:"text"`
}

// TextFragment is the body of a text_response.
type TextFragment struct {
	Text string `json:"text"`
}

// AudioChunk is the body of an audio_response.
type AudioChunk struct {
	Audio string `json:"audio"`
}

// Timings is the timing breakdown of a response_done.
type Timings struct {
	TotalMS float64 `json:"total_ms"`
	// Other stage timings are kept verbatim.
	Stages map[string]float64 `json:"-"`
}

// UnmarshalJSON keeps every numeric stage next to total_ms.
func (t *Timings) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Stages = make(map[string]float64, len(raw))
	for k, v := range raw {
		f, ok := v.(float64)
		if !ok {
			continue
		}
		if k == "total_ms" {
			t.TotalMS = f
			continue
		}
		t.Stages[k] = f
	}
	return nil
}

// ResponseDone is the body of a response_done.
type ResponseDone struct {
	Timings Timings `json:"timings"`
}

// ErrorBody is the body of an error envelope.
type ErrorBody struct {
	Message string `json:"message"`
}
