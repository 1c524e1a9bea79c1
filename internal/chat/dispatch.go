package chat

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/inercia/avatalk/internal/protocol"
)

// ErrUnknownType is returned by Dispatch for envelope types it does not route.
var ErrUnknownType = errors.New("unknown envelope type")

// Handler receives routed server envelopes. Each method corresponds to one
// inbound type.
type Handler interface {
	// OnConnected is called when the server acknowledges the socket.
	OnConnected(msg protocol.Connected)

	// OnUserEcho is called with the server's echo of a submitted query.
	OnUserEcho(text string)

	// OnResponseStart is called when a run opens.
	OnResponseStart(runID string)

	// OnTextResponse is called with each streamed text fragment.
	OnTextResponse(runID, text string)

	// OnSlides is called with the slide updates of one slides_response.
	OnSlides(runID string, updates []protocol.SlideUpdate)

	// OnAudio is called with each audio chunk, in arrival order.
	OnAudio(chunk string)

	// OnResponseDone is called with the run's timing breakdown.
	OnResponseDone(runID string, timings protocol.Timings)

	// OnResponseEnded is called when a run closes.
	OnResponseEnded(runID string)

	// OnStopAudio is called when the server interrupts playback.
	OnStopAudio()

	// OnError is called with an application error. runID may be empty.
	OnError(runID, message string)
}

// Dispatcher decodes inbound frames and routes each to exactly one Handler
// method.
type Dispatcher struct {
	handler Handler
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(handler Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handler: handler, logger: logger}
}

// Dispatch routes one frame. Malformed frames and unknown types are logged
// and dropped; the returned error only describes what was dropped.
func (d *Dispatcher) Dispatch(data []byte) error {
	in, err := protocol.Decode(data)
	if err != nil {
		d.logger.Warn("Dropping malformed envelope", "error", err, "size", len(data))
		return err
	}
	if err := d.route(in); err != nil {
		if errors.Is(err, ErrUnknownType) {
			d.logger.Info("Ignoring unknown envelope", "type", in.Type)
		} else {
			d.logger.Warn("Dropping undecodable envelope", "type", in.Type, "error", err)
		}
		return err
	}
	return nil
}

func (d *Dispatcher) route(in protocol.Inbound) error {
	h := d.handler
	switch in.Type {
	case protocol.TypeConnected:
		var body protocol.Connected
		if err := in.Body(&body); err != nil {
			return err
		}
		h.OnConnected(body)

	case protocol.TypeTextQuery:
		var body protocol.TextEcho
		if err := in.Body(&body); err != nil {
			return err
		}
		h.OnUserEcho(body.Text)

	case protocol.TypeResponseStart:
		h.OnResponseStart(in.RunID)

	case protocol.TypeTextResponse:
		var body protocol.TextFragment
		if err := in.Body(&body); err != nil {
			return err
		}
		h.OnTextResponse(in.RunID, body.Text)

	case protocol.TypeSlidesResponse:
		updates, err := in.SlideUpdates()
		if err != nil {
			return err
		}
		h.OnSlides(in.RunID, updates)

	case protocol.TypeAudioResponse:
		var body protocol.AudioChunk
		if err := in.Body(&body); err != nil {
			return err
		}
		h.OnAudio(body.Audio)

	case protocol.TypeResponseDone:
		var body protocol.ResponseDone
		if err := in.Body(&body); err != nil {
			return err
		}
		h.OnResponseDone(in.RunID, body.Timings)

	case protocol.TypeResponseEnded:
		h.OnResponseEnded(in.RunID)

	case protocol.TypeStopAudio:
		h.OnStopAudio()

	case protocol.TypeError:
		var body protocol.ErrorBody
		if err := in.Body(&body); err != nil {
			return err
		}
		h.OnError(in.RunID, body.Message)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
	return nil
}
