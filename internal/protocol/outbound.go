package protocol

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Outbound is a client envelope ready to be written to the socket.
type Outbound interface {
	// Kind returns the envelope type.
	Kind() string
}

// TextQuery submits typed text.
type TextQuery struct {
	Text      string `json:"text"`
	LocalTime string `json:"local_time"`
	MuteAudio bool   `json:"muteAudio"`
}

// AudioQuery submits one encoded voice clip.
type AudioQuery struct {
	Audio     string `json:"audio"`
	Format    string `json:"format"`
	MuteAudio bool   `json:"muteAudio"`
}

// StopAudio asks the server to stop speech synthesis.
type StopAudio struct{}

// Ping is the heartbeat.
type Ping struct{}

func (TextQuery) Kind() string  { return TypeTextQuery }
func (AudioQuery) Kind() string { return TypeAudioQuery }
func (StopAudio) Kind() string  { return TypeStopAudio }
func (Ping) Kind() string       { return TypePing }

// NewTextQuery builds a text_query stamped with the local wall clock.
func NewTextQuery(text string, now time.Time, muted bool) TextQuery {
	return TextQuery{
		Text:      text,
		LocalTime: now.Format(LocalTimeLayout),
		MuteAudio: muted,
	}
}

// NewAudioQuery builds an audio_query carrying the clip as a data URL.
func NewAudioQuery(clip []byte, mime string, muted bool) AudioQuery {
	return AudioQuery{
		Audio:     DataURL(mime, clip),
		Format:    mime,
		MuteAudio: muted,
	}
}

// DataURL encodes data as a base64 data URL.
func DataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Encode marshals an outbound envelope into a flat JSON object with its type.
func Encode(msg Outbound) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(msg.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}
