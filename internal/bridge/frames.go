package bridge

import (
	"encoding/json"
	"fmt"
)

// Telephony media-stream frame, both directions. The provider sends
// start/media/mark/stop events; the bridge writes media and clear.
type telephonyFrame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startEvent   `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type startEvent struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

// encodeMediaFrame wraps an already-base64 audio chunk for the telephony
// peer. The chunk is passed through verbatim; re-encoding it corrupts
// the stream.
func encodeMediaFrame(streamSID, payload string) ([]byte, error) {
	return json.Marshal(telephonyFrame{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &mediaPayload{Payload: payload},
	})
}

// encodeClearFrame tells the telephony peer to flush buffered agent
// audio, used when the AI reports an interruption.
func encodeClearFrame(streamSID string) ([]byte, error) {
	return json.Marshal(telephonyFrame{Event: "clear", StreamSID: streamSID})
}

// AI conversation frame, server to client. Only four types matter;
// unknown types are logged and ignored.
type aiFrame struct {
	Type string `json:"type"`

	Audio *struct {
		Chunk string `json:"chunk"`
	} `json:"audio,omitempty"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`
	ConversationInitiationMetadataEvent *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`
	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event,omitempty"`
}

// audioChunk returns the base64 audio from whichever field the platform
// used, or "" when the frame carries no audio.
func (f *aiFrame) audioChunk() string {
	if f.Audio != nil && f.Audio.Chunk != "" {
		return f.Audio.Chunk
	}
	if f.AudioEvent != nil {
		return f.AudioEvent.AudioBase64
	}
	return ""
}

// encodeInitiationFrame is the single configuration frame sent when the
// AI socket opens, carrying the agent override for this call.
func encodeInitiationFrame(prompt, firstMessage string) ([]byte, error) {
	agent := map[string]any{}
	if prompt != "" {
		agent["prompt"] = map[string]string{"prompt": prompt}
	}
	if firstMessage != "" {
		agent["first_message"] = firstMessage
	}
	return json.Marshal(map[string]any{
		"type": "conversation_initiation_client_data",
		"conversation_config_override": map[string]any{
			"agent": agent,
		},
	})
}

// encodeUserAudioFrame forwards a telephony media payload to the AI
// without decoding it.
func encodeUserAudioFrame(payload string) ([]byte, error) {
	return json.Marshal(map[string]string{"user_audio_chunk": payload})
}

// encodePongFrame answers an AI ping with the matching event id.
func encodePongFrame(eventID int) ([]byte, error) {
	return json.Marshal(map[string]any{"type": "pong", "event_id": eventID})
}

func decodeTelephonyFrame(data []byte) (*telephonyFrame, error) {
	var f telephonyFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding telephony frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("telephony frame missing event")
	}
	return &f, nil
}

func decodeAIFrame(data []byte) (*aiFrame, error) {
	var f aiFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding AI frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("AI frame missing type")
	}
	return &f, nil
}
