package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// Codec encodes outbound frames and decodes inbound ones.
type Codec interface {
	// Name is the configuration name of the codec ("json", "cbor").
	Name() string

	// MessageType is the WebSocket frame type used for this codec.
	MessageType() int

	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error

	// DecodeFrame classifies and decodes an inbound frame.
	DecodeFrame(data []byte) (Frame, error)
}

// Codec names.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// CodecFor returns the codec registered under name. An empty name selects JSON.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSON, nil
	case CodecCBOR:
		return CBOR, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// JSON is the text-frame codec.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

// jsonFrame is the wire format shared by responses and data envelopes.
type jsonFrame struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	EventID string          `json:"event_id"`
	SID     int64           `json:"sid"`
	Seq     int64           `json:"seq"`
	Msg     json.RawMessage `json:"msg"`
	Payload json.RawMessage `json:"payload"`
}

var jsonNull = []byte("null")

func (jsonCodec) Name() string     { return CodecJSON }
func (jsonCodec) MessageType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (c jsonCodec) DecodeFrame(data []byte) (Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	var wire jsonFrame
	if err := json.Unmarshal(data, &wire); err != nil {
		return Frame{Raw: data}, fmt.Errorf("decode json frame: %w", err)
	}

	return classify(c, data, wire.ID, wire.Type, wire.Channel, wire.EventID, wire.SID, wire.Seq,
		trimNull(wire.Msg), trimNull(wire.Payload)), nil
}

func trimNull(raw json.RawMessage) []byte {
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return nil
	}
	return raw
}

// classify turns decoded wire fields into a Frame.
func classify(c Codec, raw []byte, id int64, typ, channel, eventID string, sid, seq int64, msg, payload []byte) Frame {
	// Responses carry a command id and one of the known response types.
	if id != 0 && isResponseType(typ) {
		return Frame{
			Kind: FrameResponse,
			Response: Response{
				ID:   id,
				Type: typ,
				Msg:  NewPayload(c, msg),
			},
			Raw: raw,
		}
	}

	if channel != "" {
		return Frame{
			Kind: FrameData,
			Data: Envelope{
				Channel: channel,
				Type:    typ,
				EventID: eventID,
				SID:     sid,
				Seq:     seq,
				Payload: NewPayload(c, payload),
			},
			Raw: raw,
		}
	}

	return Frame{Kind: FrameUnknown, Raw: raw}
}
