package protocol

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// CBOR is the binary-frame codec.
var CBOR Codec = newCBORCodec()

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// cborFrame mirrors jsonFrame; field names come from the json tags.
type cborFrame struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	EventID string          `json:"event_id"`
	SID     int64           `json:"sid"`
	Seq     int64           `json:"seq"`
	Msg     cbor.RawMessage `json:"msg"`
	Payload cbor.RawMessage `json:"payload"`
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	// Payloads decoded into any must come out as map[string]any so they can
	// be handled like their JSON counterparts.
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}

	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string     { return CodecCBOR }
func (cborCodec) MessageType() int { return websocket.BinaryMessage }

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

func (c cborCodec) DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	var wire cborFrame
	if err := c.dec.Unmarshal(data, &wire); err != nil {
		return Frame{Raw: data}, fmt.Errorf("decode cbor frame: %w", err)
	}

	return classify(c, data, wire.ID, wire.Type, wire.Channel, wire.EventID, wire.SID, wire.Seq,
		cborNonNull(wire.Msg), cborNonNull(wire.Payload)), nil
}

// cborNonNull drops encoded null/undefined (0xf6, 0xf7).
func cborNonNull(raw cbor.RawMessage) []byte {
	if len(raw) == 0 || (len(raw) == 1 && (raw[0] == 0xf6 || raw[0] == 0xf7)) {
		return nil
	}
	return raw
}
