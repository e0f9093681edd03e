package protocol

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecFor(t *testing.T) {
	c, err := CodecFor("")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())
	assert.Equal(t, websocket.TextMessage, c.MessageType())

	c, err = CodecFor("cbor")
	require.NoError(t, err)
	assert.Equal(t, CodecCBOR, c.Name())
	assert.Equal(t, websocket.BinaryMessage, c.MessageType())

	_, err = CodecFor("xml")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestJSON_DecodeSubscribedResponse(t *testing.T) {
	frame, err := JSON.DecodeFrame([]byte(`{"id":3,"type":"subscribed","msg":{"sid":42,"channel":"points"}}`))
	require.NoError(t, err)
	require.Equal(t, FrameResponse, frame.Kind)
	assert.Equal(t, int64(3), frame.Response.ID)

	msg, err := frame.Response.Subscribed()
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.SID)
	assert.Equal(t, "points", msg.Channel)
}

func TestJSON_DecodeErrorResponse(t *testing.T) {
	frame, err := JSON.DecodeFrame([]byte(`{"id":9,"type":"error","msg":{"code":"forbidden","message":"no access"}}`))
	require.NoError(t, err)
	require.Equal(t, FrameResponse, frame.Kind)
	assert.Equal(t, "forbidden: no access", frame.Response.Error().String())
}

func TestJSON_DecodeDataEnvelope(t *testing.T) {
	frame, err := JSON.DecodeFrame([]byte(`{"channel":"points","type":"update","event_id":"e-1","sid":42,"payload":{"id":1}}`))
	require.NoError(t, err)
	require.Equal(t, FrameData, frame.Kind)

	env := frame.Data
	assert.Equal(t, "points", env.Channel)
	assert.Equal(t, "update", env.Type)
	assert.Equal(t, "e-1", env.EventID)
	assert.Equal(t, int64(42), env.SID)

	var p struct {
		ID int `json:"id"`
	}
	require.NoError(t, env.Payload.Decode(&p))
	assert.Equal(t, 1, p.ID)
	assert.Equal(t, CodecJSON, env.Payload.Codec())
}

func TestJSON_DataTypeOKWithoutCommandID(t *testing.T) {
	// "ok" as a data type must not be mistaken for a command response
	// when the frame carries no command id.
	frame, err := JSON.DecodeFrame([]byte(`{"channel":"health","type":"ok","payload":null}`))
	require.NoError(t, err)
	assert.Equal(t, FrameData, frame.Kind)
	assert.True(t, frame.Data.Payload.IsZero())
}

func TestJSON_DecodeUnknownAndInvalid(t *testing.T) {
	frame, err := JSON.DecodeFrame([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, FrameUnknown, frame.Kind)
	assert.Equal(t, `{"type":"heartbeat"}`, string(frame.Raw))

	_, err = JSON.DecodeFrame([]byte(`not json`))
	assert.Error(t, err)

	_, err = JSON.DecodeFrame([]byte("  "))
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestCBOR_DataEnvelope(t *testing.T) {
	wire := map[string]any{
		"channel": "points",
		"type":    "update",
		"payload": map[string]any{"id": 7, "label": "seven"},
	}
	data, err := CBOR.Marshal(wire)
	require.NoError(t, err)

	frame, err := CBOR.DecodeFrame(data)
	require.NoError(t, err)
	require.Equal(t, FrameData, frame.Kind)
	assert.Equal(t, "points", frame.Data.Channel)

	var p map[string]any
	require.NoError(t, frame.Data.Payload.Decode(&p))
	assert.Equal(t, "seven", p["label"])
	assert.EqualValues(t, 7, p["id"])
}

func TestCBOR_SubscribeCommandFieldNames(t *testing.T) {
	data, err := CBOR.Marshal(NewSubscribe(1, "points"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, CBOR.Unmarshal(data, &decoded))
	assert.Equal(t, "subscribe", decoded["cmd"])
	assert.Contains(t, decoded, "params")
}

func TestNewUnsubscribe(t *testing.T) {
	cmd := NewUnsubscribe(5, "points", 42)
	params := cmd.Params.(UnsubscribeParams)
	assert.Equal(t, []int64{42}, params.SIDs)
	assert.Empty(t, params.Channels)

	cmd = NewUnsubscribe(6, "points")
	params = cmd.Params.(UnsubscribeParams)
	assert.Empty(t, params.SIDs)
	assert.Equal(t, []string{"points"}, params.Channels)
}
