package protocol

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrUnknownCodec = errors.New("unknown codec")
	ErrEmptyFrame   = errors.New("empty frame")
)

// Command names.
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
)

// Response types.
const (
	RespSubscribed   = "subscribed"
	RespUnsubscribed = "unsubscribed"
	RespError        = "error"
	RespOK           = "ok"
)

// Command is a control command sent to the server.
type Command struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params"`
}

// SubscribeParams are parameters for a subscribe command.
type SubscribeParams struct {
	Channels []string `json:"channels"`
}

// UnsubscribeParams are parameters for an unsubscribe command.
type UnsubscribeParams struct {
	SIDs     []int64  `json:"sids,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// NewSubscribe builds a subscribe command for the given channels.
func NewSubscribe(id int64, channels ...string) Command {
	return Command{ID: id, Cmd: CmdSubscribe, Params: SubscribeParams{Channels: channels}}
}

// NewUnsubscribe builds an unsubscribe command. When the server assigned
// subscription ids they are used, otherwise the channel name is sent.
func NewUnsubscribe(id int64, channel string, sids ...int64) Command {
	params := UnsubscribeParams{SIDs: sids}
	if len(sids) == 0 {
		params.Channels = []string{channel}
	}
	return Command{ID: id, Cmd: CmdUnsubscribe, Params: params}
}

// SubscribedMsg is the message content for a "subscribed" response.
type SubscribedMsg struct {
	SID     int64  `json:"sid"`
	Channel string `json:"channel"`
}

// ErrorMsg is the message content for an "error" response.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorMsg) String() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// OutboundMessage is an application message sent by Send.
type OutboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// FrameKind discriminates decoded frames.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameResponse
	FrameData
)

func (k FrameKind) String() string {
	switch k {
	case FrameResponse:
		return "response"
	case FrameData:
		return "data"
	default:
		return "unknown"
	}
}

// Frame is a decoded inbound frame. Exactly one of Response or Data is
// meaningful, selected by Kind. Unknown frames keep only Raw.
type Frame struct {
	Kind     FrameKind
	Response Response
	Data     Envelope
	Raw      []byte
}

// Response is a command response from the server.
type Response struct {
	ID   int64
	Type string
	Msg  Payload
}

// Subscribed decodes the body of a "subscribed" response.
func (r Response) Subscribed() (SubscribedMsg, error) {
	var msg SubscribedMsg
	if r.Msg.IsZero() {
		return msg, nil
	}
	err := r.Msg.Decode(&msg)
	return msg, err
}

// Error decodes the body of an "error" response. Undecodable bodies are
// reported as a message carrying the raw bytes.
func (r Response) Error() ErrorMsg {
	var msg ErrorMsg
	if r.Msg.IsZero() {
		return msg
	}
	if err := r.Msg.Decode(&msg); err != nil {
		msg.Message = string(r.Msg.Bytes())
	}
	return msg
}

// Envelope is a data message for a channel: {type, payload} plus routing.
type Envelope struct {
	Channel string
	Type    string
	EventID string
	SID     int64
	Seq     int64
	Payload Payload
}

// Payload is an encoded value that is decoded on demand.
type Payload struct {
	codec Codec
	raw   []byte
}

// NewPayload wraps raw encoded bytes.
func NewPayload(codec Codec, raw []byte) Payload {
	return Payload{codec: codec, raw: raw}
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	if p.codec == nil {
		return fmt.Errorf("decode payload: %w", ErrUnknownCodec)
	}
	return p.codec.Unmarshal(p.raw, v)
}

// Bytes returns the encoded payload.
func (p Payload) Bytes() []byte { return p.raw }

// IsZero reports whether the payload is absent.
func (p Payload) IsZero() bool { return len(p.raw) == 0 }

// Codec returns the name of the codec that produced the payload.
func (p Payload) Codec() string {
	if p.codec == nil {
		return ""
	}
	return p.codec.Name()
}

func isResponseType(t string) bool {
	switch t {
	case RespSubscribed, RespUnsubscribed, RespError, RespOK:
		return true
	}
	return false
}
