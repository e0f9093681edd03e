// Package protocol defines the wire format spoken with the real-time backend.
//
// Three frame shapes travel over a connection:
//   - Commands (client -> server): subscribe / unsubscribe control messages
//   - Responses (server -> client): subscribed, unsubscribed, ok, error
//   - Data envelopes (server -> client): {channel, type, payload}
//
// Frames are encoded with a Codec: JSON over text frames or CBOR over
// binary frames. Payloads are kept in their encoded form until a
// subscriber decodes them.
package protocol
