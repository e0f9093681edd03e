// Package connection implements the Connection Registry.
//
// The Registry:
//   - Owns one WebSocket connection per endpoint key, shared by every caller
//   - Reference-counts connections and closes them when the last owner leaves
//   - Drives an explicit state machine (connecting, open, reconnecting,
//     closing, closed, errored) and reports transitions to a StatusNotifier
//   - Reconnects with exponential backoff and runs reconnect hooks (channel
//     re-subscription) before a reconnected connection accepts sends
//   - Forwards inbound frames of every client generation into one stable
//     per-connection channel
package connection
