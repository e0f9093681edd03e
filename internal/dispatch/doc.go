// Package dispatch implements the Batched Event Dispatcher.
//
// Inbound events are buffered per logical subscriber (a Queue) in arrival
// order. A single flush goroutine drains dirty queues after a short
// coalescing window, or immediately once the number of pending events
// crosses a pressure threshold. Every buffered event is delivered exactly
// once and in order, unless its queue is cancelled first, in which case the
// remaining events are discarded.
package dispatch
