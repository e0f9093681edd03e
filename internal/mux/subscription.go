package mux

import (
	"context"
	"sync"

	"github.com/rickgao/wsmux/internal/dispatch"
)

// channelSub is the single wire-level subscription of a channel on one
// connection, shared by every logical subscriber of that channel. Guarded
// by Mux.mu.
type channelSub struct {
	channel string
	sid     int64 // Server subscription id, 0 if the server assigns none
	subs    []*subscriber

	armed   bool // Acknowledged by the server
	removed bool // Detached from its link; no longer re-armed

	ready chan struct{} // Closed once the first subscribe settles
	err   error         // Outcome of the first subscribe; written before ready closes
}

func newChannelSub(channel string) *channelSub {
	return &channelSub{
		channel: channel,
		ready:   make(chan struct{}),
	}
}

// wait blocks until the first subscribe settles or ctx ends.
func (cs *channelSub) wait(ctx context.Context) error {
	select {
	case <-cs.ready:
		return cs.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *channelSub) remove(s *subscriber) bool {
	for i, sub := range cs.subs {
		if sub == s {
			cs.subs = append(cs.subs[:i:i], cs.subs[i+1:]...)
			return true
		}
	}
	return false
}

// subscriber is one logical subscriber.
type subscriber struct {
	id      string
	channel string
	filter  map[string]struct{}
	queue   *dispatch.Queue
	onLost  func(error)
	onError func(error)

	link *link
	cs   *channelSub

	unsubOnce sync.Once
	lostOnce  sync.Once
}

func (s *subscriber) matches(eventType string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[eventType]
	return ok
}
