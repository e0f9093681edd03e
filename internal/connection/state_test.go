package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rickgao/wsmux/internal/status"
)

func TestState_Transitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateConnecting, StateOpen},
		{StateConnecting, StateErrored},
		{StateConnecting, StateClosing},
		{StateOpen, StateReconnecting},
		{StateOpen, StateClosing},
		{StateOpen, StateErrored},
		{StateReconnecting, StateOpen},
		{StateReconnecting, StateErrored},
		{StateReconnecting, StateClosing},
		{StateClosing, StateClosed},
	}
	for _, tt := range allowed {
		assert.True(t, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}

	denied := []struct{ from, to State }{
		{StateConnecting, StateReconnecting},
		{StateOpen, StateConnecting},
		{StateClosing, StateOpen},
		{StateClosed, StateConnecting},
		{StateClosed, StateOpen},
		{StateErrored, StateOpen},
		{StateErrored, StateClosing},
	}
	for _, tt := range denied {
		assert.False(t, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestState_Classification(t *testing.T) {
	assert.True(t, StateReconnecting.Live())
	assert.False(t, StateClosing.Live())
	assert.True(t, StateErrored.Terminal())
	assert.False(t, StateOpen.Terminal())
	assert.Equal(t, "unknown", State(42).String())
}

func TestState_Status(t *testing.T) {
	st, ok := StateReconnecting.Status()
	assert.True(t, ok)
	assert.Equal(t, status.Reconnecting, st)

	_, ok = StateClosing.Status()
	assert.False(t, ok)
}
