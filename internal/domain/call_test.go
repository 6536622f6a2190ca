package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallStatusTransitionsForwardOnly(t *testing.T) {
	cases := []struct {
		from    CallStatus
		to      CallStatus
		allowed bool
	}{
		{CallRinging, CallAccepted, true},
		{CallRinging, CallEnded, true},
		{CallRinging, CallConnected, false},
		{CallAccepted, CallConnected, true},
		{CallAccepted, CallEnded, true},
		{CallAccepted, CallRinging, false},
		{CallConnected, CallEnded, true},
		{CallConnected, CallRinging, false},
		{CallConnected, CallAccepted, false},
		// ended is terminal
		{CallEnded, CallRinging, false},
		{CallEnded, CallAccepted, false},
		{CallEnded, CallConnected, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestCallStatusRepeatedWriteIsAllowed(t *testing.T) {
	// Writing the current status again must stay legal so both parties can
	// write "ended" without conflict.
	for _, s := range []CallStatus{CallRinging, CallAccepted, CallConnected, CallEnded} {
		assert.True(t, s.CanTransition(s), "%s -> %s", s, s)
	}
}

func TestPriorStatusesMatchTransitionTable(t *testing.T) {
	for _, next := range []CallStatus{CallAccepted, CallConnected, CallEnded} {
		for _, prior := range PriorStatuses(next) {
			assert.True(t, prior.CanTransition(next), "%s -> %s", prior, next)
		}
	}
	assert.Nil(t, PriorStatuses(CallRinging), "nothing transitions into ringing")
}

func TestCallActive(t *testing.T) {
	assert.False(t, (*Call)(nil).Active())
	assert.True(t, (&Call{Status: CallRinging}).Active())
	assert.True(t, (&Call{Status: CallConnected}).Active())
	assert.False(t, (&Call{Status: CallEnded}).Active())
}
