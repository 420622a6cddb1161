package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyTerminalStatesAbsorb(t *testing.T) {
	events := []TransitionEvent{
		{Kind: TransitionConfirm},
		{Kind: TransitionFail},
		{Kind: TransitionCancel},
		{Kind: TransitionPendingVerification},
	}

	for _, terminal := range []Status{StatusConfirmed, StatusFailed, StatusCancelled} {
		for _, ev := range events {
			next, applied := Apply(terminal, ev)
			assert.False(t, applied, "terminal %s must absorb %s", terminal, ev.Kind)
			assert.Equal(t, terminal, next)
		}
	}
}

func TestApplyConfirm(t *testing.T) {
	next, applied := Apply(StatusPending, TransitionEvent{Kind: TransitionConfirm})
	assert.True(t, applied)
	assert.Equal(t, StatusConfirmed, next)

	next, applied = Apply(StatusPendingVerification, TransitionEvent{Kind: TransitionConfirm})
	assert.True(t, applied)
	assert.Equal(t, StatusConfirmed, next)
}

func TestApplyConfirmIdempotent(t *testing.T) {
	next, applied := Apply(StatusPending, TransitionEvent{Kind: TransitionConfirm})
	assert.True(t, applied)

	// Re-applying the same event to the result is a no-op.
	again, applied := Apply(next, TransitionEvent{Kind: TransitionConfirm})
	assert.False(t, applied)
	assert.Equal(t, next, again)
}

func TestApplyFail(t *testing.T) {
	next, applied := Apply(StatusPending, TransitionEvent{Kind: TransitionFail, Reason: "no stock"})
	assert.True(t, applied)
	assert.Equal(t, StatusFailed, next)

	next, applied = Apply(StatusPendingVerification, TransitionEvent{Kind: TransitionFail})
	assert.True(t, applied)
	assert.Equal(t, StatusFailed, next)
}

func TestApplyCancel(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusPendingVerification, StatusConfirmed} {
		next, applied := Apply(from, TransitionEvent{Kind: TransitionCancel})
		assert.True(t, applied, "cancel from %s", from)
		assert.Equal(t, StatusCancelled, next)
	}

	next, applied := Apply(StatusFailed, TransitionEvent{Kind: TransitionCancel})
	assert.False(t, applied)
	assert.Equal(t, StatusFailed, next)
}

func TestApplyPendingVerification(t *testing.T) {
	next, applied := Apply(StatusPending, TransitionEvent{Kind: TransitionPendingVerification})
	assert.True(t, applied)
	assert.Equal(t, StatusPendingVerification, next)

	// Only pending can enter verification.
	next, applied = Apply(StatusPendingVerification, TransitionEvent{Kind: TransitionPendingVerification})
	assert.False(t, applied)
	assert.Equal(t, StatusPendingVerification, next)
}

func TestApplyVerifiedOnlyGating(t *testing.T) {
	// A verification verdict must not confirm an order the synchronous path
	// still owns.
	next, applied := Apply(StatusPending, TransitionEvent{Kind: TransitionConfirm, VerifiedOnly: true})
	assert.False(t, applied)
	assert.Equal(t, StatusPending, next)

	next, applied = Apply(StatusPendingVerification, TransitionEvent{Kind: TransitionConfirm, VerifiedOnly: true})
	assert.True(t, applied)
	assert.Equal(t, StatusConfirmed, next)

	next, applied = Apply(StatusPendingVerification, TransitionEvent{Kind: TransitionFail, VerifiedOnly: true})
	assert.True(t, applied)
	assert.Equal(t, StatusFailed, next)
}
