package main

// The order row can be driven to a terminal state by two racing paths: the
// synchronous reservation reply and the inventory-events consumer. Both call
// the same transition function under a row lock, so the first terminal
// transition wins and every re-application is a no-op.

// TransitionKind enumerates the events that can advance an order.
type TransitionKind string

const (
	// TransitionConfirm moves {pending, pending_verification} → confirmed.
	TransitionConfirm TransitionKind = "confirm"
	// TransitionFail moves {pending, pending_verification} → failed.
	TransitionFail TransitionKind = "fail"
	// TransitionCancel moves {pending, pending_verification, confirmed} → cancelled.
	TransitionCancel TransitionKind = "cancel"
	// TransitionPendingVerification moves pending → pending_verification.
	TransitionPendingVerification TransitionKind = "pending_verification"
)

// TransitionEvent carries one state-machine input. VerifiedOnly restricts
// the source states to pending_verification: verification outcomes must not
// touch an order the coordinator still owns synchronously.
type TransitionEvent struct {
	Kind          TransitionKind
	ReservationID string
	Reason        string
	VerifiedOnly  bool
}

// Apply is the pure transition function: apply(current, event) → (next,
// applied). Terminal states absorb everything; re-applying a transition the
// order already took reports applied=false so callers skip the write and the
// outbox append.
func Apply(current Status, ev TransitionEvent) (Status, bool) {
	if current.Terminal() {
		return current, false
	}

	allowedFrom := func(states ...Status) bool {
		if ev.VerifiedOnly && current != StatusPendingVerification {
			return false
		}
		for _, s := range states {
			if current == s {
				return true
			}
		}
		return false
	}

	switch ev.Kind {
	case TransitionConfirm:
		if allowedFrom(StatusPending, StatusPendingVerification) {
			return StatusConfirmed, true
		}
	case TransitionFail:
		if allowedFrom(StatusPending, StatusPendingVerification) {
			return StatusFailed, true
		}
	case TransitionCancel:
		if allowedFrom(StatusPending, StatusPendingVerification, StatusConfirmed) {
			return StatusCancelled, true
		}
	case TransitionPendingVerification:
		if allowedFrom(StatusPending) {
			return StatusPendingVerification, true
		}
	}
	return current, false
}
