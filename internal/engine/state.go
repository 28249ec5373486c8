package engine

import (
	"github.com/sirupsen/logrus"
)

// opState tracks one operation through its lifecycle. Failed and cancelled
// operations may only finalize; the reboot leg is reachable from succeeded
// alone, so no other path re-enters network I/O.
type opState string

const (
	statePending          opState = "pending"
	stateResolving        opState = "resolving"
	stateDispatching      opState = "dispatching"
	stateAwaitingResponse opState = "awaiting-response"
	stateSucceeded        opState = "succeeded"
	stateFailed           opState = "failed"
	stateCancelled        opState = "cancelled"
	stateMaybeRebooting   opState = "maybe-rebooting"
	stateFinalized        opState = "finalized"
)

type operation struct {
	state  opState
	logger *logrus.Entry
}

func newOperation(logger *logrus.Entry) *operation {
	return &operation{state: statePending, logger: logger}
}

func (o *operation) to(next opState) {
	if o.state == stateFinalized {
		return
	}
	if (o.state == stateFailed || o.state == stateCancelled) && next != stateFinalized {
		return
	}
	if next == stateMaybeRebooting && o.state != stateSucceeded {
		return
	}
	o.logger.WithFields(logrus.Fields{"from": o.state, "to": next}).Debug("Operation state change")
	o.state = next
}
