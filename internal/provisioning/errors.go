package provisioning

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRequest is returned when the request lacks what provisioning needs. Retrying cannot help.
	ErrInvalidRequest = errors.New("invalid provisioning request")
	// ErrRollbackableWrite marks a failure in the party, admin grant or member write.
	// Earlier writes were compensated and the whole operation can be retried.
	ErrRollbackableWrite = errors.New("provisioning write failed")
)

// Step names one of the ordered provisioning writes.
type Step string

const (
	StepParty        Step = "party"
	StepAdminGrant   Step = "admin_grant"
	StepMember       Step = "member"
	StepSubscription Step = "subscription"
)

// WriteError is a failure in steps party, admin_grant or member. RollbackErr is set
// when a compensating delete also failed and rows may have leaked.
type WriteError struct {
	Step        Step
	Err         error
	RollbackErr error
}

func (e *WriteError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("provision %s: %v (rollback: %v)", e.Step, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("provision %s: %v", e.Step, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is reports ErrRollbackableWrite so callers need not know the concrete type.
func (e *WriteError) Is(target error) bool { return target == ErrRollbackableWrite }

// DegradedError means the party, admin grant and member exist but the subscription
// ledger row could not be written. The customer has paid; the party must not be rolled back.
type DegradedError struct {
	PartyID        uuid.UUID
	SubscriptionID string
	Err            error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("party %s provisioned without subscription %s: %v", e.PartyID, e.SubscriptionID, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// IsDegraded reports whether err carries a DegradedError and returns it.
func IsDegraded(err error) (*DegradedError, bool) {
	var d *DegradedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
