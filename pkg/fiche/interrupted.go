package fiche

import "fmt"

// InterruptReasonCommisPending marks a run suspended on spawned commis work.
const InterruptReasonCommisPending = "commiss_pending"

// Interrupted is returned when a run suspends instead of finishing. The
// caller owns the follow-up: barrier creation, course deferral, and the
// eventual continuation. Nothing about the run is terminal.
type Interrupted struct {
	Reason string
	JobIDs []int64
}

func (e *Interrupted) Error() string {
	return fmt.Sprintf("fiche run interrupted: %s (jobs %v)", e.Reason, e.JobIDs)
}
