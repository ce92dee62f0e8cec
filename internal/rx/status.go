package rx

type Status string

const (
	StatusPending             Status = "pending"
	StatusInReview            Status = "in_review"
	StatusApproved            Status = "approved"
	StatusRejected            Status = "rejected"
	StatusClarificationNeeded Status = "clarification_needed"
)

// approved and rejected are terminal. clarification_needed re-enters the
// queue through pending only; it never jumps straight back to in_review.
var validNext = map[Status]map[Status]bool{
	StatusPending:             {StatusInReview: true},
	StatusInReview:            {StatusApproved: true, StatusRejected: true, StatusClarificationNeeded: true},
	StatusApproved:            {},
	StatusRejected:            {},
	StatusClarificationNeeded: {StatusPending: true},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func ValidStatus(s Status) bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type Decision string

const (
	DecisionApprove              Decision = "approve"
	DecisionReject               Decision = "reject"
	DecisionRequestClarification Decision = "request_clarification"
)

// TargetStatus maps a reviewer decision onto the status it drives the
// prescription into. Unknown decisions map to "" which never transitions.
func (d Decision) TargetStatus() Status {
	switch d {
	case DecisionApprove:
		return StatusApproved
	case DecisionReject:
		return StatusRejected
	case DecisionRequestClarification:
		return StatusClarificationNeeded
	}
	return ""
}
