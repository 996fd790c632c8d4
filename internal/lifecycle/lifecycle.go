// Package lifecycle defines the document state machine: the set of lifecycle
// statuses, the actions that move a document between them, and the transition
// table that makes the full graph enumerable without touching storage.
package lifecycle

// Status is a document lifecycle state.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusInReview  Status = "IN_REVIEW"
	StatusApproved  Status = "APPROVED"
	StatusEffective Status = "EFFECTIVE"
	StatusRejected  Status = "REJECTED"
	StatusObsolete  Status = "OBSOLETE"
	StatusWithdrawn Status = "WITHDRAWN"
)

// Action is an operation that may change a document's status.
type Action string

const (
	ActionCreate          Action = "create"
	ActionCommit          Action = "commit"
	ActionSubmitForReview Action = "submit_for_review"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionActivate        Action = "activate"
	ActionSupersede       Action = "supersede"
	ActionWithdraw        Action = "withdraw"
	// ActionRevise is the implicit Rejected -> Draft edge taken when a new
	// version is committed on a rejected document.
	ActionRevise Action = "revise"
)

// transitions maps current status -> action -> next status. Absent entries
// are invalid transitions.
var transitions = map[Status]map[Action]Status{
	StatusDraft: {
		ActionCommit:          StatusDraft,
		ActionSubmitForReview: StatusInReview,
		ActionWithdraw:        StatusWithdrawn,
	},
	StatusInReview: {
		ActionApprove:  StatusApproved,
		ActionReject:   StatusRejected,
		ActionWithdraw: StatusWithdrawn,
	},
	StatusApproved: {
		ActionActivate: StatusEffective,
		// A new commit on an approved document opens a fresh draft cycle.
		ActionCommit:   StatusDraft,
		ActionWithdraw: StatusWithdrawn,
	},
	StatusEffective: {
		ActionSupersede: StatusObsolete,
		ActionCommit:    StatusDraft,
	},
	StatusRejected: {
		ActionRevise:   StatusDraft,
		ActionWithdraw: StatusWithdrawn,
	},
	// Obsolete and Withdrawn are terminal.
}

// Next returns the status that applying action to current yields, and whether
// the transition is allowed at all.
func Next(current Status, action Action) (Status, bool) {
	row, ok := transitions[current]
	if !ok {
		return "", false
	}
	next, ok := row[action]
	return next, ok
}

// Terminal reports whether no action can leave the given status.
func Terminal(status Status) bool {
	return len(transitions[status]) == 0
}

// Valid reports whether status is a known lifecycle state.
func Valid(status Status) bool {
	switch status {
	case StatusDraft, StatusInReview, StatusApproved, StatusEffective,
		StatusRejected, StatusObsolete, StatusWithdrawn:
		return true
	default:
		return false
	}
}

// Statuses lists every lifecycle state, for enumeration in tests and docs.
func Statuses() []Status {
	return []Status{
		StatusDraft, StatusInReview, StatusApproved, StatusEffective,
		StatusRejected, StatusObsolete, StatusWithdrawn,
	}
}
