package session

// Status represents a session's position in its lifecycle.
type Status string

const (
	// StatusRegistered is the initial claim written before the worker spawns.
	StatusRegistered Status = "registered"
	// StatusPlanning and StatusPlanningComplete are worker-reported phases
	// between registration and active work.
	StatusPlanning         Status = "planning"
	StatusPlanningComplete Status = "planning_complete"
	// StatusWorking is the normal active state.
	StatusWorking Status = "working"
	// StatusPaused is an operator-requested hold.
	StatusPaused Status = "paused"
	// StatusStuck means the worker stalled; restart returns it to working.
	StatusStuck Status = "stuck"
	// Shipping flow.
	StatusShipping          Status = "shipping"
	StatusReviewsInProgress Status = "reviews_in_progress"
	StatusPRReady           Status = "pr_ready"
	// Terminal statuses.
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	// Deletion-in-progress states. Records here cannot be restarted.
	StatusDeleting       Status = "deleting"
	StatusDeletionFailed Status = "deletion_failed"
)

// validTransitions defines the allowed status transitions.
var validTransitions = map[Status]map[Status]bool{
	StatusRegistered: {
		StatusPlanning:  true,
		StatusWorking:   true,
		StatusCancelled: true,
	},
	StatusPlanning: {
		StatusPlanningComplete: true,
		StatusWorking:          true,
		StatusStuck:            true,
		StatusCancelled:        true,
	},
	StatusPlanningComplete: {
		StatusWorking:   true,
		StatusStuck:     true,
		StatusCancelled: true,
	},
	StatusWorking: {
		StatusPaused:            true,
		StatusStuck:             true,
		StatusShipping:          true,
		StatusReviewsInProgress: true,
		StatusComplete:          true,
		StatusCancelled:         true,
	},
	StatusPaused: {
		StatusWorking:   true,
		StatusCancelled: true,
	},
	StatusStuck: {
		StatusWorking:   true,
		StatusCancelled: true,
	},
	StatusShipping: {
		StatusReviewsInProgress: true,
		StatusStuck:             true,
		StatusCancelled:         true,
	},
	StatusReviewsInProgress: {
		StatusPRReady:   true,
		StatusWorking:   true,
		StatusStuck:     true,
		StatusCancelled: true,
	},
	StatusPRReady: {
		StatusComplete:  true,
		StatusStuck:     true,
		StatusCancelled: true,
	},
	StatusComplete: {
		StatusDeleting: true,
	},
	StatusCancelled: {
		StatusDeleting: true,
	},
	StatusDeleting: {
		StatusDeletionFailed: true,
	},
	// deletion_failed may retry into deleting; rollback restores the stashed
	// previous status, so every restorable status is reachable from here.
	StatusDeletionFailed: {
		StatusDeleting:          true,
		StatusRegistered:        true,
		StatusPlanning:          true,
		StatusPlanningComplete:  true,
		StatusWorking:           true,
		StatusPaused:            true,
		StatusStuck:             true,
		StatusShipping:          true,
		StatusReviewsInProgress: true,
		StatusPRReady:           true,
		StatusComplete:          true,
		StatusCancelled:         true,
	},
}

// AllStatuses lists every defined status.
var AllStatuses = []Status{
	StatusRegistered, StatusPlanning, StatusPlanningComplete, StatusWorking,
	StatusPaused, StatusStuck, StatusShipping, StatusReviewsInProgress,
	StatusPRReady, StatusComplete, StatusCancelled, StatusDeleting,
	StatusDeletionFailed,
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	return validTransitions[s][target]
}

// IsTerminal reports whether s is a lifecycle end state. Records in terminal
// status are preserved until explicitly deleted.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

// IsDeletionState reports whether s is a deletion-in-progress state.
func (s Status) IsDeletionState() bool {
	return s == StatusDeleting || s == StatusDeletionFailed
}

// IsActive reports whether a worker may still be operating on the session.
func (s Status) IsActive() bool {
	switch s {
	case StatusRegistered, StatusPlanning, StatusPlanningComplete,
		StatusWorking, StatusShipping, StatusReviewsInProgress,
		StatusPRReady, StatusStuck, StatusPaused:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}
