package domain

import "fmt"

// TransitionError reports an automation status change outside the lifecycle graph.
type TransitionError struct {
	From  AutomationStatus
	To    AutomationStatus
	Actor string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid automation status transition %s -> %s (%s)", e.From, e.To, e.Actor)
}

// actorTargets returns the states a human may move a record into from current.
func actorTargets(current AutomationStatus) []AutomationStatus {
	switch current {
	case StatusBlank:
		return []AutomationStatus{StatusReady}
	case StatusCreated:
		return []AutomationStatus{StatusUpdated, StatusDeleteNotify, StatusDeleteNoNotify}
	case StatusError:
		return []AutomationStatus{StatusReady}
	}
	return nil
}

// processorTargets returns the states the lifecycle processor may write from current.
// Updated and the delete states may fall into Error so a failing row stops being retried
// every batch; Error -> Ready then resumes through the idempotent ready path.
func processorTargets(current AutomationStatus) []AutomationStatus {
	switch current {
	case StatusReady:
		return []AutomationStatus{StatusCreated, StatusError}
	case StatusUpdated:
		return []AutomationStatus{StatusCreated, StatusError}
	case StatusDeleteNotify, StatusDeleteNoNotify:
		return []AutomationStatus{StatusDeleted, StatusError}
	}
	return nil
}

// AllowedNextValues is the set a user-facing editor may accept for a record currently in
// state current. The current value is always included so an unchanged cell validates.
func AllowedNextValues(current AutomationStatus) []AutomationStatus {
	out := []AutomationStatus{current}
	return append(out, actorTargets(current)...)
}

// AllowedNextStrings is AllowedNextValues rendered as cell values.
func AllowedNextStrings(current AutomationStatus) []string {
	values := AllowedNextValues(current)
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}

// EnsureActorTransition rejects human edits outside AllowedNextValues.
func EnsureActorTransition(from, to AutomationStatus) error {
	for _, v := range AllowedNextValues(from) {
		if v == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to, Actor: "actor"}
}

// EnsureProcessorTransition rejects processor writes outside the processor edges.
func EnsureProcessorTransition(from, to AutomationStatus) error {
	for _, v := range processorTargets(from) {
		if v == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to, Actor: "processor"}
}
