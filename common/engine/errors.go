package engine

import (
	"fmt"
	"sort"
)

// SkipReason explains why a node was not dispatched
type SkipReason string

const (
	SkipMaxIterations     SkipReason = "max_iterations"
	SkipFirstOnlyConsumed SkipReason = "first_only_consumed"
	SkipDependencySkipped SkipReason = "dependency_skipped"
	SkipConditionNotMet   SkipReason = "condition_not_met"
	SkipDependencyFailed  SkipReason = "dependency_failed"
)

// DeadlockError is raised when the scheduler can make no further
// progress: nothing is ready, nothing is running, and pending nodes
// remain.
type DeadlockError struct {
	Remaining []string
}

func (e *DeadlockError) Error() string {
	sorted := make([]string, len(e.Remaining))
	copy(sorted, e.Remaining)
	sort.Strings(sorted)
	return fmt.Sprintf("execution deadlocked, %d nodes unresolvable: %v", len(sorted), sorted)
}

// ValidationError is returned when a node's properties fail the
// handler's schema before execution
type ValidationError struct {
	NodeID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("node %s: property %s: %s", e.NodeID, e.Field, e.Reason)
}

// HandlerError wraps a failure raised by a node handler
type HandlerError struct {
	NodeID string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
