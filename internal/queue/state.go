package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition rejects an illegal status change. Wrapped with the
	// current and requested status; the queue state is left untouched.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCapacityExceeded rejects entering in_progress when every unit of
	// active staff is already serving someone.
	ErrCapacityExceeded = errors.New("in-progress capacity exceeded")
)

// legalTransitions is the closed set of allowed status changes.
var legalTransitions = map[Status][]Status{
	StatusScheduled:  {StatusCheckedIn, StatusNoShow, StatusCancelled},
	StatusCheckedIn:  {StatusWaiting, StatusCalled, StatusNoShow},
	StatusWaiting:    {StatusCalled, StatusNoShow, StatusCancelled},
	StatusCalled:     {StatusInProgress, StatusWaiting, StatusNoShow},
	StatusInProgress: {StatusCompleted},
	StatusNoShow:     {StatusReturned},
	StatusReturned:   {StatusWaiting},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition applies a legal status change to the entry, stamps the relevant
// timestamp and bumps the queue version. The entry is mutated in place only
// when the transition is legal.
func Transition(e *QueueEntry, to Status, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}

	e.Status = to
	switch to {
	case StatusCheckedIn:
		t := now
		e.CheckedInAt = &t
	case StatusCalled:
		t := now
		e.CalledAt = &t
	case StatusCompleted:
		t := now
		e.CompletedAt = &t
	}

	e.QueueVersion++
	e.UpdatedAt = now
	return nil
}

// StartService moves a called entry into in_progress, enforcing the staff
// capacity gate: at most activeStaffCount entries may be in_progress at once.
func StartService(e *QueueEntry, entries []*QueueEntry, activeStaffCount int, now time.Time) error {
	if !CanTransition(e.Status, StatusInProgress) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, StatusInProgress)
	}

	busy := 0
	for _, other := range entries {
		if other.ID != e.ID && other.Status == StatusInProgress {
			busy++
		}
	}
	if busy >= activeStaffCount {
		return fmt.Errorf("%w: %d of %d staff busy", ErrCapacityExceeded, busy, activeStaffCount)
	}

	e.Status = StatusInProgress
	e.QueueVersion++
	e.UpdatedAt = now
	return nil
}
