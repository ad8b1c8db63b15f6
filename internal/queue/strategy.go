package queue

import "time"

// Strategy encapsulates a mode's ordering and shifting policy. Hybrid is not
// a third strategy: it is the day's block schedule picking one of these two
// for the instant at hand (see StrategyFor).
type Strategy interface {
	Mode() Mode

	// NextCallable returns the entry that should be called now, or nil when
	// nobody is due.
	NextCallable(day *ClinicDay, entries []*QueueEntry, now time.Time) *QueueEntry

	// OnDisruption returns the entries whose estimate must be recomputed
	// after the event, already in recompute order.
	OnDisruption(day *ClinicDay, entries []*QueueEntry, ev DisruptionEvent, now time.Time) []*QueueEntry

	// AdmitWalkIn places a new walk-in or emergency entry: it seeds the
	// entry's estimate and returns its rank within the active ordering.
	AdmitWalkIn(day *ClinicDay, entries []*QueueEntry, e *QueueEntry, now time.Time) int
}

// StrategyFor resolves the strategy in effect for the clinic-day at the given
// instant. Block membership is decided by now at event-processing time; an
// entry carried over an ended block keeps its scheduled time but is ordered
// under the new block's rules from the boundary onward.
func StrategyFor(day *ClinicDay, now time.Time, scorer Scorer) Strategy {
	if day.ModeAt(now) == ModeFluid {
		return Fluid{Scorer: scorer}
	}
	return Slotted{}
}

// callable statuses are present and waiting for service.
func callable(e *QueueEntry) bool {
	return e.Status == StatusCheckedIn || e.Status == StatusWaiting
}

func activeEntries(entries []*QueueEntry) []*QueueEntry {
	var out []*QueueEntry
	for _, e := range entries {
		if e.Status.Active() {
			out = append(out, e)
		}
	}
	return out
}
