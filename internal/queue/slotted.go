package queue

import (
	"sort"
	"time"
)

// Slotted keeps booked times fixed: a disruption may shift displayed
// estimates, never the scheduled times themselves. No-shows leave a gap that
// a walk-in can claim.
type Slotted struct{}

func (Slotted) Mode() Mode { return ModeSlotted }

// NextCallable returns the callable entry with the earliest slot at or before
// now. When a passed slot has been freed by a no_show or cancellation, the
// earliest already-arrived entry may be called ahead of its own slot; the
// booked time itself stays put. Ties break by earlier check-in, then by
// lowest queue position.
func (Slotted) NextCallable(day *ClinicDay, entries []*QueueEntry, now time.Time) *QueueEntry {
	earlyPulls := openGapCount(entries, now)
	var best *QueueEntry
	for _, e := range entries {
		if !callable(e) {
			continue
		}
		if e.ExpectedCallTime().After(now) && earlyPulls < 1 {
			continue
		}
		if best == nil || slottedBefore(e, best) {
			best = e
		}
	}
	return best
}

func slottedBefore(a, b *QueueEntry) bool {
	at, bt := a.ExpectedCallTime(), b.ExpectedCallTime()
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	if a.CheckedInAt != nil && b.CheckedInAt != nil && !a.CheckedInAt.Equal(*b.CheckedInAt) {
		return a.CheckedInAt.Before(*b.CheckedInAt)
	}
	if a.CheckedInAt != nil && b.CheckedInAt == nil {
		return true
	}
	if a.CheckedInAt == nil && b.CheckedInAt != nil {
		return false
	}
	return a.QueuePosition < b.QueuePosition
}

// OnDisruption returns the active entries at or after the disrupted slot in
// ascending slot order. Only their estimates may change; scheduled times are
// immutable in this mode.
func (Slotted) OnDisruption(day *ClinicDay, entries []*QueueEntry, ev DisruptionEvent, now time.Time) []*QueueEntry {
	var pivot time.Time
	if ev.EntryID != nil {
		for _, e := range entries {
			if e.ID == *ev.EntryID {
				pivot = e.ExpectedCallTime()
				break
			}
		}
	}

	var affected []*QueueEntry
	for _, e := range activeEntries(entries) {
		if e.Status == StatusInProgress {
			continue
		}
		if pivot.IsZero() || !e.ExpectedCallTime().Before(pivot) {
			affected = append(affected, e)
		}
	}
	sort.SliceStable(affected, func(i, j int) bool {
		return slottedBefore(affected[i], affected[j])
	})
	return affected
}

// AdmitWalkIn assigns the walk-in to the nearest open gap: a slot whose
// scheduled occupant is no_show or cancelled and whose time has passed. With
// no open gap the entry is appended to the end of the day with an estimated,
// never a scheduled, start.
func (Slotted) AdmitWalkIn(day *ClinicDay, entries []*QueueEntry, e *QueueEntry, now time.Time) int {
	if gap, ok := nearestOpenGap(entries, now); ok {
		e.Estimate.EstimatedStart = gap
	} else {
		e.Estimate.EstimatedStart = endOfDayEstimate(entries, now)
	}
	e.Estimate.Basis = BasisRecalculated
	e.Estimate.LastUpdatedAt = now

	rank := 0
	for _, other := range activeEntries(entries) {
		if other.ExpectedCallTime().Before(e.Estimate.EstimatedStart) {
			rank++
		}
	}
	return rank
}

// nearestOpenGap finds the latest passed slot freed by a no_show or
// cancellation that no active walk-in has already claimed.
func nearestOpenGap(entries []*QueueEntry, now time.Time) (time.Time, bool) {
	claimed := make(map[time.Time]bool)
	for _, e := range entries {
		if e.Status.Active() && e.ScheduledTime == nil {
			claimed[e.Estimate.EstimatedStart] = true
		}
	}

	var gap time.Time
	found := false
	for _, e := range entries {
		if e.Status != StatusNoShow && e.Status != StatusCancelled {
			continue
		}
		if e.ScheduledTime == nil || e.ScheduledTime.After(now) || claimed[*e.ScheduledTime] {
			continue
		}
		if !found || e.ScheduledTime.After(gap) {
			gap = *e.ScheduledTime
			found = true
		}
	}
	return gap, found
}

// openGapCount counts freed past slots that nothing has consumed yet. Each
// no_show or cancellation whose slot has passed opens one; a walk-in claiming
// the slot or an entry called ahead of its own booked time closes one.
func openGapCount(entries []*QueueEntry, now time.Time) int {
	claimed := make(map[time.Time]bool)
	for _, e := range entries {
		if e.Status.Active() && e.ScheduledTime == nil {
			claimed[e.Estimate.EstimatedStart] = true
		}
	}

	n := 0
	for _, e := range entries {
		if e.ScheduledTime == nil {
			continue
		}
		switch e.Status {
		case StatusNoShow, StatusCancelled:
			if !e.ScheduledTime.After(now) && !claimed[*e.ScheduledTime] {
				n++
			}
		case StatusCalled, StatusInProgress, StatusCompleted:
			if e.ScheduledTime.After(now) {
				n--
			}
		}
	}
	if n < 0 {
		return 0
	}
	return n
}

func endOfDayEstimate(entries []*QueueEntry, now time.Time) time.Time {
	end := now
	for _, e := range activeEntries(entries) {
		slotEnd := e.ExpectedCallTime().Add(minutes(e.EstimatedDurationMinutes))
		if slotEnd.After(end) {
			end = slotEnd
		}
	}
	return end
}
