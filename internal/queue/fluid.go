package queue

import (
	"sort"
	"time"
)

// Fluid treats any scheduled time as advisory: the displayed estimate is
// authoritative and every disruption re-ranks and re-estimates the whole
// active set by priority score.
type Fluid struct {
	Scorer Scorer
}

func (Fluid) Mode() Mode { return ModeFluid }

// NextCallable returns the present entry with the highest priority score.
// Ties resolve by earliest check-in.
func (f Fluid) NextCallable(day *ClinicDay, entries []*QueueEntry, now time.Time) *QueueEntry {
	var best *QueueEntry
	for _, e := range entries {
		if !callable(e) {
			continue
		}
		if best == nil || f.Scorer.Less(e, best, now) {
			best = e
		}
	}
	return best
}

// OnDisruption returns the complete active set in descending score order:
// fluid mode recomputes everybody after every disruption.
func (f Fluid) OnDisruption(day *ClinicDay, entries []*QueueEntry, ev DisruptionEvent, now time.Time) []*QueueEntry {
	return f.Ranked(entries, now)
}

// Ranked returns the active, not-yet-serving entries ordered by score.
func (f Fluid) Ranked(entries []*QueueEntry, now time.Time) []*QueueEntry {
	var ranked []*QueueEntry
	for _, e := range activeEntries(entries) {
		if e.Status == StatusInProgress {
			continue
		}
		ranked = append(ranked, e)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return f.Scorer.Less(ranked[i], ranked[j], now)
	})
	return ranked
}

// AdmitWalkIn inserts the entry at the rank its score earns, never simply at
// the tail. The returned rank counts the active entries that outrank it.
func (f Fluid) AdmitWalkIn(day *ClinicDay, entries []*QueueEntry, e *QueueEntry, now time.Time) int {
	rank := 0
	for _, other := range f.Ranked(entries, now) {
		if f.Scorer.Less(other, e, now) {
			rank++
		}
	}

	e.Estimate.Basis = BasisRecalculated
	e.Estimate.LastUpdatedAt = now
	if e.Estimate.EstimatedStart.IsZero() {
		e.Estimate.EstimatedStart = now
	}
	return rank
}
