package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlottedNextCallable(t *testing.T) {
	day := testDay(ModeSlotted)
	s := Slotted{}

	a := checkIn(scheduledEntry(day, 0, 20, 1), dayStart)
	b := checkIn(scheduledEntry(day, 20*time.Minute, 20, 2), dayStart.Add(5*time.Minute))
	c := scheduledEntry(day, 40*time.Minute, 20, 3) // not yet arrived
	entries := []*QueueEntry{a, b, c}

	now := dayStart.Add(25 * time.Minute)
	next := s.NextCallable(day, entries, now)
	require.NotNil(t, next)
	assert.Equal(t, a.ID, next.ID, "earliest due slot is called first")

	// Nobody is due before opening.
	assert.Nil(t, s.NextCallable(day, entries, dayStart.Add(-time.Minute)))

	// A future slot is not called early when no slot has been freed.
	a.Status = StatusCompleted
	b.Status = StatusCompleted
	assert.Nil(t, s.NextCallable(day, entries, now))
}

func TestSlottedNextCallable_TieBreaksByCheckIn(t *testing.T) {
	day := testDay(ModeSlotted)
	s := Slotted{}

	// Same slot; the one who arrived first wins.
	a := checkIn(scheduledEntry(day, 0, 20, 2), dayStart.Add(5*time.Minute))
	b := checkIn(scheduledEntry(day, 0, 20, 1), dayStart.Add(2*time.Minute))
	entries := []*QueueEntry{a, b}

	next := s.NextCallable(day, entries, dayStart.Add(10*time.Minute))
	require.NotNil(t, next)
	assert.Equal(t, b.ID, next.ID)
}

func TestSlottedNextCallable_FreedSlotPullsNextArrival(t *testing.T) {
	day := testDay(ModeSlotted)
	s := Slotted{}

	// 10:00 and 10:15 slots. The 10:15 patient arrived at 10:05; the 10:00
	// patient never showed and was marked absent once the grace period ran
	// out.
	gone := scheduledEntry(day, 2*time.Hour, 15, 1)
	gone.Status = StatusNoShow
	b := checkIn(scheduledEntry(day, 2*time.Hour+15*time.Minute, 15, 2), dayStart.Add(2*time.Hour+5*time.Minute))
	entries := []*QueueEntry{gone, b}

	now := dayStart.Add(2*time.Hour + 10*time.Minute)
	next := s.NextCallable(day, entries, now)
	require.NotNil(t, next, "the freed 10:00 slot lets the 10:15 arrival move up")
	assert.Equal(t, b.ID, next.ID)
	assert.Equal(t, dayStart.Add(2*time.Hour+15*time.Minute), *b.ScheduledTime,
		"the booked time is not rewritten by an early call")

	// One freed slot admits one early call: with b called ahead of its slot,
	// a later arrival stays put until its own time.
	b.Status = StatusCalled
	c := checkIn(scheduledEntry(day, 2*time.Hour+30*time.Minute, 15, 3), now)
	entries = append(entries, c)
	assert.Nil(t, s.NextCallable(day, entries, now))
}

func TestSlottedOnDisruption_AffectsDownstreamOnly(t *testing.T) {
	day := testDay(ModeSlotted)
	s := Slotted{}

	a := scheduledEntry(day, 0, 20, 1)
	b := scheduledEntry(day, 30*time.Minute, 20, 2)
	c := scheduledEntry(day, time.Hour, 20, 3)
	serving := scheduledEntry(day, -time.Hour, 20, 0)
	serving.Status = StatusInProgress
	entries := []*QueueEntry{serving, a, b, c}

	ev := DisruptionEvent{Kind: EventMarkedAbsent, EntryID: &b.ID}
	affected := s.OnDisruption(day, entries, ev, dayStart)

	require.Len(t, affected, 2)
	assert.Equal(t, b.ID, affected[0].ID)
	assert.Equal(t, c.ID, affected[1].ID)
}

func TestSlottedAdmitWalkIn_ClaimsNoShowGap(t *testing.T) {
	day := testDay(ModeSlotted)
	s := Slotted{}
	now := dayStart.Add(50 * time.Minute)

	a := scheduledEntry(day, 0, 20, 1)
	a.Status = StatusCompleted
	gone := scheduledEntry(day, 20*time.Minute, 20, 2)
	gone.Status = StatusNoShow
	c := checkIn(scheduledEntry(day, 40*time.Minute, 20, 3), now)
	entries := []*QueueEntry{a, gone, c}

	w := walkInEntry(day, now, 15, 4)
	w.Estimate = Estimate{}
	rank := s.AdmitWalkIn(day, entries, w, now)

	assert.Equal(t, *gone.ScheduledTime, w.Estimate.EstimatedStart, "walk-in claims the vacated slot")
	assert.Equal(t, BasisRecalculated, w.Estimate.Basis)
	assert.Equal(t, 0, rank, "the claimed slot precedes the remaining booked entry")
	assert.Nil(t, w.ScheduledTime, "walk-ins gain an estimate, never a booked slot")
}

func TestSlottedAdmitWalkIn_GapAlreadyClaimed(t *testing.T) {
	day := testDay(ModeSlotted)
	s := Slotted{}
	now := dayStart.Add(50 * time.Minute)

	gone := scheduledEntry(day, 20*time.Minute, 20, 1)
	gone.Status = StatusNoShow
	claimer := walkInEntry(day, dayStart.Add(45*time.Minute), 15, 2)
	claimer.Estimate.EstimatedStart = *gone.ScheduledTime
	entries := []*QueueEntry{gone, claimer}

	w := walkInEntry(day, now, 15, 3)
	w.Estimate = Estimate{}
	s.AdmitWalkIn(day, entries, w, now)

	assert.NotEqual(t, *gone.ScheduledTime, w.Estimate.EstimatedStart,
		"a slot already claimed by another walk-in is not reused")
}

func TestSlottedAdmitWalkIn_NoGapAppendsToEnd(t *testing.T) {
	day := testDay(ModeSlotted)
	s := Slotted{}
	now := dayStart.Add(10 * time.Minute)

	a := checkIn(scheduledEntry(day, 0, 20, 1), dayStart)
	b := scheduledEntry(day, 30*time.Minute, 20, 2)
	entries := []*QueueEntry{a, b}

	w := walkInEntry(day, now, 15, 3)
	w.Estimate = Estimate{}
	rank := s.AdmitWalkIn(day, entries, w, now)

	// End of day: after b's slot plus its duration.
	assert.Equal(t, dayStart.Add(50*time.Minute), w.Estimate.EstimatedStart)
	assert.Equal(t, 2, rank)
}
