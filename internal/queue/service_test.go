package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDay_RejectsBadConfiguration(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cfg := testConfig(ModeSlotted)
	cfg.GracePeriodMinutes = 0
	_, err := env.svc.OpenDay(ctx, uuid.New(), dayStart, dayStart.Add(9*time.Hour), cfg)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = env.svc.OpenDay(ctx, uuid.New(), dayStart, dayStart, testConfig(ModeSlotted))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestBookEntry_UsesEstimatorAndScheduledBasis(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(0.9)

	slot := dayStart.Add(time.Hour)
	e, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, slot)
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, e.Status)
	assert.Equal(t, 20, e.EstimatedDurationMinutes, "duration comes from the predictor")
	assert.Equal(t, slot, *e.ScheduledTime)
	assert.Equal(t, slot, e.Estimate.EstimatedStart)
	assert.Equal(t, BasisScheduled, e.Estimate.Basis)
	assert.Equal(t, int64(1), e.QueueVersion)
	assert.Equal(t, 1, e.QueuePosition)
}

func TestBookEntry_UnknownPatient(t *testing.T) {
	env := newTestEnv()
	day := env.openDay(ModeSlotted)

	_, err := env.svc.BookEntry(context.Background(), day.ID, uuid.New(), TypeConsultation, dayStart.Add(time.Hour))
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

func TestCheckIn_OnTimeIsNoDisruption(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	e, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart.Add(time.Hour))
	require.NoError(t, err)

	env.now = dayStart.Add(time.Hour)
	updated, err := env.svc.CheckIn(ctx, e.ID, e.QueueVersion)
	require.NoError(t, err)

	assert.Equal(t, StatusCheckedIn, updated.Status)
	assert.Empty(t, updated.DisruptionFlags)
	assert.Equal(t, int64(2), updated.QueueVersion)

	// The raw event is still recorded even though nothing was classified.
	events := env.repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventCheckedIn, events[0].Kind)
	assert.Empty(t, events[0].Classification)
}

func TestCheckIn_LateArrivalFlagsAndRecomputes(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	late, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart)
	require.NoError(t, err)
	downstream, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart.Add(20*time.Minute))
	require.NoError(t, err)

	env.now = dayStart.Add(25 * time.Minute) // past the 15m late threshold
	updated, err := env.svc.CheckIn(ctx, late.ID, late.QueueVersion)
	require.NoError(t, err)
	assert.Contains(t, updated.DisruptionFlags, DisruptionLateArrival)

	require.NoError(t, env.flush(day.ID))
	after, err := env.repo.GetEntryByID(ctx, downstream.ID)
	require.NoError(t, err)
	assert.True(t, after.Estimate.EstimatedStart.After(*downstream.ScheduledTime),
		"the late arrival pushes the downstream estimate")
	assert.Equal(t, *after.ScheduledTime, *downstream.ScheduledTime,
		"the booked slot itself never moves")
}

func TestCheckIn_StaleVersionConflicts(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	e, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart)
	require.NoError(t, err)

	_, err = env.svc.CheckIn(ctx, e.ID, e.QueueVersion+5)
	require.ErrorIs(t, err, ErrVersionConflict)

	// The failed command left no trace.
	stored, err := env.repo.GetEntryByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, stored.Status)
	assert.Equal(t, e.QueueVersion, stored.QueueVersion)
}

func TestMarkAbsent_GracePeriodGate(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	e, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart)
	require.NoError(t, err)

	env.now = dayStart.Add(5 * time.Minute)
	_, err = env.svc.MarkAbsent(ctx, e.ID, e.QueueVersion)
	require.ErrorIs(t, err, ErrGracePeriodNotElapsed)

	env.now = dayStart.Add(11 * time.Minute)
	updated, err := env.svc.MarkAbsent(ctx, e.ID, e.QueueVersion)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, updated.Status)
	assert.Contains(t, updated.DisruptionFlags, DisruptionAbsent)
}

func TestMarkReturned_RejoinsWaitingPool(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	e, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart)
	require.NoError(t, err)

	env.now = dayStart.Add(15 * time.Minute)
	absent, err := env.svc.MarkAbsent(ctx, e.ID, e.QueueVersion)
	require.NoError(t, err)

	env.now = dayStart.Add(45 * time.Minute)
	returned, err := env.svc.MarkReturned(ctx, absent.ID, absent.QueueVersion)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, returned.Status)
	assert.Contains(t, returned.DisruptionFlags, DisruptionAbsentRecovered)

	// returned cannot be re-marked returned.
	_, err = env.svc.MarkReturned(ctx, returned.ID, returned.QueueVersion)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestHybridBlocks_CarryUnservedIntoFluidRules(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cfg := testConfig(ModeSlotted)
	cfg.Blocks = []Block{
		{Start: dayStart, End: dayStart.Add(2 * time.Hour), Mode: ModeSlotted},
		{Start: dayStart.Add(2 * time.Hour), End: dayStart.Add(9 * time.Hour), Mode: ModeFluid},
	}
	day, err := env.svc.OpenDay(ctx, uuid.New(), dayStart, dayStart.Add(9*time.Hour), cfg)
	require.NoError(t, err)
	patient := env.addPatient(1.0)

	// Two morning bookings go unserved past the block boundary. x holds the
	// earlier slot; y arrived almost an hour before x did.
	x, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart.Add(110*time.Minute))
	require.NoError(t, err)
	y, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart.Add(115*time.Minute))
	require.NoError(t, err)

	env.now = dayStart.Add(time.Hour)
	y, err = env.svc.CheckIn(ctx, y.ID, y.QueueVersion)
	require.NoError(t, err)
	env.now = dayStart.Add(115 * time.Minute)
	x, err = env.svc.CheckIn(ctx, x.ID, x.QueueVersion)
	require.NoError(t, err)

	// Into the afternoon block: a walk-in joins the same pool and the pending
	// pass re-estimates everyone under fluid rules.
	env.now = dayStart.Add(2*time.Hour + 5*time.Minute)
	w, err := env.svc.AdmitWalkIn(ctx, day.ID, patient, TypeWalkIn)
	require.NoError(t, err)
	require.NoError(t, env.flush(day.ID))

	env.now = dayStart.Add(2*time.Hour + 10*time.Minute)
	snap, err := env.svc.GetSnapshot(ctx, day.ID)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, y.ID, snap.Entries[0].ID, "the longest waiter outranks the earlier slot")
	assert.Equal(t, x.ID, snap.Entries[1].ID)
	assert.Equal(t, w.ID, snap.Entries[2].ID)

	called, err := env.svc.CallNext(ctx, day.ID)
	require.NoError(t, err)
	assert.Equal(t, y.ID, called.ID, "score, not slot order, decides once the fluid block starts")

	carried, err := env.repo.GetEntryByID(ctx, y.ID)
	require.NoError(t, err)
	assert.Equal(t, dayStart.Add(115*time.Minute), *carried.ScheduledTime, "the morning booking keeps its slot")
	assert.Equal(t, BasisRecalculated, carried.Estimate.Basis)
	assert.Equal(t, dayStart.Add(2*time.Hour+5*time.Minute), carried.Estimate.EstimatedStart)
}

func TestCallNext_NothingCallable(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	// Booked but not arrived: not callable.
	_, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart)
	require.NoError(t, err)

	_, err = env.svc.CallNext(ctx, day.ID)
	assert.ErrorIs(t, err, ErrNothingCallable)
}

func TestServeLifecycle_CapacityAndCompletion(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted) // one active staff
	patient := env.addPatient(1.0)

	a, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart)
	require.NoError(t, err)
	b, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart.Add(20*time.Minute))
	require.NoError(t, err)

	env.now = dayStart
	a, err = env.svc.CheckIn(ctx, a.ID, a.QueueVersion)
	require.NoError(t, err)
	env.now = dayStart.Add(20 * time.Minute)
	b, err = env.svc.CheckIn(ctx, b.ID, b.QueueVersion)
	require.NoError(t, err)

	called, err := env.svc.CallNext(ctx, day.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, called.ID)

	serving, err := env.svc.StartService(ctx, called.ID, called.QueueVersion)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, serving.Status)

	// The second chair does not exist: b can be called but not started.
	calledB, err := env.svc.CallNext(ctx, day.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, calledB.ID)
	_, err = env.svc.StartService(ctx, calledB.ID, calledB.QueueVersion)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// Completing with a big overrun flags the entry.
	env.now = dayStart.Add(time.Hour)
	done, err := env.svc.CompleteService(ctx, serving.ID, 35, serving.QueueVersion)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.ActualDurationMinutes)
	assert.Equal(t, 35, *done.ActualDurationMinutes)
	assert.Contains(t, done.DisruptionFlags, DisruptionDurationOverrun)

	// With the chair free, b starts.
	calledB, err = env.repo.GetEntryByID(ctx, calledB.ID)
	require.NoError(t, err)
	_, err = env.svc.StartService(ctx, calledB.ID, calledB.QueueVersion)
	require.NoError(t, err)
}

func TestAdmitWalkIn_FluidEmergencyOutranksQueue(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeFluid)
	patient := env.addPatient(1.0)

	w1, err := env.svc.AdmitWalkIn(ctx, day.ID, patient, TypeWalkIn)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, w1.Status)
	assert.NotNil(t, w1.CheckedInAt)
	assert.Nil(t, w1.ScheduledTime)
	assert.Contains(t, w1.DisruptionFlags, DisruptionEmergencyInsert)

	env.advance(time.Hour)
	emergency, err := env.svc.AdmitWalkIn(ctx, day.ID, patient, TypeEmergency)
	require.NoError(t, err)

	next, err := env.svc.CallNext(ctx, day.ID)
	require.NoError(t, err)
	assert.Equal(t, emergency.ID, next.ID, "the emergency is called before the hour-long waiter")
}

func TestReorder_RenumbersWithFreshPositions(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		e, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart.Add(time.Duration(i)*20*time.Minute))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	last, err := env.repo.GetEntryByID(ctx, ids[2])
	require.NoError(t, err)
	moved, err := env.svc.Reorder(ctx, last.ID, 0, last.QueueVersion)
	require.NoError(t, err)
	assert.Contains(t, moved.DisruptionFlags, DisruptionManualReorder)

	entries, err := env.repo.ListEntries(ctx, day.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Position order now starts with the moved entry, and every position is a
	// fresh value above the previously allocated range.
	assert.Equal(t, ids[2], entries[0].ID)
	assert.Equal(t, ids[0], entries[1].ID)
	assert.Equal(t, ids[1], entries[2].ID)
	seen := make(map[int]bool)
	for _, e := range entries {
		assert.Greater(t, e.QueuePosition, 3, "positions are never reused")
		assert.False(t, seen[e.QueuePosition], "positions stay unique")
		seen[e.QueuePosition] = true
	}
}

func TestCancel_RemovesFromActiveOrdering(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	e, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart)
	require.NoError(t, err)

	cancelled, err := env.svc.Cancel(ctx, e.ID, e.QueueVersion)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// Terminal: no way back.
	_, err = env.svc.CheckIn(ctx, cancelled.ID, cancelled.QueueVersion)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestIngestEvent_DedupesReplays(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)

	ev := DisruptionEvent{
		ID:          uuid.New(),
		Kind:        EventStaffUnavailable,
		ClinicDayID: day.ID,
		ObservedAt:  dayStart,
	}
	require.NoError(t, env.svc.IngestEvent(ctx, ev))
	require.NoError(t, env.svc.IngestEvent(ctx, ev), "replay is accepted and dropped")

	events := env.repo.Events()
	require.Len(t, events, 1, "at-least-once delivery records the event once")
	assert.Equal(t, DisruptionStaffGap, events[0].Classification)
}

func TestIngestEvent_UnclassifiedRecordsWithoutRecompute(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	e, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart)
	require.NoError(t, err)

	// An entry_inserted event for a booked consultation classifies as nothing.
	ev := DisruptionEvent{
		ID:          uuid.New(),
		Kind:        EventEntryInserted,
		ClinicDayID: day.ID,
		EntryID:     &e.ID,
		ObservedAt:  dayStart,
	}
	require.NoError(t, env.svc.IngestEvent(ctx, ev))

	events := env.repo.Events()
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Classification)
	require.NoError(t, env.flush(day.ID))

	stored, err := env.repo.GetEntryByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.QueueVersion, stored.QueueVersion, "no recompute pass ran")
}

func TestCloseDay_VersionedAndFinal(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	_, err := env.svc.CloseDay(ctx, day.ID, day.Version+1)
	require.ErrorIs(t, err, ErrVersionConflict)

	closed, err := env.svc.CloseDay(ctx, day.ID, day.Version)
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedAt)

	_, err = env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart)
	assert.ErrorIs(t, err, ErrDayClosed)
	_, err = env.svc.AdmitWalkIn(ctx, day.ID, patient, TypeWalkIn)
	assert.ErrorIs(t, err, ErrDayClosed)
	_, err = env.svc.CallNext(ctx, day.ID)
	assert.ErrorIs(t, err, ErrDayClosed)
}

func TestGetSnapshot_OrdersServingFirst(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	day := env.openDay(ModeSlotted)
	patient := env.addPatient(1.0)

	a, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart)
	require.NoError(t, err)
	b, err := env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart.Add(20*time.Minute))
	require.NoError(t, err)
	_, err = env.svc.BookEntry(ctx, day.ID, patient, TypeConsultation, dayStart.Add(40*time.Minute))
	require.NoError(t, err)

	env.now = dayStart
	a, err = env.svc.CheckIn(ctx, a.ID, a.QueueVersion)
	require.NoError(t, err)
	a, err = env.svc.CallNext(ctx, day.ID)
	require.NoError(t, err)
	_, err = env.svc.StartService(ctx, a.ID, a.QueueVersion)
	require.NoError(t, err)

	env.now = dayStart.Add(20 * time.Minute)
	b, err = env.svc.CheckIn(ctx, b.ID, b.QueueVersion)
	require.NoError(t, err)

	snap, err := env.svc.GetSnapshot(ctx, day.ID)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, StatusInProgress, snap.Entries[0].Status)
	assert.Equal(t, b.ID, snap.Entries[1].ID, "arrived entries precede not-yet-arrived ones")
}
