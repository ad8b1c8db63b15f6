package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify_CheckedIn(t *testing.T) {
	day := testDay(ModeSlotted) // late threshold 15m

	onTime := scheduledEntry(day, 0, 20, 1)
	checkIn(onTime, dayStart.Add(10*time.Minute))
	kind, disrupted := Classify(day, onTime, DisruptionEvent{Kind: EventCheckedIn})
	assert.False(t, disrupted, "on-time check-in is not a disruption")
	assert.Empty(t, kind)

	late := scheduledEntry(day, 0, 20, 2)
	checkIn(late, dayStart.Add(16*time.Minute))
	kind, disrupted = Classify(day, late, DisruptionEvent{Kind: EventCheckedIn})
	assert.True(t, disrupted)
	assert.Equal(t, DisruptionLateArrival, kind)

	// Exactly at the threshold is still on time.
	atThreshold := scheduledEntry(day, 0, 20, 3)
	checkIn(atThreshold, dayStart.Add(15*time.Minute))
	_, disrupted = Classify(day, atThreshold, DisruptionEvent{Kind: EventCheckedIn})
	assert.False(t, disrupted)

	// Walk-ins have no scheduled time and can never be late.
	walkIn := walkInEntry(day, dayStart.Add(time.Hour), 15, 4)
	_, disrupted = Classify(day, walkIn, DisruptionEvent{Kind: EventCheckedIn})
	assert.False(t, disrupted)
}

func TestClassify_DurationCompleted(t *testing.T) {
	day := testDay(ModeSlotted) // overrun threshold 10m
	e := scheduledEntry(day, 0, 20, 1)

	tests := []struct {
		name     string
		actual   int
		wantKind DisruptionKind
		want     bool
	}{
		{"on estimate", 20, "", false},
		{"within threshold", 29, "", false},
		{"overrun", 31, DisruptionDurationOverrun, true},
		{"underrun within threshold", 11, "", false},
		{"underrun", 5, DisruptionDurationUnderrun, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := tt.actual
			kind, disrupted := Classify(day, e, DisruptionEvent{
				Kind:                  EventDurationCompleted,
				ActualDurationMinutes: &actual,
			})
			assert.Equal(t, tt.want, disrupted)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestClassify_RemainingKinds(t *testing.T) {
	day := testDay(ModeFluid)
	emergency := walkInEntry(day, dayStart, 15, 1)
	emergency.AppointmentType = TypeEmergency
	booked := scheduledEntry(day, 0, 20, 2)

	tests := []struct {
		name     string
		entry    *QueueEntry
		ev       DisruptionEvent
		wantKind DisruptionKind
		want     bool
	}{
		{"marked absent", booked, DisruptionEvent{Kind: EventMarkedAbsent}, DisruptionAbsent, true},
		{"returned after absent", booked, DisruptionEvent{Kind: EventReturnedAfterAbsent}, DisruptionAbsentRecovered, true},
		{"manual reorder", booked, DisruptionEvent{Kind: EventManualPositionChange}, DisruptionManualReorder, true},
		{"emergency inserted", emergency, DisruptionEvent{Kind: EventEntryInserted}, DisruptionEmergencyInsert, true},
		{"booked entry inserted", booked, DisruptionEvent{Kind: EventEntryInserted}, "", false},
		{"staff unavailable", nil, DisruptionEvent{Kind: EventStaffUnavailable}, DisruptionStaffGap, true},
		{"periodic overrun check", nil, DisruptionEvent{Kind: EventPeriodicOverrunCheck}, DisruptionStaffGap, true},
		{"unknown kind", booked, DisruptionEvent{Kind: "lunch_break"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, disrupted := Classify(day, tt.entry, tt.ev)
			assert.Equal(t, tt.want, disrupted)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestGracePeriodElapsed(t *testing.T) {
	day := testDay(ModeSlotted) // grace 10m
	e := scheduledEntry(day, time.Hour, 20, 1)

	assert.False(t, GracePeriodElapsed(day, e, dayStart.Add(time.Hour+5*time.Minute)))
	assert.True(t, GracePeriodElapsed(day, e, dayStart.Add(time.Hour+10*time.Minute)))

	// Walk-ins measure the grace period from their current estimate.
	w := walkInEntry(day, dayStart, 15, 2)
	w.Estimate.EstimatedStart = dayStart.Add(30 * time.Minute)
	assert.False(t, GracePeriodElapsed(day, w, dayStart.Add(35*time.Minute)))
	assert.True(t, GracePeriodElapsed(day, w, dayStart.Add(41*time.Minute)))
}
