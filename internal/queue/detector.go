package queue

import "time"

// Classify maps a raw domain event to a disruption kind against the day's
// thresholds. The second return is false for events that are recorded but do
// not trigger recomputation (on-time check-in, on-time completion): no
// disruption, no recalculation.
//
// Classification is pure: it never mutates queue state.
func Classify(day *ClinicDay, entry *QueueEntry, ev DisruptionEvent) (DisruptionKind, bool) {
	switch ev.Kind {
	case EventCheckedIn:
		if entry == nil || entry.ScheduledTime == nil || entry.CheckedInAt == nil {
			return "", false
		}
		late := entry.CheckedInAt.Sub(*entry.ScheduledTime)
		if late > minutes(day.Config.LateThresholdMinutes) {
			return DisruptionLateArrival, true
		}
		return "", false

	case EventMarkedAbsent:
		return DisruptionAbsent, true

	case EventReturnedAfterAbsent:
		return DisruptionAbsentRecovered, true

	case EventDurationCompleted:
		if entry == nil || ev.ActualDurationMinutes == nil {
			return "", false
		}
		diff := *ev.ActualDurationMinutes - entry.EstimatedDurationMinutes
		threshold := day.Config.DurationOverrunThresholdMinutes
		if diff > threshold {
			return DisruptionDurationOverrun, true
		}
		if -diff > threshold {
			return DisruptionDurationUnderrun, true
		}
		return "", false

	case EventManualPositionChange:
		return DisruptionManualReorder, true

	case EventEntryInserted:
		if entry != nil && (entry.AppointmentType == TypeEmergency || entry.AppointmentType == TypeWalkIn) {
			return DisruptionEmergencyInsert, true
		}
		return "", false

	case EventStaffUnavailable:
		return DisruptionStaffGap, true

	case EventPeriodicOverrunCheck:
		// The worker raises this when no in_progress transition has happened
		// for longer than the idle window during operating hours.
		return DisruptionStaffGap, true
	}

	return "", false
}

// GracePeriodElapsed reports whether an absent entry may be marked no_show:
// the grace period must have passed since its expected call time.
func GracePeriodElapsed(day *ClinicDay, entry *QueueEntry, now time.Time) bool {
	return now.Sub(entry.ExpectedCallTime()) >= minutes(day.Config.GracePeriodMinutes)
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
