package queue

import (
	"context"
	"fmt"
	"time"
)

// RunPeriodicChecks is called by the queue worker on a ticker. For every open
// clinic-day it sweeps grace-expired absences, flags in-progress services
// running far past their estimate, and raises a staff gap when nothing has
// entered service for longer than the idle window during operating hours.
func (s *Service) RunPeriodicChecks(ctx context.Context) error {
	days, err := s.repo.ListOpenDays(ctx)
	if err != nil {
		return fmt.Errorf("list open days: %w", err)
	}

	for i := range days {
		if err := s.sweepDay(ctx, &days[i]); err != nil {
			s.log.Error().Err(err).Str("clinic_day_id", days[i].ID.String()).Msg("periodic sweep failed")
		}
	}
	return nil
}

func (s *Service) sweepDay(ctx context.Context, day *ClinicDay) error {
	entries, err := s.repo.ListEntries(ctx, day.ID)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}

	now := s.now()

	// Grace-expired no-shows: scheduled entries that never arrived.
	for _, e := range entries {
		if e.Status != StatusScheduled || !GracePeriodElapsed(day, e, now) {
			continue
		}
		from := e.QueueVersion
		if err := Transition(e, StatusNoShow, now); err != nil {
			continue
		}
		e.Flag(DisruptionAbsent)
		if _, err := s.repo.UpdateEntry(ctx, e, from); err != nil {
			s.log.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("no-show sweep commit failed")
			continue
		}

		ev := s.newEvent(EventMarkedAbsent, day.ID, &e.ID, now)
		ev.Classification = DisruptionAbsent
		s.record(ctx, ev)
		s.engine.Notify(day, ev)

		s.log.Info().Str("entry_id", e.ID.String()).Msg("entry marked no-show by sweep")
	}

	if ev, ok := s.detectStaffGap(day, entries, now); ok {
		s.record(ctx, ev)
		s.engine.Notify(day, ev)
	}
	return nil
}

// detectStaffGap raises a periodic_overrun_check event when either an
// in-progress service has overrun its estimate by more than the threshold,
// or staff have been idle beyond the idle window while people wait.
func (s *Service) detectStaffGap(day *ClinicDay, entries []*QueueEntry, now time.Time) (DisruptionEvent, bool) {
	if now.Before(day.OpensAt) || now.After(day.ClosesAt) {
		return DisruptionEvent{}, false
	}

	threshold := minutes(day.Config.DurationOverrunThresholdMinutes)
	for _, e := range entries {
		if e.Status != StatusInProgress || e.CalledAt == nil {
			continue
		}
		runningFor := now.Sub(*e.CalledAt)
		if runningFor > minutes(e.EstimatedDurationMinutes)+threshold {
			ev := s.newEvent(EventPeriodicOverrunCheck, day.ID, &e.ID, now)
			ev.Classification = DisruptionStaffGap
			return ev, true
		}
	}

	if day.Config.IdleGapMinutes <= 0 {
		return DisruptionEvent{}, false
	}

	serving := false
	waiting := false
	lastActivity := day.OpensAt
	for _, e := range entries {
		if e.Status == StatusInProgress {
			serving = true
		}
		if callable(e) {
			waiting = true
		}
		if e.UpdatedAt.After(lastActivity) {
			lastActivity = e.UpdatedAt
		}
	}
	if !serving && waiting && now.Sub(lastActivity) > minutes(day.Config.IdleGapMinutes) {
		ev := s.newEvent(EventStaffUnavailable, day.ID, nil, now)
		ev.Classification = DisruptionStaffGap
		return ev, true
	}
	return DisruptionEvent{}, false
}
