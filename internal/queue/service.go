package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue-engine/internal/config"
	"github.com/hackgods/clinic-queue-engine/internal/estimator"
)

var (
	// ErrGracePeriodNotElapsed rejects marking an entry no_show before the
	// grace period since its expected call time has passed.
	ErrGracePeriodNotElapsed = errors.New("grace period has not elapsed")

	// ErrDayClosed rejects commands against a closed clinic-day.
	ErrDayClosed = errors.New("clinic day is closed")

	ErrNothingCallable = errors.New("no entry is callable right now")
)

// Service owns the command surface of a clinic-day queue. Every command
// verifies the caller's observed queue version, applies the state machine,
// commits with a compare-and-swap write, records the domain event, and hands
// classified disruptions to the recalculation engine.
type Service struct {
	repo   Repository
	engine *Engine
	est    estimator.Estimator
	cfg    config.Config
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, engine *Engine, est estimator.Estimator, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		engine: engine,
		est:    est,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// repoAverages adapts the repository's historical averages to the estimator's
// fallback contract.
type repoAverages struct {
	repo Repository
}

func (r repoAverages) AverageDuration(ctx context.Context, clinicID uuid.UUID, t string) (int, error) {
	return r.repo.AverageDuration(ctx, clinicID, AppointmentType(t))
}

// NewFailOpenEstimator wraps the primary predictor with the clinic-average
// fallback and the configured timeout and confidence floor.
func NewFailOpenEstimator(primary estimator.Estimator, repo Repository, cfg config.Config) estimator.Estimator {
	return estimator.FailOpen{
		Primary:         primary,
		Averages:        repoAverages{repo: repo},
		ConfidenceFloor: cfg.EstimatorConfidenceFloor,
		Timeout:         cfg.EstimatorTimeout,
	}
}

// OpenDay validates the configuration and creates the clinic-day. A malformed
// configuration is fatal at setup: the day is rejected before it opens.
func (s *Service) OpenDay(ctx context.Context, clinicID uuid.UUID, opensAt, closesAt time.Time, cfg DayConfig) (*ClinicDay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !closesAt.After(opensAt) {
		return nil, fmt.Errorf("%w: closes_at must be after opens_at", ErrConfiguration)
	}

	now := s.now()
	day := &ClinicDay{
		ID:        uuid.New(),
		ClinicID:  clinicID,
		Date:      opensAt.Truncate(24 * time.Hour),
		OpensAt:   opensAt,
		ClosesAt:  closesAt,
		Config:    cfg,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateDay(ctx, day); err != nil {
		return nil, fmt.Errorf("create clinic day: %w", err)
	}

	s.log.Info().
		Str("clinic_day_id", day.ID.String()).
		Str("mode", string(cfg.Mode)).
		Int("blocks", len(cfg.Blocks)).
		Msg("clinic day opened")
	return day, nil
}

// CloseDay closes the clinic-day and discards any pending recompute pass
// without committing partial estimates.
func (s *Service) CloseDay(ctx context.Context, dayID uuid.UUID, version int64) (*ClinicDay, error) {
	day, err := s.repo.GetDay(ctx, dayID)
	if err != nil {
		return nil, err
	}
	if day.Version != version {
		return nil, fmt.Errorf("%w: clinic day %s", ErrVersionConflict, dayID)
	}
	if !day.Open() {
		return day, nil
	}

	s.engine.CancelDay(dayID)

	now := s.now()
	day.ClosedAt = &now
	day.UpdatedAt = now
	updated, err := s.repo.UpdateDay(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("close clinic day: %w", err)
	}

	s.log.Info().Str("clinic_day_id", dayID.String()).Msg("clinic day closed")
	return updated, nil
}

// BookEntry creates a pre-booked, scheduled entry for the day.
func (s *Service) BookEntry(ctx context.Context, dayID, patientID uuid.UUID, t AppointmentType, scheduledTime time.Time) (*QueueEntry, error) {
	day, err := s.openDay(ctx, dayID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		return nil, err
	}

	now := s.now()
	pred := s.predict(ctx, day, patientID, t, &scheduledTime)

	positions, err := s.repo.NextPositions(ctx, dayID, 1)
	if err != nil {
		return nil, fmt.Errorf("allocate queue position: %w", err)
	}

	st := scheduledTime
	e := &QueueEntry{
		ID:                       uuid.New(),
		ClinicDayID:              dayID,
		PatientID:                patientID,
		AppointmentType:          t,
		ScheduledTime:            &st,
		EstimatedDurationMinutes: pred.Minutes,
		QueuePosition:            positions[0],
		Status:                   StatusScheduled,
		Estimate: Estimate{
			EstimatedStart: st,
			Confidence:     pred.Confidence,
			Basis:          BasisScheduled,
			LastUpdatedAt:  now,
		},
		QueueVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := s.repo.CreateEntry(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}
	return created, nil
}

// AdmitWalkIn registers a walk-in or emergency arrival. The entry starts
// waiting, gets a predicted duration, and is placed by the active strategy:
// into the nearest open gap in slotted mode, at its score-earned rank in
// fluid mode.
func (s *Service) AdmitWalkIn(ctx context.Context, dayID, patientID uuid.UUID, t AppointmentType) (*QueueEntry, error) {
	day, err := s.openDay(ctx, dayID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		return nil, err
	}

	entries, err := s.repo.ListEntries(ctx, dayID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	now := s.now()
	pred := s.predict(ctx, day, patientID, t, nil)

	positions, err := s.repo.NextPositions(ctx, dayID, 1)
	if err != nil {
		return nil, fmt.Errorf("allocate queue position: %w", err)
	}

	checkedIn := now
	e := &QueueEntry{
		ID:                       uuid.New(),
		ClinicDayID:              dayID,
		PatientID:                patientID,
		AppointmentType:          t,
		EstimatedDurationMinutes: pred.Minutes,
		QueuePosition:            positions[0],
		Status:                   StatusWaiting,
		CheckedInAt:              &checkedIn,
		Estimate: Estimate{
			Confidence:    pred.Confidence,
			Basis:         BasisRecalculated,
			LastUpdatedAt: now,
		},
		QueueVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	strategy := s.strategyFor(ctx, day, now)
	rank := strategy.AdmitWalkIn(day, entries, e, now)

	ev := s.newEvent(EventEntryInserted, day.ID, &e.ID, now)
	if kind, disrupted := Classify(day, e, ev); disrupted {
		ev.Classification = kind
		e.Flag(kind)
	}

	created, err := s.repo.CreateEntry(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("create walk-in entry: %w", err)
	}

	s.record(ctx, ev)
	if ev.Classification != "" {
		s.engine.Notify(day, ev)
	}

	s.log.Info().
		Str("entry_id", created.ID.String()).
		Str("appointment_type", string(t)).
		Int("rank", rank).
		Msg("walk-in admitted")
	return created, nil
}

// CheckIn moves a scheduled entry to checked_in. A check-in later than the
// late threshold classifies as a late-arrival disruption.
func (s *Service) CheckIn(ctx context.Context, entryID uuid.UUID, version int64) (*QueueEntry, error) {
	return s.mutate(ctx, entryID, version, EventCheckedIn, func(day *ClinicDay, entries []*QueueEntry, e *QueueEntry, now time.Time) error {
		return Transition(e, StatusCheckedIn, now)
	})
}

// MarkAbsent moves an entry to no_show, gated by the grace period since its
// expected call time.
func (s *Service) MarkAbsent(ctx context.Context, entryID uuid.UUID, version int64) (*QueueEntry, error) {
	return s.mutate(ctx, entryID, version, EventMarkedAbsent, func(day *ClinicDay, entries []*QueueEntry, e *QueueEntry, now time.Time) error {
		if !GracePeriodElapsed(day, e, now) {
			return fmt.Errorf("%w: expected call %s", ErrGracePeriodNotElapsed, e.ExpectedCallTime().Format(time.Kitchen))
		}
		return Transition(e, StatusNoShow, now)
	})
}

// MarkReturned re-registers a no_show entry: it passes through returned and
// rejoins the waiting pool carrying the absent_recovered flag.
func (s *Service) MarkReturned(ctx context.Context, entryID uuid.UUID, version int64) (*QueueEntry, error) {
	return s.mutate(ctx, entryID, version, EventReturnedAfterAbsent, func(day *ClinicDay, entries []*QueueEntry, e *QueueEntry, now time.Time) error {
		if err := Transition(e, StatusReturned, now); err != nil {
			return err
		}
		return Transition(e, StatusWaiting, now)
	})
}

// CallNext asks the active strategy for the next callable entry and calls it.
func (s *Service) CallNext(ctx context.Context, dayID uuid.UUID) (*QueueEntry, error) {
	day, err := s.openDay(ctx, dayID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListEntries(ctx, dayID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	now := s.now()
	next := s.strategyFor(ctx, day, now).NextCallable(day, entries, now)
	if next == nil {
		return nil, ErrNothingCallable
	}

	from := next.QueueVersion
	if err := Transition(next, StatusCalled, now); err != nil {
		return nil, err
	}
	updated, err := s.repo.UpdateEntry(ctx, next, from)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// StartService moves a called entry into service, enforcing the staff
// capacity gate.
func (s *Service) StartService(ctx context.Context, entryID uuid.UUID, version int64) (*QueueEntry, error) {
	e, err := s.repo.GetEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.QueueVersion != version {
		return nil, fmt.Errorf("%w: entry %s", ErrVersionConflict, entryID)
	}
	day, err := s.openDay(ctx, e.ClinicDayID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListEntries(ctx, day.ID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	from := e.QueueVersion
	if err := StartService(e, entries, day.Config.ActiveStaffCount, s.now()); err != nil {
		return nil, err
	}
	return s.repo.UpdateEntry(ctx, e, from)
}

// CompleteService finishes an in-progress entry with its actual duration.
// Variance beyond the overrun threshold classifies as a duration disruption
// and shifts downstream estimates.
func (s *Service) CompleteService(ctx context.Context, entryID uuid.UUID, actualMinutes int, version int64) (*QueueEntry, error) {
	return s.mutateEvent(ctx, entryID, version, func(ev *DisruptionEvent) {
		ev.Kind = EventDurationCompleted
		ev.ActualDurationMinutes = &actualMinutes
	}, func(day *ClinicDay, entries []*QueueEntry, e *QueueEntry, now time.Time) error {
		if err := Transition(e, StatusCompleted, now); err != nil {
			return err
		}
		e.ActualDurationMinutes = &actualMinutes
		return nil
	})
}

// Reorder places the entry at the requested rank among the day's active
// entries. Positions are never reused, so the active set is renumbered with
// freshly allocated values.
func (s *Service) Reorder(ctx context.Context, entryID uuid.UUID, newRank int, version int64) (*QueueEntry, error) {
	e, err := s.repo.GetEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.QueueVersion != version {
		return nil, fmt.Errorf("%w: entry %s", ErrVersionConflict, entryID)
	}
	day, err := s.openDay(ctx, e.ClinicDayID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListEntries(ctx, day.ID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	active := activeEntries(entries)
	var moved *QueueEntry
	others := make([]*QueueEntry, 0, len(active))
	for _, other := range active {
		if other.ID == e.ID {
			moved = other
		} else {
			others = append(others, other)
		}
	}
	if moved == nil {
		return nil, fmt.Errorf("%w: entry %s is not active", ErrInvalidTransition, entryID)
	}
	if newRank < 0 {
		newRank = 0
	}
	if newRank > len(others) {
		newRank = len(others)
	}

	target := make([]*QueueEntry, 0, len(active))
	target = append(target, others[:newRank]...)
	target = append(target, moved)
	target = append(target, others[newRank:]...)

	positions, err := s.repo.NextPositions(ctx, day.ID, len(target))
	if err != nil {
		return nil, fmt.Errorf("allocate queue positions: %w", err)
	}

	now := s.now()
	var updated *QueueEntry
	for i, other := range target {
		from := other.QueueVersion
		other.QueuePosition = positions[i]
		other.QueueVersion++
		other.UpdatedAt = now
		if other.ID == e.ID {
			other.Flag(DisruptionManualReorder)
		}
		committed, err := s.repo.UpdateEntry(ctx, other, from)
		if err != nil {
			return nil, fmt.Errorf("commit reorder: %w", err)
		}
		if other.ID == e.ID {
			updated = committed
		}
	}

	rank := newRank
	ev := s.newEvent(EventManualPositionChange, day.ID, &e.ID, now)
	ev.NewPosition = &rank
	if kind, disrupted := Classify(day, updated, ev); disrupted {
		ev.Classification = kind
	}
	s.record(ctx, ev)
	s.engine.Notify(day, ev)

	return updated, nil
}

// Cancel terminates an entry before service. Cancelled entries stay in the
// day's history but leave the active ordering; their slot becomes a gap.
func (s *Service) Cancel(ctx context.Context, entryID uuid.UUID, version int64) (*QueueEntry, error) {
	return s.mutate(ctx, entryID, version, EventMarkedAbsent, func(day *ClinicDay, entries []*QueueEntry, e *QueueEntry, now time.Time) error {
		return Transition(e, StatusCancelled, now)
	})
}

// GetSnapshot returns the day's published view: active entries in call order
// with current estimates, then the day's served and removed history.
func (s *Service) GetSnapshot(ctx context.Context, dayID uuid.UUID) (*Snapshot, error) {
	day, err := s.repo.GetDay(ctx, dayID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListEntries(ctx, dayID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	now := s.now()
	ordered := s.orderForDisplay(ctx, day, entries, now)
	return &Snapshot{Day: day, Entries: ordered}, nil
}

func (s *Service) GetEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	return s.repo.GetEntryByID(ctx, id)
}

// IngestEvent accepts a raw boundary event. Delivery is at-least-once, so the
// event id is deduped before classification; unclassified events are recorded
// but trigger no recompute.
func (s *Service) IngestEvent(ctx context.Context, ev DisruptionEvent) error {
	first, err := s.repo.MarkEventProcessed(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("dedupe event: %w", err)
	}
	if !first {
		s.log.Debug().Str("event_id", ev.ID.String()).Msg("duplicate event dropped")
		return nil
	}

	day, err := s.repo.GetDay(ctx, ev.ClinicDayID)
	if err != nil {
		return err
	}

	var entry *QueueEntry
	if ev.EntryID != nil {
		entry, err = s.repo.GetEntryByID(ctx, *ev.EntryID)
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			return err
		}
	}

	if kind, disrupted := Classify(day, entry, ev); disrupted {
		ev.Classification = kind
	}
	s.record(ctx, ev)
	if ev.Classification != "" && day.Open() {
		s.engine.Notify(day, ev)
	}
	return nil
}

// mutate is the common command shape: load entry and day, verify the caller's
// version token, apply the mutation, commit with compare-and-swap, record the
// event, and notify the engine when the detector classifies a disruption.
func (s *Service) mutate(ctx context.Context, entryID uuid.UUID, version int64, kind EventKind, fn func(day *ClinicDay, entries []*QueueEntry, e *QueueEntry, now time.Time) error) (*QueueEntry, error) {
	return s.mutateEvent(ctx, entryID, version, func(ev *DisruptionEvent) { ev.Kind = kind }, fn)
}

func (s *Service) mutateEvent(ctx context.Context, entryID uuid.UUID, version int64, seed func(*DisruptionEvent), fn func(day *ClinicDay, entries []*QueueEntry, e *QueueEntry, now time.Time) error) (*QueueEntry, error) {
	e, err := s.repo.GetEntryByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.QueueVersion != version {
		return nil, fmt.Errorf("%w: entry %s", ErrVersionConflict, entryID)
	}

	day, err := s.openDay(ctx, e.ClinicDayID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListEntries(ctx, day.ID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	now := s.now()
	from := e.QueueVersion
	if err := fn(day, entries, e, now); err != nil {
		return nil, err
	}

	ev := s.newEvent("", day.ID, &e.ID, now)
	seed(&ev)
	if kind, disrupted := Classify(day, e, ev); disrupted {
		ev.Classification = kind
		e.Flag(kind)
	}

	updated, err := s.repo.UpdateEntry(ctx, e, from)
	if err != nil {
		return nil, err
	}

	s.record(ctx, ev)
	if ev.Classification != "" {
		s.engine.Notify(day, ev)
	}
	return updated, nil
}

func (s *Service) openDay(ctx context.Context, dayID uuid.UUID) (*ClinicDay, error) {
	day, err := s.repo.GetDay(ctx, dayID)
	if err != nil {
		return nil, err
	}
	if !day.Open() {
		return nil, fmt.Errorf("%w: %s", ErrDayClosed, dayID)
	}
	return day, nil
}

func (s *Service) strategyFor(ctx context.Context, day *ClinicDay, now time.Time) Strategy {
	scorer := Scorer{
		Weights:     day.Config.Weights,
		Punctuality: RepoPunctuality(ctx, s.repo),
	}
	return StrategyFor(day, now, scorer)
}

// predict resolves an entry's estimated duration through the fail-open
// estimator chain. Estimator failure is recovered here, never surfaced: the
// queue always needs a displayable estimate.
func (s *Service) predict(ctx context.Context, day *ClinicDay, patientID uuid.UUID, t AppointmentType, scheduled *time.Time) estimator.Prediction {
	pred, err := s.est.Predict(ctx, estimator.Request{
		ClinicID:        day.ClinicID,
		PatientID:       patientID,
		AppointmentType: string(t),
		ScheduledTime:   scheduled,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("appointment_type", string(t)).Msg("estimator unavailable, using default duration")
		return estimator.Prediction{Minutes: s.cfg.DefaultDurationMinutes, Confidence: 0}
	}
	return pred
}

func (s *Service) newEvent(kind EventKind, dayID uuid.UUID, entryID *uuid.UUID, now time.Time) DisruptionEvent {
	return DisruptionEvent{
		ID:          uuid.New(),
		Kind:        kind,
		ClinicDayID: dayID,
		EntryID:     entryID,
		ObservedAt:  now,
		CreatedAt:   now,
	}
}

func (s *Service) record(ctx context.Context, ev DisruptionEvent) {
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event_kind", string(ev.Kind)).Msg("failed to record event")
	}
}

// orderForDisplay produces the snapshot ordering: serving first, then called,
// then the callable set in the active strategy's order, then everything else
// by queue position.
func (s *Service) orderForDisplay(ctx context.Context, day *ClinicDay, entries []*QueueEntry, now time.Time) []*QueueEntry {
	var serving, called, rest []*QueueEntry
	for _, e := range entries {
		switch e.Status {
		case StatusInProgress:
			serving = append(serving, e)
		case StatusCalled:
			called = append(called, e)
		default:
			rest = append(rest, e)
		}
	}

	strategy := s.strategyFor(ctx, day, now)
	var waiting []*QueueEntry
	switch st := strategy.(type) {
	case Fluid:
		waiting = st.Ranked(rest, now)
	default:
		waiting = Slotted{}.OnDisruption(day, rest, DisruptionEvent{}, now)
	}

	seen := make(map[uuid.UUID]bool)
	out := make([]*QueueEntry, 0, len(entries))
	for _, group := range [][]*QueueEntry{serving, called, waiting} {
		for _, e := range group {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	for _, e := range rest {
		if !seen[e.ID] {
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	return out
}
