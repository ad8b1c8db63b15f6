package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue-engine/internal/config"
	"github.com/hackgods/clinic-queue-engine/internal/estimator"
	redisclient "github.com/hackgods/clinic-queue-engine/internal/redis"
)

// dayStart is the fixed reference instant the tests build clinic days around.
var dayStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// localLocker satisfies the day-lock contract with an in-process mutex per
// day. Denied toggles lock contention on.
type localLocker struct {
	mu     sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex
	Denied bool
}

func newLocalLocker() *localLocker {
	return &localLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *localLocker) WithDayLock(ctx context.Context, dayID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.Denied {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	m, ok := l.locks[dayID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[dayID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

func testWeights() PriorityWeights {
	return PriorityWeights{
		WaitingMinutes: 1.0,
		TypeWeight:     5.0,
		Punctuality:    2.0,
		EmergencyBoost: 10000,
		TypeWeights: map[AppointmentType]float64{
			TypeConsultation: 2,
			TypeFollowUp:     1,
			TypeWalkIn:       0.5,
			TypeEmergency:    10,
		},
	}
}

func testConfig(mode Mode) DayConfig {
	return DayConfig{
		Mode:                            mode,
		GracePeriodMinutes:              10,
		LateThresholdMinutes:            15,
		DurationOverrunThresholdMinutes: 10,
		// Long enough that a pass never fires mid-test; tests drain the
		// engine with an explicit Flush instead.
		DebounceWindowMs: 60000,
		IdleGapMinutes:   20,
		ActiveStaffCount: 1,
		Weights:          testWeights(),
	}
}

func testDay(mode Mode) *ClinicDay {
	return &ClinicDay{
		ID:        uuid.New(),
		ClinicID:  uuid.New(),
		Date:      dayStart.Truncate(24 * time.Hour),
		OpensAt:   dayStart,
		ClosesAt:  dayStart.Add(9 * time.Hour),
		Config:    testConfig(mode),
		Version:   1,
		CreatedAt: dayStart,
		UpdatedAt: dayStart,
	}
}

// scheduledEntry builds a booked entry with its slot at dayStart+offset.
func scheduledEntry(day *ClinicDay, offset time.Duration, durationMin, position int) *QueueEntry {
	slot := dayStart.Add(offset)
	return &QueueEntry{
		ID:                       uuid.New(),
		ClinicDayID:              day.ID,
		PatientID:                uuid.New(),
		AppointmentType:          TypeConsultation,
		ScheduledTime:            &slot,
		EstimatedDurationMinutes: durationMin,
		QueuePosition:            position,
		Status:                   StatusScheduled,
		Estimate: Estimate{
			EstimatedStart: slot,
			Basis:          BasisScheduled,
			LastUpdatedAt:  dayStart,
		},
		QueueVersion: 1,
		CreatedAt:    dayStart,
		UpdatedAt:    dayStart,
	}
}

func walkInEntry(day *ClinicDay, checkedInAt time.Time, durationMin, position int) *QueueEntry {
	t := checkedInAt
	return &QueueEntry{
		ID:                       uuid.New(),
		ClinicDayID:              day.ID,
		PatientID:                uuid.New(),
		AppointmentType:          TypeWalkIn,
		EstimatedDurationMinutes: durationMin,
		QueuePosition:            position,
		Status:                   StatusWaiting,
		CheckedInAt:              &t,
		Estimate: Estimate{
			EstimatedStart: t,
			Basis:          BasisRecalculated,
			LastUpdatedAt:  t,
		},
		QueueVersion: 1,
		CreatedAt:    t,
		UpdatedAt:    t,
	}
}

func checkIn(e *QueueEntry, at time.Time) *QueueEntry {
	t := at
	e.Status = StatusCheckedIn
	e.CheckedInAt = &t
	e.UpdatedAt = at
	return e
}

type fixedEstimator struct {
	pred estimator.Prediction
	err  error
}

func (f fixedEstimator) Predict(ctx context.Context, req estimator.Request) (estimator.Prediction, error) {
	return f.pred, f.err
}

type testEnv struct {
	repo   *MemRepository
	locker *localLocker
	engine *Engine
	svc    *Service
	now    time.Time
}

// newTestEnv wires a service over the in-memory repository with a controllable
// clock shared by the service and the engine.
func newTestEnv() *testEnv {
	env := &testEnv{
		repo:   NewMemRepository(),
		locker: newLocalLocker(),
		now:    dayStart,
	}
	log := zerolog.Nop()
	env.engine = NewEngine(env.repo, env.locker, log)
	env.engine.now = func() time.Time { return env.now }

	cfg := config.Config{DefaultDurationMinutes: 15, EstimatorConfidenceFloor: 0.5}
	est := fixedEstimator{pred: estimator.Prediction{Minutes: 20, Confidence: 0.9}}
	env.svc = NewService(env.repo, env.engine, est, cfg, log)
	env.svc.now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) addPatient(punctuality float64) uuid.UUID {
	p := &Patient{ID: uuid.New(), Name: "test patient", PunctualityScore: punctuality}
	_ = env.repo.CreatePatient(context.Background(), p)
	return p.ID
}

func (env *testEnv) openDay(mode Mode) *ClinicDay {
	day, err := env.svc.OpenDay(context.Background(), uuid.New(), dayStart, dayStart.Add(9*time.Hour), testConfig(mode))
	if err != nil {
		panic(err)
	}
	return day
}

// flush drains any pending recompute pass synchronously.
func (env *testEnv) flush(dayID uuid.UUID) error {
	return env.engine.Flush(context.Background(), dayID)
}
