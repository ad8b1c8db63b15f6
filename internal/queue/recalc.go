package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/clinic-queue-engine/internal/redis"
)

const (
	maxPassRetries = 3
	passTimeout    = 30 * time.Second
	lockRetryDelay = 250 * time.Millisecond
)

// RecomputeEstimates walks the affected entries in order, accumulating a
// running available-from clock seeded at max(now, end of current in-progress
// service). Each entry's estimate becomes the clock value; the clock then
// advances by the entry's estimated duration divided across active staff.
//
// In slotted mode an estimate never moves earlier than the booked slot: the
// scheduled time floors the start. The return value is the positive drift in
// minutes this pass introduced, fed into the day's cumulative delay gauge.
//
// The fold is pure over the ordered state it is given, so re-running it
// against an unchanged event log yields identical estimates.
func RecomputeEstimates(day *ClinicDay, entries, affected []*QueueEntry, now time.Time) int {
	availableFrom := now
	for _, e := range entries {
		if e.Status != StatusInProgress {
			continue
		}
		started := now
		if e.CalledAt != nil {
			started = *e.CalledAt
		}
		end := started.Add(minutes(e.EstimatedDurationMinutes))
		if end.After(availableFrom) {
			availableFrom = end
		}
	}

	staff := day.Config.ActiveStaffCount
	if staff < 1 {
		staff = 1
	}
	slotted := day.ModeAt(now) == ModeSlotted

	delay := 0
	for _, e := range affected {
		start := availableFrom
		if slotted && e.ScheduledTime != nil && start.Before(*e.ScheduledTime) {
			start = *e.ScheduledTime
		}

		prev := e.Estimate.EstimatedStart
		if prev.IsZero() && e.ScheduledTime != nil {
			prev = *e.ScheduledTime
		}
		if !prev.IsZero() && start.After(prev) {
			delay += int(start.Sub(prev).Minutes())
		}

		e.Estimate.EstimatedStart = start
		e.Estimate.Basis = BasisRecalculated
		e.Estimate.LastUpdatedAt = now

		availableFrom = start.Add(minutes(e.EstimatedDurationMinutes) / time.Duration(staff))
	}
	return delay
}

// Engine batches disruption events per clinic-day behind a debounce window
// and turns each batch into a single recompute pass. Passes for one day are
// serialized via the distributed day lock; passes for different days run
// independently.
type Engine struct {
	repo   Repository
	locker redisclient.Locker
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingPass
	closed  bool
}

type pendingPass struct {
	timer  *time.Timer
	events []DisruptionEvent
}

func NewEngine(repo Repository, locker redisclient.Locker, log zerolog.Logger) *Engine {
	return &Engine{
		repo:    repo,
		locker:  locker,
		log:     log,
		now:     time.Now,
		pending: make(map[uuid.UUID]*pendingPass),
	}
}

// Notify queues classified disruption events for the clinic-day and arms the
// debounce timer. A new event inside the window resets the timer, so bursts
// of near-simultaneous disruptions coalesce into one pass.
func (g *Engine) Notify(day *ClinicDay, events ...DisruptionEvent) {
	if len(events) == 0 {
		return
	}

	window := time.Duration(day.Config.DebounceWindowMs) * time.Millisecond
	dayID := day.ID

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}

	p, ok := g.pending[dayID]
	if !ok {
		p = &pendingPass{}
		g.pending[dayID] = p
	}
	p.events = append(p.events, events...)

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(window, func() { g.fire(dayID) })
}

func (g *Engine) fire(dayID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	if err := g.Flush(ctx, dayID); err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			// Another process holds the day; try again shortly.
			g.rearm(dayID, lockRetryDelay)
			return
		}
		g.log.Error().Err(err).Str("clinic_day_id", dayID.String()).Msg("recompute pass failed")
	}
}

func (g *Engine) rearm(dayID uuid.UUID, delay time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	p, ok := g.pending[dayID]
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(delay, func() { g.fire(dayID) })
}

// Flush runs the recompute pass for the day's queued events synchronously.
// With nothing queued it is a no-op. The pass commits all-or-nothing: on a
// version conflict it retries against fresh state; events stay queued only
// while the pass has not run.
func (g *Engine) Flush(ctx context.Context, dayID uuid.UUID) error {
	g.mu.Lock()
	p, ok := g.pending[dayID]
	if !ok || len(p.events) == 0 {
		g.mu.Unlock()
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	events := p.events
	delete(g.pending, dayID)
	g.mu.Unlock()

	err := g.locker.WithDayLock(ctx, dayID, func(lockCtx context.Context) error {
		return g.pass(lockCtx, dayID, events)
	})
	if err != nil && errors.Is(err, redisclient.ErrLockNotAcquired) {
		// Put the batch back so a later attempt still sees it.
		g.mu.Lock()
		if !g.closed {
			q, ok := g.pending[dayID]
			if !ok {
				q = &pendingPass{}
				g.pending[dayID] = q
			}
			q.events = append(events, q.events...)
		}
		g.mu.Unlock()
	}
	return err
}

func (g *Engine) pass(ctx context.Context, dayID uuid.UUID, events []DisruptionEvent) error {
	var lastErr error
	for attempt := 0; attempt < maxPassRetries; attempt++ {
		err := g.runOnce(ctx, dayID, events)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("recompute pass gave up after %d attempts: %w", maxPassRetries, lastErr)
}

func (g *Engine) runOnce(ctx context.Context, dayID uuid.UUID, events []DisruptionEvent) error {
	day, err := g.repo.GetDay(ctx, dayID)
	if err != nil {
		return fmt.Errorf("load clinic day: %w", err)
	}
	if !day.Open() {
		// Day closed while the pass was pending: discard without committing.
		g.log.Info().Str("clinic_day_id", dayID.String()).Msg("dropping recompute for closed day")
		return nil
	}

	entries, err := g.repo.ListEntries(ctx, dayID)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}

	now := g.now()
	scorer := Scorer{
		Weights:     day.Config.Weights,
		Punctuality: RepoPunctuality(ctx, g.repo),
	}
	strategy := StrategyFor(day, now, scorer)

	affected := affectedUnion(day, entries, events, strategy, now)
	if len(affected) == 0 {
		return nil
	}

	versions := make(map[uuid.UUID]int64, len(affected))
	for _, e := range affected {
		versions[e.ID] = e.QueueVersion
	}

	delay := RecomputeEstimates(day, entries, affected, now)

	for _, e := range affected {
		if _, err := g.repo.UpdateEntry(ctx, e, versions[e.ID]); err != nil {
			return fmt.Errorf("commit estimate for entry %s: %w", e.ID, err)
		}
	}

	if delay != 0 {
		day.CumulativeDelayMinutes += delay
		if _, err := g.repo.UpdateDay(ctx, day); err != nil {
			return fmt.Errorf("commit cumulative delay: %w", err)
		}
	}

	g.log.Info().
		Str("clinic_day_id", dayID.String()).
		Int("events", len(events)).
		Int("recomputed", len(affected)).
		Int("delay_minutes", delay).
		Msg("recompute pass committed")
	return nil
}

// affectedUnion merges each event's affected set, preserving the strategy's
// recompute order and dropping duplicates.
func affectedUnion(day *ClinicDay, entries []*QueueEntry, events []DisruptionEvent, strategy Strategy, now time.Time) []*QueueEntry {
	seen := make(map[uuid.UUID]bool)
	var out []*QueueEntry
	for _, ev := range events {
		for _, e := range strategy.OnDisruption(day, entries, ev, now) {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	if len(events) > 1 && len(out) > 1 {
		// Re-sort the union so the fold order matches a single-event pass.
		single := strategy.OnDisruption(day, entries, DisruptionEvent{}, now)
		ordered := make([]*QueueEntry, 0, len(out))
		for _, e := range single {
			if seen[e.ID] {
				ordered = append(ordered, e)
			}
		}
		if len(ordered) == len(out) {
			out = ordered
		}
	}
	return out
}

// CancelDay discards any pending pass for the day without committing partial
// estimates. Used when a clinic-day is closed.
func (g *Engine) CancelDay(dayID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pending[dayID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(g.pending, dayID)
	}
}

// Close stops all pending timers. In-flight passes finish on their own.
func (g *Engine) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, p := range g.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(g.pending, id)
	}
}
