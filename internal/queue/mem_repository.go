package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepository is an in-memory Repository with the same compare-and-swap
// semantics as the Postgres implementation. It backs tests and local runs
// without a database.
type MemRepository struct {
	mu        sync.Mutex
	days      map[uuid.UUID]*ClinicDay
	patients  map[uuid.UUID]*Patient
	entries   map[uuid.UUID]*QueueEntry
	positions map[uuid.UUID]int
	processed map[uuid.UUID]bool
	events    []DisruptionEvent
}

func NewMemRepository() *MemRepository {
	return &MemRepository{
		days:      make(map[uuid.UUID]*ClinicDay),
		patients:  make(map[uuid.UUID]*Patient),
		entries:   make(map[uuid.UUID]*QueueEntry),
		positions: make(map[uuid.UUID]int),
		processed: make(map[uuid.UUID]bool),
	}
}

func cloneDay(d *ClinicDay) *ClinicDay {
	out := *d
	out.Config.Blocks = append([]Block(nil), d.Config.Blocks...)
	if d.Config.Weights.TypeWeights != nil {
		tw := make(map[AppointmentType]float64, len(d.Config.Weights.TypeWeights))
		for k, v := range d.Config.Weights.TypeWeights {
			tw[k] = v
		}
		out.Config.Weights.TypeWeights = tw
	}
	if d.ClosedAt != nil {
		t := *d.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

func cloneEntry(e *QueueEntry) *QueueEntry {
	out := *e
	out.DisruptionFlags = append([]DisruptionKind(nil), e.DisruptionFlags...)
	copyTime := func(t **time.Time) {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	copyTime(&out.ScheduledTime)
	copyTime(&out.CheckedInAt)
	copyTime(&out.CalledAt)
	copyTime(&out.CompletedAt)
	if e.ActualDurationMinutes != nil {
		v := *e.ActualDurationMinutes
		out.ActualDurationMinutes = &v
	}
	return &out
}

func (r *MemRepository) CreateDay(ctx context.Context, day *ClinicDay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.days[day.ID]; exists {
		return fmt.Errorf("clinic day %s already exists", day.ID)
	}
	r.days[day.ID] = cloneDay(day)
	return nil
}

func (r *MemRepository) GetDay(ctx context.Context, id uuid.UUID) (*ClinicDay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.days[id]
	if !ok {
		return nil, ErrDayNotFound
	}
	return cloneDay(d), nil
}

func (r *MemRepository) UpdateDay(ctx context.Context, day *ClinicDay) (*ClinicDay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.days[day.ID]
	if !ok {
		return nil, ErrDayNotFound
	}
	if stored.Version != day.Version {
		return nil, fmt.Errorf("%w: clinic day %s", ErrVersionConflict, day.ID)
	}
	updated := cloneDay(day)
	updated.Version = stored.Version + 1
	r.days[day.ID] = updated
	day.Version = updated.Version
	return cloneDay(updated), nil
}

func (r *MemRepository) ListOpenDays(ctx context.Context) ([]ClinicDay, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ClinicDay
	for _, d := range r.days {
		if d.ClosedAt == nil {
			out = append(out, *cloneDay(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpensAt.Before(out[j].OpensAt) })
	return out, nil
}

func (r *MemRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	out := *p
	return &out, nil
}

func (r *MemRepository) CreatePatient(ctx context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *p
	r.patients[p.ID] = &stored
	return nil
}

func (r *MemRepository) CreateEntry(ctx context.Context, e *QueueEntry) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.ID]; exists {
		return nil, fmt.Errorf("entry %s already exists", e.ID)
	}
	r.entries[e.ID] = cloneEntry(e)
	return cloneEntry(e), nil
}

func (r *MemRepository) GetEntryByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

func (r *MemRepository) ListEntries(ctx context.Context, dayID uuid.UUID) ([]*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*QueueEntry
	for _, e := range r.entries {
		if e.ClinicDayID == dayID {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuePosition < out[j].QueuePosition })
	return out, nil
}

func (r *MemRepository) UpdateEntry(ctx context.Context, e *QueueEntry, fromVersion int64) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.entries[e.ID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if stored.QueueVersion != fromVersion {
		return nil, fmt.Errorf("%w: entry %s", ErrVersionConflict, e.ID)
	}
	updated := cloneEntry(e)
	updated.QueueVersion = fromVersion + 1
	r.entries[e.ID] = updated
	e.QueueVersion = updated.QueueVersion
	return cloneEntry(updated), nil
}

func (r *MemRepository) NextPositions(ctx context.Context, dayID uuid.UUID, n int) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.days[dayID]; !ok {
		return nil, ErrDayNotFound
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		r.positions[dayID]++
		out[i] = r.positions[dayID]
	}
	return out, nil
}

func (r *MemRepository) MarkEventProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processed[eventID] {
		return false, nil
	}
	r.processed[eventID] = true
	return true, nil
}

func (r *MemRepository) InsertEvent(ctx context.Context, ev DisruptionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns the recorded event log, oldest first.
func (r *MemRepository) Events() []DisruptionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DisruptionEvent(nil), r.events...)
}

func (r *MemRepository) AverageDuration(ctx context.Context, clinicID uuid.UUID, t AppointmentType) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum, count := 0, 0
	for _, e := range r.entries {
		day, ok := r.days[e.ClinicDayID]
		if !ok || day.ClinicID != clinicID {
			continue
		}
		if e.Status == StatusCompleted && e.ActualDurationMinutes != nil && e.AppointmentType == t {
			sum += *e.ActualDurationMinutes
			count++
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("no duration history for %s", t)
	}
	return sum / count, nil
}
