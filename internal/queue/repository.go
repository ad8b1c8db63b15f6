package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrDayNotFound     = errors.New("clinic day not found")
	ErrEntryNotFound   = errors.New("queue entry not found")
	ErrPatientNotFound = errors.New("patient not found")

	// ErrVersionConflict is returned when a write supplies a stale
	// queue version. The caller must refetch and retry.
	ErrVersionConflict = errors.New("queue version conflict")
)

// Repository contains all DB interactions needed by the service and the
// recalculation engine.
type Repository interface {
	CreateDay(ctx context.Context, day *ClinicDay) error
	GetDay(ctx context.Context, id uuid.UUID) (*ClinicDay, error)
	// UpdateDay commits day-level fields if the supplied version is still
	// current, bumping the version. ErrVersionConflict otherwise.
	UpdateDay(ctx context.Context, day *ClinicDay) (*ClinicDay, error)
	ListOpenDays(ctx context.Context) ([]ClinicDay, error)

	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	CreatePatient(ctx context.Context, p *Patient) error

	CreateEntry(ctx context.Context, e *QueueEntry) (*QueueEntry, error)
	GetEntryByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	// ListEntries returns every entry of the clinic-day ordered by queue
	// position, terminal entries included (the day's history).
	ListEntries(ctx context.Context, dayID uuid.UUID) ([]*QueueEntry, error)
	// UpdateEntry commits the entry if its stored queue version equals
	// fromVersion, writing e.QueueVersion = fromVersion+1.
	UpdateEntry(ctx context.Context, e *QueueEntry, fromVersion int64) (*QueueEntry, error)

	// NextPositions allocates n fresh queue positions for the day. Positions
	// are never reused, so allocation is a monotonic counter.
	NextPositions(ctx context.Context, dayID uuid.UUID, n int) ([]int, error)

	// MarkEventProcessed records an ingress event id and reports whether it
	// was seen for the first time. Duplicate deliveries return false.
	MarkEventProcessed(ctx context.Context, eventID uuid.UUID) (bool, error)
	InsertEvent(ctx context.Context, ev DisruptionEvent) error

	// AverageDuration is the rule-based fallback for the duration estimator:
	// the clinic's historical mean service length for the appointment type.
	AverageDuration(ctx context.Context, clinicID uuid.UUID, t AppointmentType) (int, error)
}
