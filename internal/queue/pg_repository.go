package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanDay(row pgx.Row) (*ClinicDay, error) {
	var d ClinicDay
	var cfg []byte
	var closedAt *time.Time

	err := row.Scan(
		&d.ID,
		&d.ClinicID,
		&d.Date,
		&d.OpensAt,
		&d.ClosesAt,
		&cfg,
		&d.CumulativeDelayMinutes,
		&closedAt,
		&d.Version,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDayNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(cfg, &d.Config); err != nil {
		return nil, fmt.Errorf("decode day config: %w", err)
	}
	d.ClosedAt = closedAt
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.PunctualityScore,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	var flags []string
	var estStart *time.Time

	err := row.Scan(
		&e.ID,
		&e.ClinicDayID,
		&e.PatientID,
		&e.AppointmentType,
		&e.ScheduledTime,
		&e.EstimatedDurationMinutes,
		&e.ActualDurationMinutes,
		&e.QueuePosition,
		&e.Status,
		&e.CheckedInAt,
		&e.CalledAt,
		&e.CompletedAt,
		&flags,
		&estStart,
		&e.Estimate.Confidence,
		&e.Estimate.Basis,
		&e.Estimate.LastUpdatedAt,
		&e.QueueVersion,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	for _, f := range flags {
		e.DisruptionFlags = append(e.DisruptionFlags, DisruptionKind(f))
	}
	if estStart != nil {
		e.Estimate.EstimatedStart = *estStart
	}
	return &e, nil
}

const entryColumns = `
	id, clinic_day_id, patient_id, appointment_type, scheduled_time,
	estimated_duration_minutes, actual_duration_minutes, queue_position,
	status, checked_in_at, called_at, completed_at, disruption_flags,
	estimated_start, estimate_confidence, estimate_basis, estimate_updated_at,
	queue_version, created_at, updated_at`

const dayColumns = `
	id, clinic_id, date, opens_at, closes_at, config, cumulative_delay_minutes,
	closed_at, version, created_at, updated_at`

func flagStrings(flags []DisruptionKind) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}

// Interface methods

func (r *PgRepository) CreateDay(ctx context.Context, day *ClinicDay) error {
	cfg, err := json.Marshal(day.Config)
	if err != nil {
		return fmt.Errorf("encode day config: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO clinic_days (id, clinic_id, date, opens_at, closes_at, config,
			cumulative_delay_minutes, closed_at, next_position, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NULL, 0, $7, $8, $8)
	`, day.ID, day.ClinicID, day.Date, day.OpensAt, day.ClosesAt, cfg, day.Version, day.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert clinic day: %w", err)
	}
	return nil
}

func (r *PgRepository) GetDay(ctx context.Context, id uuid.UUID) (*ClinicDay, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+dayColumns+`
		FROM clinic_days
		WHERE id = $1
	`, id)
	return scanDay(row)
}

func (r *PgRepository) UpdateDay(ctx context.Context, day *ClinicDay) (*ClinicDay, error) {
	cfg, err := json.Marshal(day.Config)
	if err != nil {
		return nil, fmt.Errorf("encode day config: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE clinic_days
		SET config = $2,
		    cumulative_delay_minutes = $3,
		    closed_at = $4,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND version = $5
		RETURNING `+dayColumns+`
	`, day.ID, cfg, day.CumulativeDelayMinutes, day.ClosedAt, day.Version)

	updated, err := scanDay(row)
	if err != nil {
		if errors.Is(err, ErrDayNotFound) {
			if _, getErr := r.GetDay(ctx, day.ID); getErr == nil {
				return nil, fmt.Errorf("%w: clinic day %s", ErrVersionConflict, day.ID)
			}
			return nil, ErrDayNotFound
		}
		return nil, err
	}
	day.Version = updated.Version
	return updated, nil
}

func (r *PgRepository) ListOpenDays(ctx context.Context) ([]ClinicDay, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+dayColumns+`
		FROM clinic_days
		WHERE closed_at IS NULL
		ORDER BY opens_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ClinicDay
	for rows.Next() {
		d, err := scanDay(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, punctuality_score, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) CreatePatient(ctx context.Context, p *Patient) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patients (id, name, punctuality_score, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
	`, p.ID, p.Name, p.PunctualityScore)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *PgRepository) CreateEntry(ctx context.Context, e *QueueEntry) (*QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO queue_entries (id, clinic_day_id, patient_id, appointment_type,
			scheduled_time, estimated_duration_minutes, actual_duration_minutes,
			queue_position, status, checked_in_at, called_at, completed_at,
			disruption_flags, estimated_start, estimate_confidence, estimate_basis,
			estimate_updated_at, queue_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
		RETURNING `+entryColumns+`
	`, e.ID, e.ClinicDayID, e.PatientID, e.AppointmentType, e.ScheduledTime,
		e.EstimatedDurationMinutes, e.ActualDurationMinutes, e.QueuePosition,
		e.Status, e.CheckedInAt, e.CalledAt, e.CompletedAt,
		flagStrings(e.DisruptionFlags), nullableTime(e.Estimate.EstimatedStart),
		e.Estimate.Confidence, e.Estimate.Basis, e.Estimate.LastUpdatedAt,
		e.QueueVersion, e.CreatedAt)
	return scanEntry(row)
}

func (r *PgRepository) GetEntryByID(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE id = $1
	`, id)
	return scanEntry(row)
}

func (r *PgRepository) ListEntries(ctx context.Context, dayID uuid.UUID) ([]*QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_day_id = $1
		ORDER BY queue_position
	`, dayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// UpdateEntry commits the entry guarded by the version the writer read. A
// stale version is rejected, never silently overwritten.
func (r *PgRepository) UpdateEntry(ctx context.Context, e *QueueEntry, fromVersion int64) (*QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE queue_entries
		SET appointment_type = $2,
		    scheduled_time = $3,
		    estimated_duration_minutes = $4,
		    actual_duration_minutes = $5,
		    queue_position = $6,
		    status = $7,
		    checked_in_at = $8,
		    called_at = $9,
		    completed_at = $10,
		    disruption_flags = $11,
		    estimated_start = $12,
		    estimate_confidence = $13,
		    estimate_basis = $14,
		    estimate_updated_at = $15,
		    queue_version = $16 + 1,
		    updated_at = now()
		WHERE id = $1
		  AND queue_version = $16
		RETURNING `+entryColumns+`
	`, e.ID, e.AppointmentType, e.ScheduledTime, e.EstimatedDurationMinutes,
		e.ActualDurationMinutes, e.QueuePosition, e.Status, e.CheckedInAt,
		e.CalledAt, e.CompletedAt, flagStrings(e.DisruptionFlags),
		nullableTime(e.Estimate.EstimatedStart), e.Estimate.Confidence,
		e.Estimate.Basis, e.Estimate.LastUpdatedAt, fromVersion)

	updated, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			if _, getErr := r.GetEntryByID(ctx, e.ID); getErr == nil {
				return nil, fmt.Errorf("%w: entry %s", ErrVersionConflict, e.ID)
			}
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	e.QueueVersion = updated.QueueVersion
	return updated, nil
}

// NextPositions advances the day's position counter. Values are monotonic per
// clinic-day and never handed out twice.
func (r *PgRepository) NextPositions(ctx context.Context, dayID uuid.UUID, n int) ([]int, error) {
	var last int
	err := r.pool.QueryRow(ctx, `
		UPDATE clinic_days
		SET next_position = next_position + $2
		WHERE id = $1
		RETURNING next_position
	`, dayID, n).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDayNotFound
		}
		return nil, fmt.Errorf("advance position counter: %w", err)
	}

	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = last - n + i + 1
	}
	return out, nil
}

func (r *PgRepository) MarkEventProcessed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id, processed_at)
		VALUES ($1, now())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev DisruptionEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO disruption_events (id, kind, clinic_day_id, entry_id, observed_at,
			actual_duration_minutes, new_position, classification, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), COALESCE($9, now()))
	`, ev.ID, ev.Kind, ev.ClinicDayID, ev.EntryID, ev.ObservedAt,
		ev.ActualDurationMinutes, ev.NewPosition, string(ev.Classification), nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert disruption event: %w", err)
	}
	return nil
}

// AverageDuration is the clinic's historical mean actual service length for
// the appointment type, used as the estimator fallback.
func (r *PgRepository) AverageDuration(ctx context.Context, clinicID uuid.UUID, t AppointmentType) (int, error) {
	var avg *float64
	err := r.pool.QueryRow(ctx, `
		SELECT AVG(e.actual_duration_minutes)
		FROM queue_entries e
		JOIN clinic_days d ON d.id = e.clinic_day_id
		WHERE d.clinic_id = $1
		  AND e.appointment_type = $2
		  AND e.status = 'completed'
		  AND e.actual_duration_minutes IS NOT NULL
	`, clinicID, t).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average duration: %w", err)
	}
	if avg == nil || *avg <= 0 {
		return 0, fmt.Errorf("no duration history for %s", t)
	}
	return int(*avg + 0.5), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
