package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue-engine/internal/queue"
)

type BlockPayload struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Mode  string    `json:"mode"`
}

type PriorityWeightsPayload struct {
	WaitingMinutes float64            `json:"waiting_minutes"`
	TypeWeight     float64            `json:"type_weight"`
	Punctuality    float64            `json:"punctuality"`
	EmergencyBoost float64            `json:"emergency_boost"`
	TypeWeights    map[string]float64 `json:"type_weights,omitempty"`
}

type DayConfigPayload struct {
	Mode                            string                 `json:"mode"`
	Blocks                          []BlockPayload         `json:"blocks,omitempty"`
	GracePeriodMinutes              int                    `json:"grace_period_minutes"`
	LateThresholdMinutes            int                    `json:"late_threshold_minutes"`
	DurationOverrunThresholdMinutes int                    `json:"duration_overrun_threshold_minutes"`
	DebounceWindowMs                int                    `json:"debounce_window_ms"`
	IdleGapMinutes                  int                    `json:"idle_gap_minutes"`
	ActiveStaffCount                int                    `json:"active_staff_count"`
	PriorityWeights                 PriorityWeightsPayload `json:"priority_weights"`
}

func (p DayConfigPayload) toDomain() queue.DayConfig {
	cfg := queue.DayConfig{
		Mode:                            queue.Mode(p.Mode),
		GracePeriodMinutes:              p.GracePeriodMinutes,
		LateThresholdMinutes:            p.LateThresholdMinutes,
		DurationOverrunThresholdMinutes: p.DurationOverrunThresholdMinutes,
		DebounceWindowMs:                p.DebounceWindowMs,
		IdleGapMinutes:                  p.IdleGapMinutes,
		ActiveStaffCount:                p.ActiveStaffCount,
		Weights: queue.PriorityWeights{
			WaitingMinutes: p.PriorityWeights.WaitingMinutes,
			TypeWeight:     p.PriorityWeights.TypeWeight,
			Punctuality:    p.PriorityWeights.Punctuality,
			EmergencyBoost: p.PriorityWeights.EmergencyBoost,
		},
	}
	for _, b := range p.Blocks {
		cfg.Blocks = append(cfg.Blocks, queue.Block{Start: b.Start, End: b.End, Mode: queue.Mode(b.Mode)})
	}
	if p.PriorityWeights.TypeWeights != nil {
		cfg.Weights.TypeWeights = make(map[queue.AppointmentType]float64, len(p.PriorityWeights.TypeWeights))
		for k, v := range p.PriorityWeights.TypeWeights {
			cfg.Weights.TypeWeights[queue.AppointmentType(k)] = v
		}
	}
	return cfg
}

type OpenDayRequest struct {
	ClinicID string           `json:"clinic_id"`
	OpensAt  time.Time        `json:"opens_at"`
	ClosesAt time.Time        `json:"closes_at"`
	Config   DayConfigPayload `json:"config"`
}

type CloseDayRequest struct {
	Version int64 `json:"version"`
}

type BookEntryRequest struct {
	PatientID       string    `json:"patient_id"`
	AppointmentType string    `json:"appointment_type"`
	ScheduledTime   time.Time `json:"scheduled_time"`
}

type WalkInRequest struct {
	PatientID       string `json:"patient_id"`
	AppointmentType string `json:"appointment_type"`
}

type VersionedRequest struct {
	QueueVersion int64 `json:"queue_version"`
}

type CompleteServiceRequest struct {
	ActualDurationMinutes int   `json:"actual_duration_minutes"`
	QueueVersion          int64 `json:"queue_version"`
}

type ReorderRequest struct {
	NewPosition  int   `json:"new_position"`
	QueueVersion int64 `json:"queue_version"`
}

type IngestEventRequest struct {
	ID                    string     `json:"id"`
	Kind                  string     `json:"kind"`
	EntryID               *string    `json:"entry_id,omitempty"`
	ObservedAt            *time.Time `json:"observed_at,omitempty"`
	ActualDurationMinutes *int       `json:"actual_duration_minutes,omitempty"`
	NewPosition           *int       `json:"new_position,omitempty"`
}

type EstimateResponse struct {
	EstimatedStart time.Time `json:"estimated_start"`
	Confidence     float64   `json:"confidence"`
	Basis          string    `json:"basis"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

type EntryResponse struct {
	ID                       uuid.UUID        `json:"id"`
	ClinicDayID              uuid.UUID        `json:"clinic_day_id"`
	PatientID                uuid.UUID        `json:"patient_id"`
	AppointmentType          string           `json:"appointment_type"`
	ScheduledTime            *time.Time       `json:"scheduled_time,omitempty"`
	EstimatedDurationMinutes int              `json:"estimated_duration_minutes"`
	ActualDurationMinutes    *int             `json:"actual_duration_minutes,omitempty"`
	QueuePosition            int              `json:"queue_position"`
	Status                   string           `json:"status"`
	CheckedInAt              *time.Time       `json:"checked_in_at,omitempty"`
	CalledAt                 *time.Time       `json:"called_at,omitempty"`
	CompletedAt              *time.Time       `json:"completed_at,omitempty"`
	DisruptionFlags          []string         `json:"disruption_flags,omitempty"`
	Estimate                 EstimateResponse `json:"estimate"`
	QueueVersion             int64            `json:"queue_version"`
}

func toEntryResponse(e *queue.QueueEntry) EntryResponse {
	resp := EntryResponse{
		ID:                       e.ID,
		ClinicDayID:              e.ClinicDayID,
		PatientID:                e.PatientID,
		AppointmentType:          string(e.AppointmentType),
		ScheduledTime:            e.ScheduledTime,
		EstimatedDurationMinutes: e.EstimatedDurationMinutes,
		ActualDurationMinutes:    e.ActualDurationMinutes,
		QueuePosition:            e.QueuePosition,
		Status:                   string(e.Status),
		CheckedInAt:              e.CheckedInAt,
		CalledAt:                 e.CalledAt,
		CompletedAt:              e.CompletedAt,
		Estimate: EstimateResponse{
			EstimatedStart: e.Estimate.EstimatedStart,
			Confidence:     e.Estimate.Confidence,
			Basis:          string(e.Estimate.Basis),
			LastUpdatedAt:  e.Estimate.LastUpdatedAt,
		},
		QueueVersion: e.QueueVersion,
	}
	for _, f := range e.DisruptionFlags {
		resp.DisruptionFlags = append(resp.DisruptionFlags, string(f))
	}
	return resp
}

type DayResponse struct {
	ID                     uuid.UUID  `json:"id"`
	ClinicID               uuid.UUID  `json:"clinic_id"`
	OpensAt                time.Time  `json:"opens_at"`
	ClosesAt               time.Time  `json:"closes_at"`
	Mode                   string     `json:"mode"`
	CumulativeDelayMinutes int        `json:"cumulative_delay_minutes"`
	ClosedAt               *time.Time `json:"closed_at,omitempty"`
	Version                int64      `json:"version"`
}

func toDayResponse(d *queue.ClinicDay) DayResponse {
	return DayResponse{
		ID:                     d.ID,
		ClinicID:               d.ClinicID,
		OpensAt:                d.OpensAt,
		ClosesAt:               d.ClosesAt,
		Mode:                   string(d.Config.Mode),
		CumulativeDelayMinutes: d.CumulativeDelayMinutes,
		ClosedAt:               d.ClosedAt,
		Version:                d.Version,
	}
}

type SnapshotResponse struct {
	Day     DayResponse     `json:"clinic_day"`
	Entries []EntryResponse `json:"entries"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
