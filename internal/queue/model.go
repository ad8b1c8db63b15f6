package queue

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusCheckedIn  Status = "checked_in"
	StatusWaiting    Status = "waiting"
	StatusCalled     Status = "called"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusNoShow     Status = "no_show"
	StatusCancelled  Status = "cancelled"
	StatusReturned   Status = "returned"
)

// Terminal reports whether the status admits no further transitions and the
// entry is excluded from active ordering and recalculation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether the entry still participates in ordering and
// estimate recomputation. no_show entries are not active but may return.
func (s Status) Active() bool {
	switch s {
	case StatusScheduled, StatusCheckedIn, StatusWaiting, StatusCalled, StatusInProgress, StatusReturned:
		return true
	}
	return false
}

type AppointmentType string

const (
	TypeConsultation AppointmentType = "consultation"
	TypeFollowUp     AppointmentType = "follow_up"
	TypeEmergency    AppointmentType = "emergency"
	TypeWalkIn       AppointmentType = "walk_in"
)

type Mode string

const (
	ModeSlotted Mode = "slotted"
	ModeFluid   Mode = "fluid"
)

// DisruptionKind is the detector's classification of an event.
type DisruptionKind string

const (
	DisruptionLateArrival      DisruptionKind = "late_arrival"
	DisruptionAbsent           DisruptionKind = "absent"
	DisruptionAbsentRecovered  DisruptionKind = "absent_recovered"
	DisruptionDurationOverrun  DisruptionKind = "duration_overrun"
	DisruptionDurationUnderrun DisruptionKind = "duration_underrun"
	DisruptionManualReorder    DisruptionKind = "manual_reorder"
	DisruptionEmergencyInsert  DisruptionKind = "emergency_insert"
	DisruptionStaffGap         DisruptionKind = "staff_gap"
)

// EventKind identifies a raw domain event arriving at the boundary.
type EventKind string

const (
	EventCheckedIn            EventKind = "checked_in"
	EventMarkedAbsent         EventKind = "marked_absent"
	EventReturnedAfterAbsent  EventKind = "returned_after_absent"
	EventDurationCompleted    EventKind = "duration_completed"
	EventManualPositionChange EventKind = "manual_position_change"
	EventEntryInserted        EventKind = "entry_inserted"
	EventStaffUnavailable     EventKind = "staff_unavailable"
	EventPeriodicOverrunCheck EventKind = "periodic_overrun_check"
)

type EstimateBasis string

const (
	BasisScheduled    EstimateBasis = "scheduled"
	BasisRecalculated EstimateBasis = "recalculated"
)

// Estimate is the currently displayed expected start time for an entry. It is
// distinct from ScheduledTime, which in slotted mode never changes once set.
type Estimate struct {
	EstimatedStart time.Time
	Confidence     float64
	Basis          EstimateBasis
	LastUpdatedAt  time.Time
}

type Patient struct {
	ID   uuid.UUID
	Name string
	// PunctualityScore is the historical on-time fraction in [0,1].
	// 1.0 when no history exists.
	PunctualityScore float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// QueueEntry is one person's place in a single clinic-day's queue.
type QueueEntry struct {
	ID              uuid.UUID
	ClinicDayID     uuid.UUID
	PatientID       uuid.UUID
	AppointmentType AppointmentType

	// ScheduledTime is set for pre-booked entries and nil for walk-ins.
	ScheduledTime            *time.Time
	EstimatedDurationMinutes int
	ActualDurationMinutes    *int

	// QueuePosition is unique within a clinic-day and never reused after
	// removal. It defines fluid-mode order and breaks ties in slotted mode.
	QueuePosition int

	Status      Status
	CheckedInAt *time.Time
	CalledAt    *time.Time
	CompletedAt *time.Time

	DisruptionFlags []DisruptionKind
	Estimate        Estimate

	// QueueVersion is the optimistic-concurrency token; bumped on every
	// mutation. Writers must supply the version they read.
	QueueVersion int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Flagged reports whether the entry already carries the given disruption flag.
func (e *QueueEntry) Flagged(kind DisruptionKind) bool {
	for _, f := range e.DisruptionFlags {
		if f == kind {
			return true
		}
	}
	return false
}

// Flag attributes a disruption kind to the entry, once.
func (e *QueueEntry) Flag(kind DisruptionKind) {
	if !e.Flagged(kind) {
		e.DisruptionFlags = append(e.DisruptionFlags, kind)
	}
}

// ExpectedCallTime is the reference point for the no-show grace period:
// the scheduled time when present, otherwise the current estimate.
func (e *QueueEntry) ExpectedCallTime() time.Time {
	if e.ScheduledTime != nil {
		return *e.ScheduledTime
	}
	return e.Estimate.EstimatedStart
}

// Block binds a contiguous time range of a clinic-day to one mode. An ordered,
// non-overlapping block list is the hybrid configuration.
type Block struct {
	Start time.Time
	End   time.Time
	Mode  Mode
}

func (b Block) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// PriorityWeights configure the fluid-mode scorer. All weights are required
// configuration; there are no universal defaults.
type PriorityWeights struct {
	WaitingMinutes float64
	TypeWeight     float64
	Punctuality    float64
	EmergencyBoost float64
	TypeWeights    map[AppointmentType]float64
}

// DayConfig is the per-clinic-day queue configuration, validated when the day
// is opened.
type DayConfig struct {
	Mode                            Mode
	Blocks                          []Block
	GracePeriodMinutes              int
	LateThresholdMinutes            int
	DurationOverrunThresholdMinutes int
	DebounceWindowMs                int
	IdleGapMinutes                  int
	ActiveStaffCount                int
	Weights                         PriorityWeights
}

// ClinicDay is the aggregate root: one clinic's queue for one operating day.
type ClinicDay struct {
	ID       uuid.UUID
	ClinicID uuid.UUID
	Date     time.Time
	OpensAt  time.Time
	ClosesAt time.Time
	Config   DayConfig

	// CumulativeDelayMinutes tracks total drift introduced since day start,
	// exposed for observability.
	CumulativeDelayMinutes int

	ClosedAt  *time.Time
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d *ClinicDay) Open() bool {
	return d.ClosedAt == nil
}

// ModeAt resolves the strategy mode in effect at a given instant. With no
// blocks configured the day-level mode applies throughout.
func (d *ClinicDay) ModeAt(t time.Time) Mode {
	for _, b := range d.Config.Blocks {
		if b.Contains(t) {
			return b.Mode
		}
	}
	return d.Config.Mode
}

// DisruptionEvent is a raw domain event for a clinic-day. Events are delivered
// at-least-once; ID dedupes replays.
type DisruptionEvent struct {
	ID          uuid.UUID
	Kind        EventKind
	ClinicDayID uuid.UUID
	EntryID     *uuid.UUID
	ObservedAt  time.Time

	// Kind-specific payload fields.
	ActualDurationMinutes *int
	NewPosition           *int

	Classification DisruptionKind
	CreatedAt      time.Time
}

// Snapshot is the published view of a clinic-day: active ordering with current
// estimates plus the day-level delay gauge.
type Snapshot struct {
	Day     *ClinicDay
	Entries []*QueueEntry
}
