package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PunctualityFn resolves a patient's historical punctuality score in [0,1].
type PunctualityFn func(patientID uuid.UUID) float64

// Scorer ranks waiting entries in fluid mode. Weights are configuration, not
// constants; the emergency boost is expected to dominate all other terms.
type Scorer struct {
	Weights     PriorityWeights
	Punctuality PunctualityFn
}

// Score computes the fluid-mode priority of an entry at the given instant.
func (s Scorer) Score(e *QueueEntry, now time.Time) float64 {
	w := s.Weights

	score := w.WaitingMinutes * waitingMinutes(e, now)
	score += w.TypeWeight * w.TypeWeights[e.AppointmentType]
	if s.Punctuality != nil {
		score += w.Punctuality * s.Punctuality(e.PatientID)
	}
	if e.AppointmentType == TypeEmergency {
		score += w.EmergencyBoost
	}
	return score
}

// Less orders entries by descending score; ties resolve by earlier check-in,
// then by lowest queue position so the order is total.
func (s Scorer) Less(a, b *QueueEntry, now time.Time) bool {
	sa, sb := s.Score(a, now), s.Score(b, now)
	if sa != sb {
		return sa > sb
	}
	at, bt := checkInOrCreation(a), checkInOrCreation(b)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.QueuePosition < b.QueuePosition
}

func waitingMinutes(e *QueueEntry, now time.Time) float64 {
	since := checkInOrCreation(e)
	if now.Before(since) {
		return 0
	}
	return now.Sub(since).Minutes()
}

func checkInOrCreation(e *QueueEntry) time.Time {
	if e.CheckedInAt != nil {
		return *e.CheckedInAt
	}
	return e.CreatedAt
}

// RepoPunctuality builds a memoized punctuality lookup backed by the patient
// repository. Unknown patients and lookup failures score 1.0.
func RepoPunctuality(ctx context.Context, repo Repository) PunctualityFn {
	cache := make(map[uuid.UUID]float64)
	return func(patientID uuid.UUID) float64 {
		if v, ok := cache[patientID]; ok {
			return v
		}
		score := 1.0
		if p, err := repo.GetPatientByID(ctx, patientID); err == nil {
			score = p.PunctualityScore
		}
		cache[patientID] = score
		return score
	}
}
