// Package estimator consumes the external duration-prediction capability.
// The core never blocks indefinitely on it: calls are bounded by a timeout
// and degrade to the clinic's historical averages when the predictor is
// unavailable or unsure.
package estimator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable signals that no prediction could be produced, by the model
// or by the fallback. It is recovered internally and never surfaced to users.
var ErrUnavailable = errors.New("duration estimator unavailable")

// Prediction is the estimated service length for one entry.
type Prediction struct {
	Minutes    int     `json:"minutes"`
	Confidence float64 `json:"confidence"`
}

// Request carries the entry context the predictor scores.
type Request struct {
	ClinicID        uuid.UUID  `json:"clinic_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	AppointmentType string     `json:"appointment_type"`
	ScheduledTime   *time.Time `json:"scheduled_time,omitempty"`
}

// Estimator is the duration-prediction contract consumed by the queue core.
type Estimator interface {
	Predict(ctx context.Context, req Request) (Prediction, error)
}

// AverageSource supplies the rule-based fallback: the clinic's historical
// mean service length per appointment type.
type AverageSource interface {
	AverageDuration(ctx context.Context, clinicID uuid.UUID, appointmentType string) (int, error)
}

// FailOpen wraps a primary estimator with the fallback policy: on error,
// timeout, or confidence below the floor, the historical average is used.
type FailOpen struct {
	Primary         Estimator
	Averages        AverageSource
	ConfidenceFloor float64
	Timeout         time.Duration
}

func (f FailOpen) Predict(ctx context.Context, req Request) (Prediction, error) {
	if f.Primary != nil {
		callCtx := ctx
		if f.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, f.Timeout)
			defer cancel()
		}

		pred, err := f.Primary.Predict(callCtx, req)
		if err == nil && pred.Minutes > 0 && pred.Confidence >= f.ConfidenceFloor {
			return pred, nil
		}
	}

	if f.Averages == nil {
		return Prediction{}, ErrUnavailable
	}
	avg, err := f.Averages.AverageDuration(ctx, req.ClinicID, req.AppointmentType)
	if err != nil || avg <= 0 {
		return Prediction{}, ErrUnavailable
	}
	return Prediction{Minutes: avg, Confidence: 0}, nil
}
