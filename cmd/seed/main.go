package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-queue-engine/internal/db"
	"github.com/hackgods/clinic-queue-engine/internal/queue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	patients, err := seedPatients(context.Background(), pool, 500)
	if err != nil {
		log.Fatalf("seed patients: %v", err)
	}
	if err := seedClinicDays(context.Background(), pool, patients, 5); err != nil {
		log.Fatalf("seed clinic days: %v", err)
	}

	log.Println("seed complete")
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d patients", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		punctuality := gofakeit.Float64Range(0.4, 1.0)

		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, name, punctuality_score, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, punctuality)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedClinicDays(ctx context.Context, pool *pgxpool.Pool, patients []uuid.UUID, count int) error {
	log.Printf("seeding %d clinic days", count)

	modes := []queue.Mode{queue.ModeSlotted, queue.ModeFluid}
	types := []queue.AppointmentType{queue.TypeConsultation, queue.TypeFollowUp}

	for i := 0; i < count; i++ {
		dayID := uuid.New()
		clinicID := uuid.New()
		opensAt := time.Now().Truncate(24 * time.Hour).Add(8 * time.Hour).AddDate(0, 0, i)
		closesAt := opensAt.Add(9 * time.Hour)

		cfg := queue.DayConfig{
			Mode:                            modes[gofakeit.Number(0, 1)],
			GracePeriodMinutes:              10,
			LateThresholdMinutes:            15,
			DurationOverrunThresholdMinutes: 10,
			DebounceWindowMs:                2000,
			IdleGapMinutes:                  20,
			ActiveStaffCount:                gofakeit.Number(1, 3),
			Weights: queue.PriorityWeights{
				WaitingMinutes: 1.0,
				TypeWeight:     5.0,
				Punctuality:    2.0,
				EmergencyBoost: 10000,
				TypeWeights: map[queue.AppointmentType]float64{
					queue.TypeConsultation: 2,
					queue.TypeFollowUp:     1,
					queue.TypeWalkIn:       0.5,
					queue.TypeEmergency:    10,
				},
			},
		}
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return err
		}

		_, err = pool.Exec(ctx, `
			INSERT INTO clinic_days (id, clinic_id, date, opens_at, closes_at, config,
				cumulative_delay_minutes, closed_at, next_position, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, NULL, 0, 1, now(), now())
		`, dayID, clinicID, opensAt.Truncate(24*time.Hour), opensAt, closesAt, cfgJSON)
		if err != nil {
			return err
		}

		entryCount := gofakeit.Number(15, 30)
		for j := 0; j < entryCount; j++ {
			scheduled := opensAt.Add(time.Duration(j*20) * time.Minute)
			patientID := patients[gofakeit.Number(0, len(patients)-1)]
			duration := gofakeit.Number(10, 30)

			_, err := pool.Exec(ctx, `
				INSERT INTO queue_entries (id, clinic_day_id, patient_id, appointment_type,
					scheduled_time, estimated_duration_minutes, queue_position, status,
					disruption_flags, estimated_start, estimate_confidence, estimate_basis,
					estimate_updated_at, queue_version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 'scheduled', '{}', $5, 0.5, 'scheduled', now(), 1, now(), now())
			`, uuid.New(), dayID, patientID, types[gofakeit.Number(0, 1)], scheduled, duration, j+1)
			if err != nil {
				return err
			}
		}

		_, err = pool.Exec(ctx, `
			UPDATE clinic_days SET next_position = $2 WHERE id = $1
		`, dayID, entryCount)
		if err != nil {
			return err
		}
	}

	return nil
}
