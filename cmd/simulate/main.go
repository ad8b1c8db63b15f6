package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-queue-engine/internal/config"
	"github.com/hackgods/clinic-queue-engine/internal/db"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	CheckInRatio  float64
	CallRatio     float64
	WalkInRatio   float64
	SnapshotRatio float64
	DayLimit      int
	EntryLimit    int
	PostgresDSN   string
}

// DataPool tracks the entities the workers operate on. Scheduled entries
// are consumed as they are checked in; entries that a call-next put into
// service go into the serving list until a worker completes them.
type DataPool struct {
	Days     []uuid.UUID
	Patients []uuid.UUID

	mu        sync.Mutex
	scheduled []uuid.UUID
	serving   []uuid.UUID
}

func (dp *DataPool) PopScheduled(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.scheduled) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.scheduled))
	id := dp.scheduled[idx]
	dp.scheduled[idx] = dp.scheduled[len(dp.scheduled)-1]
	dp.scheduled = dp.scheduled[:len(dp.scheduled)-1]
	return id, true
}

func (dp *DataPool) AddServing(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.serving = append(dp.serving, id)
}

func (dp *DataPool) PopServing(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.serving) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.serving))
	id := dp.serving[idx]
	dp.serving[idx] = dp.serving[len(dp.serving)-1]
	dp.serving = dp.serving[:len(dp.serving)-1]
	return id, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	CheckIn  OperationMetrics
	CallNext OperationMetrics
	Complete OperationMetrics
	WalkIn   OperationMetrics
	Snapshot OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d check-in=%.2f call=%.2f walk-in=%.2f snapshot=%.2f",
		cfg.Duration, cfg.Workers, cfg.CheckInRatio, cfg.CallRatio, cfg.WalkInRatio, cfg.SnapshotRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d days, %d patients, %d scheduled entries",
		len(dataPool.Days), len(dataPool.Patients), len(dataPool.scheduled))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		CheckInRatio:  getFloat("SIM_CHECKIN_RATIO", 0.35),
		CallRatio:     getFloat("SIM_CALL_RATIO", 0.25),
		WalkInRatio:   getFloat("SIM_WALKIN_RATIO", 0.1),
		SnapshotRatio: getFloat("SIM_SNAPSHOT_RATIO", 0.3),
		DayLimit:      getInt("SIM_DAY_LIMIT", 10),
		EntryLimit:    getInt("SIM_ENTRY_LIMIT", 2000),
		PostgresDSN:   baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.CheckInRatio + cfg.CallRatio + cfg.WalkInRatio + cfg.SnapshotRatio
	if total > 0 {
		cfg.CheckInRatio /= total
		cfg.CallRatio /= total
		cfg.WalkInRatio /= total
		cfg.SnapshotRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM clinic_days WHERE closed_at IS NULL LIMIT $1
	`, cfg.DayLimit)
	if err != nil {
		return nil, fmt.Errorf("load clinic days: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Days = append(dataPool.Days, id)
	}

	rows, err = pool.Query(ctx, `
		SELECT id FROM patients LIMIT 1000
	`)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	rows, err = pool.Query(ctx, `
		SELECT qe.id FROM queue_entries qe
		JOIN clinic_days cd ON cd.id = qe.clinic_day_id
		WHERE qe.status = 'scheduled' AND cd.closed_at IS NULL
		LIMIT $1
	`, cfg.EntryLimit)
	if err != nil {
		return nil, fmt.Errorf("load scheduled entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.scheduled = append(dataPool.scheduled, id)
	}

	if len(dataPool.Days) == 0 {
		return nil, fmt.Errorf("no open clinic days loaded (run cmd/seed first)")
	}
	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded (run cmd/seed first)")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.CheckInRatio:
				s.doCheckIn(ctx, rng)
			case r < s.config.CheckInRatio+s.config.CallRatio:
				// Completes feed off calls, so pair them on the same branch.
				if rng.Intn(2) == 0 {
					s.doCallNext(ctx, rng)
				} else {
					s.doComplete(ctx, rng)
				}
			case r < s.config.CheckInRatio+s.config.CallRatio+s.config.WalkInRatio:
				s.doWalkIn(ctx, rng)
			default:
				s.doSnapshot(ctx, rng)
			}
		}
	}
}

// fetchVersion reads the current queue_version of an entry. Versioned
// commands race each other on purpose; a stale read surfaces as a 409.
func (s *Simulator) fetchVersion(ctx context.Context, entryID uuid.UUID) (int64, bool) {
	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/entries/%s", s.config.APIBaseURL, entryID.String()), nil)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false
	}

	var entry struct {
		QueueVersion int64 `json:"queue_version"`
	}
	bodyBytes, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(bodyBytes, &entry); err != nil {
		return 0, false
	}
	return entry.QueueVersion, true
}

func (s *Simulator) postJSON(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}

func (s *Simulator) doCheckIn(ctx context.Context, rng *rand.Rand) {
	entryID, ok := s.pool.PopScheduled(rng)
	if !ok {
		return
	}

	version, ok := s.fetchVersion(ctx, entryID)
	if !ok {
		return
	}

	start := time.Now()

	resp, err := s.postJSON(ctx,
		fmt.Sprintf("%s/entries/%s/check-in", s.config.APIBaseURL, entryID.String()),
		map[string]int64{"queue_version": version})
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			success = true
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.CheckIn.Record(latency, success, conflict)
}

func (s *Simulator) doCallNext(ctx context.Context, rng *rand.Rand) {
	dayID := s.pool.Days[rng.Intn(len(s.pool.Days))]

	start := time.Now()

	resp, err := s.postJSON(ctx,
		fmt.Sprintf("%s/clinic-days/%s/call-next", s.config.APIBaseURL, dayID.String()), nil)
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			success = true
			var entry struct {
				ID           uuid.UUID `json:"id"`
				QueueVersion int64     `json:"queue_version"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(bodyBytes, &entry) == nil && entry.ID != uuid.Nil {
				// Move the called entry into service right away so a
				// later doComplete can finish it.
				startResp, err := s.postJSON(ctx,
					fmt.Sprintf("%s/entries/%s/start", s.config.APIBaseURL, entry.ID.String()),
					map[string]int64{"queue_version": entry.QueueVersion})
				if err == nil {
					startResp.Body.Close()
					if startResp.StatusCode == http.StatusOK {
						s.pool.AddServing(entry.ID)
					}
				}
			}
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.CallNext.Record(latency, success, conflict)
}

func (s *Simulator) doComplete(ctx context.Context, rng *rand.Rand) {
	entryID, ok := s.pool.PopServing(rng)
	if !ok {
		return
	}

	version, ok := s.fetchVersion(ctx, entryID)
	if !ok {
		return
	}

	start := time.Now()

	resp, err := s.postJSON(ctx,
		fmt.Sprintf("%s/entries/%s/complete", s.config.APIBaseURL, entryID.String()),
		map[string]any{
			"queue_version":           version,
			"actual_duration_minutes": 5 + rng.Intn(35),
		})
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			success = true
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.Complete.Record(latency, success, conflict)
}

func (s *Simulator) doWalkIn(ctx context.Context, rng *rand.Rand) {
	dayID := s.pool.Days[rng.Intn(len(s.pool.Days))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	apptType := "walk_in"
	if rng.Float64() < 0.05 {
		apptType = "emergency"
	}

	start := time.Now()

	resp, err := s.postJSON(ctx,
		fmt.Sprintf("%s/clinic-days/%s/walk-ins", s.config.APIBaseURL, dayID.String()),
		map[string]string{
			"patient_id":       patientID.String(),
			"appointment_type": apptType,
		})
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
		case http.StatusConflict:
			conflict = true
		}
	}

	s.metrics.WalkIn.Record(latency, success, conflict)
}

func (s *Simulator) doSnapshot(ctx context.Context, rng *rand.Rand) {
	dayID := s.pool.Days[rng.Intn(len(s.pool.Days))]

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/clinic-days/%s/queue", s.config.APIBaseURL, dayID.String()), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.Snapshot.Record(latency, success, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Check-in", &s.metrics.CheckIn)
	printOperationReport("Call next", &s.metrics.CallNext)
	printOperationReport("Complete", &s.metrics.Complete)
	printOperationReport("Walk-in", &s.metrics.WalkIn)
	printOperationReport("Snapshot", &s.metrics.Snapshot)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
