// Command simulate fires concurrent bookings at a single slot through the
// HTTP API and checks that exactly min(bookers, capacity) of them succeed.
//
// It creates its own provider and patients in the configured store, so the
// API server must be running against the same postgres or sqlite database.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/app"
	"github.com/hackgods/provider-slot-booking/internal/appointment"
	"github.com/hackgods/provider-slot-booking/internal/config"
	"github.com/hackgods/provider-slot-booking/internal/identity"
	"github.com/hackgods/provider-slot-booking/internal/logging"
)

type SimConfig struct {
	APIBaseURL string
	Bookers    int
	Capacity   int
	DayOffset  int
	Timeout    time.Duration
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

// Percentiles returns the latency at each requested percentile (0-100).
func (om *OperationMetrics) Percentiles(ps ...int) []time.Duration {
	om.mu.Lock()
	latencies := slices.Clone(om.Latencies)
	om.mu.Unlock()

	out := make([]time.Duration, len(ps))
	if len(latencies) == 0 {
		return out
	}
	slices.Sort(latencies)
	for i, p := range ps {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		out[i] = latencies[idx]
	}
	return out
}

type Simulator struct {
	config   SimConfig
	client   *http.Client
	log      *zap.Logger
	provider uuid.UUID
	patients []uuid.UUID
	codes    sync.Map // error code -> *atomic.Int64
	metrics  OperationMetrics
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	if cfg.StoreDriver == config.DriverMemory {
		fmt.Fprintln(os.Stderr, "simulate needs the store the API server uses (postgres or sqlite)")
		os.Exit(1)
	}

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	simCfg := SimConfig{
		APIBaseURL: strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:"+cfg.HTTPPort), "/"),
		Bookers:    getInt("SIM_BOOKERS", 200),
		Capacity:   getInt("SIM_CAPACITY", 5),
		DayOffset:  getInt("SIM_DAY_OFFSET", 1),
		Timeout:    getDuration("SIM_TIMEOUT", 10*time.Second),
	}
	if simCfg.Bookers <= 0 || simCfg.Capacity < 0 {
		fmt.Fprintln(os.Stderr, "SIM_BOOKERS must be positive and SIM_CAPACITY non-negative")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("simulate.init_failed", zap.Error(err))
	}
	defer a.Close(context.Background())

	sim := &Simulator{
		config: simCfg,
		client: &http.Client{Timeout: simCfg.Timeout},
		log:    log,
	}
	if err := sim.prepare(ctx, a.Store); err != nil {
		log.Fatal("simulate.prepare_failed", zap.Error(err))
	}

	slotID, err := sim.publishSlot(ctx)
	if err != nil {
		log.Fatal("simulate.publish_failed", zap.Error(err))
	}

	elapsed := sim.Run(ctx, slotID)
	ok := sim.PrintReport(elapsed)
	if !ok {
		os.Exit(2)
	}
}

type userWriter interface {
	PutUser(ctx context.Context, u identity.User) error
}

func (s *Simulator) prepare(ctx context.Context, store userWriter) error {
	faker := gofakeit.New(0)
	now := time.Now().UTC()

	name := "Sim " + faker.LastName()
	id := uuid.New()
	s.provider = id
	if err := store.PutUser(ctx, identity.User{
		ID: id, Role: identity.RoleProvider, Status: identity.StatusActive,
		Phone: phoneFor(id), Name: &name, CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("put provider: %w", err)
	}

	s.patients = make([]uuid.UUID, s.config.Bookers)
	for i := range s.patients {
		id := uuid.New()
		if err := store.PutUser(ctx, identity.User{
			ID: id, Role: identity.RolePatient, Status: identity.StatusActive,
			Phone: phoneFor(id), CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("put patient: %w", err)
		}
		s.patients[i] = id
	}
	return nil
}

func (s *Simulator) publishSlot(ctx context.Context) (uuid.UUID, error) {
	date := appointment.DateOf(time.Now()).AddDate(0, 0, s.config.DayOffset)
	body := map[string]any{
		"date":       date.Format(appointment.DateLayout),
		"start_time": "09:00",
		"capacity":   s.config.Capacity,
	}
	var slot struct {
		ID uuid.UUID `json:"id"`
	}
	status, err := s.post(ctx, "/providers/"+s.provider.String()+"/slots", body, &slot)
	if err != nil {
		return uuid.Nil, err
	}
	if status != http.StatusCreated {
		return uuid.Nil, fmt.Errorf("publish slot: unexpected status %d", status)
	}
	return slot.ID, nil
}

// Run releases every booker at once and waits for all of them.
func (s *Simulator) Run(ctx context.Context, slotID uuid.UUID) time.Duration {
	start := make(chan struct{})
	var wg sync.WaitGroup

	for _, patientID := range s.patients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s.doBooking(ctx, patientID, slotID)
		}()
	}

	began := time.Now()
	close(start)
	wg.Wait()
	return time.Since(began)
}

func (s *Simulator) doBooking(ctx context.Context, patientID, slotID uuid.UUID) {
	body := map[string]string{
		"patient_id":  patientID.String(),
		"provider_id": s.provider.String(),
		"slot_id":     slotID.String(),
	}

	var errResp struct {
		Error string `json:"error"`
	}
	begin := time.Now()
	status, err := s.post(ctx, "/appointments", body, &errResp)
	latency := time.Since(begin)

	switch {
	case err != nil:
		s.log.Debug("booking.transport_error", zap.Error(err))
		s.metrics.Record(latency, false, false)
		s.countCode("transport_error")
	case status == http.StatusCreated:
		s.metrics.Record(latency, true, false)
	case status == http.StatusConflict:
		s.metrics.Record(latency, false, true)
		s.countCode(errResp.Error)
	default:
		s.metrics.Record(latency, false, false)
		s.countCode(strconv.Itoa(status) + " " + errResp.Error)
	}
}

func (s *Simulator) countCode(code string) {
	v, _ := s.codes.LoadOrStore(code, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (s *Simulator) post(ctx context.Context, path string, body, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, out)
	}
	return resp.StatusCode, nil
}

// PrintReport prints the run summary and reports whether the slot admitted
// exactly as many bookings as it could hold.
func (s *Simulator) PrintReport(elapsed time.Duration) bool {
	om := &s.metrics
	total := atomic.LoadInt64(&om.Total)
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	want := int64(min(s.config.Bookers, s.config.Capacity))

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Single-slot booking simulation")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Bookers: %d  Capacity: %d  Elapsed: %s\n", s.config.Bookers, s.config.Capacity, elapsed.Round(time.Millisecond))
	fmt.Printf("Requests: %d\n", total)
	fmt.Printf("  Success:   %d (expected %d)\n", success, want)
	fmt.Printf("  Conflicts: %d\n", conflict)
	if failed > 0 {
		fmt.Printf("  Errors:    %d\n", failed)
	}

	s.codes.Range(func(k, v any) bool {
		fmt.Printf("    %-28s %d\n", k.(string), v.(*atomic.Int64).Load())
		return true
	})

	p := om.Percentiles(50, 90, 95, 99, 100)
	fmt.Printf("Latency: p50=%s p90=%s p95=%s p99=%s max=%s\n",
		p[0].Round(time.Millisecond), p[1].Round(time.Millisecond), p[2].Round(time.Millisecond),
		p[3].Round(time.Millisecond), p[4].Round(time.Millisecond))

	ok := success == want && failed == 0
	if ok {
		fmt.Println("Result: OK")
	} else {
		fmt.Println("Result: MISMATCH")
	}
	return ok
}

func phoneFor(id uuid.UUID) string {
	h := id.String()
	return "019-" + h[:4] + "-" + h[4:8]
}

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
