package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/monitorias/scheduling/internal/appointment"
	"github.com/monitorias/scheduling/internal/config"
	"github.com/monitorias/scheduling/internal/db"
	"github.com/monitorias/scheduling/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	StormSize    int
	StormSlotID  int64
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	StudentLimit int
	SlotLimit    int
	PostgresDSN  string
	Location     *time.Location
}

type simSlot struct {
	ID      int64
	Weekday appointment.Weekday
}

type DataPool struct {
	Students     []int64
	Slots        []simSlot
	mu           sync.RWMutex
	appointments []int64
}

func (dp *DataPool) AddAppointment(id int64) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (int64, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return 0, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
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
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, maxLatency time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	pct := func(p int) time.Duration {
		return latencies[min(len(latencies)*p/100, len(latencies)-1)]
	}

	return sum / time.Duration(len(latencies)), pct(50), pct(95), latencies[len(latencies)-1]
}

type Metrics struct {
	Booking   OperationMetrics
	Cancel    OperationMetrics
	Capacity  OperationMetrics
	ReadByID  OperationMetrics
	ListByStu OperationMetrics
}

type stormResult struct {
	slotID    int64
	date      time.Time
	before    capacityBody
	after     capacityBody
	created   int
	full      int
	busy      int
	other     int
	latencies []time.Duration
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  *zap.Logger
}

type capacityBody struct {
	OK        bool `json:"ok"`
	Occupied  int  `json:"ocupadas"`
	Limit     int  `json:"limite"`
	Available int  `json:"disponibles"`
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Data  struct {
		ID int64 `json:"id"`
	} `json:"data"`
}

func main() {
	base, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	zl, err := logger.New(base.Log.Level, base.Log.Format)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer zl.Sync() //nolint:errcheck
	zl = zl.Named("simulate")

	cfg, err := loadConfig(base)
	if err != nil {
		zl.Fatal("invalid simulator config", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.WithApplicationName("simulate"), db.WithMaxConns(2))
	if err != nil {
		zl.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		zl.Fatal("load data pool", zap.Error(err))
	}
	zl.Info("data loaded", zap.Int("students", len(dataPool.Students)), zap.Int("slots", len(dataPool.Slots)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: zl,
	}

	storm, err := sim.Storm(context.Background())
	if err != nil {
		zl.Fatal("booking storm", zap.Error(err))
	}

	if cfg.Duration > 0 {
		sim.Run()
	}

	ok := sim.PrintReport(storm)
	if !ok {
		os.Exit(1)
	}
}

func loadConfig(base config.Config) (SimConfig, error) {
	v := viper.New()
	v.SetDefault("sim_api_base_url", "http://localhost:"+base.HTTPPort)
	v.SetDefault("sim_storm_size", 3*base.Booking.CapacityLimit)
	v.SetDefault("sim_storm_slot_id", 0)
	v.SetDefault("sim_duration", "30s")
	v.SetDefault("sim_workers", 10)
	v.SetDefault("sim_booking_ratio", 0.5)
	v.SetDefault("sim_cancel_ratio", 0.1)
	v.SetDefault("sim_read_ratio", 0.4)
	v.SetDefault("sim_student_limit", 2000)
	v.SetDefault("sim_slot_limit", 200)
	v.AutomaticEnv()

	loc, err := base.Booking.Location()
	if err != nil {
		return SimConfig{}, err
	}

	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(v.GetString("sim_api_base_url"), "/"),
		StormSize:    v.GetInt("sim_storm_size"),
		StormSlotID:  v.GetInt64("sim_storm_slot_id"),
		Duration:     v.GetDuration("sim_duration"),
		Workers:      v.GetInt("sim_workers"),
		BookingRatio: v.GetFloat64("sim_booking_ratio"),
		CancelRatio:  v.GetFloat64("sim_cancel_ratio"),
		ReadRatio:    v.GetFloat64("sim_read_ratio"),
		StudentLimit: v.GetInt("sim_student_limit"),
		SlotLimit:    v.GetInt("sim_slot_limit"),
		PostgresDSN:  base.PostgresDSN,
		Location:     loc,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	if cfg.StormSize <= 0 {
		return SimConfig{}, errors.New("SIM_STORM_SIZE must be > 0")
	}
	if cfg.Duration > 0 && cfg.Workers <= 0 {
		return SimConfig{}, errors.New("SIM_WORKERS must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM usuarios WHERE rol = 'estudiante' ORDER BY id LIMIT $1`, cfg.StudentLimit)
	if err != nil {
		return nil, fmt.Errorf("load students: %w", err)
	}
	dataPool.Students, err = pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("load students: %w", err)
	}

	rows, err = pool.Query(ctx, `SELECT id, dia_semana FROM disponibilidades WHERE activo ORDER BY id LIMIT $1`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	dataPool.Slots, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (simSlot, error) {
		var s simSlot
		err := row.Scan(&s.ID, &s.Weekday)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	if len(dataPool.Students) == 0 {
		return nil, errors.New("no students loaded, run cmd/seed first")
	}
	if len(dataPool.Slots) == 0 {
		return nil, errors.New("no active slots loaded, run cmd/seed first")
	}

	return dataPool, nil
}

// nextDate returns the first date on or after today that falls on day.
func (s *Simulator) nextDate(day appointment.Weekday, weeksAhead int) time.Time {
	d := appointment.DateOf(time.Now(), s.config.Location)
	for appointment.WeekdayOf(d) != day {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 7*weeksAhead)
}

func (s *Simulator) stormSlot() (simSlot, error) {
	if s.config.StormSlotID == 0 {
		return s.pool.Slots[0], nil
	}
	for _, sl := range s.pool.Slots {
		if sl.ID == s.config.StormSlotID {
			return sl, nil
		}
	}
	return simSlot{}, fmt.Errorf("slot %d is not an active slot", s.config.StormSlotID)
}

// Storm fires StormSize simultaneous bookings at one cohort and checks the
// server never seats more than the ceiling.
func (s *Simulator) Storm(ctx context.Context) (*stormResult, error) {
	slot, err := s.stormSlot()
	if err != nil {
		return nil, err
	}
	// A few weeks out keeps the storm away from cohorts real users touch.
	res := &stormResult{slotID: slot.ID, date: s.nextDate(slot.Weekday, 4)}

	if res.before, err = s.capacity(ctx, res.slotID, res.date); err != nil {
		return nil, err
	}
	s.logger.Info("starting booking storm",
		zap.Int64("slot_id", res.slotID),
		zap.String("date", appointment.FormatDate(res.date)),
		zap.Int("size", s.config.StormSize),
		zap.Int("available", res.before.Available),
	)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	start := make(chan struct{})
	for i := 0; i < s.config.StormSize; i++ {
		student := s.pool.Students[i%len(s.pool.Students)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			began := time.Now()
			code, env, err := s.book(ctx, student, res.slotID, res.date)
			latency := time.Since(began)

			mu.Lock()
			defer mu.Unlock()
			res.latencies = append(res.latencies, latency)
			switch {
			case err == nil && code == http.StatusCreated:
				res.created++
				s.pool.AddAppointment(env.Data.ID)
			case code == http.StatusConflict && env.Error == "capacity_exceeded":
				res.full++
			case code == http.StatusConflict && env.Error == "lock_timeout":
				res.busy++
			default:
				res.other++
			}
		}()
	}
	close(start)
	wg.Wait()

	if res.after, err = s.capacity(ctx, res.slotID, res.date); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting mixed load", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info("mixed load complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doCapacity(ctx, rng)
			case 1:
				s.doReadByID(ctx, rng)
			case 2:
				s.doListByStudent(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	student := s.pool.Students[rng.Intn(len(s.pool.Students))]
	date := s.nextDate(slot.Weekday, 1+rng.Intn(3))

	start := time.Now()
	code, env, err := s.book(ctx, student, slot.ID, date)
	latency := time.Since(start)

	if err == nil && code == http.StatusCreated {
		s.pool.AddAppointment(env.Data.ID)
	}
	s.metrics.Booking.Record(latency, err == nil && code == http.StatusCreated, code == http.StatusConflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	code, _, err := s.send(ctx, http.MethodPut, fmt.Sprintf("/citas/%d", id),
		map[string]string{"estado": string(appointment.StatusCancelled)},
		"X-Actor-Rol", string(appointment.ActorStudent))
	s.metrics.Cancel.Record(time.Since(start), err == nil && code == http.StatusOK, code == http.StatusConflict)
}

func (s *Simulator) doCapacity(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]

	start := time.Now()
	_, err := s.capacity(ctx, slot.ID, s.nextDate(slot.Weekday, 1))
	s.metrics.Capacity.Record(time.Since(start), err == nil, false)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	code, _, err := s.send(ctx, http.MethodGet, fmt.Sprintf("/citas/%d", id), nil)
	s.metrics.ReadByID.Record(time.Since(start), err == nil && code == http.StatusOK, false)
}

func (s *Simulator) doListByStudent(ctx context.Context, rng *rand.Rand) {
	student := s.pool.Students[rng.Intn(len(s.pool.Students))]

	start := time.Now()
	code, _, err := s.send(ctx, http.MethodGet, fmt.Sprintf("/citas?estudiante_id=%d", student), nil)
	s.metrics.ListByStu.Record(time.Since(start), err == nil && code == http.StatusOK, false)
}

func (s *Simulator) book(ctx context.Context, studentID, slotID int64, date time.Time) (int, envelope, error) {
	return s.send(ctx, http.MethodPost, "/citas", map[string]any{
		"estudiante_id":     studentID,
		"disponibilidad_id": slotID,
		"fecha_cita":        appointment.FormatDate(date),
	})
}

func (s *Simulator) capacity(ctx context.Context, slotID int64, date time.Time) (capacityBody, error) {
	var out capacityBody
	url := fmt.Sprintf("%s/disponibilidades/%d/capacidad?fecha=%s", s.config.APIBaseURL, slotID, appointment.FormatDate(date))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("capacity %d/%s: status %d", slotID, appointment.FormatDate(date), resp.StatusCode)
	}
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

func (s *Simulator) send(ctx context.Context, method, path string, body any, headers ...string) (int, envelope, error) {
	var env envelope

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, env, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, env, err
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, env, err
	}
	defer resp.Body.Close()

	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env, nil
}

// PrintReport prints the results and reports whether the ceiling held.
func (s *Simulator) PrintReport(storm *stormResult) bool {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf("Booking storm on slot %d, %s (%d requests):\n", storm.slotID, appointment.FormatDate(storm.date), s.config.StormSize)
	fmt.Printf("  Before: %d/%d occupied\n", storm.before.Occupied, storm.before.Limit)
	fmt.Printf("  Created: %d  Full: %d  Busy: %d  Other: %d\n", storm.created, storm.full, storm.busy, storm.other)
	fmt.Printf("  After: %d/%d occupied\n", storm.after.Occupied, storm.after.Limit)

	ok := storm.after.Occupied <= storm.after.Limit && storm.created <= storm.before.Available
	if ok {
		fmt.Println("  Ceiling: held")
	} else {
		fmt.Println("  Ceiling: VIOLATED")
	}
	fmt.Println()

	if s.config.Duration > 0 {
		fmt.Printf("Mixed load: %s with %d workers\n\n", s.config.Duration, s.config.Workers)
		printOperationReport("Booking", &s.metrics.Booking)
		printOperationReport("Cancel", &s.metrics.Cancel)
		printOperationReport("Capacity", &s.metrics.Capacity)
		printOperationReport("Read by ID", &s.metrics.ReadByID)
		printOperationReport("List by student", &s.metrics.ListByStu)
	}

	return ok
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, maxLatency := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), maxLatency.Round(time.Millisecond))
	fmt.Println()
}
