package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/catalog"
	"github.com/hackgods/telehealth-dispatch/internal/config"
	"github.com/hackgods/telehealth-dispatch/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	CatalogPath  string
	Duration     time.Duration
	Workers      int
	Patients     int
	HoldRatio    float64
	ConfirmRatio float64
	OrderRatio   float64
}

type patient struct {
	id    uuid.UUID
	token string
}

type heldSlot struct {
	holdID uuid.UUID
	owner  patient
}

// DataPool is shared by every worker. Slots are deliberately few so that
// patients collide on them.
type DataPool struct {
	Patients []patient
	Slots    []slotRef
	Products []uuid.UUID

	mu    sync.Mutex
	holds []heldSlot
}

type slotRef struct {
	DoctorID    uuid.UUID
	ScheduledAt time.Time
}

func (dp *DataPool) AddHold(h heldSlot) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.holds = append(dp.holds, h)
}

// TakeHold removes and returns a random pending hold.
func (dp *DataPool) TakeHold(rng *rand.Rand) (heldSlot, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.holds) == 0 {
		return heldSlot{}, false
	}
	i := rng.Intn(len(dp.holds))
	h := dp.holds[i]
	dp.holds[i] = dp.holds[len(dp.holds)-1]
	dp.holds = dp.holds[:len(dp.holds)-1]
	return h, true
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	var cfg SimConfig

	cmd := &cobra.Command{
		Use:          "simulate",
		Short:        "Drive concurrent holds, confirmations and medicine orders against a running api-server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIBaseURL, "url", "http://localhost:8080", "api-server base URL")
	f.StringVar(&cfg.CatalogPath, "catalog", "", "catalog the server was seeded with (default: built-in demo catalog)")
	f.DurationVar(&cfg.Duration, "duration", 30*time.Second, "how long to run")
	f.IntVar(&cfg.Workers, "workers", 10, "concurrent workers")
	f.IntVar(&cfg.Patients, "patients", 50, "distinct patients")
	f.Float64Var(&cfg.HoldRatio, "hold-ratio", 0.4, "share of slot holds")
	f.Float64Var(&cfg.ConfirmRatio, "confirm-ratio", 0.2, "share of hold confirmations")
	f.Float64Var(&cfg.OrderRatio, "order-ratio", 0.2, "share of medicine orders; the rest are reads")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("--workers must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("--duration must be > 0")
	}
	if cfg.Patients <= 0 {
		return errors.New("--patients must be > 0")
	}
	if cfg.HoldRatio+cfg.ConfirmRatio+cfg.OrderRatio > 1 {
		return errors.New("ratios must add up to at most 1")
	}
	return nil
}

func run(ctx context.Context, cfg SimConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	// tokens must be signed with the server's secret
	base, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load base config")
	}
	log := logging.New(base.LogLevel, true)

	s := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	pool, err := s.loadDataPool(ctx, auth.NewJWTService(base.Auth.JWTSecret, time.Hour))
	if err != nil {
		return err
	}
	s.pool = pool
	log.Info().Int("patients", len(pool.Patients)).Int("slots", len(pool.Slots)).Int("products", len(pool.Products)).Msg("data pool loaded")

	s.Run(ctx)
	s.metrics.Print(cfg)
	return nil
}

func (s *Simulator) loadDataPool(ctx context.Context, jwt *auth.JWTService) (*DataPool, error) {
	cat, err := catalog.Load(s.config.CatalogPath)
	if err != nil {
		return nil, err
	}

	dp := &DataPool{}
	for i := 0; i < s.config.Patients; i++ {
		id := uuid.New()
		token, err := jwt.GenerateToken(id, auth.RolePatient)
		if err != nil {
			return nil, err
		}
		dp.Patients = append(dp.Patients, patient{id: id, token: token})
	}

	for _, p := range cat.Products {
		if !p.Inactive {
			dp.Products = append(dp.Products, catalog.ProductID(p.SKU))
		}
	}

	for _, p := range cat.Providers {
		doctorID := catalog.ProviderID(p.Key)
		q := url.Values{"doctorId": {doctorID.String()}, "days": {"2"}}

		var resp struct {
			Slots []time.Time `json:"slots"`
		}
		if status, err := s.call(ctx, http.MethodGet, "/slots?"+q.Encode(), dp.Patients[0].token, nil, &resp); err != nil || status != http.StatusOK {
			return nil, errors.Newf("list slots for %s: status=%d err=%v", p.Key, status, err)
		}
		for _, at := range resp.Slots[:min(len(resp.Slots), 4)] {
			dp.Slots = append(dp.Slots, slotRef{DoctorID: doctorID, ScheduledAt: at})
		}
	}

	if len(dp.Slots) == 0 {
		return nil, errors.New("no open slots in the next two days")
	}
	return dp, nil
}

func (s *Simulator) Run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	cfg := s.config

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < cfg.HoldRatio:
			s.doHold(ctx, rng)
		case r < cfg.HoldRatio+cfg.ConfirmRatio:
			s.doConfirm(ctx, rng)
		case r < cfg.HoldRatio+cfg.ConfirmRatio+cfg.OrderRatio:
			s.doOrder(ctx, rng)
		default:
			s.doRead(ctx, rng)
		}
	}
}

func (s *Simulator) randomPatient(rng *rand.Rand) patient {
	return s.pool.Patients[rng.Intn(len(s.pool.Patients))]
}

func (s *Simulator) doHold(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	p := s.randomPatient(rng)

	body := map[string]any{"doctorId": slot.DoctorID, "scheduledAt": slot.ScheduledAt, "ttlSeconds": 30}
	var resp struct {
		Hold struct {
			ID uuid.UUID `json:"id"`
		} `json:"hold"`
	}

	start := time.Now()
	status, _ := s.call(ctx, http.MethodPost, "/slots/hold", p.token, body, &resp)
	s.metrics.Hold.Record(time.Since(start), status)

	if status == http.StatusCreated {
		s.pool.AddHold(heldSlot{holdID: resp.Hold.ID, owner: p})
	}
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	h, ok := s.pool.TakeHold(rng)
	if !ok {
		return
	}

	body := map[string]any{"holdId": h.holdID, "type": "VIDEO", "symptoms": []string{"headache"}}

	start := time.Now()
	status, _ := s.call(ctx, http.MethodPost, "/slots/confirm", h.owner.token, body, nil)
	s.metrics.Confirm.Record(time.Since(start), status)
}

func (s *Simulator) doOrder(ctx context.Context, rng *rand.Rand) {
	if len(s.pool.Products) == 0 {
		return
	}
	p := s.randomPatient(rng)

	body := map[string]any{
		"items": []map[string]any{{
			"productId": s.pool.Products[rng.Intn(len(s.pool.Products))],
			"quantity":  1 + rng.Intn(3),
		}},
		// somewhere in central Lagos
		"deliveryLocation": map[string]float64{"lat": 6.45 + rng.Float64()*0.15, "lng": 3.35 + rng.Float64()*0.05},
		"deliveryAddress":  "simulated",
	}

	start := time.Now()
	status, _ := s.call(ctx, http.MethodPost, "/medicine/orders", p.token, body, nil)
	s.metrics.Order.Record(time.Since(start), status)
}

func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	p := s.randomPatient(rng)
	path := "/appointments?limit=20"
	if rng.Intn(2) == 0 {
		path = "/medicine/orders"
	}

	start := time.Now()
	status, _ := s.call(ctx, http.MethodGet, path, p.token, nil, nil)
	s.metrics.Read.Record(time.Since(start), status)
}

// call sends one request and decodes a 2xx body into out when given. A
// transport error is reported as status 0.
func (s *Simulator) call(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
