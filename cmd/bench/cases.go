// README: Bench cases: environment checks, hold/unlock/end races on one vehicle, and read throughput.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"mobility/internal/infra"
)

// Bench vehicles are parked here; the zone below is upserted around them.
var benchSpot = map[string]float64{"lat": 52.52, "lng": 13.405}

type Runner struct {
	cfg   Config
	httpc *http.Client
	// db stays nil when no DSN is set or the connect failed; dbErr says which.
	db    *pgxpool.Pool
	dbErr error
	redis *redis.Client
}

type CaseStatus string

const (
	statusPass CaseStatus = "PASS"
	statusFail CaseStatus = "FAIL"
	statusSkip CaseStatus = "SKIP"
)

type Result struct {
	Status  CaseStatus
	Latency time.Duration
	Note    string
}

// TestCase is one probe; Focus names the guarantee it checks.
type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

type caseReport struct {
	TestCase
	Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// connect opens the optional Postgres pool and the Redis client with the
// same constructors the API uses.
func (r *Runner) connect(ctx context.Context) {
	if r.cfg.DSN != "" {
		r.db, r.dbErr = infra.NewDB(ctx, r.cfg.DSN)
	}
	if r.cfg.RedisAddr != "" {
		r.redis = infra.NewRedis(r.cfg.RedisAddr, r.cfg.RedisPassword)
	}
}

func (r *Runner) close() {
	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
}

func (r *Runner) RunAll(ctx context.Context) []caseReport {
	r.connect(ctx)
	defer r.close()

	tests := r.cases()
	reports := make([]caseReport, 0, len(tests))
	for _, tc := range tests {
		rep := caseReport{TestCase: tc, Result: tc.Run(ctx, r)}
		reports = append(reports, rep)
		line := fmt.Sprintf("%-5s %-34s %s", rep.Status, tc.Name, tc.Focus)
		if rep.Latency > 0 {
			line += fmt.Sprintf(" (%s)", rep.Latency.Round(time.Microsecond))
		}
		if rep.Note != "" {
			line += " - " + rep.Note
		}
		fmt.Println(line)
	}
	return reports
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "DB reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.DSN == "" {
					return Result{Status: statusSkip, Note: "dsn not configured"}
				}
				if r.dbErr != nil {
					return Result{Status: statusFail, Note: r.dbErr.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "vehicle directory reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusFail, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: apply (optional)",
			Focus: "apply migration SQL",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: statusSkip, Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Migration: tables exist",
			Focus: "tables from migrations/0001_init.sql",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusSkip, Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
					if !exists {
						return Result{Status: statusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "API: health",
			Focus: "server reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				status, _, latency, err := r.call(ctx, http.MethodGet, "/health", "", nil)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return expectStatus(status, latency, http.StatusOK)
			},
		},
		{
			Name:  "API: missing token -> 401",
			Focus: "auth middleware",
			Run: func(ctx context.Context, r *Runner) Result {
				status, _, latency, err := r.call(ctx, http.MethodGet, "/api/zones", "", nil)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return expectStatus(status, latency, http.StatusUnauthorized)
			},
		},
		{
			Name:  "Setup: bench parking zone",
			Focus: "operator zone upsert",
			Run: func(ctx context.Context, r *Runner) Result {
				status, _, latency, err := r.call(ctx, http.MethodPut, "/api/admin/zones/bench-zone", r.cfg.OperatorToken, map[string]any{
					"name": "Bench",
					"boundary": []map[string]float64{
						{"lat": 52.51, "lng": 13.39}, {"lat": 52.51, "lng": 13.42},
						{"lat": 52.53, "lng": 13.42}, {"lat": 52.53, "lng": 13.39},
					},
				})
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return expectStatus(status, latency, http.StatusOK)
			},
		},
		{
			Name:  "Concurrency: many riders hold one vehicle",
			Focus: "exactly one active hold per vehicle",
			Run:   concurrentHolds,
		},
		{
			Name:  "Concurrency: repeated unlock of one hold",
			Focus: "exactly one rental per hold",
			Run:   concurrentUnlocks,
		},
		{
			Name:  "Concurrency: repeated end of one rental",
			Focus: "one summary, identical for every caller",
			Run:   concurrentEnds,
		},
		{
			Name:  "Consistency: one live rental per vehicle",
			Focus: "rentals table",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusSkip, Note: "db not configured"}
				}
				var dupes int
				err := r.db.QueryRow(ctx, `
					SELECT COUNT(*) FROM (
						SELECT vehicle_id FROM rentals
						WHERE status IN ('active', 'paused')
						GROUP BY vehicle_id HAVING COUNT(*) > 1
					) d`).Scan(&dupes)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				if dupes > 0 {
					return Result{Status: statusFail, Note: fmt.Sprintf("vehicles with several live rentals: %d", dupes)}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name:  "Perf: nearby vehicles throughput",
			Focus: "directory GEO reads",
			Run: func(ctx context.Context, r *Runner) Result {
				path := fmt.Sprintf("/api/vehicles/nearby?lat=%f&lng=%f", benchSpot["lat"], benchSpot["lng"])
				return perfLoad(ctx, r, path)
			},
		},
	}
}

// call sends one JSON request and decodes a JSON object reply when present.
func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, map[string]any, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out, latency, nil
}

func expectStatus(got int, latency time.Duration, want int) Result {
	if got == want {
		return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("status=%d", got)}
	}
	return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d want=%d", got, want)}
}

func newBenchID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func (r *Runner) registerVehicle(ctx context.Context) (string, error) {
	id := newBenchID("veh")
	status, _, _, err := r.call(ctx, http.MethodPost, "/api/admin/vehicles", r.cfg.OperatorToken, map[string]any{
		"id": id, "class": "scooter", "location": benchSpot, "rate_cents": 25,
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("register vehicle status=%d", status)
	}
	return id, nil
}

// startRental holds and unlocks a fresh vehicle for rider.
func (r *Runner) startRental(ctx context.Context, rider string) (string, error) {
	holdID, err := r.hold(ctx, rider)
	if err != nil {
		return "", err
	}
	status, body, _, err := r.call(ctx, http.MethodPost, "/api/reservations/"+holdID+"/unlock", rider, map[string]any{"location": benchSpot})
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("unlock status=%d kind=%v", status, body["kind"])
	}
	id, _ := body["id"].(string)
	return id, nil
}

func (r *Runner) hold(ctx context.Context, rider string) (string, error) {
	vehicleID, err := r.registerVehicle(ctx)
	if err != nil {
		return "", err
	}
	status, body, _, err := r.call(ctx, http.MethodPost, "/api/reservations", rider, map[string]any{"vehicle_id": vehicleID})
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("create hold status=%d kind=%v", status, body["kind"])
	}
	id, _ := body["id"].(string)
	return id, nil
}

type tally struct {
	mu     sync.Mutex
	counts map[int]int
	bodies []map[string]any
}

func (t *tally) add(status int, body map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = map[int]int{}
	}
	t.counts[status]++
	if status < 300 {
		t.bodies = append(t.bodies, body)
	}
}

// race fires n copies of the request behind one start signal.
func (r *Runner) race(n int, send func(i int) (int, map[string]any, error)) *tally {
	t := &tally{}
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			status, body, err := send(i)
			if err != nil {
				status = 0
			}
			t.add(status, body)
		}(i)
	}
	close(start)
	wg.Wait()
	return t
}

func concurrentHolds(ctx context.Context, r *Runner) Result {
	vehicleID, err := r.registerVehicle(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	riders := newBenchID("rider")
	t := r.race(r.cfg.Concurrency, func(i int) (int, map[string]any, error) {
		status, body, _, err := r.call(ctx, http.MethodPost, "/api/reservations", fmt.Sprintf("%s-%d", riders, i),
			map[string]any{"vehicle_id": vehicleID})
		return status, body, err
	})
	if t.counts[http.StatusCreated] != 1 || t.counts[http.StatusConflict] != r.cfg.Concurrency-1 {
		return Result{Status: statusFail, Note: fmt.Sprintf("statuses=%v", t.counts)}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("winners=1 losers=%d", t.counts[http.StatusConflict])}
}

func concurrentUnlocks(ctx context.Context, r *Runner) Result {
	rider := newBenchID("rider")
	holdID, err := r.hold(ctx, rider)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	t := r.race(r.cfg.Concurrency, func(int) (int, map[string]any, error) {
		status, body, _, err := r.call(ctx, http.MethodPost, "/api/reservations/"+holdID+"/unlock", rider,
			map[string]any{"location": benchSpot})
		return status, body, err
	})
	if t.counts[http.StatusCreated] != 1 || t.counts[http.StatusConflict] != r.cfg.Concurrency-1 {
		return Result{Status: statusFail, Note: fmt.Sprintf("statuses=%v", t.counts)}
	}
	return Result{Status: statusPass, Note: "rentals=1"}
}

func concurrentEnds(ctx context.Context, r *Runner) Result {
	rider := newBenchID("rider")
	rentalID, err := r.startRental(ctx, rider)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	t := r.race(r.cfg.Concurrency, func(int) (int, map[string]any, error) {
		status, body, _, err := r.call(ctx, http.MethodPost, "/api/rentals/"+rentalID+"/end", rider,
			map[string]any{"location": benchSpot})
		return status, body, err
	})
	if t.counts[http.StatusOK] != r.cfg.Concurrency {
		return Result{Status: statusFail, Note: fmt.Sprintf("statuses=%v", t.counts)}
	}
	first, _ := json.Marshal(t.bodies[0])
	for _, b := range t.bodies[1:] {
		if next, _ := json.Marshal(b); string(next) != string(first) {
			return Result{Status: statusFail, Note: "summaries differ between callers"}
		}
	}
	return Result{Status: statusPass, Note: "summaries identical"}
}

func perfLoad(ctx context.Context, r *Runner, path string) Result {
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}
	token := newBenchID("rider")

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, _, err := r.call(ctx, http.MethodGet, path, token, nil)
				mu.Lock()
				if err != nil || status != http.StatusOK {
					errCount++
				} else {
					count++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
