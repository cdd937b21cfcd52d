// README: Consistency and load probe against a running mobility-api (dev auth); prints per-case results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig(os.Args[1:])

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	reports := NewRunner(cfg).RunAll(ctx)

	counts := map[CaseStatus]int{}
	for _, rep := range reports {
		counts[rep.Status]++
	}
	fmt.Printf("\n%d cases: PASS=%d FAIL=%d SKIP=%d\n",
		len(reports), counts[statusPass], counts[statusFail], counts[statusSkip])

	if counts[statusFail] > 0 || (cfg.Strict && counts[statusSkip] > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	RedisPassword  string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	RequestTimeout time.Duration
	Concurrency    int
	Duration       time.Duration
	OperatorToken  string
}

// benchEnv resolves settings from MOBILITY_BENCH_*; the database and Redis
// fall back to the API's own variables so one .env serves both binaries.
func benchEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MOBILITY_BENCH")
	v.AutomaticEnv()
	_ = v.BindEnv("dsn", "MOBILITY_BENCH_DSN", "MOBILITY_DB_DSN")
	_ = v.BindEnv("redis_addr", "MOBILITY_BENCH_REDIS_ADDR", "MOBILITY_REDIS_ADDR")
	_ = v.BindEnv("redis_password", "MOBILITY_BENCH_REDIS_PASSWORD", "MOBILITY_REDIS_PASSWORD")

	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("migration", "migrations/0001_init.sql")
	v.SetDefault("timeout", 60*time.Second)
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("concurrency", 20)
	v.SetDefault("duration", 10*time.Second)
	v.SetDefault("operator_token", "bench-ops:operator")
	return v
}

// loadConfig lets flags override the environment.
func loadConfig(args []string) Config {
	v := benchEnv()
	var cfg Config
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	fs.StringVar(&cfg.BaseURL, "base-url", v.GetString("base_url"), "API base URL")
	fs.StringVar(&cfg.DSN, "dsn", v.GetString("dsn"), "Postgres DSN (empty skips DB checks)")
	fs.StringVar(&cfg.RedisAddr, "redis", v.GetString("redis_addr"), "Redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", v.GetString("redis_password"), "Redis password")
	fs.StringVar(&cfg.MigrationPath, "migration", v.GetString("migration"), "Migration SQL path")
	fs.BoolVar(&cfg.ApplyMigration, "apply-migration", v.GetBool("apply_migration"), "Apply migration SQL before the cases")
	fs.BoolVar(&cfg.Strict, "strict", v.GetBool("strict"), "Fail on skipped cases")
	fs.DurationVar(&cfg.Timeout, "timeout", v.GetDuration("timeout"), "Total timeout")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", v.GetDuration("request_timeout"), "Per-request timeout")
	fs.IntVar(&cfg.Concurrency, "concurrency", v.GetInt("concurrency"), "Concurrent callers per race case")
	fs.DurationVar(&cfg.Duration, "duration", v.GetDuration("duration"), "Duration for perf cases")
	fs.StringVar(&cfg.OperatorToken, "operator-token", v.GetString("operator_token"), "Bearer token with the operator role")
	_ = fs.Parse(args)

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Concurrency < 2 {
		cfg.Concurrency = 2
	}
	return cfg
}
