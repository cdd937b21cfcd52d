package infra

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	vehicleDup := &pgconn.PgError{Code: "23505", ConstraintName: "reservations_active_vehicle"}
	cases := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{"exact constraint", vehicleDup, "reservations_active_vehicle", true},
		{"wrapped", fmt.Errorf("insert: %w", vehicleDup), "reservations_active_vehicle", true},
		{"any constraint", vehicleDup, "", true},
		{"other constraint", vehicleDup, "reservations_active_rider", false},
		{"other code", &pgconn.PgError{Code: "23503"}, "", false},
		{"plain error", errors.New("boom"), "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsUniqueViolation(tc.err, tc.constraint); got != tc.want {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewDBInvalidDSN(t *testing.T) {
	pool, err := NewDB(context.Background(), "invalid-url")
	if err == nil {
		t.Fatalf("expected error for invalid dsn")
	}
	if pool != nil {
		pool.Close()
	}
}

func TestNewRedisConfigured(t *testing.T) {
	client := NewRedis("localhost:6379", "")
	if client == nil {
		t.Fatalf("expected redis client")
	}
	_ = client.Close()
}
