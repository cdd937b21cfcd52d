package reservation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mobility/internal/fault"
	"mobility/internal/modules/reservation"
	"mobility/internal/notify"
	"mobility/internal/storage/memory"
	"mobility/internal/types"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *reservation.Service
	clock *types.ManualClock
	rec   *notify.Recorder
}

func newFixture(t *testing.T, store reservation.Store) fixture {
	t.Helper()
	clock := types.NewManualClock(epoch)
	rec := &notify.Recorder{}
	svc := reservation.NewService(store, reservation.Config{}, reservation.Deps{Clock: clock, Notifier: rec})
	return fixture{svc: svc, clock: clock, rec: rec}
}

func newMemoryFixture(t *testing.T) fixture {
	return newFixture(t, memory.New().Reservations())
}

func TestCreateHoldDefaults(t *testing.T) {
	f := newMemoryFixture(t)
	r, err := f.svc.CreateHold(context.Background(), reservation.CreateCommand{RiderID: "r1", VehicleID: "v1"})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if r.Status != reservation.StatusActive {
		t.Fatalf("expected active, got %s", r.Status)
	}
	if !r.ExpiresAt.Equal(epoch.Add(reservation.DefaultTTL)) {
		t.Fatalf("expected default ttl, got expires_at %s", r.ExpiresAt)
	}
	if f.rec.Count(notify.ReservationCreated) != 1 {
		t.Fatalf("expected creation notification")
	}
}

func TestCreateHoldValidation(t *testing.T) {
	f := newMemoryFixture(t)
	cases := []struct {
		name string
		cmd  reservation.CreateCommand
	}{
		{"missing rider", reservation.CreateCommand{VehicleID: "v1"}},
		{"missing vehicle", reservation.CreateCommand{RiderID: "r1"}},
		{"negative ttl", reservation.CreateCommand{RiderID: "r1", VehicleID: "v1", TTL: -time.Minute}},
		{"ttl above max", reservation.CreateCommand{RiderID: "r1", VehicleID: "v1", TTL: reservation.MaxTTL + time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.CreateHold(context.Background(), tc.cmd); !errors.Is(err, fault.ErrBadRequest) {
				t.Fatalf("expected bad request, got %v", err)
			}
		})
	}
}

func TestCreateHoldConflicts(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	if _, err := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r1", VehicleID: "v1"}); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	if _, err := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r2", VehicleID: "v1"}); !errors.Is(err, fault.ErrVehicleUnavailable) {
		t.Fatalf("expected vehicle unavailable, got %v", err)
	}
	if _, err := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r1", VehicleID: "v2"}); !errors.Is(err, fault.ErrRiderHasActiveHold) {
		t.Fatalf("expected rider has active hold, got %v", err)
	}
}

func TestCreateHoldAfterLapsedHold(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	first, err := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r1", VehicleID: "v1", TTL: 5 * time.Minute})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	f.clock.Advance(5*time.Minute + time.Second)

	if _, err := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r2", VehicleID: "v1"}); err != nil {
		t.Fatalf("lapsed hold should not block: %v", err)
	}
	old, err := f.svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if old.Status != reservation.StatusExpired {
		t.Fatalf("expected lapsed hold expired, got %s", old.Status)
	}
	if n := f.rec.Count(notify.ReservationExpired); n != 1 {
		t.Fatalf("expected one expiry notification for the lapsed hold, got %d", n)
	}
	if n, err := f.svc.ExpireStale(ctx); err != nil || n != 0 {
		t.Fatalf("sweeper should find nothing left, got %d %v", n, err)
	}
}

func TestRefusedHoldLeavesLapsedHoldForSweeper(t *testing.T) {
	ctx := context.Background()
	store := memory.New().Reservations()
	f := newFixture(t, store)
	lapsed, err := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r1", VehicleID: "v1", TTL: 5 * time.Minute})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if _, err := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r2", VehicleID: "v2"}); err != nil {
		t.Fatalf("create hold: %v", err)
	}
	f.clock.Advance(6 * time.Minute)

	// r2 still holds v2, so the hold on v1 is refused.
	if _, err := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r2", VehicleID: "v1"}); !errors.Is(err, fault.ErrRiderHasActiveHold) {
		t.Fatalf("expected rider has active hold, got %v", err)
	}
	got, err := store.Get(ctx, lapsed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != reservation.StatusActive || f.rec.Count(notify.ReservationExpired) != 0 {
		t.Fatalf("refused create must not expire anything, got %s", got.Status)
	}
	if n, err := f.svc.ExpireStale(ctx); err != nil || n != 1 {
		t.Fatalf("expected sweeper to expire the lapsed hold, got %d %v", n, err)
	}
	if n := f.rec.Count(notify.ReservationExpired); n != 1 {
		t.Fatalf("expected one expiry notification, got %d", n)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("owner cancels", func(t *testing.T) {
		f := newMemoryFixture(t)
		r, _ := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r1", VehicleID: "v1"})
		got, err := f.svc.Cancel(ctx, reservation.CancelCommand{ReservationID: r.ID, RiderID: "r1"})
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got.Status != reservation.StatusCancelled || got.ClosedAt == nil {
			t.Fatalf("expected cancelled with closed_at, got %+v", got)
		}
		if _, err := f.svc.Cancel(ctx, reservation.CancelCommand{ReservationID: r.ID, RiderID: "r1"}); !errors.Is(err, fault.ErrInvalidState) {
			t.Fatalf("expected invalid state on second cancel, got %v", err)
		}
		// The vehicle is free again.
		if _, err := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r2", VehicleID: "v1"}); err != nil {
			t.Fatalf("re-hold after cancel: %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		f := newMemoryFixture(t)
		if _, err := f.svc.Cancel(ctx, reservation.CancelCommand{ReservationID: "missing", RiderID: "r1"}); !errors.Is(err, fault.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("wrong rider", func(t *testing.T) {
		f := newMemoryFixture(t)
		r, _ := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r1", VehicleID: "v1"})
		if _, err := f.svc.Cancel(ctx, reservation.CancelCommand{ReservationID: r.ID, RiderID: "r2"}); !errors.Is(err, fault.ErrForbidden) {
			t.Fatalf("expected forbidden, got %v", err)
		}
	})

	t.Run("past ttl", func(t *testing.T) {
		f := newMemoryFixture(t)
		r, _ := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: "r1", VehicleID: "v1"})
		f.clock.Advance(reservation.DefaultTTL + time.Second)
		if _, err := f.svc.Cancel(ctx, reservation.CancelCommand{ReservationID: r.ID, RiderID: "r1"}); !errors.Is(err, fault.ErrExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
		got, _ := f.svc.Get(ctx, r.ID)
		if got.Status != reservation.StatusExpired {
			t.Fatalf("expected expired status, got %s", got.Status)
		}
		if f.rec.Count(notify.ReservationExpired) != 1 {
			t.Fatalf("expected one expiry notification, got %d", f.rec.Count(notify.ReservationExpired))
		}
	})
}

func TestExpireStaleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.svc.CreateHold(ctx, reservation.CreateCommand{
			RiderID:   types.ID(fmt.Sprintf("r%d", i)),
			VehicleID: types.ID(fmt.Sprintf("v%d", i)),
			TTL:       time.Duration(i+1) * time.Minute,
		})
		if err != nil {
			t.Fatalf("create hold %d: %v", i, err)
		}
	}
	f.clock.Advance(2*time.Minute + time.Second)

	n, err := f.svc.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired, got %d", n)
	}
	n, err = f.svc.ExpireStale(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep should be a no-op, got %d %v", n, err)
	}
}

func TestRunExpirySweeperStopsOnCancel(t *testing.T) {
	f := newMemoryFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunExpirySweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestConcurrentCreateHoldSameVehicle(t *testing.T) {
	runConcurrentCreateHold(t, newMemoryFixture(t))
}

func runConcurrentCreateHold(t *testing.T, f fixture) {
	t.Helper()
	ctx := context.Background()
	const attempts = 16

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(rider types.ID) {
			defer wg.Done()
			<-start
			_, err := f.svc.CreateHold(ctx, reservation.CreateCommand{RiderID: rider, VehicleID: "v_contended"})
			errs <- err
		}(types.ID(fmt.Sprintf("rider_%d", i)))
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, fault.ErrVehicleUnavailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
}
