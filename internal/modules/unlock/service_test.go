package unlock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mobility/internal/fault"
	"mobility/internal/modules/rental"
	"mobility/internal/modules/reservation"
	"mobility/internal/modules/unlock"
	"mobility/internal/notify"
	"mobility/internal/storage/memory"
	"mobility/internal/types"
)

var (
	epoch      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	vehicleAt  = types.Point{Lat: 52.5200, Lng: 13.4050}
	fiveMeters = types.Point{Lat: 52.520045, Lng: 13.4050}
	fiftyMeter = types.Point{Lat: 52.520450, Lng: 13.4050}
)

type flatRate struct{ err error }

func (f flatRate) Rate(context.Context, types.ID) (types.Money, error) {
	if f.err != nil {
		return types.Money{}, f.err
	}
	return types.Money{Amount: 25, Currency: "EUR"}, nil
}

type fixture struct {
	holds   *reservation.Service
	unlock  *unlock.Service
	rentals rental.Store
	clock   *types.ManualClock
	rec     *notify.Recorder
}

func newFixture(t *testing.T, holds reservation.Store, rentals rental.Store) fixture {
	t.Helper()
	clock := types.NewManualClock(epoch)
	rec := &notify.Recorder{}
	hs := reservation.NewService(holds, reservation.Config{}, reservation.Deps{Clock: clock, Notifier: rec})
	us := unlock.NewService(hs, rentals, flatRate{}, unlock.Config{}, unlock.Deps{Clock: clock, Notifier: rec})
	return fixture{holds: hs, unlock: us, rentals: rentals, clock: clock, rec: rec}
}

func newMemoryFixture(t *testing.T) fixture {
	mem := memory.New()
	return newFixture(t, mem.Reservations(), mem.Rentals())
}

func (f fixture) hold(t *testing.T, rider, vehicle types.ID) *reservation.Reservation {
	t.Helper()
	r, err := f.holds.CreateHold(context.Background(), reservation.CreateCommand{RiderID: rider, VehicleID: vehicle})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	return r
}

func authorizeAt(id, rider types.ID, at types.Point) unlock.AuthorizeCommand {
	return unlock.AuthorizeCommand{ReservationID: id, RiderID: rider, RiderLocation: at, VehicleLocation: vehicleAt}
}

func TestAuthorizeProximity(t *testing.T) {
	ctx := context.Background()
	f := newMemoryFixture(t)
	h := f.hold(t, "rider-1", "veh-1")

	if _, err := f.unlock.Authorize(ctx, authorizeAt(h.ID, "rider-1", fiftyMeter)); !errors.Is(err, fault.ErrTooFarFromVehicle) {
		t.Fatalf("expected too far at 50m, got %v", err)
	}
	still, _ := f.holds.Get(ctx, h.ID)
	if still.Status != reservation.StatusActive {
		t.Fatalf("failed unlock must leave the hold active, got %s", still.Status)
	}

	r, err := f.unlock.Authorize(ctx, authorizeAt(h.ID, "rider-1", fiveMeters))
	if err != nil {
		t.Fatalf("authorize at 5m: %v", err)
	}
	if r.Status != rental.StatusActive || !r.StartedAt.Equal(epoch) || r.StartLocation != fiveMeters {
		t.Fatalf("unexpected rental %+v", r)
	}
	if r.RatePerMinute.Amount != 25 || r.ReservationID != h.ID {
		t.Fatalf("expected rate snapshot and hold link, got %+v", r)
	}
	converted, _ := f.holds.Get(ctx, h.ID)
	if converted.Status != reservation.StatusConverted {
		t.Fatalf("expected converted hold, got %s", converted.Status)
	}
	if f.rec.Count(notify.RentalStarted) != 1 {
		t.Fatalf("expected rental started notification")
	}

	// The vehicle is rented now, so no new hold can be placed on it.
	if _, err := f.holds.CreateHold(ctx, reservation.CreateCommand{RiderID: "rider-2", VehicleID: "veh-1"}); !errors.Is(err, fault.ErrVehicleUnavailable) {
		t.Fatalf("expected vehicle unavailable during rental, got %v", err)
	}
}

func TestAuthorizeCustomDistance(t *testing.T) {
	f := newMemoryFixture(t)
	h := f.hold(t, "rider-1", "veh-1")
	cmd := authorizeAt(h.ID, "rider-1", fiftyMeter)
	cmd.MaxDistanceMeters = 60
	if _, err := f.unlock.Authorize(context.Background(), cmd); err != nil {
		t.Fatalf("expected 50m to pass a 60m policy: %v", err)
	}
}

func TestAuthorizeHoldErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		f := newMemoryFixture(t)
		if _, err := f.unlock.Authorize(ctx, authorizeAt("missing", "rider-1", fiveMeters)); !errors.Is(err, fault.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("wrong rider", func(t *testing.T) {
		f := newMemoryFixture(t)
		h := f.hold(t, "rider-1", "veh-1")
		if _, err := f.unlock.Authorize(ctx, authorizeAt(h.ID, "rider-2", fiveMeters)); !errors.Is(err, fault.ErrForbidden) {
			t.Fatalf("expected forbidden, got %v", err)
		}
	})

	t.Run("past ttl", func(t *testing.T) {
		f := newMemoryFixture(t)
		h := f.hold(t, "rider-1", "veh-1")
		f.clock.Advance(reservation.DefaultTTL + time.Second)
		if _, err := f.unlock.Authorize(ctx, authorizeAt(h.ID, "rider-1", fiveMeters)); !errors.Is(err, fault.ErrExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
		got, _ := f.holds.Get(ctx, h.ID)
		if got.Status != reservation.StatusExpired {
			t.Fatalf("expected lazily expired hold, got %s", got.Status)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newMemoryFixture(t)
		h := f.hold(t, "rider-1", "veh-1")
		if _, err := f.holds.Cancel(ctx, reservation.CancelCommand{ReservationID: h.ID, RiderID: "rider-1"}); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if _, err := f.unlock.Authorize(ctx, authorizeAt(h.ID, "rider-1", fiveMeters)); !errors.Is(err, fault.ErrInvalidState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
	})

	t.Run("already converted", func(t *testing.T) {
		f := newMemoryFixture(t)
		h := f.hold(t, "rider-1", "veh-1")
		if _, err := f.unlock.Authorize(ctx, authorizeAt(h.ID, "rider-1", fiveMeters)); err != nil {
			t.Fatalf("first unlock: %v", err)
		}
		if _, err := f.unlock.Authorize(ctx, authorizeAt(h.ID, "rider-1", fiveMeters)); !errors.Is(err, fault.ErrAlreadyConverted) {
			t.Fatalf("expected already converted, got %v", err)
		}
	})

	t.Run("invalid coordinates", func(t *testing.T) {
		f := newMemoryFixture(t)
		h := f.hold(t, "rider-1", "veh-1")
		if _, err := f.unlock.Authorize(ctx, authorizeAt(h.ID, "rider-1", types.Point{Lat: 91})); !errors.Is(err, fault.ErrBadRequest) {
			t.Fatalf("expected bad request, got %v", err)
		}
	})
}

func TestAuthorizeRateFailureKeepsHold(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	clock := types.NewManualClock(epoch)
	hs := reservation.NewService(mem.Reservations(), reservation.Config{}, reservation.Deps{Clock: clock})
	us := unlock.NewService(hs, mem.Rentals(), flatRate{err: errors.New("directory down")}, unlock.Config{}, unlock.Deps{Clock: clock})

	h, err := hs.CreateHold(ctx, reservation.CreateCommand{RiderID: "rider-1", VehicleID: "veh-1"})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if _, err := us.Authorize(ctx, authorizeAt(h.ID, "rider-1", fiveMeters)); err == nil {
		t.Fatalf("expected rate lookup failure")
	}
	got, _ := hs.Get(ctx, h.ID)
	if got.Status != reservation.StatusActive {
		t.Fatalf("expected hold untouched, got %s", got.Status)
	}
}

func TestConcurrentUnlockSameHold(t *testing.T) {
	runConcurrentUnlock(t, newMemoryFixture(t))
}

func runConcurrentUnlock(t *testing.T, f fixture) {
	t.Helper()
	ctx := context.Background()
	h := f.hold(t, "rider-1", "veh-1")

	const attempts = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.unlock.Authorize(ctx, authorizeAt(h.ID, "rider-1", fiveMeters))
			errs <- err
		}()
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
		if !errors.Is(err, fault.ErrAlreadyConverted) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
}
