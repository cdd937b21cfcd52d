package rental_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mobility/internal/fault"
	"mobility/internal/modules/geo"
	"mobility/internal/modules/promotion"
	"mobility/internal/modules/rental"
	"mobility/internal/modules/reservation"
	"mobility/internal/notify"
	"mobility/internal/payments"
	"mobility/internal/storage/memory"
	"mobility/internal/types"
)

var (
	epoch     = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	startSpot = types.Point{Lat: 52.5200, Lng: 13.4050}
	zoneZ     = geo.Zone{ID: "zone-z", Name: "Mitte", Boundary: geo.Polygon{
		{Lat: 52.50, Lng: 13.38}, {Lat: 52.50, Lng: 13.43}, {Lat: 52.54, Lng: 13.43}, {Lat: 52.54, Lng: 13.38},
	}}
	insideZ  = types.Point{Lat: 52.5250, Lng: 13.4100}
	outsideZ = types.Point{Lat: 52.6000, Lng: 13.5000}
)

type fixedPromo struct {
	mu    sync.Mutex
	cents int64
	calls int
}

func (p *fixedPromo) Discount(_ context.Context, _, _ types.ID, total types.Money) (types.Money, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return types.Money{Amount: p.cents, Currency: total.Currency}, nil
}

// interleavedStore runs during from inside the first Complete, before that
// write reaches the store, so another end lands between a read and its write.
type interleavedStore struct {
	rental.Store
	during func()
	fired  bool
}

func (s *interleavedStore) Complete(ctx context.Context, r *rental.Rental, version int, sum *rental.TripSummary) (bool, error) {
	if !s.fired {
		s.fired = true
		s.during()
	}
	return s.Store.Complete(ctx, r, version, sum)
}

type failingResolver struct{}

func (failingResolver) ReverseGeocode(context.Context, types.Point) (string, error) {
	return "", errors.New("quota exceeded")
}

type fixture struct {
	svc     *rental.Service
	store   *memory.RentalStore
	clock   *types.ManualClock
	rec     *notify.Recorder
	charges *payments.Recorder
	promo   *fixedPromo
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mem := memory.New()
	f := fixture{
		store:   mem.Rentals(),
		clock:   types.NewManualClock(epoch),
		rec:     &notify.Recorder{},
		charges: &payments.Recorder{},
		promo:   &fixedPromo{},
	}
	f.svc = rental.NewService(f.store, rental.Deps{
		Clock:      f.clock,
		Notifier:   f.rec,
		Promotions: f.promo,
		Payments:   f.charges,
		Addresses:  failingResolver{},
	})
	seedRental(t, mem, f.clock.Now())
	return f
}

// seedRental converts a fresh hold into rental "rent-1" at 25 cents a minute.
func seedRental(t *testing.T, mem *memory.Store, now time.Time) {
	t.Helper()
	ctx := context.Background()
	hold := &reservation.Reservation{
		ID: "res-1", RiderID: "rider-1", VehicleID: "veh-1",
		Status: reservation.StatusActive, CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute),
	}
	if _, err := mem.Reservations().Create(ctx, hold, now); err != nil {
		t.Fatalf("seed hold: %v", err)
	}
	rent := &rental.Rental{
		ID: "rent-1", RiderID: "rider-1", VehicleID: "veh-1", ReservationID: "res-1",
		Status: rental.StatusActive, StartedAt: now,
		StartLocation: startSpot, LastLocation: startSpot,
		RatePerMinute: types.Money{Amount: 25, Currency: "EUR"},
		AccruedCost:   types.Money{Currency: "EUR"},
		AccruedAt:     now,
	}
	ok, err := mem.Rentals().CreateFromHold(ctx, rent, 0, now)
	if err != nil || !ok {
		t.Fatalf("seed rental: %v %v", ok, err)
	}
}

func TestAccrueIsMonotonicAndFrozenWhilePaused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.clock.Advance(4 * time.Minute)
	r, err := f.svc.Accrue(ctx, "rent-1")
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if r.AccruedCost.Amount != 100 {
		t.Fatalf("expected 100 after 4m, got %d", r.AccruedCost.Amount)
	}
	again, _ := f.svc.Accrue(ctx, "rent-1")
	if again.AccruedCost.Amount != 100 {
		t.Fatalf("redundant accrue changed cost: %d", again.AccruedCost.Amount)
	}

	if _, err := f.svc.Pause(ctx, rental.PauseCommand{RentalID: "rent-1", RiderID: "rider-1"}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	f.clock.Advance(30 * time.Minute)
	paused, _ := f.svc.Accrue(ctx, "rent-1")
	if paused.AccruedCost.Amount != 100 {
		t.Fatalf("cost moved while paused: %d", paused.AccruedCost.Amount)
	}

	if _, err := f.svc.Resume(ctx, rental.PauseCommand{RentalID: "rent-1", RiderID: "rider-1"}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	f.clock.Advance(2 * time.Minute)
	resumed, _ := f.svc.Accrue(ctx, "rent-1")
	if resumed.AccruedCost.Amount != 150 {
		t.Fatalf("expected 150 after 6 billable minutes, got %d", resumed.AccruedCost.Amount)
	}
	if got := resumed.BillableDuration(f.clock.Now()); got != 6*time.Minute {
		t.Fatalf("expected 6m billable, got %s", got)
	}
}

func TestPauseResumeInvalidState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cmd := rental.PauseCommand{RentalID: "rent-1", RiderID: "rider-1"}

	if _, err := f.svc.Resume(ctx, cmd); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("resume while active: expected invalid state, got %v", err)
	}
	if _, err := f.svc.Pause(ctx, cmd); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.svc.Pause(ctx, cmd); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("double pause: expected invalid state, got %v", err)
	}
	if _, err := f.svc.Pause(ctx, rental.PauseCommand{RentalID: "rent-1", RiderID: "someone"}); !errors.Is(err, fault.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if f.rec.Count(notify.RentalPaused) != 1 {
		t.Fatalf("expected one pause notification")
	}
}

func TestTrackAccumulatesOnlyWhileActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	north := types.Point{Lat: startSpot.Lat + 0.001, Lng: startSpot.Lng}

	r, err := f.svc.Track(ctx, rental.TrackCommand{RentalID: "rent-1", Location: north})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if r.DistanceMeters < 110 || r.DistanceMeters > 112 {
		t.Fatalf("expected ~111m, got %f", r.DistanceMeters)
	}

	f.svc.Pause(ctx, rental.PauseCommand{RentalID: "rent-1"})
	r, err = f.svc.Track(ctx, rental.TrackCommand{RentalID: "rent-1", Location: startSpot})
	if err != nil {
		t.Fatalf("track while paused: %v", err)
	}
	if r.DistanceMeters > 112 {
		t.Fatalf("distance grew while paused: %f", r.DistanceMeters)
	}
	if r.LastLocation != startSpot {
		t.Fatalf("expected last location updated while paused")
	}

	if _, err := f.svc.Track(ctx, rental.TrackCommand{RentalID: "rent-1", Location: types.Point{Lat: 120}}); !errors.Is(err, fault.ErrBadRequest) {
		t.Fatalf("expected bad request for invalid point, got %v", err)
	}
}

func TestEndScenarioWithPromotion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.promo.cents = 100
	f.clock.Advance(20 * time.Minute)

	sum, err := f.svc.End(ctx, rental.EndCommand{
		RentalID: "rent-1", RiderID: "rider-1", EndLocation: insideZ, Zones: []geo.Zone{zoneZ},
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if sum.TotalCost.Amount != 500 || sum.Discount.Amount != 100 || sum.FinalCost.Amount != 400 {
		t.Fatalf("expected 500-100=400, got %+v", sum)
	}
	if sum.EndZoneID != "zone-z" || sum.Duration != 20*time.Minute || !sum.ChargedAtEnd {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.EndAddress != "" {
		t.Fatalf("failed geocode should leave address empty")
	}
	if got := f.charges.Charges(); len(got) != 1 || got[0].Amount.Amount != 400 || got[0].Reason != payments.ReasonTrip {
		t.Fatalf("expected one trip charge of 400, got %+v", got)
	}

	r, _ := f.svc.Get(ctx, "rent-1")
	if r.Status != rental.StatusCompleted || r.EndedAt == nil {
		t.Fatalf("expected completed rental, got %+v", r)
	}
	events := f.store.Events("rent-1")
	if len(events) == 0 || events[len(events)-1].ToStatus != rental.StatusCompleted {
		t.Fatalf("expected completion event, got %+v", events)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.promo.cents = 50
	f.clock.Advance(10 * time.Minute)
	cmd := rental.EndCommand{RentalID: "rent-1", RiderID: "rider-1", EndLocation: insideZ, Zones: []geo.Zone{zoneZ}}

	first, err := f.svc.End(ctx, cmd)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	f.clock.Advance(time.Hour)
	second, err := f.svc.End(ctx, cmd)
	if err != nil {
		t.Fatalf("repeat end: %v", err)
	}
	if *first != *second {
		t.Fatalf("summaries differ:\n%+v\n%+v", first, second)
	}
	// A retry with a garbled location still gets the stored summary.
	garbled := cmd
	garbled.EndLocation = types.Point{Lat: 123, Lng: 13.4}
	third, err := f.svc.End(ctx, garbled)
	if err != nil || *third != *first {
		t.Fatalf("expected stored summary on garbled retry, got %+v %v", third, err)
	}
	if f.promo.calls != 1 {
		t.Fatalf("promotion consulted %d times", f.promo.calls)
	}
	if len(f.charges.Charges()) != 1 {
		t.Fatalf("expected a single charge, got %d", len(f.charges.Charges()))
	}
}

func TestEndFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("outside zone", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.End(ctx, rental.EndCommand{RentalID: "rent-1", EndLocation: outsideZ, Zones: []geo.Zone{zoneZ}})
		if !errors.Is(err, fault.ErrNotInAuthorizedZone) {
			t.Fatalf("expected not in zone, got %v", err)
		}
		r, _ := f.svc.Get(ctx, "rent-1")
		if r.Status != rental.StatusActive {
			t.Fatalf("failed end must not change status, got %s", r.Status)
		}
	})

	t.Run("invalid location", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.End(ctx, rental.EndCommand{RentalID: "rent-1", EndLocation: types.Point{Lat: 95}, Zones: []geo.Zone{zoneZ}})
		if !errors.Is(err, fault.ErrBadRequest) {
			t.Fatalf("expected bad request, got %v", err)
		}
	})

	t.Run("cancelled rental", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.svc.Cancel(ctx, rental.CancelCommand{RentalID: "rent-1", ActorID: "ops", Reason: "damaged"}); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		_, err := f.svc.End(ctx, rental.EndCommand{RentalID: "rent-1", EndLocation: insideZ, Zones: []geo.Zone{zoneZ}})
		if !errors.Is(err, fault.ErrInvalidState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
	})

	t.Run("unknown rental", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.End(ctx, rental.EndCommand{RentalID: "nope", EndLocation: insideZ, Zones: []geo.Zone{zoneZ}})
		if !errors.Is(err, fault.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestEndWhilePausedBillsNoPausedTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Advance(8 * time.Minute)
	f.svc.Pause(ctx, rental.PauseCommand{RentalID: "rent-1"})
	f.clock.Advance(45 * time.Minute)

	sum, err := f.svc.End(ctx, rental.EndCommand{
		RentalID: "rent-1", EndLocation: insideZ, Zones: []geo.Zone{zoneZ}, DeferPayment: true,
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if sum.TotalCost.Amount != 200 || sum.Duration != 8*time.Minute {
		t.Fatalf("expected 8 billable minutes = 200, got %+v", sum)
	}
	if sum.ChargedAtEnd || len(f.charges.Charges()) != 0 {
		t.Fatalf("deferred payment must not charge")
	}
}

func TestConcurrentEndEmitsOneSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.clock.Advance(12 * time.Minute)
	cmd := rental.EndCommand{RentalID: "rent-1", EndLocation: insideZ, Zones: []geo.Zone{zoneZ}}

	const attempts = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan *rental.TripSummary, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			sum, err := f.svc.End(ctx, cmd)
			if err != nil {
				t.Errorf("end: %v", err)
				return
			}
			results <- sum
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var first *rental.TripSummary
	for sum := range results {
		if first == nil {
			first = sum
			continue
		}
		if *sum != *first {
			t.Fatalf("summaries differ:\n%+v\n%+v", first, sum)
		}
	}
	if n := len(f.charges.Charges()); n != 1 {
		t.Fatalf("expected exactly one charge, got %d", n)
	}
}

func TestRacingEndsKeepThePromotion(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	clock := types.NewManualClock(epoch)
	seedRental(t, mem, clock.Now())

	rdb := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { rdb.Close() })
	promos := promotion.NewStore(rdb)
	if err := promos.Grant(ctx, "rider-1", 100, 0); err != nil {
		t.Fatalf("grant: %v", err)
	}

	store := &interleavedStore{Store: mem.Rentals()}
	charges := &payments.Recorder{}
	svc := rental.NewService(store, rental.Deps{Clock: clock, Promotions: promos, Payments: charges})
	clock.Advance(20 * time.Minute)
	cmd := rental.EndCommand{RentalID: "rent-1", RiderID: "rider-1", EndLocation: insideZ, Zones: []geo.Zone{zoneZ}}

	var inner *rental.TripSummary
	store.during = func() {
		var err error
		if inner, err = svc.End(ctx, cmd); err != nil {
			t.Errorf("interleaved end: %v", err)
		}
	}
	outer, err := svc.End(ctx, cmd)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if outer.Discount.Amount != 100 || outer.FinalCost.Amount != 400 {
		t.Fatalf("expected the promotion applied once, got discount=%d final=%d", outer.Discount.Amount, outer.FinalCost.Amount)
	}
	if inner == nil || *inner != *outer {
		t.Fatalf("both ends should return the stored summary:\n%+v\n%+v", inner, outer)
	}
	if got := charges.Charges(); len(got) != 1 || got[0].Amount.Amount != 400 {
		t.Fatalf("expected one charge of 400, got %+v", got)
	}
}
