// README: Rental termination: return-zone check, final cost, one-time trip summary.
package rental

import (
	"context"
	"fmt"
	"time"

	"mobility/internal/fault"
	"mobility/internal/modules/geo"
	"mobility/internal/notify"
	"mobility/internal/observability"
	"mobility/internal/payments"
	"mobility/internal/types"
)

const geocodeTimeout = 2 * time.Second

type EndCommand struct {
	RentalID    types.ID
	RiderID     types.ID
	EndLocation types.Point
	Zones       []geo.Zone
	// DeferPayment leaves charging to settlement; otherwise the rider is
	// charged the final cost as soon as the summary is written.
	DeferPayment bool
}

// End closes the rental into its TripSummary. Calling it again on a completed
// rental returns the stored summary unchanged.
func (s *Service) End(ctx context.Context, cmd EndCommand) (*TripSummary, error) {
	var discount *types.Money
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		r, err := s.store.Get(ctx, cmd.RentalID)
		if err != nil {
			return nil, err
		}
		if cmd.RiderID != "" && r.RiderID != cmd.RiderID {
			return nil, fmt.Errorf("rental %s: %w", r.ID, fault.ErrForbidden)
		}
		if r.Status == StatusCompleted {
			return s.store.Summary(ctx, r.ID)
		}
		if !cmd.EndLocation.Valid() {
			return nil, fmt.Errorf("end location %v: %w", cmd.EndLocation, fault.ErrBadRequest)
		}
		zone, ok := geo.FindZone(cmd.EndLocation, cmd.Zones)
		if !ok {
			return nil, fmt.Errorf("end location %v: %w", cmd.EndLocation, fault.ErrNotInAuthorizedZone)
		}
		if !CanTransition(r.Status, StatusCompleted) {
			return nil, fmt.Errorf("rental %s is %s: %w", r.ID, r.Status, fault.ErrInvalidState)
		}

		now := s.clock.Now()
		from, version := r.Status, r.Version
		if p := r.openPause(); p != nil {
			p.ResumedAt = &now
		}
		accrue(r, now)
		if from == StatusActive {
			r.DistanceMeters += geo.DistanceMeters(r.LastLocation, cmd.EndLocation)
		}
		r.LastLocation = cmd.EndLocation
		r.Status, r.EndedAt = StatusCompleted, &now

		total := r.AccruedCost
		if discount == nil {
			d := s.discountFor(ctx, r.ID, r.RiderID, total)
			discount = &d
		}
		applied := clampDiscount(*discount, total)

		sum := &TripSummary{
			RentalID:       r.ID,
			VehicleID:      r.VehicleID,
			RiderID:        r.RiderID,
			StartedAt:      r.StartedAt,
			EndedAt:        now,
			Duration:       r.BillableDuration(now),
			DistanceMeters: r.DistanceMeters,
			TotalCost:      total,
			Discount:       applied,
			FinalCost:      total.Sub(applied),
			EndLocation:    cmd.EndLocation,
			EndZoneID:      zone.ID,
			EndAddress:     s.addressFor(ctx, cmd.EndLocation),
			ChargedAtEnd:   !cmd.DeferPayment,
		}
		ok, err = s.store.Complete(ctx, r, version, sum)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another writer moved the rental; the next pass sees the result.
			continue
		}
		r.Version = version + 1
		s.afterComplete(ctx, r, from, sum)
		return sum, nil
	}
	return nil, fmt.Errorf("rental %s end: %w", cmd.RentalID, fault.ErrConflict)
}

func (s *Service) afterComplete(ctx context.Context, r *Rental, from Status, sum *TripSummary) {
	s.recordTransition(ctx, r, from, r.RiderID, sum.EndedAt)
	observability.RentalsActive.Dec()
	observability.TripRevenueCents.Add(float64(sum.FinalCost.Amount))
	s.logger.Info("rental completed",
		"rental_id", string(r.ID), "vehicle_id", string(r.VehicleID), "zone_id", string(sum.EndZoneID),
		"total_cents", sum.TotalCost.Amount, "discount_cents", sum.Discount.Amount, "final_cents", sum.FinalCost.Amount)
	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		Kind:        notify.RentalCompleted,
		RecipientID: r.RiderID,
		EntityID:    r.ID,
		Data:        map[string]any{"final_cents": sum.FinalCost.Amount, "currency": sum.FinalCost.Currency},
		OccurredAt:  sum.EndedAt,
	})
	if sum.ChargedAtEnd {
		payments.Emit(ctx, s.payments, s.logger,
			payments.NewCharge(r.ID, r.RiderID, sum.FinalCost, payments.ReasonTrip, sum.EndedAt))
	}
}

func (s *Service) discountFor(ctx context.Context, rental, rider types.ID, total types.Money) types.Money {
	zero := types.Money{Currency: total.Currency}
	if s.promotions == nil {
		return zero
	}
	d, err := s.promotions.Discount(ctx, rental, rider, total)
	if err != nil {
		s.logger.Warn("promotion lookup failed", "rental_id", string(rental), "rider_id", string(rider), "err", err)
		return zero
	}
	return d
}

func (s *Service) addressFor(ctx context.Context, p types.Point) string {
	if s.addresses == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, geocodeTimeout)
	defer cancel()
	addr, err := s.addresses.ReverseGeocode(ctx, p)
	if err != nil {
		s.logger.Warn("reverse geocode failed", "lat", p.Lat, "lng", p.Lng, "err", err)
		return ""
	}
	return addr
}

// clampDiscount keeps the discount within [0, total].
func clampDiscount(d, total types.Money) types.Money {
	out := types.Money{Amount: d.Amount, Currency: total.Currency}
	if out.Amount < 0 {
		out.Amount = 0
	}
	if out.Amount > total.Amount {
		out.Amount = total.Amount
	}
	return out
}
