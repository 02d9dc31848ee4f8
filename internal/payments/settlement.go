package payments

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/trip-dispatch/internal/models"
)

// Charger captures a rider payment for a completed trip.
type Charger interface {
	Charge(ctx context.Context, amount int64, currency, description string) (string, error)
}

// CommissionSettler splits a completed trip's total between the driver and the
// platform and, for card trips, captures the rider charge first. Cash trips
// settle without touching the payment processor.
type CommissionSettler struct {
	Charger           Charger
	CommissionPercent float64
	Logger            *slog.Logger
}

// Settle computes the driver/platform split for the given total. The charge
// happens before the split so a processor failure leaves the trip unsettled.
func (s *CommissionSettler) Settle(ctx context.Context, driverID, tripID string, amount int64, currency, method string) (models.Settlement, error) {
	var ref string
	if method == "card" {
		if s.Charger == nil {
			return models.Settlement{}, fmt.Errorf("settle trip %s: card payments not configured", tripID)
		}
		id, err := s.Charger.Charge(ctx, amount, currency, "trip "+tripID)
		if err != nil {
			return models.Settlement{}, fmt.Errorf("settle trip %s: %w", tripID, err)
		}
		ref = id
	}

	commission := int64(math.Round(float64(amount) * s.CommissionPercent / 100))
	if commission > amount {
		commission = amount
	}
	out := models.Settlement{
		DriverEarnings:     amount - commission,
		PlatformCommission: commission,
		PaymentRef:         ref,
	}
	if s.Logger != nil {
		s.Logger.Info("trip settled",
			"trip_id", tripID,
			"driver_id", driverID,
			"method", method,
			"driver_earnings", out.DriverEarnings,
			"platform_commission", out.PlatformCommission,
		)
	}
	return out, nil
}
