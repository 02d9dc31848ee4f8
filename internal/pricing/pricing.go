// Package pricing computes fares. Everything in this file is pure
// computation: identical inputs always produce identical breakdowns, which
// is what makes quotes auditable when a billing dispute comes in months
// later.
package pricing

import (
	"math"

	"github.com/example/trip-dispatch/internal/models"
)

// Rates is the tariff applied to a quote. Amounts are minor currency units.
type Rates struct {
	BaseFare      int64
	PerKmRate     int64
	PerMinuteRate int64
	Currency      string
}

// Fare itemizes the charge for a route at the given surge multiplier.
//
//	distanceCharge = round(km * perKmRate)
//	timeCharge     = round(minutes * perMinuteRate)
//	subtotal       = base + distance + time
//	surgeFee       = round(subtotal * (surge - 1))
func Fare(r Rates, distanceMeters, durationSeconds, surgeMultiplier float64) models.FareBreakdown {
	if surgeMultiplier < 1.0 {
		surgeMultiplier = 1.0
	}
	distanceCharge := roundAmount(distanceMeters / 1000.0 * float64(r.PerKmRate))
	timeCharge := roundAmount(durationSeconds / 60.0 * float64(r.PerMinuteRate))
	subtotal := r.BaseFare + distanceCharge + timeCharge
	surgeFee := roundAmount(float64(subtotal) * (surgeMultiplier - 1.0))
	return models.FareBreakdown{
		BaseFare:        r.BaseFare,
		DistanceCharge:  distanceCharge,
		TimeCharge:      timeCharge,
		SurgeFee:        surgeFee,
		Subtotal:        subtotal,
		Total:           subtotal + surgeFee,
		SurgeMultiplier: surgeMultiplier,
		Currency:        r.Currency,
	}
}

// ApplyOffer lets a customer bid above the computed fare. An offer below the
// computed total is ignored: the quote is a floor, never a ceiling.
func ApplyOffer(f models.FareBreakdown, offered int64) models.FareBreakdown {
	if offered > f.Total {
		f.Total = offered
	}
	return f
}

// MultiplierForRatio maps a demand/supply ratio to a surge tier,
// evaluated high-to-low.
func MultiplierForRatio(ratio float64) float64 {
	switch {
	case ratio >= 3:
		return 2.0
	case ratio >= 2:
		return 1.5
	case ratio >= 1.5:
		return 1.25
	default:
		return 1.0
	}
}

// MaxMultiplier is what a zero-supply neighborhood pays.
const MaxMultiplier = 2.0

func roundAmount(v float64) int64 {
	return int64(math.Round(v))
}
