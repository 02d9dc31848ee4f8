package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place is a coordinate plus the human-readable address shown to riders.
type Place struct {
	Coord   Coord  `json:"coord"`
	Address string `json:"address"`
}

// TripStatus is the closed set of lifecycle states a trip can be in.
// Transitions between them are enforced by the trip service and the
// conditional updates in storage; nothing else writes Status.
type TripStatus string

const (
	StatusSearching      TripStatus = "searching"
	StatusDriversFound   TripStatus = "drivers_found"
	StatusDriverAssigned TripStatus = "driver_assigned"
	StatusDriverArrived  TripStatus = "driver_arrived"
	StatusInProgress     TripStatus = "in_progress"
	StatusCompleted      TripStatus = "completed"
	StatusCancelled      TripStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s TripStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Dispatchable reports whether the trip is still looking for a driver.
func (s TripStatus) Dispatchable() bool {
	return s == StatusSearching || s == StatusDriversFound
}

// FareBreakdown itemizes a quoted fare. All amounts are integer minor
// currency units so the breakdown can be reproduced exactly for billing
// disputes.
type FareBreakdown struct {
	BaseFare        int64   `json:"base_fare" db:"base_fare"`
	DistanceCharge  int64   `json:"distance_charge" db:"distance_charge"`
	TimeCharge      int64   `json:"time_charge" db:"time_charge"`
	SurgeFee        int64   `json:"surge_fee" db:"surge_fee"`
	Discount        int64   `json:"discount" db:"discount"`
	Subtotal        int64   `json:"subtotal" db:"subtotal"`
	Total           int64   `json:"total" db:"total"`
	SurgeMultiplier float64 `json:"surge_multiplier" db:"surge_multiplier"`
	Currency        string  `json:"currency" db:"currency"`
}

// TimelineEntry is one append-only audit record on a trip. Entries are
// written inside the same transaction as the transition that caused them,
// so their order matches commit order.
type TimelineEntry struct {
	Event    string            `json:"event"`
	At       time.Time         `json:"at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Settlement is the realized earnings split returned by the payment
// collaborator at completion. The core records it but never computes it.
type Settlement struct {
	DriverEarnings     int64  `json:"driver_earnings"`
	PlatformCommission int64  `json:"platform_commission"`
	PaymentRef         string `json:"payment_ref,omitempty"`
}

type CancelActor string

const (
	CancelledByCustomer CancelActor = "customer"
	CancelledByDriver   CancelActor = "driver"
	CancelledBySystem   CancelActor = "system"
)

// RatedParty selects which side of a completed trip a rating applies to.
type RatedParty string

const (
	RateDriver   RatedParty = "driver"
	RateCustomer RatedParty = "customer"
)

type Trip struct {
	ID     string `json:"id"`
	Number string `json:"number"`

	CustomerID string `json:"customer_id"`
	DriverID   string `json:"driver_id,omitempty"`

	Pickup          Place   `json:"pickup"`
	Destination     Place   `json:"destination"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
	Polyline        string  `json:"polyline,omitempty"`
	SameCompound    bool    `json:"same_compound,omitempty"`

	Fare          FareBreakdown `json:"fare"`
	OfferedAmount int64         `json:"offered_amount,omitempty"`

	Status        TripStatus `json:"status"`
	PaymentMethod string     `json:"payment_method"`
	PaymentStatus string     `json:"payment_status,omitempty"`
	Settlement    Settlement `json:"settlement"`

	// PIN confirms in-person driver/customer contact before the trip
	// starts. Generated at creation, immutable afterwards.
	PIN string `json:"-"`

	PickupETASeconds float64 `json:"pickup_eta_seconds,omitempty"`

	CancelledBy  CancelActor `json:"cancelled_by,omitempty"`
	CancelReason string      `json:"cancel_reason,omitempty"`

	DriverRating   float64 `json:"driver_rating,omitempty"`
	CustomerRating float64 `json:"customer_rating,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Timeline []TimelineEntry `json:"timeline,omitempty"`
}

// Summary builds the payload broadcast to candidate drivers during dispatch.
func (t *Trip) Summary() TripSummary {
	return TripSummary{
		TripID:          t.ID,
		Number:          t.Number,
		Pickup:          t.Pickup,
		Destination:     t.Destination,
		DistanceMeters:  t.DistanceMeters,
		EstimatedTotal:  t.Fare.Total,
		Currency:        t.Fare.Currency,
		SurgeMultiplier: t.Fare.SurgeMultiplier,
	}
}

// TripSummary is what a candidate driver sees before accepting.
type TripSummary struct {
	TripID          string  `json:"trip_id"`
	Number          string  `json:"number"`
	Pickup          Place   `json:"pickup"`
	Destination     Place   `json:"destination"`
	DistanceMeters  float64 `json:"distance_meters"`
	EstimatedTotal  int64   `json:"estimated_total"`
	Currency        string  `json:"currency"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
}

// Driver is the authoritative driver record. Available/CurrentTripID are
// flipped transactionally together with trip transitions; the cached
// availability index mirrors them but is never trusted at assignment time.
type Driver struct {
	ID            string    `json:"id"`
	Loc           Coord     `json:"loc"`
	Online        bool      `json:"online"`
	Available     bool      `json:"available"`
	CurrentTripID string    `json:"current_trip_id,omitempty"`
	RatingSum     float64   `json:"rating_sum"`
	RatingCount   int64     `json:"rating_count"`
	Updated       time.Time `json:"updated"`
}

// Rating returns the driver's running average rating.
func (d *Driver) Rating() float64 {
	if d.RatingCount == 0 {
		return 0
	}
	return d.RatingSum / float64(d.RatingCount)
}

// DispatchAttempt tracks one trip's search progress. It lives in the
// dispatch cache only, never on the trip itself, and is discarded as soon
// as the trip leaves the searching states.
type DispatchAttempt struct {
	TripID         string    `json:"trip_id"`
	Attempt        int       `json:"attempt"`
	RadiusMeters   float64   `json:"radius_meters"`
	LastExpandedAt time.Time `json:"last_expanded_at"`
}
