// Package storage owns persistence for trips and drivers. Every lifecycle
// transition is a conditional update against the current persisted status —
// never against a status read earlier in the request — and transitions that
// touch both a trip and a driver commit or fail together. The availability
// cache is advisory; these guards are the source of truth.
package storage

import (
	"context"

	"github.com/example/trip-dispatch/internal/models"
)

// TripStore is the transition surface of the trip state machine. Each method
// applies one guarded transition atomically, appending the matching timeline
// entry in the same operation, and returns models.ErrConflict when the
// precondition no longer holds.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)

	// ListDispatchable returns ids of trips still in a searching state,
	// used by the recovery sweep to re-enqueue dispatch after a restart.
	ListDispatchable(ctx context.Context) ([]string, error)

	// MarkDriversFound notes that candidates were broadcast. No-op if the
	// trip is already in drivers_found.
	MarkDriversFound(ctx context.Context, tripID string) (*models.Trip, error)

	// AssignDriver executes the assignment transaction: the trip flips to
	// driver_assigned only while still searching, and the driver flips to
	// unavailable only while still available. Either guard failing rolls
	// back both writes.
	AssignDriver(ctx context.Context, tripID, driverID string, pickupETASeconds float64) (*models.Trip, error)

	// MarkArrived is idempotent: repeated arrival signals while already
	// driver_arrived return the trip unchanged.
	MarkArrived(ctx context.Context, tripID string) (*models.Trip, error)

	StartTrip(ctx context.Context, tripID string) (*models.Trip, error)

	// CompleteTrip records the realized settlement split and releases the
	// driver in the same transaction.
	CompleteTrip(ctx context.Context, tripID string, st models.Settlement) (*models.Trip, error)

	// CancelTrip is legal from any non-terminal state and releases a bound
	// driver.
	CancelTrip(ctx context.Context, tripID string, by models.CancelActor, reason string) (*models.Trip, error)

	// RateTrip accepts a rating only for completed trips and folds driver
	// ratings into the driver's running sum/count.
	RateTrip(ctx context.Context, tripID string, party models.RatedParty, rating float64) (*models.Trip, error)
}

type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpsertDriver(ctx context.Context, d *models.Driver) error
}

// Store is what the trip service and dispatch engine wire against.
type Store interface {
	TripStore
	DriverStore
}
