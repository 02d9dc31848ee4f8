// Package trip owns the canonical lifecycle of a trip. All mutations flow
// through Service, which delegates the actual guarded transitions to the
// storage layer; this package decides what a transition means, storage
// decides whether it may commit.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/pricing"
	"github.com/example/trip-dispatch/internal/routing"
	"github.com/example/trip-dispatch/internal/storage"
)

// Dispatcher kicks off the asynchronous driver search for a new trip.
type Dispatcher interface {
	StartSearch(ctx context.Context, trip *models.Trip) error
}

// Publisher pushes lifecycle updates to interested parties, including the
// bound driver when there is one. Fire-and-forget: delivery failures never
// roll back a committed transition.
type Publisher interface {
	PublishLifecycleUpdate(ctx context.Context, tripID, driverID string, payload any)
}

// Settler is the payment collaborator invoked at completion. It returns the
// realized earnings split, which the core records verbatim.
type Settler interface {
	Settle(ctx context.Context, driverID, tripID string, amount int64, currency, method string) (models.Settlement, error)
}

type Service struct {
	Store     storage.Store
	Router    routing.Client
	Surge     pricing.Surge
	Rates     pricing.Rates
	Dispatch  Dispatcher
	Publisher Publisher
	Settler   Settler
	Index     geo.Index

	ArrivalRadiusMeters float64
	DefaultSpeedMps     float64

	Logger *slog.Logger
}

type CreateRequest struct {
	CustomerID    string       `json:"customer_id"`
	Pickup        models.Place `json:"pickup"`
	Destination   models.Place `json:"destination"`
	PaymentMethod string       `json:"payment_method"`
	OfferedAmount int64        `json:"offered_amount,omitempty"`
	SameCompound  bool         `json:"same_compound,omitempty"`
}

// Create prices and persists a new trip and hands it to dispatch. The call
// returns as soon as the trip is stored in `searching`; matching continues
// asynchronously. A routing failure aborts the whole creation — no partial
// trip is left behind.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Trip, error) {
	if req.CustomerID == "" {
		return nil, fmt.Errorf("customer_id is required: %w", models.ErrValidation)
	}

	route, err := s.Router.Route(ctx, req.Pickup.Coord, req.Destination.Coord)
	if err != nil {
		return nil, err
	}

	surge, err := s.Surge.Multiplier(ctx, req.Pickup.Coord.Lat, req.Pickup.Coord.Lon)
	if err != nil {
		s.Logger.Warn("surge sampling failed, using 1.0", "error", err)
		surge = 1.0
	}
	fare := pricing.Fare(s.Rates, route.DistanceMeters, route.DurationSeconds, surge)
	fare = pricing.ApplyOffer(fare, req.OfferedAmount)

	now := time.Now()
	t := &models.Trip{
		ID:              newID(),
		Number:          newTripNumber(now),
		CustomerID:      req.CustomerID,
		Pickup:          req.Pickup,
		Destination:     req.Destination,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
		Polyline:        route.Polyline,
		SameCompound:    req.SameCompound,
		Fare:            fare,
		OfferedAmount:   req.OfferedAmount,
		Status:          models.StatusSearching,
		PaymentMethod:   paymentMethodOrDefault(req.PaymentMethod),
		PIN:             newPIN(),
		RequestedAt:     now,
		UpdatedAt:       now,
	}
	if err := s.Store.CreateTrip(ctx, t); err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}

	if err := s.Surge.RecordRequest(ctx, req.Pickup.Coord.Lat, req.Pickup.Coord.Lon, t.ID); err != nil {
		s.Logger.Warn("failed to record surge demand", "trip_id", t.ID, "error", err)
	}
	if err := s.Dispatch.StartSearch(ctx, t); err != nil {
		// the recovery sweep will pick the trip up; creation still succeeds
		s.Logger.Error("failed to enqueue dispatch", "trip_id", t.ID, "error", err)
	}
	s.Publisher.PublishLifecycleUpdate(ctx, t.ID, t.DriverID, lifecyclePayload(t))

	observability.TripsCreated.Inc()
	observability.SurgeMultiplierObs.Observe(surge)
	s.Logger.Info("trip created", "trip_id", t.ID, "number", t.Number, "total", fare.Total, "surge", surge)
	return t, nil
}

// Get returns the trip with its timeline.
func (s *Service) Get(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.Store.GetTrip(ctx, tripID)
}

// Accept is a driver's attempt to take a searching trip. Exactly one of any
// number of concurrent accepts can win; the rest observe ErrConflict and
// must surface "trip no longer available" to the driver.
func (s *Service) Accept(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Dispatchable() {
		observability.AcceptConflicts.Inc()
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
	}
	d, err := s.Store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}

	eta := s.pickupETA(ctx, d.Loc, t.Pickup.Coord)

	t, err = s.Store.AssignDriver(ctx, tripID, driverID, eta)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}

	observability.AssignmentsTotal.Inc()
	observability.AssignmentLatency.Observe(time.Since(t.RequestedAt).Seconds())
	s.mirrorDriver(ctx, driverID)
	s.Publisher.PublishLifecycleUpdate(ctx, t.ID, t.DriverID, lifecyclePayload(t))
	s.Logger.Info("driver assigned", "trip_id", tripID, "driver_id", driverID, "pickup_eta_s", eta)
	return t, nil
}

// Arrive marks the driver at the pickup point. With a reported location the
// transition only fires within the arrival radius; an explicit signal (nil
// location) always does. Repeated signals are no-ops.
func (s *Service) Arrive(ctx context.Context, tripID, driverID string, reported *models.Coord) (*models.Trip, error) {
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != driverID {
		return nil, fmt.Errorf("driver %s is not assigned to trip %s: %w", driverID, tripID, models.ErrConflict)
	}
	if t.Status == models.StatusDriverArrived {
		return t, nil
	}
	if reported != nil {
		dist := geo.Haversine(reported.Lat, reported.Lon, t.Pickup.Coord.Lat, t.Pickup.Coord.Lon)
		if dist > s.ArrivalRadiusMeters {
			// just a location report, not an arrival
			return t, nil
		}
	}
	t, err = s.Store.MarkArrived(ctx, tripID)
	if err != nil {
		return nil, err
	}
	s.Publisher.PublishLifecycleUpdate(ctx, t.ID, t.DriverID, lifecyclePayload(t))
	return t, nil
}

// Start begins the ride once the customer confirms the PIN. A mismatch
// leaves the trip exactly where it was.
func (s *Service) Start(ctx context.Context, tripID, pin string) (*models.Trip, error) {
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusDriverArrived {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
	}
	if pin != t.PIN {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrInvalidCredential)
	}
	t, err = s.Store.StartTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	s.Publisher.PublishLifecycleUpdate(ctx, t.ID, t.DriverID, lifecyclePayload(t))
	s.Logger.Info("trip started", "trip_id", tripID)
	return t, nil
}

// Complete settles the fare and closes the trip. The settlement call happens
// before the transition: if the payment collaborator fails, the trip stays
// in_progress and the caller may retry.
func (s *Service) Complete(ctx context.Context, tripID string) (*models.Trip, error) {
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusInProgress {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
	}

	settlement, err := s.Settler.Settle(ctx, t.DriverID, t.ID, t.Fare.Total, t.Fare.Currency, t.PaymentMethod)
	if err != nil {
		return nil, fmt.Errorf("settle trip %s: %w", tripID, err)
	}

	t, err = s.Store.CompleteTrip(ctx, tripID, settlement)
	if err != nil {
		return nil, err
	}
	observability.TripsCompleted.Inc()
	s.mirrorDriver(ctx, t.DriverID)
	s.Publisher.PublishLifecycleUpdate(ctx, t.ID, t.DriverID, lifecyclePayload(t))
	s.Logger.Info("trip completed", "trip_id", tripID,
		"driver_earnings", settlement.DriverEarnings, "platform_commission", settlement.PlatformCommission)
	return t, nil
}

// Cancel ends a non-terminal trip and releases a bound driver.
func (s *Service) Cancel(ctx context.Context, tripID string, by models.CancelActor, reason string) (*models.Trip, error) {
	t, err := s.Store.CancelTrip(ctx, tripID, by, reason)
	if err != nil {
		return nil, err
	}
	observability.TripsCancelled.WithLabelValues(string(by)).Inc()
	if t.DriverID != "" {
		s.mirrorDriver(ctx, t.DriverID)
	}
	s.Publisher.PublishLifecycleUpdate(ctx, t.ID, t.DriverID, lifecyclePayload(t))
	s.Logger.Info("trip cancelled", "trip_id", tripID, "by", by, "reason", reason)
	return t, nil
}

// Rate records a rating for one party of a completed trip.
func (s *Service) Rate(ctx context.Context, tripID string, party models.RatedParty, rating float64) (*models.Trip, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("rating must be within [1,5], got %.1f: %w", rating, models.ErrValidation)
	}
	return s.Store.RateTrip(ctx, tripID, party, rating)
}

// pickupETA asks the routing provider, falling back to a straight-line
// estimate. Accept never fails because routing is down.
func (s *Service) pickupETA(ctx context.Context, from, to models.Coord) float64 {
	if s.Router != nil {
		if r, err := s.Router.Route(ctx, from, to); err == nil {
			return r.DurationSeconds
		}
	}
	return routing.Estimate(from, to, s.DefaultSpeedMps).DurationSeconds
}

// mirrorDriver pushes the driver's authoritative availability into the cache
// index. Best-effort: a miss just means the index stays stale a bit longer.
func (s *Service) mirrorDriver(ctx context.Context, driverID string) {
	if s.Index == nil {
		return
	}
	d, err := s.Store.GetDriver(ctx, driverID)
	if err != nil {
		return
	}
	if err := s.Index.Upsert(ctx, *d); err != nil {
		s.Logger.Warn("availability mirror update failed", "driver_id", driverID, "error", err)
	}
}

func lifecyclePayload(t *models.Trip) map[string]any {
	return map[string]any{
		"trip_id": t.ID,
		"number":  t.Number,
		"status":  t.Status,
		"total":   t.Fare.Total,
	}
}

func paymentMethodOrDefault(m string) string {
	if m == "" {
		return "cash"
	}
	return m
}
