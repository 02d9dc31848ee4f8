package trip

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/pricing"
	"github.com/example/trip-dispatch/internal/routing"
	"github.com/example/trip-dispatch/internal/storage"
)

type fakeRouter struct {
	route routing.Route
	err   error
	calls int
}

func (f *fakeRouter) Route(ctx context.Context, from, to models.Coord) (routing.Route, error) {
	f.calls++
	if f.err != nil {
		return routing.Route{}, f.err
	}
	return f.route, nil
}

type nopDispatcher struct{ started []string }

func (n *nopDispatcher) StartSearch(ctx context.Context, t *models.Trip) error {
	n.started = append(n.started, t.ID)
	return nil
}

type nopPublisher struct{}

func (nopPublisher) PublishLifecycleUpdate(ctx context.Context, tripID, driverID string, payload any) {
}

type fakeSettler struct {
	split models.Settlement
	err   error
	calls int
	gotAmount int64
}

func (f *fakeSettler) Settle(ctx context.Context, driverID, tripID string, amount int64, currency, method string) (models.Settlement, error) {
	f.calls++
	f.gotAmount = amount
	return f.split, f.err
}

func newService(t *testing.T) (*Service, *storage.MemoryStore, *nopDispatcher, *fakeSettler) {
	t.Helper()
	store := storage.NewMemoryStore()
	disp := &nopDispatcher{}
	settler := &fakeSettler{split: models.Settlement{DriverEarnings: 1200, PlatformCommission: 400}}
	svc := &Service{
		Store:               store,
		Router:              &fakeRouter{route: routing.Route{DistanceMeters: 5000, DurationSeconds: 600}},
		Surge:               pricing.StaticSurge{Value: 1.0},
		Rates:               pricing.Rates{BaseFare: 500, PerKmRate: 120, PerMinuteRate: 50, Currency: "usd"},
		Dispatch:            disp,
		Publisher:           nopPublisher{},
		Settler:             settler,
		ArrivalRadiusMeters: 50,
		DefaultSpeedMps:     10,
		Logger:              slog.Default(),
	}
	return svc, store, disp, settler
}

func createReq() CreateRequest {
	return CreateRequest{
		CustomerID:  "c1",
		Pickup:      models.Place{Coord: models.Coord{Lat: 1, Lon: 1}, Address: "A"},
		Destination: models.Place{Coord: models.Coord{Lat: 1.05, Lon: 1.05}, Address: "B"},
	}
}

func TestCreateReturnsSearchingTripWithFare(t *testing.T) {
	svc, _, disp, _ := newService(t)
	trip, err := svc.Create(context.Background(), createReq())
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusSearching {
		t.Fatalf("want searching, got %s", trip.Status)
	}
	if trip.Fare.Total != 1600 {
		t.Fatalf("want total 1600, got %d", trip.Fare.Total)
	}
	if len(trip.PIN) != 4 {
		t.Fatalf("want 4-digit PIN, got %q", trip.PIN)
	}
	if len(disp.started) != 1 || disp.started[0] != trip.ID {
		t.Fatalf("dispatch not started: %v", disp.started)
	}
}

func TestCreateAbortsOnRouteFailure(t *testing.T) {
	svc, store, _, _ := newService(t)
	svc.Router = &fakeRouter{err: models.ErrRouteUnavailable}

	_, err := svc.Create(context.Background(), createReq())
	if !errors.Is(err, models.ErrRouteUnavailable) {
		t.Fatalf("want ErrRouteUnavailable, got %v", err)
	}
	ids, _ := store.ListDispatchable(context.Background())
	if len(ids) != 0 {
		t.Fatalf("no trip should be persisted, found %v", ids)
	}
}

func TestCreateHonorsOfferFloor(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	req := createReq()
	req.OfferedAmount = 1000
	trip, err := svc.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Fare.Total != 1600 {
		t.Fatalf("underpaying offer must not lower total: got %d", trip.Fare.Total)
	}

	req.OfferedAmount = 2800
	trip, err = svc.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Fare.Total != 2800 {
		t.Fatalf("higher offer must raise total: got %d", trip.Fare.Total)
	}
}

func assignedTrip(t *testing.T, svc *Service, store *storage.MemoryStore) *models.Trip {
	t.Helper()
	ctx := context.Background()
	_ = store.UpsertDriver(ctx, &models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 1}, Online: true, Available: true})
	trip, err := svc.Create(ctx, createReq())
	if err != nil {
		t.Fatal(err)
	}
	trip, err = svc.Accept(ctx, trip.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	return trip
}

func TestAcceptSetsETA(t *testing.T) {
	svc, store, _, _ := newService(t)
	trip := assignedTrip(t, svc, store)
	if trip.Status != models.StatusDriverAssigned {
		t.Fatalf("want driver_assigned, got %s", trip.Status)
	}
	if trip.PickupETASeconds != 600 {
		t.Fatalf("want pickup ETA from router (600s), got %f", trip.PickupETASeconds)
	}
}

func TestAcceptLosersGetConflict(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	_ = store.UpsertDriver(ctx, &models.Driver{ID: "d1", Online: true, Available: true})
	_ = store.UpsertDriver(ctx, &models.Driver{ID: "d2", Online: true, Available: true})
	trip, _ := svc.Create(ctx, createReq())

	if _, err := svc.Accept(ctx, trip.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Accept(ctx, trip.ID, "d2"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second accept must conflict, got %v", err)
	}
}

func TestArriveByProximity(t *testing.T) {
	svc, store, _, _ := newService(t)
	trip := assignedTrip(t, svc, store)
	ctx := context.Background()

	// 500m off: location report, not an arrival
	far := models.Coord{Lat: 1.0045, Lon: 1}
	got, err := svc.Arrive(ctx, trip.ID, "d1", &far)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusDriverAssigned {
		t.Fatalf("far report must not transition, got %s", got.Status)
	}

	// within 50m of pickup
	near := models.Coord{Lat: 1.0001, Lon: 1}
	got, err = svc.Arrive(ctx, trip.ID, "d1", &near)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusDriverArrived {
		t.Fatalf("near report must transition, got %s", got.Status)
	}

	// repeated signal is a no-op
	if _, err := svc.Arrive(ctx, trip.ID, "d1", nil); err != nil {
		t.Fatalf("repeat arrival must be a no-op, got %v", err)
	}
}

func TestStartRequiresPIN(t *testing.T) {
	svc, store, _, _ := newService(t)
	trip := assignedTrip(t, svc, store)
	ctx := context.Background()
	if _, err := svc.Arrive(ctx, trip.ID, "d1", nil); err != nil {
		t.Fatal(err)
	}
	stored, _ := store.GetTrip(ctx, trip.ID)

	wrong := "9999"
	if wrong == stored.PIN {
		wrong = "0001"
	}
	if _, err := svc.Start(ctx, trip.ID, wrong); !errors.Is(err, models.ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential, got %v", err)
	}
	after, _ := store.GetTrip(ctx, trip.ID)
	if after.Status != models.StatusDriverArrived {
		t.Fatalf("status must be unchanged on PIN mismatch, got %s", after.Status)
	}

	got, err := svc.Start(ctx, trip.ID, stored.PIN)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusInProgress {
		t.Fatalf("want in_progress, got %s", got.Status)
	}
}

func TestCompleteSettlesAndRecordsSplit(t *testing.T) {
	svc, store, _, settler := newService(t)
	trip := assignedTrip(t, svc, store)
	ctx := context.Background()
	_, _ = svc.Arrive(ctx, trip.ID, "d1", nil)
	stored, _ := store.GetTrip(ctx, trip.ID)
	_, _ = svc.Start(ctx, trip.ID, stored.PIN)

	got, err := svc.Complete(ctx, trip.ID)
	if err != nil {
		t.Fatal(err)
	}
	if settler.calls != 1 || settler.gotAmount != trip.Fare.Total {
		t.Fatalf("settler not invoked with fare total: calls=%d amount=%d", settler.calls, settler.gotAmount)
	}
	if got.Settlement.DriverEarnings != 1200 || got.Settlement.PlatformCommission != 400 {
		t.Fatalf("split not recorded: %+v", got.Settlement)
	}
}

func TestCompleteKeepsTripOnSettlementFailure(t *testing.T) {
	svc, store, _, settler := newService(t)
	trip := assignedTrip(t, svc, store)
	ctx := context.Background()
	_, _ = svc.Arrive(ctx, trip.ID, "d1", nil)
	stored, _ := store.GetTrip(ctx, trip.ID)
	_, _ = svc.Start(ctx, trip.ID, stored.PIN)

	settler.err = errors.New("gateway timeout")
	if _, err := svc.Complete(ctx, trip.ID); err == nil {
		t.Fatal("expected settlement error")
	}
	after, _ := store.GetTrip(ctx, trip.ID)
	if after.Status != models.StatusInProgress {
		t.Fatalf("trip must stay in_progress for retry, got %s", after.Status)
	}
}

func TestRateValidatesRange(t *testing.T) {
	svc, _, _, _ := newService(t)
	if _, err := svc.Rate(context.Background(), "whatever", models.RateDriver, 7); err == nil {
		t.Fatal("want range validation error")
	}
}
