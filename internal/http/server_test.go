package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/pricing"
	"github.com/example/trip-dispatch/internal/routing"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

type fakeRouter struct{}

func (fakeRouter) Route(ctx context.Context, from, to models.Coord) (routing.Route, error) {
	return routing.Route{DistanceMeters: 5000, DurationSeconds: 600}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	index := geo.NewMemoryIndex()
	wsreg := dispatch.NewWSRegistry()
	notifier := &dispatch.FanoutNotifier{Registry: wsreg, Logger: logger}

	cfg := config.ServerConfig{
		Dispatch: config.DispatchConfig{
			InitialRadiusMeters:  5000,
			CompoundRadiusMeters: 2000,
			RadiusStepMeters:     2000,
			MaxRadiusMeters:      15000,
			MaxAttempts:          3,
			CandidateLimit:       10,
			ArrivalRadiusMeters:  50,
		},
		Pricing: config.PricingConfig{
			BaseFare: 500, PerKmRate: 120, PerMinuteRate: 50,
			Currency: "usd", CommissionPercent: 25,
		},
		DefaultSpeedMps: 10,
	}

	engine := &dispatch.Engine{
		Cfg:      cfg.Dispatch,
		Geo:      index,
		Store:    store,
		Queue:    dispatch.NewMemoryQueue(),
		Attempts: dispatch.NewMemoryAttempts(),
		Notifier: notifier,
		Logger:   logger,
	}
	trips := &trip.Service{
		Store:     store,
		Router:    fakeRouter{},
		Surge:     pricing.StaticSurge{Value: 1.0},
		Rates:     pricing.Rates{BaseFare: 500, PerKmRate: 120, PerMinuteRate: 50, Currency: "usd"},
		Dispatch:  engine,
		Publisher: notifier,
		Settler:   &payments.CommissionSettler{CommissionPercent: 25, Logger: logger},
		Index:     index,

		ArrivalRadiusMeters: 50,
		DefaultSpeedMps:     10,
		Logger:              logger,
	}

	s := &Server{
		Cfg:    cfg,
		Store:  store,
		Index:  index,
		Trips:  trips,
		Engine: engine,
		WSReg:  wsreg,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func createTrip(t *testing.T, s *Server) models.Trip {
	t.Helper()
	rr := doJSON(t, s, "POST", "/api/v1/trips", trip.CreateRequest{
		CustomerID:  "c1",
		Pickup:      models.Place{Coord: models.Coord{Lat: 1, Lon: 1}},
		Destination: models.Place{Coord: models.Coord{Lat: 1.05, Lon: 1}},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create trip: status %d body %s", rr.Code, rr.Body.String())
	}
	var out models.Trip
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCreateTripReturnsPricedTrip(t *testing.T) {
	s := newTestServer(t)
	out := createTrip(t, s)
	if out.Status != models.StatusSearching {
		t.Fatalf("want searching, got %s", out.Status)
	}
	if out.Fare.Total != 1600 {
		t.Fatalf("want total 1600, got %d", out.Fare.Total)
	}
}

func TestCreateTripMissingCustomerIs400(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, "POST", "/api/v1/trips", trip.CreateRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rr.Code)
	}
}

func TestGetUnknownTripIs404(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, "GET", "/api/v1/trips/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rr.Code)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rr := doJSON(t, s, "POST", "/internal/driver/locations", models.Driver{
		ID: "d1", Online: true, Available: true, Loc: models.Coord{Lat: 1.0001, Lon: 1},
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("driver location: status %d", rr.Code)
	}

	created := createTrip(t, s)
	base := "/api/v1/trips/" + created.ID

	if rr = doJSON(t, s, "POST", base+"/accept", map[string]string{"driver_id": "d1"}); rr.Code != http.StatusOK {
		t.Fatalf("accept: status %d body %s", rr.Code, rr.Body.String())
	}
	if rr = doJSON(t, s, "POST", base+"/arrived", map[string]any{"driver_id": "d1"}); rr.Code != http.StatusOK {
		t.Fatalf("arrived: status %d body %s", rr.Code, rr.Body.String())
	}

	stored, err := s.Store.GetTrip(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	wrongPIN := "0000"
	if stored.PIN == wrongPIN {
		wrongPIN = "1111"
	}
	if rr = doJSON(t, s, "POST", base+"/start", map[string]string{"pin": wrongPIN}); rr.Code != http.StatusForbidden {
		t.Fatalf("wrong pin: want 403, got %d", rr.Code)
	}
	if rr = doJSON(t, s, "POST", base+"/start", map[string]string{"pin": stored.PIN}); rr.Code != http.StatusOK {
		t.Fatalf("start: status %d body %s", rr.Code, rr.Body.String())
	}
	if rr = doJSON(t, s, "POST", base+"/complete", nil); rr.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", rr.Code, rr.Body.String())
	}
	if rr = doJSON(t, s, "POST", base+"/rating", map[string]any{"party": "driver", "rating": 5}); rr.Code != http.StatusOK {
		t.Fatalf("rating: status %d body %s", rr.Code, rr.Body.String())
	}

	final, err := s.Store.GetTrip(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("want completed, got %s", final.Status)
	}
	if final.Settlement.DriverEarnings != 1200 || final.Settlement.PlatformCommission != 400 {
		t.Fatalf("want settlement 1200/400, got %+v", final.Settlement)
	}
}

func TestAcceptAfterCancelIs409(t *testing.T) {
	s := newTestServer(t)
	created := createTrip(t, s)
	base := "/api/v1/trips/" + created.ID

	if rr := doJSON(t, s, "POST", base+"/cancel", map[string]string{"by": "customer", "reason": "changed plans"}); rr.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", rr.Code)
	}
	s.Store.UpsertDriver(context.Background(), &models.Driver{ID: "d1", Online: true, Available: true})
	if rr := doJSON(t, s, "POST", base+"/accept", map[string]string{"driver_id": "d1"}); rr.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d", rr.Code)
	}
}

func TestCancelByRequiresKnownActor(t *testing.T) {
	s := newTestServer(t)
	created := createTrip(t, s)
	rr := doJSON(t, s, "POST", fmt.Sprintf("/api/v1/trips/%s/cancel", created.ID), map[string]string{"by": "system"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for system actor over the API, got %d", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rr.Code)
	}
}
