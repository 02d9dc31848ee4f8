package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func newSearchingTrip(t *testing.T, m *MemoryStore, id string) *models.Trip {
	t.Helper()
	trip := &models.Trip{
		ID:          id,
		Number:      "TR-" + id,
		CustomerID:  "c1",
		Status:      models.StatusSearching,
		PIN:         "1234",
		RequestedAt: time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := m.CreateTrip(context.Background(), trip); err != nil {
		t.Fatal(err)
	}
	return trip
}

func addDriver(t *testing.T, m *MemoryStore, id string) {
	t.Helper()
	err := m.UpsertDriver(context.Background(), &models.Driver{ID: id, Online: true, Available: true})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAssignDriverFlipsBothSides(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newSearchingTrip(t, m, "t1")
	addDriver(t, m, "d1")

	trip, err := m.AssignDriver(ctx, "t1", "d1", 120)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusDriverAssigned || trip.DriverID != "d1" {
		t.Fatalf("unexpected trip after assign: %+v", trip)
	}
	if trip.AcceptedAt == nil {
		t.Fatal("acceptedAt not set")
	}
	d, _ := m.GetDriver(ctx, "d1")
	if d.Available || d.CurrentTripID != "t1" {
		t.Fatalf("driver not bound: %+v", d)
	}
}

func TestAssignDriverConflicts(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newSearchingTrip(t, m, "t1")
	addDriver(t, m, "d1")
	addDriver(t, m, "d2")

	if _, err := m.AssignDriver(ctx, "t1", "d1", 0); err != nil {
		t.Fatal(err)
	}
	// trip no longer searching
	if _, err := m.AssignDriver(ctx, "t1", "d2", 0); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	// busy driver cannot take another trip
	newSearchingTrip(t, m, "t2")
	if _, err := m.AssignDriver(ctx, "t2", "d1", 0); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("want ErrConflict for busy driver, got %v", err)
	}
}

func TestAtMostOneAssignmentUnderConcurrency(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newSearchingTrip(t, m, "t1")

	const n = 16
	for i := 0; i < n; i++ {
		addDriver(t, m, driverID(i))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.AssignDriver(ctx, "t1", driverID(i), 0)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, models.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error class: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("want exactly 1 winner and %d conflicts, got %d/%d", n-1, wins, conflicts)
	}

	trip, _ := m.GetTrip(ctx, "t1")
	if trip.DriverID == "" {
		t.Fatal("winner not recorded")
	}
	d, _ := m.GetDriver(ctx, trip.DriverID)
	if d.Available || d.CurrentTripID != "t1" {
		t.Fatalf("winning driver not bound: %+v", d)
	}
}

func TestMarkArrivedIdempotent(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newSearchingTrip(t, m, "t1")
	addDriver(t, m, "d1")
	_, _ = m.AssignDriver(ctx, "t1", "d1", 0)

	first, err := m.MarkArrived(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.MarkArrived(ctx, "t1")
	if err != nil {
		t.Fatalf("repeated arrival must be a no-op, got %v", err)
	}
	if !first.ArrivedAt.Equal(*second.ArrivedAt) {
		t.Fatal("arrival timestamp changed on repeat")
	}
	if len(second.Timeline) != len(first.Timeline) {
		t.Fatal("repeat arrival appended a timeline entry")
	}
}

func TestCompleteReleasesDriver(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newSearchingTrip(t, m, "t1")
	addDriver(t, m, "d1")
	_, _ = m.AssignDriver(ctx, "t1", "d1", 0)
	_, _ = m.MarkArrived(ctx, "t1")
	_, _ = m.StartTrip(ctx, "t1")

	trip, err := m.CompleteTrip(ctx, "t1", models.Settlement{DriverEarnings: 1200, PlatformCommission: 400})
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusCompleted || trip.Settlement.DriverEarnings != 1200 {
		t.Fatalf("unexpected completed trip: %+v", trip)
	}
	d, _ := m.GetDriver(ctx, "d1")
	if !d.Available || d.CurrentTripID != "" {
		t.Fatalf("driver not released: %+v", d)
	}
}

func TestCancelDisallowedAfterCompleted(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newSearchingTrip(t, m, "t1")
	addDriver(t, m, "d1")
	_, _ = m.AssignDriver(ctx, "t1", "d1", 0)
	_, _ = m.MarkArrived(ctx, "t1")
	_, _ = m.StartTrip(ctx, "t1")
	_, _ = m.CompleteTrip(ctx, "t1", models.Settlement{})

	if _, err := m.CancelTrip(ctx, "t1", models.CancelledByCustomer, "changed my mind"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("want ErrConflict cancelling completed trip, got %v", err)
	}
}

func TestCancelReleasesBoundDriver(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newSearchingTrip(t, m, "t1")
	addDriver(t, m, "d1")
	_, _ = m.AssignDriver(ctx, "t1", "d1", 0)

	trip, err := m.CancelTrip(ctx, "t1", models.CancelledByDriver, "vehicle issue")
	if err != nil {
		t.Fatal(err)
	}
	if trip.CancelledBy != models.CancelledByDriver || trip.CancelReason != "vehicle issue" {
		t.Fatalf("cancel metadata missing: %+v", trip)
	}
	d, _ := m.GetDriver(ctx, "d1")
	if !d.Available || d.CurrentTripID != "" {
		t.Fatalf("driver not released on cancel: %+v", d)
	}
}

func TestRatingOnlyWhenCompleted(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newSearchingTrip(t, m, "t1")
	addDriver(t, m, "d1")
	_, _ = m.AssignDriver(ctx, "t1", "d1", 0)
	_, _ = m.MarkArrived(ctx, "t1")
	_, _ = m.StartTrip(ctx, "t1")

	if _, err := m.RateTrip(ctx, "t1", models.RateDriver, 5); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("rating in_progress trip must fail, got %v", err)
	}

	_, _ = m.CompleteTrip(ctx, "t1", models.Settlement{})
	if _, err := m.RateTrip(ctx, "t1", models.RateDriver, 5); err != nil {
		t.Fatal(err)
	}
}

func TestRatingRunningAverage(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	// prior average 4.5 over 2 trips
	_ = m.UpsertDriver(ctx, &models.Driver{ID: "d1", Online: true, Available: true, RatingSum: 9.0, RatingCount: 2})

	newSearchingTrip(t, m, "t1")
	_, _ = m.AssignDriver(ctx, "t1", "d1", 0)
	_, _ = m.MarkArrived(ctx, "t1")
	_, _ = m.StartTrip(ctx, "t1")
	_, _ = m.CompleteTrip(ctx, "t1", models.Settlement{})

	if _, err := m.RateTrip(ctx, "t1", models.RateDriver, 5); err != nil {
		t.Fatal(err)
	}
	d, _ := m.GetDriver(ctx, "d1")
	avg := d.Rating()
	if avg < 4.66 || avg > 4.67 {
		t.Fatalf("want running average ~4.67, got %f", avg)
	}
}

func TestTimelineOrderMatchesTransitions(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	newSearchingTrip(t, m, "t1")
	addDriver(t, m, "d1")
	_, _ = m.MarkDriversFound(ctx, "t1")
	_, _ = m.AssignDriver(ctx, "t1", "d1", 0)
	_, _ = m.MarkArrived(ctx, "t1")
	_, _ = m.StartTrip(ctx, "t1")
	trip, _ := m.CompleteTrip(ctx, "t1", models.Settlement{})

	want := []string{"trip_requested", "drivers_found", "driver_assigned", "driver_arrived", "trip_started", "trip_completed"}
	if len(trip.Timeline) != len(want) {
		t.Fatalf("timeline length: want %d, got %d (%v)", len(want), len(trip.Timeline), trip.Timeline)
	}
	for i, ev := range want {
		if trip.Timeline[i].Event != ev {
			t.Fatalf("timeline[%d]: want %s, got %s", i, ev, trip.Timeline[i].Event)
		}
	}
}

func driverID(i int) string {
	return "driver-" + string(rune('a'+i))
}
