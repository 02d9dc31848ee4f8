package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// MemoryStore keeps everything under one mutex, which gives it the same
// all-or-nothing transition semantics as the Postgres transactions. Used in
// tests and for local runs without a database.
type MemoryStore struct {
	mu      sync.Mutex
	trips   map[string]*models.Trip
	drivers map[string]*models.Driver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:   make(map[string]*models.Trip),
		drivers: make(map[string]*models.Driver),
	}
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.trips[t.ID]; exists {
		return fmt.Errorf("trip %s already exists", t.ID)
	}
	cp := *t
	cp.Timeline = append([]models.TimelineEntry(nil), t.Timeline...)
	appendTimeline(&cp, "trip_requested", t.RequestedAt, nil)
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	return copyTrip(t), nil
}

func (m *MemoryStore) ListDispatchable(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, t := range m.trips {
		if t.Status.Dispatchable() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) MarkDriversFound(ctx context.Context, tripID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	if t.Status == models.StatusDriversFound {
		return copyTrip(t), nil
	}
	if t.Status != models.StatusSearching {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
	}
	now := time.Now()
	t.Status = models.StatusDriversFound
	t.UpdatedAt = now
	appendTimeline(t, "drivers_found", now, nil)
	return copyTrip(t), nil
}

func (m *MemoryStore) AssignDriver(ctx context.Context, tripID, driverID string, pickupETASeconds float64) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	d, ok := m.drivers[driverID]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	if !t.Status.Dispatchable() {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
	}
	if !d.Online || !d.Available {
		return nil, fmt.Errorf("driver %s unavailable: %w", driverID, models.ErrConflict)
	}
	now := time.Now()
	t.Status = models.StatusDriverAssigned
	t.DriverID = driverID
	t.AcceptedAt = &now
	t.PickupETASeconds = pickupETASeconds
	t.UpdatedAt = now
	appendTimeline(t, "driver_assigned", now, map[string]string{"driver_id": driverID})
	d.Available = false
	d.CurrentTripID = tripID
	d.Updated = now
	return copyTrip(t), nil
}

func (m *MemoryStore) MarkArrived(ctx context.Context, tripID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	if t.Status == models.StatusDriverArrived {
		return copyTrip(t), nil
	}
	if t.Status != models.StatusDriverAssigned {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
	}
	now := time.Now()
	t.Status = models.StatusDriverArrived
	t.ArrivedAt = &now
	t.UpdatedAt = now
	appendTimeline(t, "driver_arrived", now, nil)
	return copyTrip(t), nil
}

func (m *MemoryStore) StartTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	if t.Status != models.StatusDriverArrived {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
	}
	now := time.Now()
	t.Status = models.StatusInProgress
	t.StartedAt = &now
	t.UpdatedAt = now
	appendTimeline(t, "trip_started", now, nil)
	return copyTrip(t), nil
}

func (m *MemoryStore) CompleteTrip(ctx context.Context, tripID string, st models.Settlement) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	if t.Status != models.StatusInProgress {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
	}
	now := time.Now()
	t.Status = models.StatusCompleted
	t.CompletedAt = &now
	t.Settlement = st
	t.PaymentStatus = "settled"
	t.UpdatedAt = now
	appendTimeline(t, "trip_completed", now, map[string]string{
		"driver_earnings":     fmt.Sprintf("%d", st.DriverEarnings),
		"platform_commission": fmt.Sprintf("%d", st.PlatformCommission),
	})
	m.releaseDriver(t.DriverID, now)
	return copyTrip(t), nil
}

func (m *MemoryStore) CancelTrip(ctx context.Context, tripID string, by models.CancelActor, reason string) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, t.Status, models.ErrConflict)
	}
	now := time.Now()
	t.Status = models.StatusCancelled
	t.CancelledAt = &now
	t.CancelledBy = by
	t.CancelReason = reason
	t.UpdatedAt = now
	appendTimeline(t, "trip_cancelled", now, map[string]string{"by": string(by), "reason": reason})
	if t.DriverID != "" {
		m.releaseDriver(t.DriverID, now)
	}
	return copyTrip(t), nil
}

func (m *MemoryStore) RateTrip(ctx context.Context, tripID string, party models.RatedParty, rating float64) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	if t.Status != models.StatusCompleted {
		return nil, fmt.Errorf("trip %s is %s, rating requires completed: %w", tripID, t.Status, models.ErrConflict)
	}
	now := time.Now()
	switch party {
	case models.RateDriver:
		if t.DriverRating != 0 {
			return nil, fmt.Errorf("trip %s driver already rated: %w", tripID, models.ErrConflict)
		}
		t.DriverRating = rating
		if d, ok := m.drivers[t.DriverID]; ok {
			d.RatingSum += rating
			d.RatingCount++
			d.Updated = now
		}
	case models.RateCustomer:
		if t.CustomerRating != 0 {
			return nil, fmt.Errorf("trip %s customer already rated: %w", tripID, models.ErrConflict)
		}
		t.CustomerRating = rating
	default:
		return nil, fmt.Errorf("unknown rated party %q", party)
	}
	t.UpdatedAt = now
	appendTimeline(t, "rated", now, map[string]string{"party": string(party), "rating": fmt.Sprintf("%.1f", rating)})
	return copyTrip(t), nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.drivers[d.ID]; ok {
		// location/status updates never clobber assignment or rating state
		cur.Loc = d.Loc
		cur.Online = d.Online
		cur.Updated = time.Now()
		if cur.CurrentTripID == "" {
			cur.Available = d.Available
		}
		return nil
	}
	cp := *d
	cp.Updated = time.Now()
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) releaseDriver(id string, now time.Time) {
	if d, ok := m.drivers[id]; ok {
		d.Available = true
		d.CurrentTripID = ""
		d.Updated = now
	}
}

func appendTimeline(t *models.Trip, event string, at time.Time, meta map[string]string) {
	t.Timeline = append(t.Timeline, models.TimelineEntry{Event: event, At: at, Metadata: meta})
}

func copyTrip(t *models.Trip) *models.Trip {
	cp := *t
	cp.Timeline = append([]models.TimelineEntry(nil), t.Timeline...)
	return &cp
}
