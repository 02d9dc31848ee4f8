// Package dispatch drives a trip from searching to driver_assigned, or to an
// exhausted-search cancellation. The request that created the trip never
// waits on this: matching runs as independently scheduled, idempotent
// attempt cycles, so a crash between cycles loses at most one cycle.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// Notifier fans lifecycle traffic out to drivers and riders. Both calls are
// fire-and-forget: delivery failures never affect trip state.
type Notifier interface {
	BroadcastTripRequest(ctx context.Context, driverIDs []string, summary models.TripSummary)
	// PublishLifecycleUpdate informs the rider channel and, when driverID
	// is set, the bound driver's live session.
	PublishLifecycleUpdate(ctx context.Context, tripID, driverID string, payload any)
}

type Engine struct {
	Cfg      config.DispatchConfig
	Geo      geo.Index
	Store    storage.Store
	Queue    Queue
	Attempts AttemptStore
	Notifier Notifier
	Logger   *slog.Logger
}

// StartSearch creates the attempt record and schedules the first cycle.
// Called from trip creation; returns once the job is durably enqueued.
func (e *Engine) StartSearch(ctx context.Context, t *models.Trip) error {
	rec := &models.DispatchAttempt{
		TripID:       t.ID,
		Attempt:      1,
		RadiusMeters: e.initialRadius(t.SameCompound),
	}
	if err := e.Attempts.Put(ctx, rec); err != nil {
		return err
	}
	return e.Queue.Enqueue(ctx, Job{TripID: t.ID, Kind: JobAttempt}, time.Now())
}

// Run polls the queue until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.Cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Tick(ctx, now)
		}
	}
}

// Tick claims and runs every job due at now. Exposed separately from Run so
// tests can drive time explicitly.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	jobs, err := e.Queue.Claim(ctx, now, 32)
	if err != nil {
		e.Logger.Error("claim dispatch jobs failed", "error", err)
		return
	}
	for _, job := range jobs {
		e.process(ctx, job, now)
	}
}

// RecoverSearching re-enqueues dispatch for trips stuck in a searching state
// with no pending job — the restart path for escalations lost mid-flight.
func (e *Engine) RecoverSearching(ctx context.Context) error {
	ids, err := e.Store.ListDispatchable(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		pending, err := e.Queue.HasPending(ctx, id)
		if err != nil {
			return err
		}
		if pending {
			continue
		}
		t, err := e.Store.GetTrip(ctx, id)
		if err != nil {
			continue
		}
		rec, err := e.Attempts.Get(ctx, id)
		if err != nil || rec == nil {
			rec = &models.DispatchAttempt{TripID: id, Attempt: 1, RadiusMeters: e.initialRadius(t.SameCompound)}
			if err := e.Attempts.Put(ctx, rec); err != nil {
				return err
			}
		}
		if err := e.Queue.Enqueue(ctx, Job{TripID: id, Kind: JobAttempt}, time.Now()); err != nil {
			return err
		}
		e.Logger.Info("re-enqueued searching trip", "trip_id", id, "attempt", rec.Attempt)
	}
	return nil
}

func (e *Engine) process(ctx context.Context, job Job, now time.Time) {
	t, err := e.Store.GetTrip(ctx, job.TripID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = e.Attempts.Delete(ctx, job.TripID)
			return
		}
		// this attempt failed; feed the normal retry path
		e.Logger.Error("dispatch load trip failed", "trip_id", job.TripID, "error", err)
		_ = e.Queue.Enqueue(ctx, job, now.Add(e.Cfg.RetryDelay))
		return
	}
	if !t.Status.Dispatchable() {
		// assigned or cancelled while the job was queued; nothing to do
		_ = e.Attempts.Delete(ctx, t.ID)
		return
	}

	rec, err := e.Attempts.Get(ctx, t.ID)
	if err != nil {
		e.Logger.Error("dispatch attempt record load failed", "trip_id", t.ID, "error", err)
	}
	if rec == nil {
		rec = &models.DispatchAttempt{TripID: t.ID, Attempt: 1, RadiusMeters: e.initialRadius(t.SameCompound)}
	}

	observability.DispatchAttempts.Inc()

	if job.Kind == JobTimeout {
		// broadcast went out earlier and nobody took the trip
		e.escalate(ctx, t, rec, now)
		return
	}

	candidates, err := e.Geo.Nearby(ctx, t.Pickup.Coord.Lat, t.Pickup.Coord.Lon, rec.RadiusMeters, e.Cfg.CandidateLimit)
	if err != nil {
		// treat an index failure like an empty result rather than crashing
		// the pipeline
		e.Logger.Error("availability query failed", "trip_id", t.ID, "error", err)
		candidates = nil
	}
	if len(candidates) == 0 {
		e.escalate(ctx, t, rec, now)
		return
	}

	if _, err := e.Store.MarkDriversFound(ctx, t.ID); err != nil {
		if errors.Is(err, models.ErrConflict) {
			_ = e.Attempts.Delete(ctx, t.ID)
			return // someone accepted between load and here
		}
		e.Logger.Error("mark drivers_found failed", "trip_id", t.ID, "error", err)
	}

	ids := make([]string, 0, len(candidates))
	for _, d := range candidates {
		ids = append(ids, d.ID)
	}
	e.Notifier.BroadcastTripRequest(ctx, ids, t.Summary())
	observability.DispatchBroadcast.Inc()
	e.Logger.Info("trip broadcast", "trip_id", t.ID, "candidates", len(ids), "radius_m", rec.RadiusMeters, "attempt", rec.Attempt)

	if err := e.Queue.Enqueue(ctx, Job{TripID: t.ID, Kind: JobTimeout}, now.Add(e.Cfg.AcceptTimeout)); err != nil {
		e.Logger.Error("enqueue acceptance timeout failed", "trip_id", t.ID, "error", err)
	}
}

// escalate expands the radius and schedules another cycle, or gives up once
// the attempt cap is hit. The radius never shrinks and never exceeds the cap.
func (e *Engine) escalate(ctx context.Context, t *models.Trip, rec *models.DispatchAttempt, now time.Time) {
	rec.Attempt++
	if rec.Attempt > e.Cfg.MaxAttempts {
		cancelled, err := e.Store.CancelTrip(ctx, t.ID, models.CancelledBySystem, models.ErrExhaustedSearch.Error())
		if err != nil {
			if errors.Is(err, models.ErrConflict) {
				// raced with a late acceptance; the trip found its driver
				_ = e.Attempts.Delete(ctx, t.ID)
				return
			}
			// transient store failure: keep the attempt record and push the
			// cancel back through the job path rather than stranding the trip
			e.Logger.Error("abandon cancel failed", "trip_id", t.ID, "error", err)
			if err := e.Queue.Enqueue(ctx, Job{TripID: t.ID, Kind: JobAttempt}, now.Add(e.Cfg.RetryDelay)); err != nil {
				e.Logger.Error("re-enqueue abandon failed", "trip_id", t.ID, "error", err)
			}
			return
		}
		_ = e.Attempts.Delete(ctx, t.ID)
		observability.SearchesAbandoned.Inc()
		observability.TripsCancelled.WithLabelValues(string(models.CancelledBySystem)).Inc()
		e.Notifier.PublishLifecycleUpdate(ctx, t.ID, cancelled.DriverID, map[string]any{
			"trip_id": t.ID,
			"status":  cancelled.Status,
			"reason":  cancelled.CancelReason,
		})
		e.Logger.Info("search abandoned", "trip_id", t.ID, "attempts", e.Cfg.MaxAttempts)
		return
	}

	rec.RadiusMeters = min(rec.RadiusMeters+e.Cfg.RadiusStepMeters, e.Cfg.MaxRadiusMeters)
	rec.LastExpandedAt = now
	if err := e.Attempts.Put(ctx, rec); err != nil {
		e.Logger.Error("persist attempt record failed", "trip_id", t.ID, "error", err)
	}
	if err := e.Queue.Enqueue(ctx, Job{TripID: t.ID, Kind: JobAttempt}, now.Add(e.Cfg.RetryDelay)); err != nil {
		e.Logger.Error("re-enqueue attempt failed", "trip_id", t.ID, "error", err)
	}
	e.Logger.Info("search expanded", "trip_id", t.ID, "attempt", rec.Attempt, "radius_m", rec.RadiusMeters)
}

func (e *Engine) initialRadius(sameCompound bool) float64 {
	if sameCompound {
		return e.Cfg.CompoundRadiusMeters
	}
	return e.Cfg.InitialRadiusMeters
}
