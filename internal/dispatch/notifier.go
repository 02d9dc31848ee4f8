package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/trip-dispatch/internal/models"
)

// FanoutNotifier delivers trip requests over live WebSocket sessions first
// and falls back to HTTP push for drivers without one. Every delivery is
// best-effort.
type FanoutNotifier struct {
	Registry *WSRegistry
	Push     *PushClient // optional
	Logger   *slog.Logger
}

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (n *FanoutNotifier) BroadcastTripRequest(ctx context.Context, driverIDs []string, summary models.TripSummary) {
	msg := wsEnvelope{Type: "trip_request", Data: summary}
	for _, id := range driverIDs {
		if err := n.Registry.Send(id, msg); err == nil {
			continue
		}
		if n.Push == nil {
			continue
		}
		if err := n.Push.Push(ctx, id, msg); err != nil {
			n.Logger.Debug("push delivery failed", "driver_id", id, "trip_id", summary.TripID, "error", err)
		}
	}
}

func (n *FanoutNotifier) PublishLifecycleUpdate(ctx context.Context, tripID, driverID string, payload any) {
	msg := wsEnvelope{Type: "trip_update", Data: payload}
	if driverID != "" {
		if err := n.Registry.Send(driverID, msg); err != nil {
			n.Logger.Debug("driver lifecycle delivery failed", "driver_id", driverID, "trip_id", tripID, "error", err)
		}
	}
	if n.Push == nil {
		return
	}
	if err := n.Push.Push(ctx, "trip:"+tripID, msg); err != nil {
		n.Logger.Debug("lifecycle publish failed", "trip_id", tripID, "error", err)
	}
}
