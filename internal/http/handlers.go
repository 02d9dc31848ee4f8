package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/trip"
)

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req trip.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Trips.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.Trips.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	t, err := s.Trips.Accept(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleArrived(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string        `json:"driver_id"`
		Location *models.Coord `json:"location,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	t, err := s.Trips.Arrive(r.Context(), mux.Vars(r)["id"], body.DriverID, body.Location)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PIN string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Trips.Start(r.Context(), mux.Vars(r)["id"], body.PIN)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	t, err := s.Trips.Complete(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		By     models.CancelActor `json:"by"`
		Reason string             `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch body.By {
	case models.CancelledByCustomer, models.CancelledByDriver:
	default:
		http.Error(w, "by must be customer or driver", http.StatusBadRequest)
		return
	}
	t, err := s.Trips.Cancel(r.Context(), mux.Vars(r)["id"], body.By, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Party  models.RatedParty `json:"party"`
		Rating float64           `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch body.Party {
	case models.RateDriver, models.RateCustomer:
	default:
		http.Error(w, "party must be driver or customer", http.StatusBadRequest)
		return
	}
	t, err := s.Trips.Rate(r.Context(), mux.Vars(r)["id"], body.Party, body.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleDriverLocation ingests a driver availability beacon. The canonical
// record lands in the store; the geo index and the kafka topic are updated
// best-effort so a flaky broker never drops a beacon on the floor.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil || d.ID == "" {
		http.Error(w, "driver id is required", http.StatusBadRequest)
		return
	}
	d.Updated = time.Now().UTC()

	prev, getErr := s.Store.GetDriver(r.Context(), d.ID)
	if err := s.Store.UpsertDriver(r.Context(), &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case getErr != nil && d.Online:
		observability.DriversOnline.Inc()
	case getErr == nil && prev.Online != d.Online:
		if d.Online {
			observability.DriversOnline.Inc()
		} else {
			observability.DriversOnline.Dec()
		}
	}

	if d.Online {
		if err := s.Index.Upsert(r.Context(), d); err != nil {
			s.logger.Warn("geo index update failed", "driver_id", d.ID, "error", err)
		}
	} else {
		if err := s.Index.Remove(r.Context(), d.ID); err != nil {
			s.logger.Warn("geo index removal failed", "driver_id", d.ID, "error", err)
		}
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishAvailability(d); err != nil {
			s.logger.Warn("availability publish failed", "driver_id", d.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if driverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}
	s.WSReg.Add(driverID, conn)
	go func() {
		// drain until the peer goes away, then drop the session
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.WSReg.Remove(driverID)
				return
			}
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.Redis != nil {
		if err := s.Redis.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidCredential):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrRouteUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
