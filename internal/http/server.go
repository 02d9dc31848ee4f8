// Package httpapi exposes the trip lifecycle over HTTP and WebSocket. Handlers
// stay thin: decode, call the trip service or dispatch engine, map the error
// class to a status code.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/pricing"
	"github.com/example/trip-dispatch/internal/routing"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

type Server struct {
	Cfg    config.ServerConfig
	Store  storage.Store
	Index  geo.Index
	Trips  *trip.Service
	Engine *dispatch.Engine
	WSReg  *dispatch.WSRegistry
	Kafka  *ingest.KafkaProducer // nil when kafka is not configured
	Redis  *redis.Client         // nil when redis is not configured

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the full service graph from config. Redis, Postgres, Kafka
// and Stripe are each optional; the server degrades to in-memory equivalents
// so a bare binary still runs end to end.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	var index geo.Index
	if rc != nil {
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
	} else {
		index = geo.NewMemoryIndex()
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var queue dispatch.Queue
	var attempts dispatch.AttemptStore
	if rc != nil {
		queue = dispatch.NewRedisQueue(rc)
		attempts = dispatch.NewRedisAttempts(rc)
	} else {
		queue = dispatch.NewMemoryQueue()
		attempts = dispatch.NewMemoryAttempts()
	}

	wsreg := dispatch.NewWSRegistry()
	var push *dispatch.PushClient
	if cfg.PushEndpoint != "" {
		push = dispatch.NewPushClient(cfg.PushEndpoint, cfg.PushAPIKey)
	}
	notifier := &dispatch.FanoutNotifier{Registry: wsreg, Push: push, Logger: logger}

	engine := &dispatch.Engine{
		Cfg:      cfg.Dispatch,
		Geo:      index,
		Store:    store,
		Queue:    queue,
		Attempts: attempts,
		Notifier: notifier,
		Logger:   logger,
	}

	var router routing.Client
	if cfg.GoogleMapsKey != "" {
		gc, err := routing.NewGoogleClient(cfg.GoogleMapsKey)
		if err != nil {
			return nil, err
		}
		router = gc
	} else {
		router = routing.NewOSRMClient(cfg.OSRMEndpoint)
	}
	router = &routing.CachedClient{Inner: router, Cache: routing.NewCache(cfg.RouteCacheTTL)}

	var surge pricing.Surge
	if rc != nil {
		surge = pricing.NewRedisSurge(rc, index,
			cfg.Pricing.SurgeWindow, cfg.Pricing.SurgeRadiusMeters, cfg.Pricing.GeohashPrecision)
	} else {
		surge = pricing.StaticSurge{Value: 1.0}
	}

	settler := &payments.CommissionSettler{
		CommissionPercent: float64(cfg.Pricing.CommissionPercent),
		Logger:            logger,
	}
	if cfg.StripeAPIKey != "" {
		settler.Charger = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	trips := &trip.Service{
		Store:     store,
		Router:    router,
		Surge:     surge,
		Rates:     pricing.Rates{BaseFare: cfg.Pricing.BaseFare, PerKmRate: cfg.Pricing.PerKmRate, PerMinuteRate: cfg.Pricing.PerMinuteRate, Currency: cfg.Pricing.Currency},
		Dispatch:  engine,
		Publisher: notifier,
		Settler:   settler,
		Index:     index,

		ArrivalRadiusMeters: cfg.Dispatch.ArrivalRadiusMeters,
		DefaultSpeedMps:     cfg.DefaultSpeedMps,
		Logger:              logger,
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	s := &Server{
		Cfg:    cfg,
		Store:  store,
		Index:  index,
		Trips:  trips,
		Engine: engine,
		WSReg:  wsreg,
		Kafka:  kp,
		Redis:  rc,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/trips/{id}/arrived", s.handleArrived).Methods("POST")
	api.HandleFunc("/trips/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/trips/{id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/trips/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/trips/{id}/rating", s.handleRate).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)

	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close releases external connections. Safe with partially wired servers.
func (s *Server) Close() error {
	if s.Kafka != nil {
		_ = s.Kafka.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	return nil
}
