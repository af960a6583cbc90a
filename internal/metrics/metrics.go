package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the streaming pipeline.
type Metrics struct {
	TicksTotal   prometheus.Counter
	QuoteWrites  prometheus.Counter
	WSReconnects prometheus.Counter

	ChainBuildsTotal *prometheus.CounterVec // labels: symbol
	ChainBuildDur    prometheus.Histogram
	ChainStrikes     *prometheus.GaugeVec // labels: symbol

	ShardPendingTokens *prometheus.GaugeVec // labels: shard
	DegradedShards     prometheus.Gauge

	ResolutionFailures prometheus.Counter
	CatalogueRefreshes prometheus.Counter

	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionstream_ticks_total",
			Help: "Total ticks received across all websocket shards",
		}),
		QuoteWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionstream_quote_writes_total",
			Help: "Total quote upserts into the cache",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionstream_ws_reconnects_total",
			Help: "Total websocket reconnection attempts across shards",
		}),

		ChainBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionstream_chain_builds_total",
			Help: "Completed chain build passes per underlying",
		}, []string{"symbol"}),
		ChainBuildDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optionstream_chain_build_duration_seconds",
			Help:    "Chain assembly latency per pass",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		ChainStrikes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optionstream_chain_strikes",
			Help: "Strike records in the latest built chain per underlying",
		}, []string{"symbol"}),

		ShardPendingTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "optionstream_shard_pending_tokens",
			Help: "Tokens per shard still waiting for their first tick",
		}, []string{"shard"}),
		DegradedShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionstream_degraded_shards",
			Help: "Shards whose connection exhausted its reconnect budget",
		}),

		ResolutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionstream_resolution_failures_total",
			Help: "Symbols that failed contract resolution",
		}),
		CatalogueRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionstream_catalogue_refreshes_total",
			Help: "Instrument catalogue syncs from the provider dump",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionstream_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionstream_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionstream_redis_buffered_writes_total",
			Help: "Quote writes buffered locally while the breaker was open",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.QuoteWrites,
		m.WSReconnects,
		m.ChainBuildsTotal,
		m.ChainBuildDur,
		m.ChainStrikes,
		m.ShardPendingTokens,
		m.DegradedShards,
		m.ResolutionFailures,
		m.CatalogueRefreshes,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamReady    bool      `json:"stream_ready"`
	DegradedShards int       `json:"degraded_shards"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	CatalogueOK    bool      `json:"catalogue_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetStreamReady(v bool) {
	h.mu.Lock()
	h.StreamReady = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetDegradedShards(n int) {
	h.mu.Lock()
	h.DegradedShards = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetCatalogueOK(v bool) {
	h.mu.Lock()
	h.CatalogueOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query against the catalogue and records latency.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.CatalogueOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.StreamReady || !h.RedisConnected || h.DegradedShards > 0 {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.StreamReady {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		StreamReady     bool    `json:"stream_ready"`
		DegradedShards  int     `json:"degraded_shards"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		CatalogueOK     bool    `json:"catalogue_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		StreamReady:     h.StreamReady,
		DegradedShards:  h.DegradedShards,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		CatalogueOK:     h.CatalogueOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
