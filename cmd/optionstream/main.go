package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"optionstream/config"
	"optionstream/internal/api"
	"optionstream/internal/ingest"
	"optionstream/internal/instruments"
	"optionstream/internal/markethours"
	"optionstream/internal/metrics"
	"optionstream/internal/model"
	"optionstream/internal/resolver"
	redisstore "optionstream/internal/store/redis"
	sqlitestore "optionstream/internal/store/sqlite"
	"optionstream/internal/stream"
	"optionstream/pkg/kiteconnect"
	"optionstream/pkg/kiteticker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[optionstream] starting...")

	configPath := flag.String("config", "config/stream.yaml", "stream config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("[optionstream] no .env file: %v", err)
	}
	cfg := config.Load()

	streamCfg, err := config.LoadStream(*configPath)
	if err != nil {
		log.Fatalf("[optionstream] %v", err)
	}
	criteria, err := streamCfg.BuildCriteria()
	if err != nil {
		log.Fatalf("[optionstream] %v", err)
	}
	log.Printf("[optionstream] %d symbols, expiry %s", len(streamCfg.Symbols), streamCfg.Expiry)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Instrument catalogue (SQLite) ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	catalogue, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[optionstream] catalogue init failed: %v", err)
	}
	defer catalogue.Close()
	health.SetCatalogueOK(true)

	// ---- Quote cache (Redis), breaker-wrapped writes ----
	store, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("[optionstream] redis init failed: %v", err)
	}
	defer store.Close()
	health.SetRedisConnected(true)

	breaker := redisstore.NewCircuitBreaker(5, 10*time.Second)
	breaker.OnStateChange = func(from, to redisstore.State) {
		prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.RedisCircuitBreakerTrips.Inc()
		}
	}
	buffered := redisstore.NewBufferedStore(ctx, store, breaker)
	buffered.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }

	health.StartLivenessChecker(ctx, store.Client(), catalogue.DB(), 10*time.Second)

	// ---- Kite session ----
	kc := kiteconnect.New(kiteconnect.Config{
		APIKey:      cfg.KiteAPIKey,
		AccessToken: cfg.KiteAccessToken,
	})
	if cfg.KiteAccessToken == "" {
		log.Println("[optionstream] no access token, running headless login")
		session, err := kc.AutoLogin(ctx, kiteconnect.LoginCredentials{
			UserID:     cfg.KiteUserID,
			Password:   cfg.KitePassword,
			TOTPSecret: cfg.KiteTOTPSecret,
			APIKey:     cfg.KiteAPIKey,
			APISecret:  cfg.KiteAPISecret,
		})
		if err != nil {
			log.Fatalf("[optionstream] login failed: %v", err)
		}
		log.Printf("[optionstream] session ready for %s", session.UserID)
	}

	// ---- Daily catalogue refresh ----
	syncer := instruments.NewSyncer(kc, catalogue, store)
	syncer.OnSync = func(contracts int) { prom.CatalogueRefreshes.Inc() }
	if _, err := syncer.SyncIfStale(ctx); err != nil {
		log.Fatalf("[optionstream] catalogue sync failed: %v", err)
	}

	// ---- Seed spot prices for strike pruning ----
	seedSpots(ctx, kc, store, streamCfg.Symbols)

	// ---- Stream ----
	s := stream.New(stream.Config{
		Symbols:       streamCfg.Symbols,
		Expiry:        streamCfg.Expiry,
		Criteria:      criteria,
		BuildInterval: streamCfg.BuildInterval,
		ReadyTimeout:  streamCfg.ReadyTimeout,
	}, resolver.New(catalogue, store), buffered, ingest.KiteDialer(kiteticker.Config{
		APIKey:      cfg.KiteAPIKey,
		AccessToken: kc.AccessToken(),
	}))

	s.OnTickStored = func(token uint32) {
		prom.TicksTotal.Inc()
		prom.QuoteWrites.Inc()
		health.SetLastTickTime(time.Now())
	}
	s.OnReconnect = func(shard int) { prom.WSReconnects.Inc() }
	s.OnDegraded = func(shard, attempts int) {
		prom.DegradedShards.Inc()
		health.SetDegradedShards(countDegraded(s))
	}
	s.OnBuild = func(symbol string, strikes int, took time.Duration) {
		prom.ChainBuildsTotal.WithLabelValues(symbol).Inc()
		prom.ChainBuildDur.Observe(took.Seconds())
		prom.ChainStrikes.WithLabelValues(symbol).Set(float64(strikes))
	}
	s.OnResolveFailed = func(symbol string, err error) { prom.ResolutionFailures.Inc() }

	if !markethours.IsMarketOpen(time.Now()) {
		log.Printf("[optionstream] %s; ticks may not arrive until then", markethours.StatusString(time.Now()))
	}

	if err := s.Start(ctx); err != nil {
		var rte *stream.ReadinessTimeoutError
		if errors.As(err, &rte) {
			log.Printf("[optionstream] WARNING: %v (continuing)", err)
		} else {
			log.Fatalf("[optionstream] start failed: %v", err)
		}
	} else {
		health.SetStreamReady(true)
		log.Println("[optionstream] streaming ready, all shards covered")
	}
	defer s.Stop()

	go trackShards(ctx, s, prom)

	// ---- HTTP API ----
	apiSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewRouter(s.Fetcher(), s),
	}
	go func() {
		log.Printf("[optionstream] api listening on %s", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[optionstream] api server error: %v", err)
		}
	}()

	<-sigCh
	log.Println("[optionstream] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	apiSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[optionstream] shutdown complete.")
}

// seedSpots primes the cache with cash-market prices so the resolver can
// prune strikes before the first websocket tick arrives. Best effort: a
// failed lookup just means no pruning for that underlying.
func seedSpots(ctx context.Context, kc *kiteconnect.Client, store *redisstore.Store, symbols []string) {
	var keys []string
	for _, symbol := range symbols {
		if key := model.SpotSymbolKey(symbol); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return
	}
	quotes, err := kc.LTP(ctx, keys...)
	if err != nil {
		log.Printf("[optionstream] spot seed failed: %v", err)
		return
	}
	for key, q := range quotes {
		if err := store.SetSpot(ctx, key, q.LastPrice); err != nil {
			log.Printf("[optionstream] spot seed %s: %v", key, err)
		}
	}
	log.Printf("[optionstream] seeded %d spot prices", len(quotes))
}

// trackShards refreshes the per-shard gauges from the live stream status.
func trackShards(ctx context.Context, s *stream.Stream, prom *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sh := range s.Status().Shards {
				prom.ShardPendingTokens.WithLabelValues(strconv.Itoa(sh.ID)).Set(float64(sh.Pending))
			}
		}
	}
}

func countDegraded(s *stream.Stream) int {
	n := 0
	for _, sh := range s.Status().Shards {
		if sh.Degraded {
			n++
		}
	}
	return n
}
