// chainapi serves assembled option chains straight from the cache. It runs
// without provider credentials: a separate optionstream process does the
// streaming and building, this one only reads.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"optionstream/config"
	"optionstream/internal/api"
	"optionstream/internal/chain"
	"optionstream/internal/logger"
	redisstore "optionstream/internal/store/redis"
	"optionstream/internal/stream"
)

// staticSubscription is the symbol set the read API serves, taken from the
// same stream config the writer process runs with.
type staticSubscription map[string]struct{}

func (s staticSubscription) Covers(symbol string) bool {
	_, ok := s[symbol]
	return ok
}

type staticStatus struct {
	symbols []string
	expiry  string
}

func (s staticStatus) Status() stream.Status {
	return stream.Status{Running: true, Symbols: s.symbols, Expiry: s.expiry}
}

func main() {
	log := logger.Init("chainapi", slog.LevelInfo)

	configPath := flag.String("config", "config/stream.yaml", "stream config file")
	addr := flag.String("addr", "", "listen address, overrides API_ADDR")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file", "err", err)
	}

	streamCfg, err := config.LoadStream(*configPath)
	if err != nil {
		log.Error("stream config", "err", err)
		os.Exit(1)
	}

	listen := *addr
	if listen == "" {
		listen = getEnv("API_ADDR", ":8080")
	}

	store, err := redisstore.New(redisstore.Config{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err != nil {
		log.Error("redis", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	sub := make(staticSubscription, len(streamCfg.Symbols))
	for _, symbol := range streamCfg.Symbols {
		sub[symbol] = struct{}{}
	}

	srv := &http.Server{
		Addr: listen,
		Handler: api.NewRouter(
			chain.NewFetcher(store, sub),
			staticStatus{symbols: streamCfg.Symbols, expiry: streamCfg.Expiry},
		),
	}

	go func() {
		log.Info("listening", "addr", listen, "symbols", len(streamCfg.Symbols))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("server", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
