// instrumentsync forces a catalogue refresh from the provider's instrument
// dump. The optionstream daemon does this automatically once per day; this
// tool exists for manual refreshes and for pre-warming the catalogue before
// market open.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"optionstream/config"
	"optionstream/internal/instruments"
	redisstore "optionstream/internal/store/redis"
	sqlitestore "optionstream/internal/store/sqlite"
	"optionstream/pkg/kiteconnect"
)

func main() {
	force := flag.Bool("force", false, "refresh even if already fetched today")
	exchange := flag.String("exchange", "NFO", "exchange segment to sync")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("[instrumentsync] no .env file: %v", err)
	}
	cfg := config.Load()

	if cfg.KiteAccessToken == "" {
		log.Fatal("[instrumentsync] KITE_ACCESS_TOKEN is required")
	}

	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	catalogue, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[instrumentsync] catalogue: %v", err)
	}
	defer catalogue.Close()

	// the fetch mark lives in Redis so the daemon sees this refresh too;
	// skip it when Redis is down rather than failing the sync
	var mark instruments.FetchMark
	store, err := redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Printf("[instrumentsync] redis unavailable, fetch mark will not be recorded: %v", err)
	} else {
		defer store.Close()
		mark = store
	}

	kc := kiteconnect.New(kiteconnect.Config{
		APIKey:      cfg.KiteAPIKey,
		AccessToken: cfg.KiteAccessToken,
	})

	syncer := instruments.NewSyncer(kc, catalogue, mark)
	syncer.Exchange = *exchange

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *force {
		if err := syncer.Sync(ctx); err != nil {
			log.Fatalf("[instrumentsync] %v", err)
		}
		return
	}
	refreshed, err := syncer.SyncIfStale(ctx)
	if err != nil {
		log.Fatalf("[instrumentsync] %v", err)
	}
	if !refreshed {
		log.Println("[instrumentsync] catalogue already fresh for today, use -force to refresh anyway")
	}
}
