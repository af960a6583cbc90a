// fetchchain prints the latest assembled chain for one underlying. Handy for
// eyeballing what the pipeline is producing without going through the API.
//
//	fetchchain -symbol NFO:HDFCBANK
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	redisstore "optionstream/internal/store/redis"
)

func main() {
	symbol := flag.String("symbol", "", "underlying key, e.g. NFO:HDFCBANK")
	pretty := flag.Bool("pretty", true, "indent the JSON output")
	flag.Parse()

	if *symbol == "" {
		flag.Usage()
		os.Exit(2)
	}

	godotenv.Load()

	store, err := redisstore.New(redisstore.Config{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := store.GetChainJSON(ctx, *symbol)
	if err != nil {
		log.Fatalf("fetch %s: %v", *symbol, err)
	}
	if raw == nil {
		log.Fatalf("no chain stored for %s", *symbol)
	}

	if *pretty {
		var buf map[string]any
		if err := json.Unmarshal(raw, &buf); err == nil {
			if out, err := json.MarshalIndent(buf, "", "  "); err == nil {
				raw = out
			}
		}
	}
	fmt.Println(string(raw))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
