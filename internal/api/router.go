// Package api serves assembled option chains over HTTP. Read-only: every
// response comes straight from the cache, nothing is computed per request.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"optionstream/internal/chain"
	"optionstream/internal/logger"
	"optionstream/internal/model"
	"optionstream/internal/stream"
)

// StatusSource exposes the live stream state for the health endpoint.
type StatusSource interface {
	Status() stream.Status
}

// NewRouter sets up the HTTP routes.
//
//	GET /api/v1/option-chain?symbol=NFO:HDFCBANK
//	GET /api/v1/option-chains?symbols=NFO:HDFCBANK,NFO:TCS
//	GET /api/v1/health
func NewRouter(fetcher *chain.Fetcher, status StatusSource) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/option-chain", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "symbol query parameter is required, e.g. NFO:HDFCBANK")
			return
		}
		ctx := traceRequest(w, r, symbol)
		raw, err := fetcher.Fetch(ctx, symbol)
		if err != nil {
			writeFetchError(ctx, w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	})

	mux.HandleFunc("/api/v1/option-chains", func(w http.ResponseWriter, r *http.Request) {
		symbols := r.URL.Query()["symbol"]
		if joined := r.URL.Query().Get("symbols"); joined != "" {
			for _, s := range strings.Split(joined, ",") {
				if s = strings.TrimSpace(s); s != "" {
					symbols = append(symbols, s)
				}
			}
		}
		if len(symbols) == 0 {
			writeError(w, http.StatusBadRequest, "at least one symbol query parameter is required")
			return
		}
		ctx := traceRequest(w, r, symbols[0])
		chains, errs := fetcher.FetchAll(ctx, symbols)

		resp := struct {
			Chains map[string]json.RawMessage `json:"chains"`
			Errors map[string]string          `json:"errors,omitempty"`
		}{Chains: chains}
		if len(errs) > 0 {
			resp.Errors = make(map[string]string, len(errs))
			for symbol, err := range errs {
				resp.Errors[symbol] = err.Error()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status.Status())
	})

	return mux
}

// traceRequest tags the request context with a fresh trace ID and echoes it
// back to the caller, so a log line and a client-reported failure can be
// matched up.
func traceRequest(w http.ResponseWriter, r *http.Request, symbol string) context.Context {
	traceID := logger.GenerateTraceID(symbol, time.Now())
	w.Header().Set("X-Trace-Id", traceID)
	return logger.WithTraceID(r.Context(), traceID)
}

func writeFetchError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotSubscribed):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrNotReady):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		slog.Error("chain fetch failed", append([]any{slog.Any("err", err)}, logger.LogWithTrace(ctx)...)...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
