// Package main is a stand-in for the upstream blockchain data API. It serves
// schema-valid canned responses for every proxied route so chainproxy can
// be run and load-tested without upstream credentials.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type options struct {
	addr     string
	apiKey   string
	failRate float64
	latency  time.Duration
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "mockupstream",
		Short:        "Serve canned blockchain data API responses",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			srv := &http.Server{
				Addr:              opts.addr,
				Handler:           h2c.NewHandler(newHandler(opts, logger), &http2.Server{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			logger.Info("mockupstream listening", "addr", opts.addr, "fail_rate", opts.failRate)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":9090", "listen address")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "required X-Sim-Api-Key value (empty accepts any)")
	cmd.Flags().Float64Var(&opts.failRate, "fail-rate", 0, "fraction of requests answered with a 500")
	cmd.Flags().DurationVar(&opts.latency, "latency", 0, "artificial delay before each response")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// upstream tracks request counts and renders responses.
type upstream struct {
	opts   options
	logger *slog.Logger
	calls  atomic.Int64
}

func newHandler(opts options, logger *slog.Logger) http.Handler {
	u := &upstream{opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(u.gate)
	r.Get("/v1/evm/balances/{address}", u.evmBalances)
	r.Get("/v1/evm/transactions/{address}", u.evmTransactions)
	r.Get("/v1/evm/supported-chains/{uri}", u.supportedChains)
	r.Get("/beta/svm/balances/{address}", u.svmBalances)
	r.Get("/beta/svm/transactions/{address}", u.svmTransactions)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "calls": u.calls.Load()})
	})
	return r
}

// gate applies the key check, latency and failure injection.
func (u *upstream) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := u.calls.Add(1)
		if u.opts.latency > 0 {
			select {
			case <-time.After(u.opts.latency):
			case <-r.Context().Done():
				return
			}
		}
		if u.opts.apiKey != "" && r.Header.Get("X-Sim-Api-Key") != u.opts.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid api key"})
			return
		}
		if u.opts.failRate > 0 && rand.Float64() < u.opts.failRate {
			u.logger.Warn("injected failure", "path", r.URL.Path, "call", n)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "injected failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (u *upstream) evmBalances(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet_address": addr,
		"next_offset":    nil,
		"request_time":   time.Now().UTC().Format(time.RFC3339),
		"balances": []map[string]any{{
			"chain":     "ethereum",
			"chain_id":  1,
			"address":   "native",
			"amount":    "1000000000000000000",
			"symbol":    "ETH",
			"decimals":  18,
			"price_usd": 3000.5,
			"value_usd": 3000.5,
		}},
	})
}

func (u *upstream) evmTransactions(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet_address": addr,
		"next_offset":    nil,
		"transactions": []map[string]any{{
			"chain":        "ethereum",
			"chain_id":     1,
			"hash":         "0x" + fmt.Sprintf("%064x", u.calls.Load()),
			"address":      addr,
			"from":         addr,
			"to":           nil,
			"value":        "0",
			"block_number": 19000000,
			"block_time":   time.Now().UTC().Format(time.RFC3339),
			"success":      true,
		}},
	})
}

func (u *upstream) supportedChains(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chains": []map[string]any{
			{"name": "ethereum", "chain_id": 1, "tags": []string{"default", "mainnet"}},
			{"name": "base", "chain_id": 8453, "tags": []string{"default", "mainnet"}},
		},
	})
}

func (u *upstream) svmBalances(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet_address":     addr,
		"processing_time_ms": 1.5,
		"next_offset":        nil,
		"balances_count":     1,
		"balances": []map[string]any{{
			"chain":    "solana",
			"address":  "native",
			"amount":   "1000000000",
			"balance":  "1",
			"symbol":   "SOL",
			"decimals": 9,
		}},
	})
}

func (u *upstream) svmTransactions(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	writeJSON(w, http.StatusOK, map[string]any{
		"next_offset": nil,
		"transactions": []map[string]any{{
			"address":    addr,
			"block_slot": 250000000,
			"block_time": time.Now().Unix(),
			"chain":      "solana",
		}},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
