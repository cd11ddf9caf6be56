package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// ReadyzHandler reports readiness of the backing stores. Redis is optional:
// a nil client is skipped, matching the evaluator's cache-less fallback.
func ReadyzHandler(pool Pinger, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if pool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, fmt.Sprintf("db: %v", err), http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				http.Error(w, fmt.Sprintf("redis: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
