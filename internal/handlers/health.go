// internal/handlers/health.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/playroom/playroom/internal/database"
)

// HealthHandler reports process liveness plus backing-store reachability.
// The process is considered up even when a store is degraded; the body says
// which ones answered.
func HealthHandler(rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		redisOK := rdb.Ping(ctx).Err() == nil
		pgOK := database.Healthy(ctx)

		status := http.StatusOK
		if !redisOK && !pgOK {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "ok",
			"redis":    redisOK,
			"postgres": pgOK,
		})
	}
}
