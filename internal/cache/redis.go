// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rdb is the global Redis client. Connect it once at application startup.
// Sessions, rate-limit windows, and the event queue all share it.
var Rdb *redis.Client

// DefaultQueueName is the Redis list (queue) name for game event records.
var DefaultQueueName = "playroom_events"

// GameEventRecord is the queue entry published when a game reaches its
// terminal phase, for downstream consumers (stats, history).
type GameEventRecord struct {
	GameID   uuid.UUID      `json:"game_id"`
	RoomCode string         `json:"room_code"`
	GameType string         `json:"game_type"`
	Scores   map[string]int `json:"scores"`
	Ranking  []uuid.UUID    `json:"ranking"`
	EndedAt  int64          `json:"ended_at"`
}

// ConnectRedis initializes the global Redis client with environment variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
func ConnectRedis() error {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	Rdb = redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return nil
}

// PublishGameEvent serializes the record to JSON and pushes it onto the
// event queue. Queue delivery is advisory; a failed push never affects the
// game result already broadcast to the room.
func PublishGameEvent(ctx context.Context, record GameEventRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal GameEventRecord: %w", err)
	}

	queueName := getEnv("EVENT_QUEUE_NAME", DefaultQueueName)
	if err := Rdb.RPush(ctx, queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to push game event to %s: %w", queueName, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
