package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// GameSummary is the persisted-state handoff written when a game reaches its
// terminal phase. Writes are fire-and-forget from the core's perspective:
// a failed insert never rolls back already-broadcast in-memory state.
type GameSummary struct {
	GameID       uuid.UUID         `json:"game_id"`
	RoomCode     string            `json:"room_code"`
	GameType     string            `json:"game_type"`
	Participants []uuid.UUID       `json:"participants"`
	Scores       map[uuid.UUID]int `json:"scores"`
	Ranking      []uuid.UUID       `json:"ranking"`
	StartedAt    time.Time         `json:"started_at"`
	Duration     time.Duration     `json:"duration"`
}

// InsertGameSummary writes a completed game's summary row.
func InsertGameSummary(ctx context.Context, s GameSummary) error {
	participants, err := json.Marshal(s.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	scores := make(map[string]int, len(s.Scores))
	for id, sc := range s.Scores {
		scores[id.String()] = sc
	}
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("failed to marshal scores: %w", err)
	}
	ranking, err := json.Marshal(s.Ranking)
	if err != nil {
		return fmt.Errorf("failed to marshal ranking: %w", err)
	}

	q := `
		INSERT INTO game_summaries (game_id, room_code, game_type, participants, scores, ranking, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = DB.Exec(ctx, q, s.GameID, s.RoomCode, s.GameType, participants, scoresJSON, ranking, s.StartedAt, s.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert game summary: %w", err)
	}
	return nil
}

// PersistGameSummary runs InsertGameSummary asynchronously with a bounded
// timeout, logging on failure.
func PersistGameSummary(s GameSummary) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := InsertGameSummary(ctx, s); err != nil {
			log.Printf("failed to persist game summary for game %s: %v", s.GameID, err)
		}
	}()
}

// InsertSessionAudit records a session creation for audit/history.
func InsertSessionAudit(ctx context.Context, userID uuid.UUID, createdAt time.Time) error {
	q := `INSERT INTO session_audit (user_id, created_at) VALUES ($1, $2)`
	if _, err := DB.Exec(ctx, q, userID, createdAt); err != nil {
		return fmt.Errorf("failed to insert session audit row: %w", err)
	}
	return nil
}

// PersistSessionAudit runs InsertSessionAudit asynchronously with a bounded
// timeout, logging on failure.
func PersistSessionAudit(userID uuid.UUID, createdAt time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := InsertSessionAudit(ctx, userID, createdAt); err != nil {
			log.Printf("failed to persist session audit for user %s: %v", userID, err)
		}
	}()
}
