// internal/engine/snapshot.go
package engine

import (
	"github.com/google/uuid"
)

// PlayerState is one participant's view-safe sub-state within a snapshot.
type PlayerState struct {
	UserID     uuid.UUID `json:"user_id"`
	Score      int       `json:"score"`
	PassesLeft int       `json:"passes_left"`
	Voted      bool      `json:"voted"`
	Forfeited  bool      `json:"forfeited"`
}

// Snapshot is the full immutable state published after every accepted
// action. The engine never mutates a published snapshot; late-joining
// observers resync from a single fetch.
type Snapshot struct {
	GameID        uuid.UUID     `json:"game_id"`
	Type          string        `json:"type"`
	Phase         Phase         `json:"phase"`
	Round         int           `json:"round"`
	CurrentPlayer uuid.UUID     `json:"current_player"`
	Choice        string        `json:"choice,omitempty"`
	Prompt        string        `json:"prompt,omitempty"`
	Answer        string        `json:"answer,omitempty"`
	VotesFor      int           `json:"votes_for"`
	VotesAgainst  int           `json:"votes_against"`
	Approved      *bool         `json:"approved,omitempty"` // outcome of the last completed round
	Players       []PlayerState `json:"players"`
	Deadline      int64         `json:"deadline,omitempty"` // unix ms; 0 = untimed phase
	Seq           int           `json:"seq"`
}

// snapshot builds the immutable state copy. Assumes Mu is held.
func (g *Game) snapshot() *Snapshot {
	snap := &Snapshot{
		GameID:        g.ID,
		Type:          g.Desc.Type,
		Phase:         g.Phase,
		Round:         g.Round,
		CurrentPlayer: g.Participants[g.CurrentIdx].UserID,
		Choice:        g.choice,
		Prompt:        g.prompt,
		Answer:        g.answer,
		Seq:           g.seq,
	}
	if g.approved != nil {
		outcome := *g.approved
		snap.Approved = &outcome
	}
	if !g.deadline.IsZero() {
		snap.Deadline = g.deadline.UnixMilli()
	}
	for _, v := range g.votes {
		if v {
			snap.VotesFor++
		} else {
			snap.VotesAgainst++
		}
	}
	for _, p := range g.Participants {
		_, voted := g.votes[p.UserID]
		snap.Players = append(snap.Players, PlayerState{
			UserID:     p.UserID,
			Score:      p.Score,
			PassesLeft: p.PassesLeft,
			Voted:      voted,
			Forfeited:  p.Forfeited,
		})
	}
	return snap
}
