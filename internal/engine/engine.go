// internal/engine/engine.go
package engine

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OnEndFunc handles a finished game: broadcasting results to the room,
// persisting the summary, and releasing the instance.
type OnEndFunc func(result Result)

// Participant is one player's per-game sub-state. The participant set is
// fixed at game start; a mid-game departure forfeits the entry rather than
// removing it.
type Participant struct {
	UserID     uuid.UUID `json:"user_id"`
	Score      int       `json:"score"`
	PassesLeft int       `json:"passes_left"`
	Forfeited  bool      `json:"forfeited"`
}

// Result summarizes a terminal game for the persisted-state handoff.
type Result struct {
	GameID       uuid.UUID
	Type         string
	Participants []uuid.UUID
	Scores       map[uuid.UUID]int
	Ranking      []uuid.UUID
	StartedAt    time.Time
	Duration     time.Duration
}

// Game holds the entire state for a single game instance in memory. All
// mutations are serialized under Mu; timer fires re-acquire the lock and are
// validated against seq so a stale callback never acts.
type Game struct {
	ID   uuid.UUID
	Desc Descriptor

	Participants []*Participant // ordered, fixed at start
	Phase        Phase
	Round        int
	CurrentIdx   int
	StartedAt    time.Time
	GameOver     bool

	votes    map[uuid.UUID]bool
	choice   string
	prompt   string
	answer   string
	approved *bool // outcome of the most recently completed round

	// seq increments on every accepted state change and versions snapshots.
	seq int

	// epoch increments only on phase changes. A timer armed in an earlier
	// epoch is stale and must not fire; votes that bump seq without leaving
	// the phase keep the running timer valid.
	epoch      int
	deadline   time.Time
	phaseTimer *time.Timer
	rng        *rand.Rand

	Mu sync.Mutex

	// BroadcastFn publishes each new immutable snapshot to all room members.
	// Called asynchronously so fan-out never blocks the game lock.
	BroadcastFn func(snap *Snapshot)

	// OnRoundComplete is invoked after every completed round with the round
	// outcome. Used by the room to interleave confession reveals.
	OnRoundComplete func(approved bool, current uuid.UUID)

	// OnEnd is invoked once when the terminal phase is reached.
	OnEnd OnEndFunc
}

// NewGame builds a game instance for an ordered, fixed participant set.
func NewGame(desc Descriptor, participantIDs []uuid.UUID) (*Game, error) {
	if len(participantIDs) < desc.MinPlayers || len(participantIDs) > desc.MaxPlayers {
		return nil, fmt.Errorf("game type %s requires %d-%d players, got %d",
			desc.Type, desc.MinPlayers, desc.MaxPlayers, len(participantIDs))
	}
	id, _ := uuid.NewRandom()
	g := &Game{
		ID:    id,
		Desc:  desc,
		Phase: PhaseWaiting,
		Round: 1,
		votes: make(map[uuid.UUID]bool),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, pid := range participantIDs {
		g.Participants = append(g.Participants, &Participant{
			UserID:     pid,
			PassesLeft: desc.Passes,
		})
	}
	return g, nil
}

// Start begins the first round and arms the waiting-phase timer.
func (g *Game) Start() {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	g.StartedAt = time.Now()
	g.schedulePhaseTimer()
	g.broadcast()
}

// HandleAction validates and applies one player action. Rejected actions
// leave state unchanged; accepted actions yield a new snapshot which is both
// returned and broadcast.
func (g *Game) HandleAction(userID uuid.UUID, act Action) (*Snapshot, error) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	if g.GameOver || g.Phase == PhaseTerminal {
		return nil, newError(CodeGameNotFound, "game has ended")
	}
	p := g.participant(userID)
	if p == nil || p.Forfeited {
		return nil, newError(CodeNotYourTurn, "not a participant in this game")
	}
	if !knownActionType(act.Type) {
		return nil, newError(CodeUnknownActionType, fmt.Sprintf("unknown action type: %s", act.Type))
	}
	if !g.legal(act.Type) {
		return nil, newError(CodeInvalidPhaseForAction,
			fmt.Sprintf("action %s is not legal during phase %s", act.Type, g.Phase))
	}

	current := g.Participants[g.CurrentIdx].UserID

	switch act.Type {
	case ActionPass:
		if userID != current {
			return nil, newError(CodeNotYourTurn, "only the current player may pass")
		}
		if p.PassesLeft <= 0 {
			return nil, newError(CodeNoPassesRemaining, "no passes remaining")
		}
		p.PassesLeft--
		g.completeRound(false)

	case ActionSpin:
		if userID != current {
			return nil, newError(CodeNotYourTurn, "only the current player may spin")
		}
		next := PhaseAnswering
		if g.Desc.Spin != nil {
			next = g.Desc.Spin(g.rng)
		}
		if next == PhaseAnswering {
			g.choice = g.assignedChoice()
			g.prompt = g.pickPrompt(g.choice)
		}
		g.transition(next)

	case ActionChoose:
		if userID != current {
			return nil, newError(CodeNotYourTurn, "only the current player may choose")
		}
		g.choice = act.Text
		g.prompt = g.pickPrompt(g.choice)
		g.transition(PhaseAnswering)

	case ActionAnswer:
		if userID != current {
			return nil, newError(CodeNotYourTurn, "only the current player may answer")
		}
		g.answer = act.Text
		g.votes = make(map[uuid.UUID]bool)
		g.transition(PhaseVoting)
		// A forfeit-shrunk roster can leave nobody eligible to vote.
		g.checkVoteQuorum()

	case ActionVote:
		if userID == current {
			return nil, newError(CodeNotYourTurn, "the current player does not vote on their own turn")
		}
		if _, dup := g.votes[userID]; dup {
			return nil, newError(CodeAlreadyVoted, "vote already counted for this round")
		}
		g.votes[userID] = act.Approve
		g.seq++
		if !g.checkVoteQuorum() {
			g.broadcast()
		}
	}

	return g.snapshot(), nil
}

// HandleForfeit removes a participant from active play without mutating the
// fixed participant set. Called by the room when a disconnect grace period
// expires mid-game.
func (g *Game) HandleForfeit(userID uuid.UUID) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	if g.GameOver {
		return
	}
	p := g.participant(userID)
	if p == nil || p.Forfeited {
		return
	}
	p.Forfeited = true
	g.seq++

	if g.countActive() < g.Desc.MinPlayers {
		g.finish()
		return
	}

	current := g.Participants[g.CurrentIdx].UserID
	switch {
	case current == userID:
		// The round cannot proceed without its current player.
		g.completeRound(false)
	case g.Phase == PhaseVoting:
		delete(g.votes, userID)
		if !g.checkVoteQuorum() {
			g.broadcast()
		}
	default:
		g.broadcast()
	}
}

// Ended reports whether the game has reached its terminal phase or was
// stopped.
func (g *Game) Ended() bool {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	return g.GameOver
}

// Snapshot returns the current immutable state, e.g. for reconnect resync.
func (g *Game) Snapshot() *Snapshot {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	return g.snapshot()
}

// Stop cancels the phase timer without broadcasting; used on room teardown.
func (g *Game) Stop() {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	g.GameOver = true
	g.seq++
	g.epoch++
	if g.phaseTimer != nil {
		g.phaseTimer.Stop()
		g.phaseTimer = nil
	}
}

// --- internals; all assume Mu is held ---

func knownActionType(t ActionType) bool {
	switch t {
	case ActionSpin, ActionChoose, ActionAnswer, ActionVote, ActionPass:
		return true
	}
	return false
}

func (g *Game) legal(t ActionType) bool {
	for _, a := range g.Desc.Legal[g.Phase] {
		if a == t {
			return true
		}
	}
	return false
}

func (g *Game) participant(userID uuid.UUID) *Participant {
	for _, p := range g.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (g *Game) countActive() int {
	n := 0
	for _, p := range g.Participants {
		if !p.Forfeited {
			n++
		}
	}
	return n
}

// eligibleVoters counts active non-current participants.
func (g *Game) eligibleVoters() int {
	n := 0
	for i, p := range g.Participants {
		if i != g.CurrentIdx && !p.Forfeited {
			n++
		}
	}
	return n
}

// assignedChoice picks the choice key used when the spin skips the choosing
// phase. Descriptors without a choice step use the "" pool.
func (g *Game) assignedChoice() string {
	if _, ok := g.Desc.Prompts["dare"]; ok {
		return "dare"
	}
	return ""
}

func (g *Game) pickPrompt(choice string) string {
	pool := g.Desc.Prompts[choice]
	if len(pool) == 0 {
		pool = g.Desc.Prompts[""]
	}
	if len(pool) == 0 {
		return ""
	}
	return pool[g.rng.Intn(len(pool))]
}

// transition advances the phase, bumps seq, re-arms the timer, broadcasts.
func (g *Game) transition(next Phase) {
	g.Phase = next
	g.seq++
	g.epoch++
	g.schedulePhaseTimer()
	g.broadcast()
}

// checkVoteQuorum completes the round the instant every eligible voter has
// voted. Returns true if the round completed.
func (g *Game) checkVoteQuorum() bool {
	if g.Phase != PhaseVoting {
		return false
	}
	if len(g.votes) >= g.eligibleVoters() {
		g.completeRound(g.tally())
		return true
	}
	return false
}

// tally applies majority-approve; ties resolve to reject.
func (g *Game) tally() bool {
	approve, reject := 0, 0
	for _, v := range g.votes {
		if v {
			approve++
		} else {
			reject++
		}
	}
	return approve > reject
}

// completeRound enters the completed phase, recomputes scores, then either
// loops to the next round's waiting phase or reaches terminal.
func (g *Game) completeRound(approved bool) {
	if g.phaseTimer != nil {
		g.phaseTimer.Stop()
		g.phaseTimer = nil
	}
	g.Phase = PhaseCompleted
	g.seq++
	g.epoch++
	g.deadline = time.Time{}

	current := g.Participants[g.CurrentIdx]
	if approved {
		current.Score += g.Desc.RoundPoints
	}
	outcome := approved
	g.approved = &outcome
	g.broadcast()

	if g.OnRoundComplete != nil {
		// Run outside the game lock: the room layer takes its own lock.
		go g.OnRoundComplete(approved, current.UserID)
	}

	if g.Round >= g.Desc.RoundTarget || g.reachedScoreTarget() || g.countActive() < g.Desc.MinPlayers {
		g.finish()
		return
	}

	g.Round++
	g.rotateCurrent()
	g.votes = make(map[uuid.UUID]bool)
	g.choice = ""
	g.prompt = ""
	g.answer = ""
	g.approved = nil
	g.transition(PhaseWaiting)
}

func (g *Game) reachedScoreTarget() bool {
	for _, p := range g.Participants {
		if p.Score >= g.Desc.ScoreTarget {
			return true
		}
	}
	return false
}

// rotateCurrent advances to the next non-forfeited participant.
func (g *Game) rotateCurrent() {
	n := len(g.Participants)
	for i := 1; i <= n; i++ {
		idx := (g.CurrentIdx + i) % n
		if !g.Participants[idx].Forfeited {
			g.CurrentIdx = idx
			return
		}
	}
}

// finish reaches the terminal phase exactly once and hands off the result.
func (g *Game) finish() {
	if g.GameOver {
		return
	}
	g.GameOver = true
	g.Phase = PhaseTerminal
	g.seq++
	g.epoch++
	g.deadline = time.Time{}
	if g.phaseTimer != nil {
		g.phaseTimer.Stop()
		g.phaseTimer = nil
	}
	g.broadcast()

	result := Result{
		GameID:    g.ID,
		Type:      g.Desc.Type,
		Scores:    make(map[uuid.UUID]int, len(g.Participants)),
		StartedAt: g.StartedAt,
		Duration:  time.Since(g.StartedAt),
	}
	for _, p := range g.Participants {
		result.Participants = append(result.Participants, p.UserID)
		result.Scores[p.UserID] = p.Score
		result.Ranking = append(result.Ranking, p.UserID)
	}
	// Ranking: by score descending, join order as tiebreak.
	sort.SliceStable(result.Ranking, func(i, j int) bool {
		return result.Scores[result.Ranking[i]] > result.Scores[result.Ranking[j]]
	})

	if g.OnEnd != nil {
		go g.OnEnd(result)
	}
}

// schedulePhaseTimer arms the current phase's timeout as a scheduled event
// feeding the same serialized state as user actions. The captured epoch
// drops stale fires after any intervening phase change.
func (g *Game) schedulePhaseTimer() {
	if g.phaseTimer != nil {
		g.phaseTimer.Stop()
		g.phaseTimer = nil
	}
	d := g.Desc.Timeouts[g.Phase]
	if d <= 0 {
		g.deadline = time.Time{}
		return
	}
	g.deadline = time.Now().Add(d)
	epoch := g.epoch
	g.phaseTimer = time.AfterFunc(d, func() {
		g.handlePhaseTimeout(epoch)
	})
}

// handlePhaseTimeout applies the implicit fail/skip for a phase that timed
// out with no submitted action; a timed-out vote tallies whatever arrived.
func (g *Game) handlePhaseTimeout(epoch int) {
	g.Mu.Lock()
	defer g.Mu.Unlock()

	if g.GameOver || g.epoch != epoch {
		return // stale timer
	}
	switch g.Phase {
	case PhaseWaiting, PhaseChoosing, PhaseAnswering:
		g.completeRound(false)
	case PhaseVoting:
		g.completeRound(g.tally())
	}
}

func (g *Game) broadcast() {
	if g.BroadcastFn == nil {
		return
	}
	g.BroadcastFn(g.snapshot())
}
