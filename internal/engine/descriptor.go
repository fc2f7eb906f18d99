// internal/engine/descriptor.go
package engine

import (
	"math/rand"
	"time"
)

// Phase is a named state in a game's state machine. Transitions are
// monotonic within a round and never revisited except the next-round reset
// back to PhaseWaiting.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseChoosing  Phase = "choosing"
	PhaseAnswering Phase = "answering"
	PhaseVoting    Phase = "voting"
	PhaseCompleted Phase = "completed"
	PhaseTerminal  Phase = "terminal"
)

// ActionType identifies a player-submitted game action.
type ActionType string

const (
	ActionSpin   ActionType = "spin"
	ActionChoose ActionType = "choose"
	ActionAnswer ActionType = "answer"
	ActionVote   ActionType = "vote"
	ActionPass   ActionType = "pass"
)

// Action is one player move as routed by the transport layer.
type Action struct {
	Type    ActionType `json:"type"`
	Text    string     `json:"text,omitempty"`    // choice or answer content
	Approve bool       `json:"approve,omitempty"` // vote direction
}

// Descriptor parameterizes the generic engine for one game type: participant
// bounds, phase graph, per-phase legal actions and timeouts, pass allowance,
// and scoring. The engine stays generic over the descriptor; game types are
// a closed set selected by tag at instance creation.
type Descriptor struct {
	Type        string
	MinPlayers  int
	MaxPlayers  int
	Passes      int // per-participant pass allowance for the whole match
	RoundTarget int // match ends after this many completed rounds
	ScoreTarget int // or when a participant reaches this score
	RoundPoints int // awarded to the current player for an approved round

	Timeouts map[Phase]time.Duration
	Legal    map[Phase][]ActionType

	// Spin decides the post-waiting phase for descriptors with a pre-choice
	// branch. Nil means the waiting action advances straight to answering.
	Spin func(r *rand.Rand) Phase

	// Prompts holds the prompt pool per choice key. The "" key is the pool
	// used when the game type has no choice step.
	Prompts map[string][]string

	// ForfeitOnLeave makes a grace-period expiry forfeit the participant
	// instead of pausing the match.
	ForfeitOnLeave bool
}

// turnVoteLegal is the shared legal-action table for the canonical
// turn/vote phase graph. Pass is available in every player-driven phase.
func turnVoteLegal() map[Phase][]ActionType {
	return map[Phase][]ActionType{
		PhaseWaiting:   {ActionSpin, ActionPass},
		PhaseChoosing:  {ActionChoose, ActionPass},
		PhaseAnswering: {ActionAnswer, ActionPass},
		PhaseVoting:    {ActionVote},
	}
}

var descriptors = map[string]Descriptor{}

// register adds a descriptor to the closed game-type set.
func register(d Descriptor) {
	descriptors[d.Type] = d
}

// DescriptorFor returns the descriptor registered under tag.
func DescriptorFor(tag string) (Descriptor, bool) {
	d, ok := descriptors[tag]
	return d, ok
}

// Types lists the registered game-type tags.
func Types() []string {
	out := make([]string, 0, len(descriptors))
	for tag := range descriptors {
		out = append(out, tag)
	}
	return out
}

func init() {
	// Truth-or-dare: the canonical turn/vote instance. The spin either lets
	// the current player choose truth or dare, or assigns a dare outright.
	register(Descriptor{
		Type:        "truth_or_dare",
		MinPlayers:  2,
		MaxPlayers:  8,
		Passes:      3,
		RoundTarget: 10,
		ScoreTarget: 15,
		RoundPoints: 2,
		Timeouts: map[Phase]time.Duration{
			PhaseWaiting:   30 * time.Second,
			PhaseChoosing:  20 * time.Second,
			PhaseAnswering: 60 * time.Second,
			PhaseVoting:    30 * time.Second,
		},
		Legal: turnVoteLegal(),
		Spin: func(r *rand.Rand) Phase {
			if r.Intn(2) == 0 {
				return PhaseChoosing
			}
			return PhaseAnswering
		},
		Prompts: map[string][]string{
			"truth": {
				"What is the most embarrassing thing you did this year?",
				"What is a secret you have never told anyone in this room?",
				"What is the worst gift you ever pretended to like?",
			},
			"dare": {
				"Speak in rhymes until your next turn.",
				"Let the group write your next chat message.",
				"Impersonate another player until the vote ends.",
			},
		},
		ForfeitOnLeave: true,
	})

	// Rock-paper-scissors: no pre-choice branch, fast rounds.
	register(Descriptor{
		Type:        "rps",
		MinPlayers:  2,
		MaxPlayers:  2,
		Passes:      1,
		RoundTarget: 5,
		ScoreTarget: 3,
		RoundPoints: 1,
		Timeouts: map[Phase]time.Duration{
			PhaseWaiting:   15 * time.Second,
			PhaseAnswering: 15 * time.Second,
			PhaseVoting:    15 * time.Second,
		},
		Legal:          turnVoteLegal(),
		Prompts:        map[string][]string{"": {"Throw rock, paper, or scissors."}},
		ForfeitOnLeave: true,
	})

	// Drawing-guess: long answering window for the drawing itself.
	register(Descriptor{
		Type:        "draw_guess",
		MinPlayers:  3,
		MaxPlayers:  10,
		Passes:      2,
		RoundTarget: 8,
		ScoreTarget: 12,
		RoundPoints: 2,
		Timeouts: map[Phase]time.Duration{
			PhaseWaiting:   20 * time.Second,
			PhaseAnswering: 90 * time.Second,
			PhaseVoting:    25 * time.Second,
		},
		Legal: turnVoteLegal(),
		Prompts: map[string][]string{
			"": {"Draw a lighthouse.", "Draw a rollercoaster.", "Draw your morning routine."},
		},
		ForfeitOnLeave: true,
	})

	// Word-battle: short rounds, higher score ceiling.
	register(Descriptor{
		Type:        "word_battle",
		MinPlayers:  2,
		MaxPlayers:  6,
		Passes:      2,
		RoundTarget: 12,
		ScoreTarget: 20,
		RoundPoints: 2,
		Timeouts: map[Phase]time.Duration{
			PhaseWaiting:   15 * time.Second,
			PhaseAnswering: 30 * time.Second,
			PhaseVoting:    20 * time.Second,
		},
		Legal: turnVoteLegal(),
		Prompts: map[string][]string{
			"": {"Longest word containing a double letter.", "A word that rhymes with 'orange'... or close.", "Five words starting with the same letter."},
		},
		ForfeitOnLeave: true,
	})
}
