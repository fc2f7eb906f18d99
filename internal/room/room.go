// internal/room/room.go
package room

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playroom/playroom/internal/engine"
	"github.com/playroom/playroom/internal/models"
)

// Config is the caller-supplied room configuration.
type Config struct {
	GameType   string
	MaxPlayers int
	Public     bool
}

// confession is an anonymously queued entry; authorship is revealed only
// when the entry is published at a round boundary.
type confession struct {
	AuthorID uuid.UUID
	Author   string
	Text     string
}

// Room is an addressable group of players sharing a chat log and at most
// one active game. A room is the single logical owner of its state: all
// mutations are serialized under Mu, so concurrent actions targeting the
// same room apply one at a time while different rooms proceed in parallel.
type Room struct {
	Code       string
	HostID     uuid.UUID
	GameType   string
	MaxPlayers int
	Public     bool
	CreatedAt  time.Time

	// Players is the roster keyed by identity; order preserves join order
	// and fixes the participant ordering at game start.
	Players map[uuid.UUID]*models.Player
	order   []uuid.UUID

	Connections map[uuid.UUID]*Conn

	// Chat is the append-only log, replayed in full on rejoin.
	Chat        []models.ChatEntry
	confessions []confession

	Game *engine.Game

	graceTimers map[uuid.UUID]*time.Timer
	gracePeriod time.Duration

	// events feeds the room's single fanout worker, so every member
	// observes state changes in the one order they were applied.
	events    chan map[string]interface{}
	done      chan struct{}
	closeOnce sync.Once

	// OnEmpty is called (outside the lock) when the roster empties, so the
	// store can destroy the room.
	OnEmpty func(code string)

	// Release is called (outside the lock) when a member leaves for any
	// reason, so the store can clear the identity's room membership.
	Release func(userID uuid.UUID)

	// OnGameEnd receives the terminal result for the persistence handoff.
	OnGameEnd func(code string, result engine.Result)

	Mu sync.Mutex
}

// New builds a room with the given pre-reserved unique code and starts its
// fanout worker.
func New(code string, host *models.User, cfg Config, gracePeriod time.Duration) *Room {
	maxPlayers := cfg.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = 8
	}
	r := &Room{
		Code:        code,
		HostID:      host.ID,
		GameType:    cfg.GameType,
		MaxPlayers:  maxPlayers,
		Public:      cfg.Public,
		CreatedAt:   time.Now(),
		Players:     make(map[uuid.UUID]*models.Player),
		Connections: make(map[uuid.UUID]*Conn),
		graceTimers: make(map[uuid.UUID]*time.Timer),
		gracePeriod: gracePeriod,
		events:      make(chan map[string]interface{}, 256),
		done:        make(chan struct{}),
	}
	r.addPlayerUnsafe(host, models.RoleHost)
	go r.fanoutLoop()
	return r
}

// fanoutLoop is the room's single delivery worker. Draining one ordered
// queue keeps the event order identical for every member; per-connection
// delivery stays non-blocking inside Conn.Write.
func (r *Room) fanoutLoop() {
	for {
		select {
		case msg := <-r.events:
			r.deliver(msg)
		case <-r.done:
			return
		}
	}
}

func (r *Room) deliver(msg map[string]interface{}) {
	r.Mu.Lock()
	conns := make([]*Conn, 0, len(r.Connections))
	for _, c := range r.Connections {
		conns = append(conns, c)
	}
	r.Mu.Unlock()

	for _, c := range conns {
		c.Write(msg)
	}
}

// broadcast enqueues a payload for ordered delivery to all members. Safe to
// call with or without the room lock held; a full queue drops the event and
// affected members resync from a snapshot.
func (r *Room) broadcast(msg map[string]interface{}) {
	select {
	case r.events <- msg:
	default:
		log.Printf("room %s: event queue full, dropped %v", r.Code, msg["type"])
	}
}

// Close stops the fanout worker and any active game. Called by the store on
// destruction or drain.
func (r *Room) Close() {
	if g := r.ActiveGame(); g != nil {
		g.Stop()
	}
	r.closeOnce.Do(func() { close(r.done) })
}

// addPlayerUnsafe appends a roster entry. Assumes lock is held (or the room
// is not yet published).
func (r *Room) addPlayerUnsafe(u *models.User, role models.Role) {
	r.Players[u.ID] = &models.Player{
		UserID:   u.ID,
		Username: u.Username,
		Role:     role,
		Live:     true,
	}
	r.order = append(r.order, u.ID)
}

// Join adds a member to the roster and broadcasts the roster delta. The
// store has already enforced the one-room-per-identity invariant.
func (r *Room) Join(u *models.User) error {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if len(r.Players) >= r.MaxPlayers {
		return ErrRoomFull
	}
	r.addPlayerUnsafe(u, models.RoleMember)
	r.broadcast(r.rosterDeltaUnsafe("player_joined", u.ID, u.Username))
	return nil
}

// Attach binds a connection to a member, replacing any previous connection
// for the same identity, and returns the full state snapshot the transport
// must deliver first. If the member was inside a disconnect grace period,
// liveness is restored without a player_left having fired.
func (r *Room) Attach(userID uuid.UUID, conn *Conn) (map[string]interface{}, error) {
	r.Mu.Lock()
	p, ok := r.Players[userID]
	if !ok {
		r.Mu.Unlock()
		return nil, ErrNotInRoom
	}

	if t, pending := r.graceTimers[userID]; pending {
		t.Stop()
		delete(r.graceTimers, userID)
		log.Printf("room %s: user %s reconnected within grace period", r.Code, userID)
	}
	p.Live = true

	old, hadOld := r.Connections[userID]
	r.Connections[userID] = conn
	snapshot := r.snapshotUnsafe()
	r.Mu.Unlock()

	if hadOld && old != conn {
		if old.Cancel != nil {
			old.Cancel()
		}
	}
	return snapshot, nil
}

// HandleDisconnect flips the member's liveness flag and starts the grace
// timer. It never evicts immediately: brief network blips must not abort an
// in-progress game. Grace expiry without reconnection applies leave
// semantics, including game forfeit per game-type policy. connID identifies
// the dropping connection; if a newer connection has already replaced it,
// the call is stale and ignored.
func (r *Room) HandleDisconnect(userID, connID uuid.UUID) {
	r.Mu.Lock()
	p, ok := r.Players[userID]
	if !ok {
		r.Mu.Unlock()
		return
	}
	if cur, attached := r.Connections[userID]; attached && cur.ID != connID {
		r.Mu.Unlock()
		return
	}
	p.Live = false
	delete(r.Connections, userID)

	if t, pending := r.graceTimers[userID]; pending {
		t.Stop()
	}
	r.graceTimers[userID] = time.AfterFunc(r.gracePeriod, func() {
		r.expireGrace(userID)
	})
	r.Mu.Unlock()

	log.Printf("room %s: user %s disconnected, grace period %s started", r.Code, userID, r.gracePeriod)
}

// expireGrace fires when the grace timer elapses without a reconnect.
func (r *Room) expireGrace(userID uuid.UUID) {
	r.Mu.Lock()
	p, ok := r.Players[userID]
	if !ok || p.Live {
		// Reconnected (or already removed) before the timer was stopped.
		r.Mu.Unlock()
		return
	}
	delete(r.graceTimers, userID)
	r.Mu.Unlock()

	log.Printf("room %s: grace period expired for user %s", r.Code, userID)
	r.Leave(userID)
}

// Leave removes a member from the roster, broadcasts the roster delta, and
// forfeits the member in any active game whose descriptor says so. An empty
// roster destroys the room.
func (r *Room) Leave(userID uuid.UUID) {
	r.Mu.Lock()
	p, ok := r.Players[userID]
	if !ok {
		r.Mu.Unlock()
		return
	}

	delete(r.Connections, userID)
	if t, pending := r.graceTimers[userID]; pending {
		t.Stop()
		delete(r.graceTimers, userID)
	}

	username := p.Username
	delete(r.Players, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	game := r.Game
	r.broadcast(r.rosterDeltaUnsafe("player_left", userID, username))
	isEmpty := len(r.Players) == 0
	onEmpty := r.OnEmpty
	release := r.Release
	r.Mu.Unlock()

	if game != nil && game.Desc.ForfeitOnLeave {
		game.HandleForfeit(userID)
	}
	if release != nil {
		release(userID)
	}
	if isEmpty {
		log.Printf("room %s is now empty", r.Code)
		r.Close()
		if onEmpty != nil {
			onEmpty(r.Code)
		}
	}
}

// AppendChat records a message on the append-only log and broadcasts it.
func (r *Room) AppendChat(userID uuid.UUID, text string) (models.ChatEntry, error) {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	p, ok := r.Players[userID]
	if !ok {
		return models.ChatEntry{}, ErrNotInRoom
	}
	entry := models.ChatEntry{
		UserID:   userID,
		Username: p.Username,
		Kind:     models.ChatKindMessage,
		Text:     text,
		Ts:       time.Now().Unix(),
	}
	r.Chat = append(r.Chat, entry)
	r.broadcast(map[string]interface{}{
		"type":  "new_message",
		"entry": entry,
	})
	return entry, nil
}

// QueueConfession stores an anonymous confession to be revealed at a future
// round boundary. The transport layer gates this to authenticated identities.
func (r *Room) QueueConfession(userID uuid.UUID, text string) error {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	p, ok := r.Players[userID]
	if !ok {
		return ErrNotInRoom
	}
	r.confessions = append(r.confessions, confession{
		AuthorID: userID,
		Author:   p.Username,
		Text:     text,
	})
	return nil
}

// revealConfession publishes the oldest queued confession into the chat log
// and broadcasts its authorship. Called at round boundaries.
func (r *Room) revealConfession() {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if len(r.confessions) == 0 {
		return
	}
	c := r.confessions[0]
	r.confessions = r.confessions[1:]
	entry := models.ChatEntry{
		UserID:   c.AuthorID,
		Username: c.Author,
		Kind:     models.ChatKindConfession,
		Text:     c.Text,
		Ts:       time.Now().Unix(),
	}
	r.Chat = append(r.Chat, entry)
	r.broadcast(map[string]interface{}{
		"type":     "confession_revealed",
		"identity": c.AuthorID.String(),
		"username": c.Author,
		"text":     c.Text,
		"entry":    entry,
	})
}

// StartGame instantiates the room's game type for the current live roster.
// The participant set is fixed at start; a room has at most one active game.
func (r *Room) StartGame(initiator uuid.UUID) (*engine.Game, error) {
	r.Mu.Lock()
	if _, ok := r.Players[initiator]; !ok {
		r.Mu.Unlock()
		return nil, ErrNotInRoom
	}
	if r.Game != nil && !r.Game.Ended() {
		r.Mu.Unlock()
		return nil, ErrGameInProgress
	}

	desc, ok := engine.DescriptorFor(r.GameType)
	if !ok {
		r.Mu.Unlock()
		return nil, ErrUnknownGameType
	}

	participants := make([]uuid.UUID, 0, len(r.order))
	for _, id := range r.order {
		if p := r.Players[id]; p != nil && p.Live {
			participants = append(participants, id)
		}
	}

	g, err := engine.NewGame(desc, participants)
	if err != nil {
		r.Mu.Unlock()
		return nil, err
	}

	// Enqueue-only, so publishing under the game lock never touches the
	// room lock; the fanout worker preserves the snapshot order.
	g.BroadcastFn = func(snap *engine.Snapshot) {
		r.broadcast(map[string]interface{}{
			"type": "game_update",
			"game": snap,
		})
	}
	g.OnRoundComplete = func(approved bool, current uuid.UUID) {
		r.revealConfession()
	}
	g.OnEnd = func(result engine.Result) {
		r.finishGame(result)
	}

	r.Game = g
	r.Mu.Unlock()

	g.Start()
	return g, nil
}

// finishGame returns the room to waiting and hands the summary off.
func (r *Room) finishGame(result engine.Result) {
	r.Mu.Lock()
	r.Game = nil
	onGameEnd := r.OnGameEnd
	r.broadcast(map[string]interface{}{
		"type":    "game_ended",
		"room":    map[string]interface{}{"code": r.Code, "roster": r.rosterUnsafe()},
		"scores":  stringScores(result.Scores),
		"ranking": result.Ranking,
	})
	r.Mu.Unlock()

	if onGameEnd != nil {
		onGameEnd(r.Code, result)
	}
}

// ActiveGame returns the in-flight game instance, if any.
func (r *Room) ActiveGame() *engine.Game {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if r.Game == nil || r.Game.Ended() {
		return nil
	}
	return r.Game
}

// SetUsername updates the roster entry after a nickname change.
func (r *Room) SetUsername(userID uuid.UUID, username string) {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if p, ok := r.Players[userID]; ok {
		p.Username = username
		r.broadcast(r.rosterDeltaUnsafe("roster_update", userID, username))
	}
	if conn, ok := r.Connections[userID]; ok {
		conn.Username = username
	}
}

// Snapshot returns the full room state for reconnect resync: roster, active
// game state, and the complete chat log.
func (r *Room) Snapshot() map[string]interface{} {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	return r.snapshotUnsafe()
}

// snapshotUnsafe assumes lock is held.
func (r *Room) snapshotUnsafe() map[string]interface{} {
	snap := map[string]interface{}{
		"type":        "room_state",
		"code":        r.Code,
		"host_id":     r.HostID.String(),
		"game_type":   r.GameType,
		"max_players": r.MaxPlayers,
		"roster":      r.rosterUnsafe(),
		"chat":        append([]models.ChatEntry(nil), r.Chat...),
	}
	if r.Game != nil && !r.Game.Ended() {
		snap["game"] = r.Game.Snapshot()
	}
	return snap
}

// rosterUnsafe returns the ordered roster. Assumes lock is held.
func (r *Room) rosterUnsafe() []models.Player {
	roster := make([]models.Player, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.Players[id]; ok {
			roster = append(roster, *p)
		}
	}
	return roster
}

// rosterDeltaUnsafe builds a membership-change payload. Assumes lock held.
func (r *Room) rosterDeltaUnsafe(eventType string, userID uuid.UUID, username string) map[string]interface{} {
	return map[string]interface{}{
		"type":     eventType,
		"user_id":  userID.String(),
		"username": username,
		"room": map[string]interface{}{
			"code":   r.Code,
			"roster": r.rosterUnsafe(),
		},
	}
}

func stringScores(scores map[uuid.UUID]int) map[string]int {
	out := make(map[string]int, len(scores))
	for id, sc := range scores {
		out[id.String()] = sc
	}
	return out
}
