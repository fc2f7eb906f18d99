// internal/room/store_test.go
package room

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playroom/playroom/internal/engine"
	"github.com/playroom/playroom/internal/models"
)

func newTestStore(t *testing.T) *Store {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s := NewStore(logger)
	s.gracePeriod = 50 * time.Millisecond
	return s
}

func testUser(name string) *models.User {
	return &models.User{ID: uuid.New(), Username: name}
}

func testConn(u *models.User) *Conn {
	return &Conn{
		ID:       uuid.New(),
		UserID:   u.ID,
		Username: u.Username,
		OutChan:  make(chan map[string]interface{}, 64),
	}
}

// waitEvent drains the connection until a message of the wanted type arrives.
func waitEvent(t *testing.T, conn *Conn, wantType string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-conn.OutChan:
			if typ, _ := msg["type"].(string); typ == wantType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", wantType)
			return nil
		}
	}
}

func TestCreateRoomMintsUsableCode(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare"})
	require.NoError(t, err)

	assert.Len(t, r.Code, codeLength)
	for _, ch := range r.Code {
		assert.True(t, strings.ContainsRune(codeAlphabet, ch), "code character %q outside alphabet", ch)
	}
	assert.Equal(t, host.ID, r.HostID)
	assert.Contains(t, r.Players, host.ID)

	got, ok := s.RoomFor(host.ID)
	require.True(t, ok)
	assert.Equal(t, r.Code, got.Code)
}

func TestCreateRoomRejectsUnknownGameType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateRoom(testUser("host"), Config{GameType: "quidditch"})
	assert.ErrorIs(t, err, ErrUnknownGameType)
}

func TestJoinRoom(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")
	guest := testUser("guest")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare"})
	require.NoError(t, err)

	joined, err := s.JoinRoom(r.Code, guest)
	require.NoError(t, err)
	assert.Equal(t, r.Code, joined.Code)
	assert.Len(t, r.Snapshot()["roster"], 2)

	// Joining the room you are already in is a reconnect, not an error.
	again, err := s.JoinRoom(r.Code, guest)
	require.NoError(t, err)
	assert.Equal(t, r.Code, again.Code)
	assert.Len(t, r.Snapshot()["roster"], 2)

	// One room per identity at a time.
	other, err := s.CreateRoom(testUser("other"), Config{GameType: "truth_or_dare"})
	require.NoError(t, err)
	_, err = s.JoinRoom(other.Code, guest)
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestJoinRoomUnknownCode(t *testing.T) {
	s := newTestStore(t)
	_, err := s.JoinRoom("NOPE22", testUser("guest"))
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinFullRoomReleasesMembership(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare", MaxPlayers: 2})
	require.NoError(t, err)
	_, err = s.JoinRoom(r.Code, testUser("second"))
	require.NoError(t, err)

	late := testUser("late")
	_, err = s.JoinRoom(r.Code, late)
	assert.ErrorIs(t, err, ErrRoomFull)

	// The failed join must not leave a dangling membership.
	_, err = s.CreateRoom(late, Config{GameType: "truth_or_dare"})
	assert.NoError(t, err)
}

func TestLeaveDestroysEmptyRoom(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare"})
	require.NoError(t, err)

	require.NoError(t, s.LeaveRoom(host.ID))

	_, ok := s.Get(r.Code)
	assert.False(t, ok, "an empty room is destroyed")
	_, ok = s.RoomFor(host.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Count())
}

func TestChatReachesAllMembers(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")
	guest := testUser("guest")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare"})
	require.NoError(t, err)
	_, err = s.JoinRoom(r.Code, guest)
	require.NoError(t, err)

	hostConn := testConn(host)
	guestConn := testConn(guest)
	_, err = r.Attach(host.ID, hostConn)
	require.NoError(t, err)
	_, err = r.Attach(guest.ID, guestConn)
	require.NoError(t, err)

	_, err = r.AppendChat(guest.ID, "hello room")
	require.NoError(t, err)

	for _, conn := range []*Conn{hostConn, guestConn} {
		msg := waitEvent(t, conn, "new_message")
		entry, ok := msg["entry"].(models.ChatEntry)
		require.True(t, ok)
		assert.Equal(t, "hello room", entry.Text)
		assert.Equal(t, models.ChatKindMessage, entry.Kind)
	}

	snap := r.Snapshot()
	chat, ok := snap["chat"].([]models.ChatEntry)
	require.True(t, ok)
	require.Len(t, chat, 1)
}

func TestChatRequiresMembership(t *testing.T) {
	s := newTestStore(t)
	r, err := s.CreateRoom(testUser("host"), Config{GameType: "truth_or_dare"})
	require.NoError(t, err)

	_, err = r.AppendChat(uuid.New(), "intruder")
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestReconnectWithinGraceKeepsMembership(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")
	guest := testUser("guest")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare"})
	require.NoError(t, err)
	_, err = s.JoinRoom(r.Code, guest)
	require.NoError(t, err)

	guestConn := testConn(guest)
	_, err = r.Attach(guest.ID, guestConn)
	require.NoError(t, err)

	r.HandleDisconnect(guest.ID, guestConn.ID)

	// Reconnect before the grace period elapses.
	snapshot, err := r.Attach(guest.ID, testConn(guest))
	require.NoError(t, err)
	assert.Equal(t, "room_state", snapshot["type"])

	// Even after the original deadline, the member is still in the roster.
	time.Sleep(120 * time.Millisecond)
	assert.Len(t, r.Snapshot()["roster"], 2)
	_, ok := s.RoomFor(guest.ID)
	assert.True(t, ok)
}

func TestGraceExpiryAppliesLeave(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")
	guest := testUser("guest")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare"})
	require.NoError(t, err)
	_, err = s.JoinRoom(r.Code, guest)
	require.NoError(t, err)

	hostConn := testConn(host)
	_, err = r.Attach(host.ID, hostConn)
	require.NoError(t, err)
	guestConn := testConn(guest)
	_, err = r.Attach(guest.ID, guestConn)
	require.NoError(t, err)

	r.HandleDisconnect(guest.ID, guestConn.ID)

	msg := waitEvent(t, hostConn, "player_left")
	assert.Equal(t, guest.ID.String(), msg["user_id"])

	require.Eventually(t, func() bool {
		_, ok := s.RoomFor(guest.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "membership releases after the grace period")
	assert.Len(t, r.Snapshot()["roster"], 1)
}

func TestStartGameBroadcastsUpdates(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")
	guest := testUser("guest")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare"})
	require.NoError(t, err)
	_, err = s.JoinRoom(r.Code, guest)
	require.NoError(t, err)

	hostConn := testConn(host)
	guestConn := testConn(guest)
	_, err = r.Attach(host.ID, hostConn)
	require.NoError(t, err)
	_, err = r.Attach(guest.ID, guestConn)
	require.NoError(t, err)

	g, err := r.StartGame(host.ID)
	require.NoError(t, err)
	require.NotNil(t, g)

	for _, conn := range []*Conn{hostConn, guestConn} {
		msg := waitEvent(t, conn, "game_update")
		snap, ok := msg["game"].(*engine.Snapshot)
		require.True(t, ok)
		assert.Equal(t, g.ID, snap.GameID)
		assert.Equal(t, engine.PhaseWaiting, snap.Phase)
	}

	_, err = r.StartGame(host.ID)
	assert.ErrorIs(t, err, ErrGameInProgress)

	_, err = r.StartGame(uuid.New())
	assert.ErrorIs(t, err, ErrNotInRoom)
}

func TestGraceExpiryForfeitsInGame(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")
	guest := testUser("guest")
	third := testUser("third")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare"})
	require.NoError(t, err)
	_, err = s.JoinRoom(r.Code, guest)
	require.NoError(t, err)
	_, err = s.JoinRoom(r.Code, third)
	require.NoError(t, err)

	conns := make(map[uuid.UUID]*Conn)
	for _, u := range []*models.User{host, guest, third} {
		conns[u.ID] = testConn(u)
		_, err = r.Attach(u.ID, conns[u.ID])
		require.NoError(t, err)
	}

	g, err := r.StartGame(host.ID)
	require.NoError(t, err)

	r.HandleDisconnect(guest.ID, conns[guest.ID].ID)

	require.Eventually(t, func() bool {
		snap := g.Snapshot()
		for _, p := range snap.Players {
			if p.UserID == guest.ID {
				return p.Forfeited
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "grace expiry forfeits the participant")
}

func TestConfessionRevealedAtRoundBoundary(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")
	guest := testUser("guest")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare"})
	require.NoError(t, err)
	_, err = s.JoinRoom(r.Code, guest)
	require.NoError(t, err)

	hostConn := testConn(host)
	guestConn := testConn(guest)
	_, err = r.Attach(host.ID, hostConn)
	require.NoError(t, err)
	_, err = r.Attach(guest.ID, guestConn)
	require.NoError(t, err)

	require.NoError(t, r.QueueConfession(guest.ID, "I broke the coffee machine"))

	g, err := r.StartGame(host.ID)
	require.NoError(t, err)

	// The host passing completes the round, which publishes the oldest
	// queued confession with its authorship.
	_, err = g.HandleAction(host.ID, engine.Action{Type: engine.ActionPass})
	require.NoError(t, err)

	msg := waitEvent(t, guestConn, "confession_revealed")
	assert.Equal(t, guest.ID.String(), msg["identity"])
	assert.Equal(t, "I broke the coffee machine", msg["text"])

	require.Eventually(t, func() bool {
		chat, _ := r.Snapshot()["chat"].([]models.ChatEntry)
		return len(chat) == 1 && chat[0].Kind == models.ChatKindConfession
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestMatchFindsPublicRoom(t *testing.T) {
	s := newTestStore(t)
	host := testUser("host")

	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare", Public: true})
	require.NoError(t, err)

	matched, err := s.RequestMatch(testUser("drifter"), "truth_or_dare")
	require.NoError(t, err)
	assert.Equal(t, r.Code, matched.Code)
}

func TestRequestMatchSkipsPrivateAndMismatched(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateRoom(testUser("a"), Config{GameType: "truth_or_dare"})
	require.NoError(t, err)
	_, err = s.CreateRoom(testUser("b"), Config{GameType: "rps", Public: true, MaxPlayers: 2})
	require.NoError(t, err)

	_, err = s.RequestMatch(testUser("drifter"), "truth_or_dare")
	assert.ErrorIs(t, err, ErrNoMatch, "private rooms and other game types do not match")
}

func TestGameEndHandoff(t *testing.T) {
	s := newTestStore(t)
	results := make(chan engine.Result, 1)
	s.OnGameEnd = func(code string, result engine.Result) { results <- result }

	host := testUser("host")
	guest := testUser("guest")
	r, err := s.CreateRoom(host, Config{GameType: "truth_or_dare"})
	require.NoError(t, err)
	_, err = s.JoinRoom(r.Code, guest)
	require.NoError(t, err)

	hostConn := testConn(host)
	_, err = r.Attach(host.ID, hostConn)
	require.NoError(t, err)
	_, err = r.Attach(guest.ID, testConn(guest))
	require.NoError(t, err)

	g, err := r.StartGame(host.ID)
	require.NoError(t, err)

	// Forfeiting one of two players drops the game below its minimum.
	g.HandleForfeit(guest.ID)

	select {
	case result := <-results:
		assert.Equal(t, g.ID, result.GameID)
		assert.Len(t, result.Ranking, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("game end handoff never fired")
	}

	waitEvent(t, hostConn, "game_ended")
	assert.Nil(t, r.ActiveGame(), "the room returns to waiting after the game ends")
}
