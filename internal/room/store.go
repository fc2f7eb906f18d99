// internal/room/store.go
package room

import (
	"crypto/rand"
	"errors"
	"math/big"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/playroom/playroom/internal/engine"
	"github.com/playroom/playroom/internal/models"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomFull        = errors.New("room is full")
	ErrAlreadyActive   = errors.New("identity already active in another room")
	ErrNotInRoom       = errors.New("not a member of this room")
	ErrGameInProgress  = errors.New("a game is already in progress")
	ErrUnknownGameType = errors.New("unknown game type")
	ErrNoMatch         = errors.New("no public room available")
)

// codeAlphabet omits 0/O and 1/I so codes survive being read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 6

// Store owns the live room set and the identity-to-room membership index.
// Lock ordering is always store before room, never the reverse; callbacks
// out of a room (OnEmpty, Release) run with no room lock held.
type Store struct {
	mu         sync.Mutex
	rooms      map[string]*Room
	membership map[uuid.UUID]string

	gracePeriod time.Duration
	logger      *logrus.Logger

	// OnGameEnd is propagated onto every created room.
	OnGameEnd func(code string, result engine.Result)
}

// NewStore builds the room registry. ROOM_GRACE_PERIOD (seconds) overrides
// the disconnect grace default of 15s.
func NewStore(logger *logrus.Logger) *Store {
	grace := 15 * time.Second
	if v := os.Getenv("ROOM_GRACE_PERIOD"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			grace = time.Duration(secs) * time.Second
		}
	}
	return &Store{
		rooms:       make(map[string]*Room),
		membership:  make(map[uuid.UUID]string),
		gracePeriod: grace,
		logger:      logger,
	}
}

// CreateRoom mints a unique short code, builds the room with the creator as
// host, and registers the creator's membership.
func (s *Store) CreateRoom(host *models.User, cfg Config) (*Room, error) {
	if _, ok := engine.DescriptorFor(cfg.GameType); !ok {
		return nil, ErrUnknownGameType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.membership[host.ID]; active {
		return nil, ErrAlreadyActive
	}

	code, err := s.uniqueCodeUnsafe()
	if err != nil {
		return nil, err
	}

	r := New(code, host, cfg, s.gracePeriod)
	r.OnEmpty = s.destroyRoom
	r.Release = s.releaseMembership
	r.OnGameEnd = s.OnGameEnd
	s.rooms[code] = r
	s.membership[host.ID] = code

	s.logger.WithFields(logrus.Fields{
		"room_code": code,
		"host_id":   host.ID,
		"game_type": cfg.GameType,
	}).Info("room created")
	return r, nil
}

// JoinRoom adds an identity to an existing room by code, enforcing the
// single-room-per-identity invariant and the room's capacity.
func (s *Store) JoinRoom(code string, u *models.User) (*Room, error) {
	s.mu.Lock()
	r, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	if existing, active := s.membership[u.ID]; active {
		s.mu.Unlock()
		if existing == code {
			// Rejoining the same room is a reconnect, not a second join.
			return r, nil
		}
		return nil, ErrAlreadyActive
	}
	s.membership[u.ID] = code
	s.mu.Unlock()

	if err := r.Join(u); err != nil {
		s.mu.Lock()
		delete(s.membership, u.ID)
		s.mu.Unlock()
		return nil, err
	}
	return r, nil
}

// RequestMatch joins any public room that is waiting for players and has
// space, preferring the oldest such room.
func (s *Store) RequestMatch(u *models.User, gameType string) (*Room, error) {
	s.mu.Lock()
	if _, active := s.membership[u.ID]; active {
		s.mu.Unlock()
		return nil, ErrAlreadyActive
	}

	var best *Room
	for _, r := range s.rooms {
		if !r.Public {
			continue
		}
		if gameType != "" && r.GameType != gameType {
			continue
		}
		r.Mu.Lock()
		game := r.Game
		open := len(r.Players) < r.MaxPlayers
		r.Mu.Unlock()
		if open && game != nil {
			open = game.Ended()
		}
		if !open {
			continue
		}
		if best == nil || r.CreatedAt.Before(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		s.mu.Unlock()
		return nil, ErrNoMatch
	}
	s.membership[u.ID] = best.Code
	s.mu.Unlock()

	if err := best.Join(u); err != nil {
		s.mu.Lock()
		delete(s.membership, u.ID)
		s.mu.Unlock()
		return nil, err
	}
	return best, nil
}

// LeaveRoom applies leave semantics for wherever the identity currently is.
func (s *Store) LeaveRoom(userID uuid.UUID) error {
	s.mu.Lock()
	code, ok := s.membership[userID]
	if !ok {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	r, exists := s.rooms[code]
	s.mu.Unlock()
	if !exists {
		return ErrRoomNotFound
	}
	r.Leave(userID)
	return nil
}

// RoomFor resolves the identity's current room, if any.
func (s *Store) RoomFor(userID uuid.UUID) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.membership[userID]
	if !ok {
		return nil, false
	}
	r, exists := s.rooms[code]
	return r, exists
}

// Get resolves a room by code.
func (s *Store) Get(code string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[code]
	return r, ok
}

// Count reports the number of live rooms.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// DrainAll stops every room's game and empties the registry. Used on
// graceful shutdown.
func (s *Store) DrainAll() {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.rooms = make(map[string]*Room)
	s.membership = make(map[uuid.UUID]string)
	s.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}
	s.logger.WithField("rooms", len(rooms)).Info("drained all rooms")
}

// destroyRoom is wired as each room's OnEmpty callback.
func (s *Store) destroyRoom(code string) {
	s.mu.Lock()
	delete(s.rooms, code)
	s.mu.Unlock()
	s.logger.WithField("room_code", code).Info("room destroyed")
}

// releaseMembership is wired as each room's Release callback.
func (s *Store) releaseMembership(userID uuid.UUID) {
	s.mu.Lock()
	delete(s.membership, userID)
	s.mu.Unlock()
}

// uniqueCodeUnsafe mints a code not currently in use. Assumes mu is held.
func (s *Store) uniqueCodeUnsafe() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := s.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", errors.New("failed to allocate a unique room code")
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
