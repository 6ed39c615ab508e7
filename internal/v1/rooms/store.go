// Package rooms implements the in-memory room store. The store owns every
// room's canonical state (members, pending applicants, metronome config,
// ownership) and exposes the mutation primitives the lifecycle coordinator
// builds its protocols from.
//
// Locking model: a registry-level RWMutex guards the room map; each room
// carries its own mutex serializing mutations of that room. The registry lock
// is never held while a room lock is held, so cross-room operations cannot
// invert lock order.
package rooms

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/openjam/bandroom/backend/go/internal/v1/clock"
	"github.com/openjam/bandroom/backend/go/internal/v1/metrics"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrNotMember    = errors.New("user is not a member of the room")
	ErrAlreadyOwner = errors.New("user already owns the room")
	ErrNoPending    = errors.New("no pending request for user")
)

// Limits carries the store's configured bounds. Zero values are replaced by
// the service defaults so tests can construct a Store tersely.
type Limits struct {
	BpmMin          int
	BpmMax          int
	BpmDefault      int
	MaxParticipants int
}

func (l Limits) withDefaults() Limits {
	if l.BpmMin == 0 {
		l.BpmMin = 1
	}
	if l.BpmMax == 0 {
		l.BpmMax = 1000
	}
	if l.BpmDefault == 0 {
		l.BpmDefault = 90
	}
	if l.MaxParticipants == 0 {
		l.MaxParticipants = 10
	}
	return l
}

// memberRecord pairs a member value with its join sequence number. The
// sequence pins the deterministic selection rule used for ownership transfer.
type memberRecord struct {
	member    types.Member
	joinOrder uint64
}

type roomEntry struct {
	mu        sync.Mutex
	id        types.RoomIdType
	name      string
	owner     types.UserIdType
	isPrivate bool
	isHidden  bool
	createdAt int64
	metronome types.MetronomeState
	members   map[types.UserIdType]memberRecord
	pending   map[types.UserIdType]types.Member
	joinSeq   uint64
}

// snapshotLocked materializes the wire-shaped state. Callers must hold e.mu.
// Users are ordered by join sequence so snapshots are deterministic.
func (e *roomEntry) snapshotLocked() types.RoomState {
	users := make([]memberRecord, 0, len(e.members))
	for _, rec := range e.members {
		users = append(users, rec)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].joinOrder < users[j].joinOrder })

	state := types.RoomState{
		Id:             e.id,
		Name:           e.name,
		Owner:          e.owner,
		IsPrivate:      e.isPrivate,
		IsHidden:       e.isHidden,
		CreatedAt:      e.createdAt,
		Metronome:      e.metronome,
		Users:          make([]types.Member, 0, len(users)),
		PendingMembers: make([]types.Member, 0, len(e.pending)),
	}
	for _, rec := range users {
		state.Users = append(state.Users, rec.member)
	}

	pendingIds := make([]types.UserIdType, 0, len(e.pending))
	for id := range e.pending {
		pendingIds = append(pendingIds, id)
	}
	sort.Slice(pendingIds, func(i, j int) bool { return pendingIds[i] < pendingIds[j] })
	for _, id := range pendingIds {
		state.PendingMembers = append(state.PendingMembers, e.pending[id])
	}

	return state
}

// Store is the in-memory room registry. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	rooms  map[types.RoomIdType]*roomEntry
	clk    clock.Clock
	limits Limits
}

// NewStore builds a Store with the given limits. A nil clock falls back to
// the system clock.
func NewStore(limits Limits, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{
		rooms:  make(map[types.RoomIdType]*roomEntry),
		clk:    clk,
		limits: limits.withDefaults(),
	}
}

// Limits returns the configured bounds.
func (s *Store) Limits() Limits {
	return s.limits
}

// entry fetches a room under the registry read lock.
func (s *Store) entry(roomId types.RoomIdType) (*roomEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rooms[roomId]
	return e, ok
}

// CreateRoom allocates a room, installs the creator as owner, and returns the
// initial snapshot together with the owner's member value. The metronome
// starts at the configured default tempo.
func (s *Store) CreateRoom(name string, username string, userId types.UserIdType, isPrivate, isHidden bool) (types.RoomState, types.Member, error) {
	now := s.clk.NowMillis()
	owner := types.Member{
		UserId:      userId,
		DisplayName: types.DisplayNameType(username),
		Role:        types.RoleTypeOwner,
		IsReady:     true,
	}

	e := &roomEntry{
		id:        types.RoomIdType(uuid.New().String()),
		name:      name,
		owner:     userId,
		isPrivate: isPrivate,
		isHidden:  isHidden,
		createdAt: now,
		metronome: types.MetronomeState{Bpm: s.limits.BpmDefault, LastTickTimestamp: now},
		members:   map[types.UserIdType]memberRecord{userId: {member: owner, joinOrder: 0}},
		pending:   make(map[types.UserIdType]types.Member),
		joinSeq:   1,
	}

	s.mu.Lock()
	s.rooms[e.id] = e
	s.mu.Unlock()

	metrics.ActiveRooms.Inc()
	metrics.RoomMembers.WithLabelValues(string(e.id)).Set(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), owner, nil
}

// GetRoom returns a snapshot of the room.
func (s *Store) GetRoom(roomId types.RoomIdType) (types.RoomState, bool) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.RoomState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), true
}

// ListRooms returns lobby summaries for every non-hidden room.
func (s *Store) ListRooms() []types.RoomSummary {
	s.mu.RLock()
	entries := make([]*roomEntry, 0, len(s.rooms))
	for _, e := range s.rooms {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	summaries := make([]types.RoomSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.isHidden {
			summaries = append(summaries, e.snapshotLocked().Summary())
		}
		e.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt < summaries[j].CreatedAt })
	return summaries
}

// DeleteRoom drops the room from the registry. Returns false if it was
// already gone.
func (s *Store) DeleteRoom(roomId types.RoomIdType) bool {
	s.mu.Lock()
	_, ok := s.rooms[roomId]
	if ok {
		delete(s.rooms, roomId)
	}
	s.mu.Unlock()

	if ok {
		metrics.ActiveRooms.Dec()
		metrics.RoomMembers.DeleteLabelValues(string(roomId))
	}
	return ok
}

// Len returns the number of live rooms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}
