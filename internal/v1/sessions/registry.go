// Package sessions tracks which connection carries which user into which
// room, plus the two departure tables: grace entries for unintentional
// disconnects and intentionally-left markers for explicit leaves. A
// background sweeper expires both.
package sessions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/metrics"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// key identifies the per-user-per-room tables.
type key struct {
	userId types.UserIdType
	roomId types.RoomIdType
}

type graceEntry struct {
	member    types.Member
	expiresAt time.Time
}

// GraceExpiredFunc is invoked by the sweeper, outside the registry lock, for
// every grace entry whose TTL elapsed without a rejoin.
type GraceExpiredFunc func(userId types.UserIdType, roomId types.RoomIdType, member types.Member)

// Registry is the session table. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[types.ConnIdType]types.Session
	byUser   map[key]types.ConnIdType
	grace    map[key]graceEntry
	left     map[key]time.Time

	sweepInterval  time.Duration
	onGraceExpired GraceExpiredFunc
}

// NewRegistry builds an empty registry sweeping at the given cadence.
func NewRegistry(sweepInterval time.Duration) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = 250 * time.Millisecond
	}
	return &Registry{
		sessions:      make(map[types.ConnIdType]types.Session),
		byUser:        make(map[key]types.ConnIdType),
		grace:         make(map[key]graceEntry),
		left:          make(map[key]time.Time),
		sweepInterval: sweepInterval,
	}
}

// SetGraceExpiredHandler wires the sweeper's expiry callback. Must be called
// before Start; the composition root uses it to break the registry ↔
// coordinator cycle.
func (r *Registry) SetGraceExpiredHandler(fn GraceExpiredFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGraceExpired = fn
}

// --- Sessions ---

// SetSession installs a session for connId. If a different connection already
// carries the same (userId, roomId), that older session is evicted and its
// conn id returned so the caller can disconnect the stale transport.
func (r *Registry) SetSession(connId types.ConnIdType, sess types.Session) (types.ConnIdType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{userId: sess.UserId, roomId: sess.RoomId}
	stale, hadStale := r.byUser[k]
	if hadStale && stale != connId {
		delete(r.sessions, stale)
	} else {
		hadStale = false
	}

	r.sessions[connId] = sess
	r.byUser[k] = connId
	return stale, hadStale
}

// GetSession returns the session bound to connId.
func (r *Registry) GetSession(connId types.ConnIdType) (types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connId]
	return sess, ok
}

// ConnFor returns the connection currently carrying a user's presence in a
// room.
func (r *Registry) ConnFor(userId types.UserIdType, roomId types.RoomIdType) (types.ConnIdType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connId, ok := r.byUser[key{userId: userId, roomId: roomId}]
	return connId, ok
}

// RemoveSession drops the session for connId. The byUser index is only
// cleared when it still points at this connection, so evicted sessions never
// erase their successor.
func (r *Registry) RemoveSession(connId types.ConnIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connId]
	if !ok {
		return
	}
	delete(r.sessions, connId)

	k := key{userId: sess.UserId, roomId: sess.RoomId}
	if r.byUser[k] == connId {
		delete(r.byUser, k)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// --- Grace table ---

// PutGrace records a member snapshot for restoration after an unintentional
// disconnect. Grace and intentionally-left are mutually exclusive, so any
// marker for the same key is cleared.
func (r *Registry) PutGrace(userId types.UserIdType, roomId types.RoomIdType, member types.Member, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{userId: userId, roomId: roomId}
	r.grace[k] = graceEntry{member: member, expiresAt: time.Now().Add(ttl)}
	delete(r.left, k)
}

// IsInGrace reports whether an unexpired grace entry exists.
func (r *Registry) IsInGrace(userId types.UserIdType, roomId types.RoomIdType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.grace[key{userId: userId, roomId: roomId}]
	return ok && time.Now().Before(e.expiresAt)
}

// PopGrace removes and returns the grace snapshot, cancelling the pending
// expiry. An already-expired entry is left for the sweeper so the delayed
// ownership transfer still runs.
func (r *Registry) PopGrace(userId types.UserIdType, roomId types.RoomIdType) (types.Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{userId: userId, roomId: roomId}
	e, ok := r.grace[k]
	if !ok || !time.Now().Before(e.expiresAt) {
		return types.Member{}, false
	}
	delete(r.grace, k)
	return e.member, true
}

// --- Intentionally-left table ---

// MarkIntentionallyLeft records that a user walked out on purpose; rejoining
// a private room as a band member will require approval again. Clears any
// grace entry for the same key.
func (r *Registry) MarkIntentionallyLeft(userId types.UserIdType, roomId types.RoomIdType, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{userId: userId, roomId: roomId}
	r.left[k] = time.Now().Add(ttl)
	delete(r.grace, k)
}

// HasIntentionallyLeft reports whether an unexpired marker exists.
func (r *Registry) HasIntentionallyLeft(userId types.UserIdType, roomId types.RoomIdType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	expiry, ok := r.left[key{userId: userId, roomId: roomId}]
	return ok && time.Now().Before(expiry)
}

// ClearIntentionallyLeft drops the marker.
func (r *Registry) ClearIntentionallyLeft(userId types.UserIdType, roomId types.RoomIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.left, key{userId: userId, roomId: roomId})
}

// --- Sweeper ---

// Start launches the background sweeper. It stops when ctx is cancelled; wg,
// when non-nil, tracks the goroutine for shutdown.
func (r *Registry) Start(ctx context.Context, wg *sync.WaitGroup) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// sweep expires grace and intentionally-left entries. Callbacks run after the
// lock is released; the coordinator re-acquires its own room locks inside.
func (r *Registry) sweep() {
	now := time.Now()

	type expired struct {
		k      key
		member types.Member
	}
	var fired []expired

	r.mu.Lock()
	for k, e := range r.grace {
		if !now.Before(e.expiresAt) {
			delete(r.grace, k)
			fired = append(fired, expired{k: k, member: e.member})
		}
	}
	for k, expiry := range r.left {
		if !now.Before(expiry) {
			delete(r.left, k)
		}
	}
	fn := r.onGraceExpired
	r.mu.Unlock()

	for _, e := range fired {
		metrics.GraceExpirations.Inc()
		logging.Info(context.Background(), "Grace period expired",
			zap.String("userId", string(e.k.userId)),
			zap.String("roomId", string(e.k.roomId)))
		if fn != nil {
			fn(e.k.userId, e.k.roomId, e.member)
		}
	}
}
