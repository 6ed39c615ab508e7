// Package coordinator is the room-lifecycle core. Every external event —
// create, join, leave, tempo change, approval decision, connection loss —
// enters here and is translated into ordered mutations across the room store,
// session registry, channel registry, and metronome engine.
//
// Locking model: one mutex per room, allocated lazily and dropped when the
// room closes. Every operation that touches a room's state runs under that
// room's lock; broadcasts are emitted against snapshots taken inside the
// critical section, and the subscriber queues make delivery non-blocking, so
// holding the lock across an emit never blocks on the network.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/channels"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/metronome"
	"github.com/openjam/bandroom/backend/go/internal/v1/rooms"
	"github.com/openjam/bandroom/backend/go/internal/v1/sessions"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// ChannelRegistry is the channel-registry surface the coordinator consumes.
// *channels.Registry satisfies it; tests substitute a failing registry to
// exercise the best-effort broadcast contract.
type ChannelRegistry interface {
	GetOrCreateRoomChannel(roomId types.RoomIdType) (*channels.Channel, error)
	GetOrCreateApprovalChannel(roomId types.RoomIdType) *channels.Channel
	RoomChannel(roomId types.RoomIdType) (*channels.Channel, bool)
	ApprovalChannel(roomId types.RoomIdType) (*channels.Channel, bool)
	Global() *channels.Channel
	DestroyRoomChannel(roomId types.RoomIdType)
	DestroyApprovalChannel(roomId types.RoomIdType)
	DetachEverywhere(connId types.ConnIdType)
}

// TempoEngine is the metronome surface the coordinator consumes.
type TempoEngine interface {
	Initialize(roomId types.RoomIdType, ch metronome.Broadcaster)
	UpdateTempo(roomId types.RoomIdType, bpm int) error
	Cleanup(roomId types.RoomIdType)
	Shutdown()
}

// Config carries the process-wide lifecycle constants.
type Config struct {
	GracePeriod          time.Duration
	IntentionallyLeftTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.IntentionallyLeftTTL <= 0 {
		c.IntentionallyLeftTTL = 60 * time.Second
	}
	return c
}

// Coordinator owns the ordering of all room mutations. It holds references to
// its collaborators but not ownership; the composition root wires and closes
// them.
type Coordinator struct {
	rooms    *rooms.Store
	sessions *sessions.Registry
	channels ChannelRegistry
	engine   TempoEngine
	bus      types.BusService
	cfg      Config

	mu    sync.Mutex
	locks map[types.RoomIdType]*sync.Mutex
}

// New wires a Coordinator and registers it as the session registry's
// grace-expiry handler (the delayed ownership-transfer path). bus may be nil.
func New(roomStore *rooms.Store, sessionReg *sessions.Registry, channelReg ChannelRegistry, engine TempoEngine, busService types.BusService, cfg Config) *Coordinator {
	c := &Coordinator{
		rooms:    roomStore,
		sessions: sessionReg,
		channels: channelReg,
		engine:   engine,
		bus:      busService,
		cfg:      cfg.withDefaults(),
		locks:    make(map[types.RoomIdType]*sync.Mutex),
	}
	sessionReg.SetGraceExpiredHandler(c.handleGraceExpired)
	return c
}

// lockRoom serializes all mutations of one room. The registry-level mutex is
// only held long enough to fetch or allocate the room's lock, never while the
// room lock is held.
func (c *Coordinator) lockRoom(roomId types.RoomIdType) func() {
	c.mu.Lock()
	l, ok := c.locks[roomId]
	if !ok {
		l = &sync.Mutex{}
		c.locks[roomId] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (c *Coordinator) dropLock(roomId types.RoomIdType) {
	c.mu.Lock()
	delete(c.locks, roomId)
	c.mu.Unlock()
}

// send delivers an event directly to the caller's connection. A nil conn
// (HTTP wrappers) is a no-op; the wrapper consumes returned snapshots instead.
func (c *Coordinator) send(conn channels.Subscriber, event types.Event, payload any) {
	if conn == nil {
		return
	}
	raw, err := channels.Encode(event, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode direct event",
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	if !conn.Enqueue(raw) {
		logging.Warn(context.Background(), "Caller queue full, dropping direct event",
			zap.String("event", string(event)), zap.String("connId", string(conn.ConnID())))
	}
}

// sendError emits an error event to the caller.
func (c *Coordinator) sendError(conn channels.Subscriber, message string) {
	c.send(conn, types.EventError, types.ErrorPayload{Message: message})
}

// mirror republishes a room event on the Redis bus when the mirror is
// enabled. Failures are already swallowed inside the bus.
func (c *Coordinator) mirror(roomId types.RoomIdType, event types.Event, payload any, senderId types.UserIdType) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(context.Background(), string(roomId), string(event), payload, string(senderId))
}

// mirrorLobby republishes a lobby-wide event on the Redis bus.
func (c *Coordinator) mirrorLobby(event types.Event, payload any) {
	if c.bus == nil {
		return
	}
	_ = c.bus.PublishLobby(context.Background(), string(event), payload)
}

// ListRooms returns lobby summaries for the HTTP surface.
func (c *Coordinator) ListRooms() []types.RoomSummary {
	return c.rooms.ListRooms()
}

// Shutdown stops every metronome scheduler. Session sweeping stops with the
// registry's context; channels die with their subscribers.
func (c *Coordinator) Shutdown(ctx context.Context) {
	logging.Info(ctx, "Shutting down coordinator, stopping all metronomes")
	c.engine.Shutdown()
}
