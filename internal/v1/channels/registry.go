package channels

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// Registry owns every broadcast channel in the process: one room channel per
// active room, one approval channel per private room, and the global lobby
// monitor. Channels are created lazily and destroyed when their room closes.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[types.RoomIdType]*Channel
	approval map[types.RoomIdType]*Channel
	global   *Channel
}

// NewRegistry builds an empty registry. The lobby channel exists from the
// start; every connection attaches to it at upgrade time.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[types.RoomIdType]*Channel),
		approval: make(map[types.RoomIdType]*Channel),
		global:   newChannel(types.LobbyChannelPath),
	}
}

// GetOrCreateRoomChannel returns the room's channel, creating it on first use.
func (r *Registry) GetOrCreateRoomChannel(roomId types.RoomIdType) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.rooms[roomId]; ok {
		return ch, nil
	}
	ch := newChannel(types.RoomChannelPath(roomId))
	r.rooms[roomId] = ch
	return ch, nil
}

// RoomChannel returns the room's channel without creating it.
func (r *Registry) RoomChannel(roomId types.RoomIdType) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.rooms[roomId]
	return ch, ok
}

// GetOrCreateApprovalChannel returns the room's approval channel, creating it
// on first use.
func (r *Registry) GetOrCreateApprovalChannel(roomId types.RoomIdType) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.approval[roomId]; ok {
		return ch
	}
	ch := newChannel(types.ApprovalChannelPath(roomId))
	r.approval[roomId] = ch
	return ch
}

// ApprovalChannel returns the room's approval channel without creating it.
func (r *Registry) ApprovalChannel(roomId types.RoomIdType) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.approval[roomId]
	return ch, ok
}

// Global returns the lobby monitor channel.
func (r *Registry) Global() *Channel {
	return r.global
}

// DestroyRoomChannel detaches every subscriber and drops the channel.
func (r *Registry) DestroyRoomChannel(roomId types.RoomIdType) {
	r.mu.Lock()
	ch, ok := r.rooms[roomId]
	if ok {
		delete(r.rooms, roomId)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	n := len(ch.detachAll())
	logging.Info(context.Background(), "Destroyed room channel",
		zap.String("channel", ch.Path()), zap.Int("subscribers", n))
}

// DestroyApprovalChannel detaches every subscriber and drops the channel.
func (r *Registry) DestroyApprovalChannel(roomId types.RoomIdType) {
	r.mu.Lock()
	ch, ok := r.approval[roomId]
	if ok {
		delete(r.approval, roomId)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	ch.detachAll()
}

// DetachEverywhere removes a connection from the global channel and from every
// room and approval channel it is attached to. Called on transport disconnect.
func (r *Registry) DetachEverywhere(connId types.ConnIdType) {
	r.global.Detach(connId)

	r.mu.RLock()
	chans := make([]*Channel, 0, len(r.rooms)+len(r.approval))
	for _, ch := range r.rooms {
		chans = append(chans, ch)
	}
	for _, ch := range r.approval {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()

	for _, ch := range chans {
		ch.Detach(connId)
	}
}
