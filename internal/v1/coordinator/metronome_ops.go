package coordinator

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/channels"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// UpdateMetronome applies a tempo change requested over an established
// session. Owners and band members may change the tempo; audience requests
// are dropped without a reply.
func (c *Coordinator) UpdateMetronome(conn channels.Subscriber, p types.UpdateMetronomePayload) {
	if conn == nil {
		return
	}
	sess, ok := c.sessions.GetSession(conn.ConnID())
	if !ok {
		return
	}

	// The scheduler must be retimed even when the announcement channel is
	// unavailable; a nil channel applies the tempo without announcing it.
	ch, err := c.channels.GetOrCreateRoomChannel(sess.RoomId)
	if err != nil {
		logging.Error(context.Background(), "Announcement channel unavailable for tempo change",
			zap.String("roomId", string(sess.RoomId)), zap.Error(err))
		ch = nil
	}
	c.UpdateMetronomeOn(conn, ch, sess.RoomId, sess.UserId, p)
}

// UpdateMetronomeOn is the channel-scoped form: the caller supplies the
// broadcast channel and no registry lookup happens here.
//
// The store clamps the tempo into range, the scheduler is retimed, and only
// then is metronome_updated broadcast. An engine error suppresses the
// broadcast: clients never hear a tempo the scheduler is not playing.
func (c *Coordinator) UpdateMetronomeOn(conn channels.Subscriber, ch *channels.Channel, roomId types.RoomIdType, userId types.UserIdType, p types.UpdateMetronomePayload) {
	// A missing or null bpm field is dropped silently.
	if p.Bpm == nil {
		return
	}

	unlock := c.lockRoom(roomId)
	defer unlock()

	member, ok := c.rooms.GetMember(roomId, userId)
	if !ok || member.Role == types.RoleTypeAudience {
		return
	}

	bpm := int(math.Round(*p.Bpm))
	state, err := c.rooms.UpdateMetronomeBPM(roomId, bpm)
	if err != nil {
		return
	}

	if err := c.engine.UpdateTempo(roomId, state.Bpm); err != nil {
		logging.Error(context.Background(), "Failed to retime metronome",
			zap.String("roomId", string(roomId)), zap.Int("bpm", state.Bpm), zap.Error(err))
		return
	}

	payload := types.MetronomeUpdatedPayload{
		Bpm:               state.Bpm,
		LastTickTimestamp: state.LastTickTimestamp,
		UpdatedBy:         userId,
	}
	if ch != nil {
		_ = ch.Broadcast(types.EventMetronomeUpdated, payload)
	}
	c.mirror(roomId, types.EventMetronomeUpdated, payload, userId)

	logging.Info(context.Background(), "Metronome updated",
		zap.String("roomId", string(roomId)),
		zap.String("userId", string(userId)),
		zap.Int("bpm", state.Bpm))
}

// RequestMetronomeState returns the current tempo and last tick time to the
// caller only.
func (c *Coordinator) RequestMetronomeState(conn channels.Subscriber) {
	if conn == nil {
		return
	}
	sess, ok := c.sessions.GetSession(conn.ConnID())
	if !ok {
		return
	}
	ch, _ := c.channels.RoomChannel(sess.RoomId)
	c.RequestMetronomeStateOn(conn, ch, sess.RoomId)
}

// RequestMetronomeStateOn is the channel-scoped form. The reply goes only to
// the caller: over the supplied channel when the caller is attached there,
// directly otherwise.
func (c *Coordinator) RequestMetronomeStateOn(conn channels.Subscriber, ch *channels.Channel, roomId types.RoomIdType) {
	if conn == nil {
		return
	}
	state, ok := c.rooms.GetMetronomeState(roomId)
	if !ok {
		return
	}
	payload := types.MetronomeStatePayload{
		Bpm:               state.Bpm,
		LastTickTimestamp: state.LastTickTimestamp,
	}
	if ch != nil && ch.SendTo(conn.ConnID(), types.EventMetronomeState, payload) {
		return
	}
	c.send(conn, types.EventMetronomeState, payload)
}
