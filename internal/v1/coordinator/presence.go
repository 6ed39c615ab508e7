package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/channels"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// SetReady flips the caller's ready flag and pushes the refreshed snapshot.
func (c *Coordinator) SetReady(conn channels.Subscriber, p types.SetReadyPayload) {
	sess, _, ok := c.callerMember(conn)
	if !ok {
		return
	}

	unlock := c.lockRoom(sess.RoomId)
	defer unlock()

	member, memberOk := c.rooms.GetMember(sess.RoomId, sess.UserId)
	if !memberOk {
		return
	}
	member.IsReady = p.IsReady
	if _, err := c.rooms.ReplaceMember(sess.RoomId, member); err != nil {
		return
	}
	c.broadcastRoomState(sess.RoomId)
}

// UpdateInstrument records the caller's instrument choice and announces it.
func (c *Coordinator) UpdateInstrument(conn channels.Subscriber, p types.UpdateInstrumentPayload) {
	sess, _, ok := c.callerMember(conn)
	if !ok {
		return
	}

	unlock := c.lockRoom(sess.RoomId)
	defer unlock()

	member, memberOk := c.rooms.GetMember(sess.RoomId, sess.UserId)
	if !memberOk {
		return
	}
	member.CurrentInstrument = p.Instrument
	member.CurrentCategory = p.Category
	updated, err := c.rooms.ReplaceMember(sess.RoomId, member)
	if err != nil {
		return
	}

	if ch, chOk := c.channels.RoomChannel(sess.RoomId); chOk {
		_ = ch.Broadcast(types.EventInstrumentUpdated, types.InstrumentUpdatedPayload{User: updated})
	}
	c.broadcastRoomState(sess.RoomId)
	c.mirror(sess.RoomId, types.EventInstrumentUpdated, types.InstrumentUpdatedPayload{User: updated}, updated.UserId)

	logging.Debug(context.Background(), "Instrument updated",
		zap.String("roomId", string(sess.RoomId)),
		zap.String("userId", string(sess.UserId)),
		zap.String("instrument", p.Instrument),
		zap.String("category", p.Category))
}

// SendSynthParams relays an opaque synth-parameter blob from the caller to
// one target member. The payload is never inspected or stored.
func (c *Coordinator) SendSynthParams(conn channels.Subscriber, p types.SendSynthParamsPayload) {
	sess, _, ok := c.callerMember(conn)
	if !ok {
		return
	}
	if _, targetOk := c.rooms.GetMember(sess.RoomId, p.TargetUserId); !targetOk {
		return
	}
	connId, connOk := c.sessions.ConnFor(p.TargetUserId, sess.RoomId)
	if !connOk {
		return
	}
	ch, chOk := c.channels.RoomChannel(sess.RoomId)
	if !chOk {
		return
	}
	ch.SendTo(connId, types.EventSynthParams, types.SynthParamsPayload{
		FromUserId: sess.UserId,
		Params:     p.Params,
	})
}

// callerMember resolves the caller's session and membership. Non-members and
// sessionless connections are silent no-ops.
func (c *Coordinator) callerMember(conn channels.Subscriber) (types.Session, types.Member, bool) {
	if conn == nil {
		return types.Session{}, types.Member{}, false
	}
	sess, ok := c.sessions.GetSession(conn.ConnID())
	if !ok {
		return types.Session{}, types.Member{}, false
	}
	member, ok := c.rooms.GetMember(sess.RoomId, sess.UserId)
	if !ok {
		return types.Session{}, types.Member{}, false
	}
	return sess, member, true
}
