package coordinator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/channels"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/rooms"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// ApproveMember lets the owner admit a pending applicant. The applicant's
// parked connection is moved from the approval channel onto the room channel
// and receives the full join sequence.
func (c *Coordinator) ApproveMember(conn channels.Subscriber, p types.ApprovalDecisionPayload) {
	sess, roomId, ok := c.requireOwner(conn)
	if !ok {
		return
	}

	unlock := c.lockRoom(roomId)
	defer unlock()

	// Re-check under the lock; ownership may have moved while we waited.
	// A caller who lost the role in the meantime is ignored.
	if owner, stillOwner := c.rooms.GetMember(roomId, sess.UserId); !stillOwner || owner.Role != types.RoleTypeOwner {
		return
	}

	member, err := c.rooms.ApprovePending(roomId, p.UserId)
	if err != nil {
		// A vanished pending entry or room is a race with the applicant
		// leaving; only a full room is worth telling the owner about.
		if errors.Is(err, rooms.ErrRoomFull) {
			c.sendError(conn, "Room is full")
		}
		return
	}

	applicantConn := c.promoteApplicant(roomId, member)

	approvedPayload := types.MemberApprovedPayload{RoomId: roomId, User: member}
	if approval, apOk := c.channels.ApprovalChannel(roomId); apOk {
		_ = approval.Broadcast(types.EventMemberApproved, approvedPayload)
	}

	if applicantConn != nil {
		room, _ := c.rooms.GetRoom(roomId)
		c.send(applicantConn, types.EventRoomJoined, types.RoomJoinedPayload{
			Room:           room,
			Users:          room.Users,
			PendingMembers: room.PendingMembers,
		})
	}

	if ch, chOk := c.channels.RoomChannel(roomId); chOk {
		var except types.ConnIdType
		if applicantConn != nil {
			except = applicantConn.ConnID()
		}
		_ = ch.BroadcastExcept(types.EventUserJoined, types.UserJoinedPayload{User: member}, except)
	}
	c.broadcastRoomState(roomId)
	c.mirror(roomId, types.EventUserJoined, types.UserJoinedPayload{User: member}, member.UserId)

	logging.Info(context.Background(), "Pending member approved",
		zap.String("roomId", string(roomId)),
		zap.String("userId", string(member.UserId)),
		zap.String("approvedBy", string(sess.UserId)))
}

// promoteApplicant detaches the applicant's connection from the approval
// channel and attaches it to the room channel. Returns nil when the applicant
// has no live connection (they may complete the join later by reconnecting).
func (c *Coordinator) promoteApplicant(roomId types.RoomIdType, member types.Member) channels.Subscriber {
	connId, ok := c.sessions.ConnFor(member.UserId, roomId)
	if !ok {
		return nil
	}

	approval, apOk := c.channels.ApprovalChannel(roomId)
	if !apOk {
		return nil
	}
	sub, subOk := approval.Subscriber(connId)
	if !subOk {
		return nil
	}
	approval.Detach(connId)

	ch, err := c.channels.GetOrCreateRoomChannel(roomId)
	if err != nil {
		logging.Error(context.Background(), "Failed to attach approved member to room channel",
			zap.String("roomId", string(roomId)), zap.Error(err))
		return nil
	}
	ch.Attach(sub, member.Role)
	return sub
}

// RejectMember lets the owner turn a pending applicant away. The applicant is
// told, detached from the approval channel, and their session removed.
func (c *Coordinator) RejectMember(conn channels.Subscriber, p types.ApprovalDecisionPayload) {
	sess, roomId, ok := c.requireOwner(conn)
	if !ok {
		return
	}

	unlock := c.lockRoom(roomId)
	defer unlock()

	if owner, stillOwner := c.rooms.GetMember(roomId, sess.UserId); !stillOwner || owner.Role != types.RoleTypeOwner {
		return
	}

	if _, rejected := c.rooms.RejectPending(roomId, p.UserId); !rejected {
		return
	}

	rejectedPayload := types.MemberRejectedPayload{RoomId: roomId, UserId: p.UserId}
	if approval, apOk := c.channels.ApprovalChannel(roomId); apOk {
		_ = approval.Broadcast(types.EventMemberRejected, rejectedPayload)
		if connId, connOk := c.sessions.ConnFor(p.UserId, roomId); connOk {
			approval.Detach(connId)
			c.sessions.RemoveSession(connId)
		}
	}
	c.broadcastRoomState(roomId)

	logging.Info(context.Background(), "Pending member rejected",
		zap.String("roomId", string(roomId)),
		zap.String("userId", string(p.UserId)),
		zap.String("rejectedBy", string(sess.UserId)))
}

// requireOwner resolves the caller's session and verifies owner role. A
// non-owner caller is dropped without a reply. The lock is NOT held here;
// callers re-check under the room lock.
func (c *Coordinator) requireOwner(conn channels.Subscriber) (types.Session, types.RoomIdType, bool) {
	if conn == nil {
		return types.Session{}, "", false
	}
	sess, ok := c.sessions.GetSession(conn.ConnID())
	if !ok {
		return types.Session{}, "", false
	}
	member, ok := c.rooms.GetMember(sess.RoomId, sess.UserId)
	if !ok || member.Role != types.RoleTypeOwner {
		return types.Session{}, "", false
	}
	return sess, sess.RoomId, true
}
