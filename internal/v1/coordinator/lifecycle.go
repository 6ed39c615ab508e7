package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/channels"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/metrics"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
	"k8s.io/utils/set"
)

const roomClosedMessage = "Room is empty and has been closed"

// CreateRoom allocates a room with the caller as owner, starts its metronome,
// and announces it on the lobby channel. HTTP wrappers pass a nil conn and
// consume the returned snapshots.
func (c *Coordinator) CreateRoom(conn channels.Subscriber, p types.CreateRoomPayload) (types.RoomState, types.Member, error) {
	if conn != nil {
		if _, exists := c.sessions.GetSession(conn.ConnID()); exists {
			// Duplicate session: silent no-op.
			logging.Warn(context.Background(), "create_room from connection with live session",
				zap.String("connId", string(conn.ConnID())))
			return types.RoomState{}, types.Member{}, nil
		}
	}

	state, owner, err := c.rooms.CreateRoom(p.Name, p.Username, p.UserId, p.IsPrivate, p.IsHidden)
	if err != nil {
		c.sendError(conn, "Failed to create room")
		return types.RoomState{}, types.Member{}, err
	}
	roomId := state.Id

	unlock := c.lockRoom(roomId)
	defer unlock()

	if conn != nil {
		c.sessions.SetSession(conn.ConnID(), types.Session{
			ConnId:    conn.ConnID(),
			UserId:    p.UserId,
			RoomId:    roomId,
			CreatedAt: state.CreatedAt,
		})
	}

	ch, chErr := c.channels.GetOrCreateRoomChannel(roomId)
	if chErr != nil {
		// Membership stands even when the broadcast fabric is unavailable.
		logging.Error(context.Background(), "Failed to create room channel",
			zap.String("roomId", string(roomId)), zap.Error(chErr))
	} else {
		if conn != nil {
			ch.Attach(conn, types.RoleTypeOwner)
		}
		c.engine.Initialize(roomId, ch)
	}

	if p.IsPrivate {
		approval := c.channels.GetOrCreateApprovalChannel(roomId)
		if conn != nil {
			approval.Attach(conn, types.RoleTypeOwner)
		}
	}

	c.send(conn, types.EventRoomCreated, types.RoomCreatedPayload{Room: state, User: owner})

	summary := state.Summary()
	var except types.ConnIdType
	if conn != nil {
		except = conn.ConnID()
	}
	if err := c.channels.Global().BroadcastExcept(types.EventRoomCreatedBroadcast, summary, except); err != nil {
		logging.Warn(context.Background(), "Lobby broadcast failed", zap.Error(err))
	}
	c.mirrorLobby(types.EventRoomCreatedBroadcast, summary)

	logging.Info(context.Background(), "Room created",
		zap.String("roomId", string(roomId)),
		zap.String("owner", string(p.UserId)),
		zap.Bool("private", p.IsPrivate))
	return state, owner, nil
}

// JoinRoom classifies the caller into exactly one of five cases — returning
// member, grace restoration, approval redirect after an intentional leave,
// private-room approval redirect, or plain new membership — and runs the
// corresponding branch.
func (c *Coordinator) JoinRoom(conn channels.Subscriber, p types.JoinRoomPayload) {
	room, ok := c.rooms.GetRoom(p.RoomId)
	if !ok {
		c.sendError(conn, "Room not found")
		return
	}
	if !types.ValidJoinRole(p.Role) {
		// Malformed role: dropped at the payload boundary.
		return
	}

	unlock := c.lockRoom(p.RoomId)
	defer unlock()

	// Re-read under the lock; the room may have closed while we waited.
	room, ok = c.rooms.GetRoom(p.RoomId)
	if !ok {
		c.sendError(conn, "Room not found")
		return
	}

	var member types.Member
	switch {
	case c.isMember(p.RoomId, p.UserId):
		// Case 1: already a member (page refresh). Reuse and clear grace.
		member, _ = c.rooms.GetMember(p.RoomId, p.UserId)
		c.sessions.PopGrace(p.UserId, p.RoomId)

	case c.sessions.IsInGrace(p.UserId, p.RoomId):
		// Case 2: restore from the grace snapshot, keeping role and presence
		// state, overwriting only the display name.
		snap, _ := c.sessions.PopGrace(p.UserId, p.RoomId)
		snap.DisplayName = types.DisplayNameType(p.Username)
		if err := c.rooms.AddMember(p.RoomId, snap); err != nil {
			c.sendError(conn, "Room is full")
			return
		}
		member = snap
		metrics.GraceRestorations.Inc()
		logging.Info(context.Background(), "Member restored from grace",
			zap.String("roomId", string(p.RoomId)), zap.String("userId", string(p.UserId)))

	case room.IsPrivate && p.Role == types.RoleTypeBandMember:
		// Cases 3 and 4: band members need approval to enter a private room.
		// An intentionally-left marker is consumed by the attempt.
		c.sessions.ClearIntentionallyLeft(p.UserId, p.RoomId)
		c.redirectToApproval(conn, p)
		return

	default:
		// Case 5: new membership. A lingering intentionally-left marker is
		// consumed; it only gates private-room band-member joins.
		c.sessions.ClearIntentionallyLeft(p.UserId, p.RoomId)
		member = types.Member{
			UserId:      p.UserId,
			DisplayName: types.DisplayNameType(p.Username),
			Role:        p.Role,
			IsReady:     true,
		}
		if err := c.rooms.AddMember(p.RoomId, member); err != nil {
			c.sendError(conn, "Room is full")
			return
		}
	}

	c.acceptJoin(conn, p, member)
}

func (c *Coordinator) isMember(roomId types.RoomIdType, userId types.UserIdType) bool {
	_, ok := c.rooms.GetMember(roomId, userId)
	return ok
}

// redirectToApproval records the applicant in the pending queue, parks the
// connection on the approval channel, and tells the caller where to wait.
func (c *Coordinator) redirectToApproval(conn channels.Subscriber, p types.JoinRoomPayload) {
	applicant := types.Member{
		UserId:      p.UserId,
		DisplayName: types.DisplayNameType(p.Username),
		Role:        types.RoleTypeBandMember,
		IsReady:     false,
	}
	if err := c.rooms.AddPending(p.RoomId, applicant); err != nil {
		c.sendError(conn, "Room not found")
		return
	}

	if conn != nil {
		c.sessions.SetSession(conn.ConnID(), types.Session{
			ConnId: conn.ConnID(),
			UserId: p.UserId,
			RoomId: p.RoomId,
		})
	}

	approval := c.channels.GetOrCreateApprovalChannel(p.RoomId)
	if conn != nil {
		approval.Attach(conn, types.RoleTypeBandMember)
	}
	if err := approval.BroadcastRoles(types.EventApprovalRequested,
		types.ApprovalRequestedPayload{RoomId: p.RoomId, User: applicant},
		set.New(types.RoleTypeOwner)); err != nil {
		logging.Warn(context.Background(), "Approval broadcast failed", zap.Error(err))
	}

	// Owners watching the room channel see the pending queue grow.
	c.broadcastRoomState(p.RoomId)

	c.send(conn, types.EventRedirectToApproval, types.RedirectToApprovalPayload{
		RoomId:            p.RoomId,
		Message:           "This room is private. Waiting for approval.",
		ApprovalNamespace: types.ApprovalChannelPath(p.RoomId),
	})
}

// acceptJoin installs the session, subscribes the connection, and emits the
// join sequence: room_joined to the caller, user_joined to the others, then
// room_state_updated to everyone.
func (c *Coordinator) acceptJoin(conn channels.Subscriber, p types.JoinRoomPayload, member types.Member) {
	if conn != nil {
		stale, hadStale := c.sessions.SetSession(conn.ConnID(), types.Session{
			ConnId: conn.ConnID(),
			UserId: p.UserId,
			RoomId: p.RoomId,
		})
		if hadStale {
			c.evictStaleConn(p.RoomId, stale)
		}
	}

	ch, err := c.channels.GetOrCreateRoomChannel(p.RoomId)
	if err != nil {
		// Committed membership is never rolled back over a broadcast failure.
		logging.Error(context.Background(), "Failed to create room channel on join",
			zap.String("roomId", string(p.RoomId)), zap.Error(err))
		return
	}
	if conn != nil {
		ch.Attach(conn, member.Role)
		if member.Role == types.RoleTypeOwner {
			if approval, ok := c.channels.ApprovalChannel(p.RoomId); ok {
				approval.Attach(conn, types.RoleTypeOwner)
			}
		}
	}

	room, _ := c.rooms.GetRoom(p.RoomId)
	c.send(conn, types.EventRoomJoined, types.RoomJoinedPayload{
		Room:           room,
		Users:          room.Users,
		PendingMembers: room.PendingMembers,
	})

	var except types.ConnIdType
	if conn != nil {
		except = conn.ConnID()
	}
	if err := ch.BroadcastExcept(types.EventUserJoined, types.UserJoinedPayload{User: member}, except); err != nil {
		logging.Warn(context.Background(), "user_joined broadcast failed", zap.Error(err))
	}
	_ = ch.Broadcast(types.EventRoomStateUpdated, types.RoomStateUpdatedPayload{Room: room})

	// Solicit synth settings for the joiner from every member already playing
	// a synth.
	for _, other := range room.Users {
		if other.UserId == member.UserId || other.CurrentCategory != "synth" {
			continue
		}
		_ = ch.Broadcast(types.EventRequestSynthParams, types.RequestSynthParamsPayload{
			RequesterId:  member.UserId,
			TargetUserId: other.UserId,
		})
	}

	c.mirror(p.RoomId, types.EventUserJoined, types.UserJoinedPayload{User: member}, member.UserId)
	logging.Info(context.Background(), "User joined room",
		zap.String("roomId", string(p.RoomId)),
		zap.String("userId", string(p.UserId)),
		zap.String("role", string(member.Role)))
}

// evictStaleConn closes a superseded connection for the same (user, room).
func (c *Coordinator) evictStaleConn(roomId types.RoomIdType, stale types.ConnIdType) {
	logging.Info(context.Background(), "Evicting stale connection",
		zap.String("roomId", string(roomId)), zap.String("connId", string(stale)))
	if ch, ok := c.channels.RoomChannel(roomId); ok {
		if sub, ok := ch.Subscriber(stale); ok {
			sub.Close()
		}
	}
	c.channels.DetachEverywhere(stale)
}

// LeaveRoom handles both explicit leave_room events (intentional=true) and
// transport loss (intentional=false). A missing session is a silent no-op.
func (c *Coordinator) LeaveRoom(conn channels.Subscriber, intentional bool) {
	if conn == nil {
		return
	}
	sess, ok := c.sessions.GetSession(conn.ConnID())
	if !ok {
		return
	}
	c.leave(conn, sess, intentional)
}

// LeaveRoomByUser is the HTTP-facing variant; it resolves the session through
// the (userId, roomId) index.
func (c *Coordinator) LeaveRoomByUser(roomId types.RoomIdType, userId types.UserIdType) bool {
	connId, ok := c.sessions.ConnFor(userId, roomId)
	if !ok {
		// No live session: still allow an HTTP leave for a member.
		unlock := c.lockRoom(roomId)
		defer unlock()
		member, isMember := c.rooms.GetMember(roomId, userId)
		if !isMember {
			return false
		}
		c.departMember(nil, types.Session{UserId: userId, RoomId: roomId}, member, true)
		return true
	}

	sess, ok := c.sessions.GetSession(connId)
	if !ok {
		return false
	}
	var conn channels.Subscriber
	if ch, chOk := c.channels.RoomChannel(roomId); chOk {
		if sub, subOk := ch.Subscriber(connId); subOk {
			conn = sub
		}
	}
	c.leave(conn, sess, true)
	return true
}

func (c *Coordinator) leave(conn channels.Subscriber, sess types.Session, intentional bool) {
	roomId := sess.RoomId
	unlock := c.lockRoom(roomId)
	defer unlock()

	defer func() {
		if conn != nil {
			if ch, ok := c.channels.RoomChannel(roomId); ok {
				ch.Detach(conn.ConnID())
			}
		}
		c.sessions.RemoveSession(sess.ConnId)
	}()

	// Leaving while pending cancels the approval request.
	if _, pending := c.rooms.GetPending(roomId, sess.UserId); pending {
		c.rooms.RejectPending(roomId, sess.UserId)
		if conn != nil {
			if approval, ok := c.channels.ApprovalChannel(roomId); ok {
				approval.Detach(conn.ConnID())
			}
		}
		c.broadcastRoomState(roomId)
		return
	}

	member, isMember := c.rooms.GetMember(roomId, sess.UserId)
	if !isMember {
		return
	}

	if member.Role == types.RoleTypeOwner {
		c.departOwner(conn, sess, member, intentional)
		return
	}
	c.departMember(conn, sess, member, intentional)
}

// departMember removes a non-owner member and either closes the room or
// announces the departure.
func (c *Coordinator) departMember(conn channels.Subscriber, sess types.Session, member types.Member, intentional bool) {
	c.send(conn, types.EventLeaveConfirmed, types.LeaveConfirmedPayload{Message: "You have left the room"})

	if !intentional {
		// Grace before removal: a racing rejoin must observe the entry.
		c.sessions.PutGrace(sess.UserId, sess.RoomId, member, c.cfg.GracePeriod)
	}

	removed, ok := c.rooms.RemoveMember(sess.RoomId, sess.UserId)
	if !ok {
		return
	}
	if intentional {
		c.sessions.MarkIntentionallyLeft(sess.UserId, sess.RoomId, c.cfg.IntentionallyLeftTTL)
	}

	if c.rooms.ShouldClose(sess.RoomId) {
		c.closeRoom(sess.RoomId)
		return
	}

	if ch, chOk := c.channels.RoomChannel(sess.RoomId); chOk {
		_ = ch.Broadcast(types.EventUserLeft, types.UserLeftPayload{User: removed})
	}
	c.broadcastRoomState(sess.RoomId)
	c.mirror(sess.RoomId, types.EventUserLeft, types.UserLeftPayload{User: removed}, removed.UserId)
}

// departOwner runs the owner-departure protocol.
//
// Intentional: remove, then transfer or close immediately. Unintentional: the
// owner enters the grace window; if the room would be empty it survives and
// waits, otherwise the grace entry itself is the delayed-transfer timer.
func (c *Coordinator) departOwner(conn channels.Subscriber, sess types.Session, owner types.Member, intentional bool) {
	c.send(conn, types.EventLeaveConfirmed, types.LeaveConfirmedPayload{Message: "You have left the room"})

	if !intentional {
		c.sessions.PutGrace(sess.UserId, sess.RoomId, owner, c.cfg.GracePeriod)
	}

	if _, ok := c.rooms.RemoveMember(sess.RoomId, sess.UserId); !ok {
		return
	}

	if intentional {
		c.sessions.MarkIntentionallyLeft(sess.UserId, sess.RoomId, c.cfg.IntentionallyLeftTTL)
		if c.rooms.ShouldClose(sess.RoomId) {
			c.closeRoom(sess.RoomId)
			return
		}
		c.transferOwnership(sess.RoomId, owner)
		return
	}

	// Unintentional: an empty room is not closed while its owner is in
	// grace. Survivors learn about the departure; the transfer itself waits
	// for the grace sweeper.
	if c.rooms.ShouldClose(sess.RoomId) {
		logging.Info(context.Background(), "Owner in grace, room held open",
			zap.String("roomId", string(sess.RoomId)), zap.String("userId", string(sess.UserId)))
		return
	}
	if ch, ok := c.channels.RoomChannel(sess.RoomId); ok {
		_ = ch.Broadcast(types.EventUserLeft, types.UserLeftPayload{User: owner})
	}
	c.broadcastRoomState(sess.RoomId)
}

// transferOwnership promotes the longest-standing remaining member and
// broadcasts the transfer followed by the refreshed snapshot.
func (c *Coordinator) transferOwnership(roomId types.RoomIdType, oldOwner types.Member) {
	next, found := c.rooms.AnyMember(roomId)
	if !found {
		c.closeRoom(roomId)
		return
	}

	newOwner, demoted, err := c.rooms.TransferOwnership(roomId, next.UserId, oldOwner)
	if err != nil {
		logging.Error(context.Background(), "Ownership transfer failed",
			zap.String("roomId", string(roomId)), zap.Error(err))
		return
	}

	ch, chOk := c.channels.RoomChannel(roomId)
	if chOk {
		_ = ch.Broadcast(types.EventOwnershipTransferred, types.OwnershipTransferredPayload{
			NewOwner: newOwner,
			OldOwner: demoted,
		})
	}
	c.broadcastRoomState(roomId)
	c.mirror(roomId, types.EventOwnershipTransferred, types.OwnershipTransferredPayload{
		NewOwner: newOwner,
		OldOwner: demoted,
	}, newOwner.UserId)

	// The new owner's connection gains the owner role on both channels so
	// role-scoped approval traffic reaches them.
	if connId, ok := c.sessions.ConnFor(newOwner.UserId, roomId); ok && chOk {
		ch.SetRole(connId, types.RoleTypeOwner)
		if sub, subOk := ch.Subscriber(connId); subOk {
			if approval, apOk := c.channels.ApprovalChannel(roomId); apOk {
				approval.Attach(sub, types.RoleTypeOwner)
			}
		}
	}

	logging.Info(context.Background(), "Ownership transferred",
		zap.String("roomId", string(roomId)),
		zap.String("newOwner", string(newOwner.UserId)),
		zap.String("oldOwner", string(demoted.UserId)))
}

// closeRoom tears down everything scoped to the room: metronome, channels,
// store entry, and the per-room lock. Caller holds the room lock.
func (c *Coordinator) closeRoom(roomId types.RoomIdType) {
	if ch, ok := c.channels.RoomChannel(roomId); ok {
		_ = ch.Broadcast(types.EventRoomClosed, types.RoomClosedPayload{Message: roomClosedMessage})
	}

	c.engine.Cleanup(roomId)
	c.channels.DestroyRoomChannel(roomId)
	c.channels.DestroyApprovalChannel(roomId)
	c.rooms.DeleteRoom(roomId)
	c.dropLock(roomId)

	payload := types.RoomClosedBroadcastPayload{RoomId: roomId}
	if err := c.channels.Global().Broadcast(types.EventRoomClosedBroadcast, payload); err != nil {
		logging.Warn(context.Background(), "Lobby broadcast failed", zap.Error(err))
	}
	c.mirrorLobby(types.EventRoomClosedBroadcast, payload)

	logging.Info(context.Background(), "Room closed", zap.String("roomId", string(roomId)))
}

// broadcastRoomState emits the full snapshot to everyone on the room channel.
func (c *Coordinator) broadcastRoomState(roomId types.RoomIdType) {
	room, ok := c.rooms.GetRoom(roomId)
	if !ok {
		return
	}
	if ch, chOk := c.channels.RoomChannel(roomId); chOk {
		_ = ch.Broadcast(types.EventRoomStateUpdated, types.RoomStateUpdatedPayload{Room: room})
	}
}

// handleGraceExpired runs on the session registry's sweeper when a grace
// entry lapses without a rejoin. For an owner this is the delayed transfer;
// for anyone else there is nothing left to do.
func (c *Coordinator) handleGraceExpired(userId types.UserIdType, roomId types.RoomIdType, member types.Member) {
	unlock := c.lockRoom(roomId)
	defer unlock()

	if _, ok := c.rooms.GetRoom(roomId); !ok {
		c.dropLock(roomId)
		return
	}
	// Rejoined through a path that didn't pop the entry; nothing to transfer.
	if _, rejoined := c.rooms.GetMember(roomId, userId); rejoined {
		return
	}
	if member.Role != types.RoleTypeOwner {
		return
	}

	if c.rooms.ShouldClose(roomId) {
		c.closeRoom(roomId)
		return
	}
	c.transferOwnership(roomId, member)
}
