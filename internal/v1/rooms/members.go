package rooms

import (
	"github.com/openjam/bandroom/backend/go/internal/v1/metrics"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// AddMember inserts a member. Inserting an existing user id is a no-op
// success. The capacity limit counts members only, not pending applicants.
func (s *Store) AddMember(roomId types.RoomIdType, member types.Member) error {
	e, ok := s.entry(roomId)
	if !ok {
		return ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.members[member.UserId]; exists {
		return nil
	}
	if len(e.members) >= s.limits.MaxParticipants {
		return ErrRoomFull
	}

	e.members[member.UserId] = memberRecord{member: member, joinOrder: e.joinSeq}
	e.joinSeq++
	metrics.RoomMembers.WithLabelValues(string(roomId)).Set(float64(len(e.members)))
	return nil
}

// RemoveMember deletes a member and returns the removed value.
func (s *Store) RemoveMember(roomId types.RoomIdType, userId types.UserIdType) (types.Member, bool) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.Member{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, exists := e.members[userId]
	if !exists {
		return types.Member{}, false
	}
	delete(e.members, userId)
	metrics.RoomMembers.WithLabelValues(string(roomId)).Set(float64(len(e.members)))
	return rec.member, true
}

// GetMember returns the member value for a user, if present.
func (s *Store) GetMember(roomId types.RoomIdType, userId types.UserIdType) (types.Member, bool) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.Member{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, exists := e.members[userId]
	return rec.member, exists
}

// ReplaceMember swaps the stored member value for an existing user, keeping
// the join order. Used for presence changes (ready flag, instrument tags).
func (s *Store) ReplaceMember(roomId types.RoomIdType, member types.Member) (types.Member, error) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.Member{}, ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, exists := e.members[member.UserId]
	if !exists {
		return types.Member{}, ErrNotMember
	}
	rec.member = member
	e.members[member.UserId] = rec
	return member, nil
}

// TransferOwnership promotes newOwnerId and returns the promoted member
// alongside the departed owner demoted to band member in the returned
// snapshot. The old owner has already been removed from membership by the
// departure flow.
func (s *Store) TransferOwnership(roomId types.RoomIdType, newOwnerId types.UserIdType, oldOwner types.Member) (types.Member, types.Member, error) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.Member{}, types.Member{}, ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, exists := e.members[newOwnerId]
	if !exists {
		return types.Member{}, types.Member{}, ErrNotMember
	}
	if rec.member.Role == types.RoleTypeOwner {
		return types.Member{}, types.Member{}, ErrAlreadyOwner
	}

	rec.member.Role = types.RoleTypeOwner
	e.members[newOwnerId] = rec
	e.owner = newOwnerId

	oldOwner.Role = types.RoleTypeBandMember
	return rec.member, oldOwner, nil
}

// ShouldClose reports whether the room has no members left. Pending
// applicants do not keep a room alive.
func (s *Store) ShouldClose(roomId types.RoomIdType) bool {
	e, ok := s.entry(roomId)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.members) == 0
}

// AnyMember returns the remaining member with the lowest join order. The rule
// is deliberately deterministic so ownership transfer is reproducible.
func (s *Store) AnyMember(roomId types.RoomIdType) (types.Member, bool) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.Member{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		best  memberRecord
		found bool
	)
	for _, rec := range e.members {
		if !found || rec.joinOrder < best.joinOrder {
			best = rec
			found = true
		}
	}
	return best.member, found
}

// AddPending records a band-member applicant. Role and readiness are forced
// to the pending shape. Already-known users are a no-op success.
func (s *Store) AddPending(roomId types.RoomIdType, member types.Member) error {
	e, ok := s.entry(roomId)
	if !ok {
		return ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.members[member.UserId]; exists {
		return nil
	}
	if _, exists := e.pending[member.UserId]; exists {
		return nil
	}

	member.Role = types.RoleTypeBandMember
	member.IsReady = false
	e.pending[member.UserId] = member
	return nil
}

// GetPending returns the pending applicant for a user, if present.
func (s *Store) GetPending(roomId types.RoomIdType, userId types.UserIdType) (types.Member, bool) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.Member{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, exists := e.pending[userId]
	return m, exists
}

// ApprovePending moves an applicant into membership, subject to capacity.
func (s *Store) ApprovePending(roomId types.RoomIdType, userId types.UserIdType) (types.Member, error) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.Member{}, ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, exists := e.pending[userId]
	if !exists {
		return types.Member{}, ErrNoPending
	}
	if len(e.members) >= s.limits.MaxParticipants {
		return types.Member{}, ErrRoomFull
	}

	delete(e.pending, userId)
	m.IsReady = true
	e.members[userId] = memberRecord{member: m, joinOrder: e.joinSeq}
	e.joinSeq++
	metrics.RoomMembers.WithLabelValues(string(roomId)).Set(float64(len(e.members)))
	return m, nil
}

// RejectPending drops an applicant and returns the dropped value.
func (s *Store) RejectPending(roomId types.RoomIdType, userId types.UserIdType) (types.Member, bool) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.Member{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, exists := e.pending[userId]
	if !exists {
		return types.Member{}, false
	}
	delete(e.pending, userId)
	return m, true
}
