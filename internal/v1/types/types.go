package types

import (
	"context"
	"sync"

	"github.com/openjam/bandroom/backend/go/internal/v1/auth"
	"github.com/openjam/bandroom/backend/go/internal/v1/bus"
)

// --- Core Domain Types ---

// RoleType defines the different roles a member can hold in a room.
type RoleType string

// UserIdType represents a unique identifier for a user.
type UserIdType string

// ConnIdType represents a unique identifier for a transport connection.
type ConnIdType string

// RoomIdType represents a unique identifier for a room.
type RoomIdType string

// DisplayNameType represents the human-readable name for a member.
type DisplayNameType string

// Role constants. Exactly one member per room holds RoleTypeOwner while the
// room has members; pending applicants are always band members.
const (
	RoleTypeOwner      RoleType = "owner"
	RoleTypeBandMember RoleType = "band_member"
	RoleTypeAudience   RoleType = "audience"
)

// ValidJoinRole reports whether a role is acceptable on a join request.
// Ownership is never requested; it is granted by creation or transfer.
func ValidJoinRole(role RoleType) bool {
	return role == RoleTypeBandMember || role == RoleTypeAudience
}

// Member is the room-resident view of a user. Members are replaced as whole
// values on any state change so snapshots taken under the room lock stay
// internally consistent.
type Member struct {
	UserId            UserIdType      `json:"userId"`
	DisplayName       DisplayNameType `json:"displayName"`
	Role              RoleType        `json:"role"`
	IsReady           bool            `json:"isReady"`
	CurrentInstrument string          `json:"currentInstrument,omitempty"`
	CurrentCategory   string          `json:"currentCategory,omitempty"`
}

// MetronomeState is the persisted slice of metronome state. Scheduler runtime
// state (expected next tick, drift stats) lives in the engine, not here.
type MetronomeState struct {
	Bpm               int   `json:"bpm"`
	LastTickTimestamp int64 `json:"lastTickTimestamp"`
}

// RoomState is the full snapshot emitted to clients. Users and PendingMembers
// are materialized arrays rather than maps so the wire shape is stable.
type RoomState struct {
	Id             RoomIdType     `json:"id"`
	Name           string         `json:"name"`
	Owner          UserIdType     `json:"owner"`
	IsPrivate      bool           `json:"isPrivate"`
	IsHidden       bool           `json:"isHidden"`
	CreatedAt      int64          `json:"createdAt"`
	Metronome      MetronomeState `json:"metronome"`
	Users          []Member       `json:"users"`
	PendingMembers []Member       `json:"pendingMembers"`
}

// RoomSummary is the lightweight shape used for lobby traffic.
type RoomSummary struct {
	Id        RoomIdType `json:"id"`
	Name      string     `json:"name"`
	UserCount int        `json:"userCount"`
	Owner     UserIdType `json:"owner"`
	IsPrivate bool       `json:"isPrivate"`
	IsHidden  bool       `json:"isHidden"`
	CreatedAt int64      `json:"createdAt"`
}

// Summary derives the lobby shape from a full snapshot.
func (r RoomState) Summary() RoomSummary {
	return RoomSummary{
		Id:        r.Id,
		Name:      r.Name,
		UserCount: len(r.Users),
		Owner:     r.Owner,
		IsPrivate: r.IsPrivate,
		IsHidden:  r.IsHidden,
		CreatedAt: r.CreatedAt,
	}
}

// Session binds a transport connection to a user's presence in a room.
// At most one live session exists per (userId, roomId).
type Session struct {
	ConnId    ConnIdType `json:"connId"`
	UserId    UserIdType `json:"userId"`
	RoomId    RoomIdType `json:"roomId"`
	CreatedAt int64      `json:"createdAt"`
}

// --- Channel Paths ---

// RoomChannelPath returns the broadcast path for a room channel.
func RoomChannelPath(roomId RoomIdType) string {
	return "/room/" + string(roomId)
}

// ApprovalChannelPath returns the broadcast path for a room's approval channel.
func ApprovalChannelPath(roomId RoomIdType) string {
	return "/approval/" + string(roomId)
}

// LobbyChannelPath is the global monitor channel every connection joins.
const LobbyChannelPath = "/lobby-monitor"

// --- Shared Interfaces ---

// TokenValidator defines the interface for JWT token authentication services.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// BusService defines the interface for distributed pub/sub messaging.
type BusService interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error
	PublishLobby(ctx context.Context, event string, payload any) error
	Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(bus.PubSubPayload))
	Close() error
}
