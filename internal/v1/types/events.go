package types

import "encoding/json"

// Event names the wire-level message type of an envelope.
type Event string

// Inbound events (client → server).
const (
	EventCreateRoom            Event = "create_room"
	EventJoinRoom              Event = "join_room"
	EventLeaveRoom             Event = "leave_room"
	EventUpdateMetronome       Event = "update_metronome"
	EventRequestMetronomeState Event = "request_metronome_state"
	EventApproveMember         Event = "approve_member"
	EventRejectMember          Event = "reject_member"
	EventSetReady              Event = "set_ready"
	EventUpdateInstrument      Event = "update_instrument"
	EventSendSynthParams       Event = "send_synth_params"
)

// Outbound events (server → client).
const (
	EventRoomCreated          Event = "room_created"
	EventRoomCreatedBroadcast Event = "room_created_broadcast"
	EventRoomJoined           Event = "room_joined"
	EventUserJoined           Event = "user_joined"
	EventUserLeft             Event = "user_left"
	EventRoomStateUpdated     Event = "room_state_updated"
	EventOwnershipTransferred Event = "ownership_transferred"
	EventRoomClosed           Event = "room_closed"
	EventRoomClosedBroadcast  Event = "room_closed_broadcast"
	EventRedirectToApproval   Event = "redirect_to_approval"
	EventLeaveConfirmed       Event = "leave_confirmed"
	EventMetronomeTick        Event = "metronome_tick"
	EventMetronomeUpdated     Event = "metronome_updated"
	EventMetronomeState       Event = "metronome_state"
	EventRequestSynthParams   Event = "request_synth_params"
	EventApprovalRequested    Event = "approval_requested"
	EventMemberApproved       Event = "member_approved"
	EventMemberRejected       Event = "member_rejected"
	EventInstrumentUpdated    Event = "instrument_updated"
	EventSynthParams          Event = "synth_params"
	EventError                Event = "error"
)

// Message is the outbound wire envelope. Payloads are marshaled in place.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload,omitempty"`
}

// Envelope is the inbound wire form. Payload decoding is deferred to the
// handler for the named event; unknown fields inside payloads are ignored.
type Envelope struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// --- Inbound Payloads ---

type CreateRoomPayload struct {
	Name      string     `json:"name"`
	Username  string     `json:"username"`
	UserId    UserIdType `json:"userId"`
	IsPrivate bool       `json:"isPrivate"`
	IsHidden  bool       `json:"isHidden"`
}

type JoinRoomPayload struct {
	RoomId   RoomIdType `json:"roomId"`
	Username string     `json:"username"`
	UserId   UserIdType `json:"userId"`
	Role     RoleType   `json:"role"`
}

// UpdateMetronomePayload carries the requested tempo. Bpm is a pointer so a
// missing or null field is distinguishable from zero and can be rejected.
type UpdateMetronomePayload struct {
	Bpm *float64 `json:"bpm"`
}

type ApprovalDecisionPayload struct {
	UserId UserIdType `json:"userId"`
}

type SetReadyPayload struct {
	IsReady bool `json:"isReady"`
}

type UpdateInstrumentPayload struct {
	Instrument string `json:"instrument"`
	Category   string `json:"category"`
}

// SendSynthParamsPayload relays an opaque parameter blob to one member.
// Params is never inspected by the server.
type SendSynthParamsPayload struct {
	TargetUserId UserIdType      `json:"targetUserId"`
	Params       json.RawMessage `json:"params"`
}

// --- Outbound Payloads ---

type RoomCreatedPayload struct {
	Room RoomState `json:"room"`
	User Member    `json:"user"`
}

type RoomJoinedPayload struct {
	Room           RoomState `json:"room"`
	Users          []Member  `json:"users"`
	PendingMembers []Member  `json:"pendingMembers"`
}

type UserJoinedPayload struct {
	User Member `json:"user"`
}

type UserLeftPayload struct {
	User Member `json:"user"`
}

type RoomStateUpdatedPayload struct {
	Room RoomState `json:"room"`
}

type OwnershipTransferredPayload struct {
	NewOwner Member `json:"newOwner"`
	OldOwner Member `json:"oldOwner"`
}

type RoomClosedPayload struct {
	Message string `json:"message"`
}

type RoomClosedBroadcastPayload struct {
	RoomId RoomIdType `json:"roomId"`
}

type RedirectToApprovalPayload struct {
	RoomId            RoomIdType `json:"roomId"`
	Message           string     `json:"message"`
	ApprovalNamespace string     `json:"approvalNamespace"`
}

type LeaveConfirmedPayload struct {
	Message string `json:"message"`
}

type MetronomeTickPayload struct {
	Timestamp int64 `json:"timestamp"`
	Bpm       int   `json:"bpm"`
}

type MetronomeUpdatedPayload struct {
	Bpm               int        `json:"bpm"`
	LastTickTimestamp int64      `json:"lastTickTimestamp"`
	UpdatedBy         UserIdType `json:"updatedBy"`
}

type MetronomeStatePayload struct {
	Bpm               int   `json:"bpm"`
	LastTickTimestamp int64 `json:"lastTickTimestamp"`
}

type RequestSynthParamsPayload struct {
	RequesterId  UserIdType `json:"requesterId"`
	TargetUserId UserIdType `json:"targetUserId"`
}

type ApprovalRequestedPayload struct {
	RoomId RoomIdType `json:"roomId"`
	User   Member     `json:"user"`
}

type MemberApprovedPayload struct {
	RoomId RoomIdType `json:"roomId"`
	User   Member     `json:"user"`
}

type MemberRejectedPayload struct {
	RoomId RoomIdType `json:"roomId"`
	UserId UserIdType `json:"userId"`
}

type InstrumentUpdatedPayload struct {
	User Member `json:"user"`
}

type SynthParamsPayload struct {
	FromUserId UserIdType      `json:"fromUserId"`
	Params     json.RawMessage `json:"params"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
