package model

import (
	"encoding/json"
	"time"
)

// Event types pushed by the server.
const (
	EventRoomJoined        = "room-joined"
	EventMemberJoined      = "room-member-joined"
	EventMemberLeft        = "room-member-left"
	EventChatMessage       = "chat-message"
	EventMediaStateChanged = "media-state-changed"
	EventSignalReceived    = "signal-received"
	EventAdminStatsUpdate  = "admin-stats-update"
	EventRoomError         = "room-error"
)

// Message types accepted from clients.
const (
	MessageJoinRoom    = "join-room"
	MessageLeaveRoom   = "leave-room"
	MessageSendChat    = "send-chat"
	MessageToggleMedia = "toggle-media"
	MessageRelaySignal = "relay-signal"
	MessageJoinAdmin   = "join-admin"
)

// Error reasons carried by EventRoomError.
const (
	ReasonRoomNotFound     = "RoomNotFound"
	ReasonStoreUnavailable = "StoreUnavailable"
)

type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Avatar      string    `json:"avatar,omitempty"`
	IsHost      bool      `json:"is_host"`
	IsAnonymous bool      `json:"is_anonymous"`
	JoinedAt    time.Time `json:"joined_at"`
}

type MediaState struct {
	Audio  bool `json:"audio"`
	Video  bool `json:"video"`
	Screen bool `json:"screen"`
}

// DefaultMediaState is what every participant starts with.
func DefaultMediaState() MediaState {
	return MediaState{Audio: true, Video: true}
}

type ChatMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
	IsSystem  bool      `json:"is_system,omitempty"`
}

// RoomInfo is the room metadata included in a join snapshot.
type RoomInfo struct {
	Code      string    `json:"code"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// RosterEntry describes one current room member.
type RosterEntry struct {
	Handle      string      `json:"handle"`
	Participant Participant `json:"participant"`
	MediaState  MediaState  `json:"media_state"`
}

// RoomSnapshot is returned to a joining connection.
type RoomSnapshot struct {
	Room        RoomInfo      `json:"room"`
	MemberCount int           `json:"member_count"`
	ChatHistory []ChatMessage `json:"chat_history"`
	Roster      []RosterEntry `json:"roster"`
}

// MemberChange is broadcast to a room on membership deltas.
type MemberChange struct {
	Participant Participant `json:"participant"`
	MemberCount int         `json:"member_count"`
}

type MediaChange struct {
	ParticipantID string     `json:"participant_id"`
	DisplayName   string     `json:"display_name"`
	MediaState    MediaState `json:"media_state"`
}

type Signal struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type RoomError struct {
	Reason string `json:"reason"`
}

// AdminMemberChange is the lifecycle event pushed to the admin channel.
type AdminMemberChange struct {
	RoomCode    string      `json:"room_code"`
	Participant Participant `json:"participant"`
	MemberCount int         `json:"member_count"`
}

type RoomStats struct {
	Code         string    `json:"code"`
	Title        string    `json:"title"`
	MemberCount  int       `json:"member_count"`
	ChatMessages int       `json:"chat_messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// AdminStats is the aggregate projection pushed to the admin channel.
// It is recomputed from registry state on demand, never mutated in place.
type AdminStats struct {
	ActiveRooms   int         `json:"active_rooms"`
	TotalMembers  int         `json:"total_members"`
	TotalMessages int         `json:"total_messages"`
	Rooms         []RoomStats `json:"rooms"`
}

// Event is the envelope for everything pushed to a connection.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Wire is the outbound half of one client connection. The transport owns the
// draining side and closes the wire when the connection goes away; senders
// select on Done to avoid parking on a dead connection.
type Wire struct {
	TX   chan Event
	done chan struct{}
}

func NewWire(buffer int) Wire {
	return Wire{
		TX:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

func (w Wire) Done() <-chan struct{} {
	return w.done
}

// Close marks the wire dead. Must be called exactly once, by the wire's owner.
func (w Wire) Close() {
	close(w.done)
}
