// Package store defines the persistent meeting-record collaborator consumed
// by the coordinator. Implementations are interchangeable (in-memory, redis)
// and selected by configuration; callers never branch on the backend.
package store

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
	ErrRoomEnded    = errors.New("room already ended")
)

// Room statuses.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

type RoomRecord struct {
	Code      string         `json:"meeting_code"`
	Title     string         `json:"title"`
	Status    string         `json:"status"`
	HostID    string         `json:"host_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
	EndedBy   string         `json:"ended_by,omitempty"`
	Members   []MemberRecord `json:"participants,omitempty"`
}

// Active reports whether the room can still be joined.
func (r *RoomRecord) Active() bool {
	return r.Status == StatusActive
}

// MemberRecord is the store-side mirror of one room member. It lags the
// in-memory roster; the registries are the source of truth for liveness.
type MemberRecord struct {
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	IsAnonymous bool      `json:"is_anonymous"`
	JoinedAt    time.Time `json:"joined_at"`
	SessionID   string    `json:"session_id"`
}

// MeetingStore is the external record store. Every call is an independent
// network round trip with no ordering guarantees across calls.
type MeetingStore interface {
	CreateRoom(ctx context.Context, title, hostID string) (*RoomRecord, error)
	FindRoomByCode(ctx context.Context, code string) (*RoomRecord, error)
	UpdateRoomMembers(ctx context.Context, code string, members []MemberRecord) error
	EndRoom(ctx context.Context, code, endedBy string) error
	CleanupIdleRooms(ctx context.Context) (int, error)
}

// Meeting codes avoid ambiguous characters so they survive being read aloud.
const codeAlphabet = "abcdefghjkmnpqrstuvwxyz"

// NewMeetingCode returns a meet-style code like "abc-defg-hjk".
func NewMeetingCode() string {
	var b strings.Builder
	for i, n := range [3]int{3, 4, 3} {
		if i > 0 {
			b.WriteByte('-')
		}
		for j := 0; j < n; j++ {
			b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
		}
	}
	return b.String()
}
