package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hango-video/hango/model"
	"github.com/hango-video/hango/store"
)

// room is the live in-memory state of one meeting. It exists only while at
// least one connection is a member.
type room struct {
	code         string
	title        string
	members      map[string]struct{}
	chat         []model.ChatMessage
	createdAt    time.Time
	lastActivity time.Time
}

type connEntry struct {
	handle      string
	roomCode    string
	participant model.Participant
	media       model.MediaState
	wire        model.Wire
}

// registry holds both the room and connection maps plus admin subscriptions.
// One mutex guards all of them: every join/leave mutation touches the room
// and connection maps together, and a single lock keeps them mutually
// consistent under concurrent traffic. The lock is never held across store
// I/O or wire sends; mutating methods return the wires to deliver to after
// the lock is released.
type registry struct {
	mx        sync.Mutex
	rooms     map[string]*room
	conns     map[string]*connEntry
	admins    map[string]model.Wire
	chatLimit int
	snapLimit int
}

func newRegistry(chatLimit, snapLimit int) *registry {
	return &registry{
		rooms:     make(map[string]*room),
		conns:     make(map[string]*connEntry),
		admins:    make(map[string]model.Wire),
		chatLimit: chatLimit,
		snapLimit: snapLimit,
	}
}

// departure describes one completed leave transition.
type departure struct {
	roomCode    string
	participant model.Participant
	memberCount int
	remaining   []model.Wire
	destroyed   bool
	members     []store.MemberRecord
}

// admission describes one completed join transition.
type admission struct {
	snapshot model.RoomSnapshot
	others   []model.Wire
	grew     bool
	left     *departure
	members  []store.MemberRecord
}

func (r *registry) join(handle string, rec *store.RoomRecord, p model.Participant, wire model.Wire, now time.Time) admission {
	r.mx.Lock()
	defer r.mx.Unlock()

	var adm admission
	if e, ok := r.conns[handle]; ok {
		if e.roomCode == rec.Code {
			// Rejoin with the same identity refreshes the entry in place.
			e.participant = p
			e.wire = wire
			r.rooms[rec.Code].lastActivity = now
			adm.snapshot = r.snapshotLocked(r.rooms[rec.Code])
			return adm
		}
		if dep, ok := r.removeLocked(handle, now); ok {
			adm.left = &dep
		}
	}

	rm, ok := r.rooms[rec.Code]
	if !ok {
		created := rec.CreatedAt
		if created.IsZero() {
			created = now
		}
		rm = &room{
			code:      rec.Code,
			title:     rec.Title,
			members:   make(map[string]struct{}),
			createdAt: created,
		}
		r.rooms[rec.Code] = rm
	}
	rm.members[handle] = struct{}{}
	rm.lastActivity = now
	r.conns[handle] = &connEntry{
		handle:      handle,
		roomCode:    rec.Code,
		participant: p,
		media:       model.DefaultMediaState(),
		wire:        wire,
	}

	adm.grew = true
	adm.snapshot = r.snapshotLocked(rm)
	adm.others = r.wiresLocked(rm, handle)
	adm.members = r.memberRecordsLocked(rm)
	return adm
}

func (r *registry) leave(handle string, now time.Time) (departure, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.removeLocked(handle, now)
}

// removeLocked takes a connection out of both maps and destroys the room when
// it was the last member. Caller holds the lock.
func (r *registry) removeLocked(handle string, now time.Time) (departure, bool) {
	e, ok := r.conns[handle]
	if !ok {
		return departure{}, false
	}
	delete(r.conns, handle)
	rm, ok := r.rooms[e.roomCode]
	if !ok {
		return departure{}, false
	}
	delete(rm.members, handle)
	rm.lastActivity = now

	dep := departure{
		roomCode:    e.roomCode,
		participant: e.participant,
		memberCount: len(rm.members),
	}
	if len(rm.members) == 0 {
		delete(r.rooms, e.roomCode)
		dep.destroyed = true
		return dep, true
	}
	dep.remaining = r.wiresLocked(rm, "")
	dep.members = r.memberRecordsLocked(rm)
	return dep, true
}

func (r *registry) appendChat(handle, msgID, text string, now time.Time) (model.ChatMessage, []model.Wire, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	e, ok := r.conns[handle]
	if !ok {
		return model.ChatMessage{}, nil, false
	}
	rm, ok := r.rooms[e.roomCode]
	if !ok {
		return model.ChatMessage{}, nil, false
	}
	msg := model.ChatMessage{
		ID:        msgID,
		Text:      text,
		Sender:    e.participant.DisplayName,
		SenderID:  e.participant.ID,
		Timestamp: now,
	}
	r.appendLocked(rm, msg, now)
	return msg, r.wiresLocked(rm, ""), true
}

func (r *registry) appendSystem(roomCode, msgID, text string, now time.Time) (model.ChatMessage, []model.Wire, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomCode]
	if !ok {
		return model.ChatMessage{}, nil, false
	}
	msg := model.ChatMessage{
		ID:        msgID,
		Text:      text,
		Sender:    "System",
		SenderID:  "system",
		Timestamp: now,
		IsSystem:  true,
	}
	r.appendLocked(rm, msg, now)
	return msg, r.wiresLocked(rm, ""), true
}

func (r *registry) appendLocked(rm *room, msg model.ChatMessage, now time.Time) {
	rm.chat = append(rm.chat, msg)
	if len(rm.chat) > r.chatLimit {
		rm.chat = append(rm.chat[:0:0], rm.chat[len(rm.chat)-r.chatLimit:]...)
	}
	rm.lastActivity = now
}

func (r *registry) setMedia(handle, field string, enabled bool, now time.Time) (model.MediaChange, []model.Wire, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	e, ok := r.conns[handle]
	if !ok {
		return model.MediaChange{}, nil, false
	}
	switch field {
	case "audio":
		e.media.Audio = enabled
	case "video":
		e.media.Video = enabled
	case "screen":
		e.media.Screen = enabled
	default:
		return model.MediaChange{}, nil, false
	}
	rm, ok := r.rooms[e.roomCode]
	if !ok {
		return model.MediaChange{}, nil, false
	}
	rm.lastActivity = now
	change := model.MediaChange{
		ParticipantID: e.participant.ID,
		DisplayName:   e.participant.DisplayName,
		MediaState:    e.media,
	}
	return change, r.wiresLocked(rm, handle), true
}

// signalRoute resolves the target wire for an opaque signal relay. The sender
// must be registered; a vanished target is a normal race, reported as !ok.
func (r *registry) signalRoute(from, target string) (model.Wire, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.conns[from]; !ok {
		return model.Wire{}, false
	}
	e, ok := r.conns[target]
	if !ok {
		return model.Wire{}, false
	}
	return e.wire, true
}

func (r *registry) adminJoin(handle string, wire model.Wire) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.admins[handle] = wire
}

func (r *registry) adminLeave(handle string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.admins, handle)
}

func (r *registry) adminWires() []model.Wire {
	r.mx.Lock()
	defer r.mx.Unlock()

	wires := make([]model.Wire, 0, len(r.admins))
	for _, w := range r.admins {
		wires = append(wires, w)
	}
	return wires
}

// stats recomputes the admin projection from scratch.
func (r *registry) stats() model.AdminStats {
	r.mx.Lock()
	defer r.mx.Unlock()

	stats := model.AdminStats{
		ActiveRooms:  len(r.rooms),
		TotalMembers: len(r.conns),
		Rooms:        make([]model.RoomStats, 0, len(r.rooms)),
	}
	for _, rm := range r.rooms {
		stats.TotalMessages += len(rm.chat)
		stats.Rooms = append(stats.Rooms, model.RoomStats{
			Code:         rm.code,
			Title:        rm.title,
			MemberCount:  len(rm.members),
			ChatMessages: len(rm.chat),
			CreatedAt:    rm.createdAt,
			LastActivity: rm.lastActivity,
		})
	}
	sort.Slice(stats.Rooms, func(i, j int) bool {
		return stats.Rooms[i].Code < stats.Rooms[j].Code
	})
	return stats
}

// reapIdle drops rooms with no activity past maxIdle. A reaped member's
// connection entry stays (the transport may still be alive) but loses its
// room binding. Covers registry leaks from crashed code paths only; the
// normal path destroys rooms synchronously on last leave.
func (r *registry) reapIdle(maxIdle time.Duration, now time.Time) []string {
	r.mx.Lock()
	defer r.mx.Unlock()

	cutoff := now.Add(-maxIdle)
	var reaped []string
	for code, rm := range r.rooms {
		if rm.lastActivity.After(cutoff) {
			continue
		}
		for handle := range rm.members {
			if e, ok := r.conns[handle]; ok {
				e.roomCode = ""
			}
		}
		delete(r.rooms, code)
		reaped = append(reaped, code)
	}
	return reaped
}

func (r *registry) snapshotLocked(rm *room) model.RoomSnapshot {
	snap := model.RoomSnapshot{
		Room: model.RoomInfo{
			Code:      rm.code,
			Title:     rm.title,
			CreatedAt: rm.createdAt,
		},
		MemberCount: len(rm.members),
		Roster:      make([]model.RosterEntry, 0, len(rm.members)),
	}
	tail := rm.chat
	if len(tail) > r.snapLimit {
		tail = tail[len(tail)-r.snapLimit:]
	}
	snap.ChatHistory = append([]model.ChatMessage(nil), tail...)
	for handle := range rm.members {
		e := r.conns[handle]
		snap.Roster = append(snap.Roster, model.RosterEntry{
			Handle:      handle,
			Participant: e.participant,
			MediaState:  e.media,
		})
	}
	sort.Slice(snap.Roster, func(i, j int) bool {
		a, b := snap.Roster[i], snap.Roster[j]
		if !a.Participant.JoinedAt.Equal(b.Participant.JoinedAt) {
			return a.Participant.JoinedAt.Before(b.Participant.JoinedAt)
		}
		return a.Handle < b.Handle
	})
	return snap
}

func (r *registry) wiresLocked(rm *room, exclude string) []model.Wire {
	wires := make([]model.Wire, 0, len(rm.members))
	for handle := range rm.members {
		if handle == exclude {
			continue
		}
		if e, ok := r.conns[handle]; ok {
			wires = append(wires, e.wire)
		}
	}
	return wires
}

func (r *registry) memberRecordsLocked(rm *room) []store.MemberRecord {
	members := make([]store.MemberRecord, 0, len(rm.members))
	for handle := range rm.members {
		e := r.conns[handle]
		members = append(members, store.MemberRecord{
			UserID:      e.participant.ID,
			Name:        e.participant.DisplayName,
			IsAnonymous: e.participant.IsAnonymous,
			JoinedAt:    e.participant.JoinedAt,
			SessionID:   handle,
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].SessionID < members[j].SessionID })
	return members
}

// validateConsistency checks the cross-map invariant: every bound connection
// is a member of an existing room, every room member has a matching
// connection entry, and no room is empty.
func (r *registry) validateConsistency() error {
	r.mx.Lock()
	defer r.mx.Unlock()

	for handle, e := range r.conns {
		if e.roomCode == "" {
			continue
		}
		rm, ok := r.rooms[e.roomCode]
		if !ok {
			return fmt.Errorf("connection %s bound to missing room %s", handle, e.roomCode)
		}
		if _, ok = rm.members[handle]; !ok {
			return fmt.Errorf("connection %s not listed as member of room %s", handle, e.roomCode)
		}
	}
	for code, rm := range r.rooms {
		if len(rm.members) == 0 {
			return fmt.Errorf("room %s exists with no members", code)
		}
		for handle := range rm.members {
			e, ok := r.conns[handle]
			if !ok {
				return fmt.Errorf("room %s lists unknown connection %s", code, handle)
			}
			if e.roomCode != code {
				return fmt.Errorf("room %s lists connection %s bound to %q", code, handle, e.roomCode)
			}
		}
	}
	return nil
}
