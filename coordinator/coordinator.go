// Package coordinator implements the real-time meeting-room core: it owns the
// room and connection registries, drives join/leave/disconnect transitions,
// relays chat, media-state and signaling traffic, feeds the admin broadcast
// channel, and reconciles in-memory state with the meeting store in the
// background. In-memory state is the source of truth for "who is in the room
// right now"; the store's copy is a best-effort mirror.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hango-video/hango/model"
	"github.com/hango-video/hango/store"
)

const (
	defaultSendTimeout = time.Second

	defaultChatHistoryLimit = 100
	snapshotChatLimit       = 50

	defaultIdleThreshold     = time.Hour
	defaultReconcileInterval = 30 * time.Minute
	defaultAdminPushInterval = 15 * time.Second

	syncQueueSize       = 64
	defaultStoreTimeout = 5 * time.Second
)

var (
	ErrRoomNotFound     = errors.New("room not found or inactive")
	ErrStoreUnavailable = errors.New("meeting store unavailable")
)

type syncJob struct {
	code    string
	members []store.MemberRecord
}

type Coordinator struct {
	logger zerolog.Logger
	store  store.MeetingStore
	reg    *registry

	idleThreshold     time.Duration
	reconcileInterval time.Duration
	adminPushInterval time.Duration

	syncq chan syncJob
}

type Config struct {
	Store  store.MeetingStore
	Logger *zerolog.Logger

	// ChatHistoryLimit caps the per-room history; zero means the default.
	ChatHistoryLimit  int
	IdleThreshold     time.Duration
	ReconcileInterval time.Duration
	AdminPushInterval time.Duration
}

func NewCoordinator(cfg Config) *Coordinator {
	chatLimit := cfg.ChatHistoryLimit
	if chatLimit <= 0 {
		chatLimit = defaultChatHistoryLimit
	}
	c := &Coordinator{
		logger:            cfg.Logger.With().Str("component", "coordinator").Logger(),
		store:             cfg.Store,
		reg:               newRegistry(chatLimit, snapshotChatLimit),
		idleThreshold:     cfg.IdleThreshold,
		reconcileInterval: cfg.ReconcileInterval,
		adminPushInterval: cfg.AdminPushInterval,
		syncq:             make(chan syncJob, syncQueueSize),
	}
	if c.idleThreshold <= 0 {
		c.idleThreshold = defaultIdleThreshold
	}
	if c.reconcileInterval <= 0 {
		c.reconcileInterval = defaultReconcileInterval
	}
	if c.adminPushInterval <= 0 {
		c.adminPushInterval = defaultAdminPushInterval
	}
	return c
}

// Run drives the background loops: the store sync worker, periodic
// reconciliation and the admin stats ticker. Returns when ctx is done.
func (c *Coordinator) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		c.logger.Debug().Msg("coordinator stopped")
		wg.Done()
	}()

	inner := &sync.WaitGroup{}
	inner.Add(3)
	go c.syncWorker(ctx, inner)
	go c.reconcileLoop(ctx, inner)
	go c.adminLoop(ctx, inner)
	inner.Wait()
}

// Join validates the room against the meeting store, registers the connection
// in both registries atomically and announces the membership delta. The store
// round trip is the only blocking step; everything after the registry
// mutation is delivery and best-effort persistence.
func (c *Coordinator) Join(ctx context.Context, handle, roomCode string, p model.Participant, wire model.Wire) (*model.RoomSnapshot, error) {
	if roomCode == "" {
		return nil, ErrRoomNotFound
	}
	rec, err := c.store.FindRoomByCode(ctx, roomCode)
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		return nil, ErrRoomNotFound
	case err != nil:
		return nil, errors.Join(ErrStoreUnavailable, err)
	case !rec.Active():
		return nil, ErrRoomNotFound
	}

	now := time.Now()
	normalizeParticipant(&p, handle, now)

	adm := c.reg.join(handle, rec, p, wire, now)
	if adm.left != nil {
		c.announceLeave(*adm.left)
	}
	if adm.grew {
		c.deliver(adm.others, model.Event{
			Type: model.EventMemberJoined,
			Payload: model.MemberChange{
				Participant: p,
				MemberCount: adm.snapshot.MemberCount,
			},
		})
		c.adminEvent(model.EventMemberJoined, model.AdminMemberChange{
			RoomCode:    roomCode,
			Participant: p,
			MemberCount: adm.snapshot.MemberCount,
		})
		c.scheduleSync(roomCode, adm.members)
	}
	c.logger.Debug().
		Str("handle", handle).
		Str("roomCode", roomCode).
		Str("name", p.DisplayName).
		Int("members", adm.snapshot.MemberCount).
		Msg("participant joined room")
	return &adm.snapshot, nil
}

// Leave removes the connection from its current room. No-op for connections
// that are not in any room.
func (c *Coordinator) Leave(handle string) {
	dep, ok := c.reg.leave(handle, time.Now())
	if !ok {
		return
	}
	c.announceLeave(dep)
}

// Disconnect is the abrupt-loss path reported by the transport. Same
// transition as Leave, plus dropping any admin subscription.
func (c *Coordinator) Disconnect(handle string) {
	c.reg.adminLeave(handle)
	c.Leave(handle)
}

func (c *Coordinator) announceLeave(dep departure) {
	if dep.destroyed {
		c.logger.Debug().Str("roomCode", dep.roomCode).Msg("last member left, room destroyed")
	} else {
		c.deliver(dep.remaining, model.Event{
			Type: model.EventMemberLeft,
			Payload: model.MemberChange{
				Participant: dep.participant,
				MemberCount: dep.memberCount,
			},
		})
		c.scheduleSync(dep.roomCode, dep.members)
	}
	c.adminEvent(model.EventMemberLeft, model.AdminMemberChange{
		RoomCode:    dep.roomCode,
		Participant: dep.participant,
		MemberCount: dep.memberCount,
	})
	c.logger.Debug().
		Str("roomCode", dep.roomCode).
		Str("name", dep.participant.DisplayName).
		Int("members", dep.memberCount).
		Msg("participant left room")
}

// RelayChat appends the message to the room history and echoes it to every
// member, sender included. Empty text and roomless senders are dropped.
func (c *Coordinator) RelayChat(handle, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	msg, wires, ok := c.reg.appendChat(handle, uuid.NewString(), text, time.Now())
	if !ok {
		return
	}
	c.deliver(wires, model.Event{Type: model.EventChatMessage, Payload: msg})
}

// SystemMessage injects an IsSystem chat message into a room on behalf of the
// service itself. Dropped when the room has no live members.
func (c *Coordinator) SystemMessage(roomCode, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	msg, wires, ok := c.reg.appendSystem(roomCode, uuid.NewString(), text, time.Now())
	if !ok {
		return
	}
	c.deliver(wires, model.Event{Type: model.EventChatMessage, Payload: msg})
}

// RelayMediaState flips one media field and announces the full media state to
// the other room members. The sender gets no echo. Unknown fields are dropped.
func (c *Coordinator) RelayMediaState(handle, field string, enabled bool) {
	change, wires, ok := c.reg.setMedia(handle, field, enabled, time.Now())
	if !ok {
		return
	}
	c.deliver(wires, model.Event{Type: model.EventMediaStateChanged, Payload: change})
}

// RelaySignal forwards an opaque payload to exactly the target connection.
// The payload is never inspected. A vanished target is an expected race and
// drops silently.
func (c *Coordinator) RelaySignal(handle, target string, payload json.RawMessage) {
	if target == "" {
		return
	}
	wire, ok := c.reg.signalRoute(handle, target)
	if !ok {
		c.logger.Debug().
			Str("handle", handle).
			Str("target", target).
			Msg("signal dropped, target gone")
		return
	}
	c.send(wire, model.Event{
		Type:    model.EventSignalReceived,
		Payload: model.Signal{From: handle, Payload: payload},
	})
}

// JoinAdmin subscribes a connection to the admin broadcast channel and pushes
// the current stats immediately.
func (c *Coordinator) JoinAdmin(handle string, wire model.Wire) {
	c.reg.adminJoin(handle, wire)
	c.logger.Debug().Str("handle", handle).Msg("admin subscribed")
	c.send(wire, model.Event{Type: model.EventAdminStatsUpdate, Payload: c.reg.stats()})
}

// Stats returns the current aggregate projection.
func (c *Coordinator) Stats() model.AdminStats {
	return c.reg.stats()
}

func (c *Coordinator) adminEvent(eventType string, payload any) {
	wires := c.reg.adminWires()
	if len(wires) == 0 {
		return
	}
	c.deliver(wires, model.Event{Type: eventType, Payload: payload})
	c.pushAdminStats(wires)
}

func (c *Coordinator) pushAdminStats(wires []model.Wire) {
	stats := c.reg.stats()
	if e := c.logger.Trace(); e.Enabled() {
		e.Str("dump", spew.Sdump(stats)).Msg("admin stats recomputed")
	}
	c.deliver(wires, model.Event{Type: model.EventAdminStatsUpdate, Payload: stats})
}

func (c *Coordinator) deliver(wires []model.Wire, ev model.Event) {
	for _, wire := range wires {
		c.send(wire, ev)
	}
}

func (c *Coordinator) send(wire model.Wire, ev model.Event) bool {
	t := time.NewTimer(defaultSendTimeout)
	defer t.Stop()
	select {
	case wire.TX <- ev:
		return true
	case <-wire.Done():
		return false
	case <-t.C:
		c.logger.Warn().Str("type", ev.Type).Msg("dead endpoint, event dropped")
		return false
	}
}

// scheduleSync hands the room's member mirror to the background worker. Never
// blocks: when the queue is full the update is dropped and the next
// membership change or reconcile pass re-syncs with then-current state.
func (c *Coordinator) scheduleSync(code string, members []store.MemberRecord) {
	select {
	case c.syncq <- syncJob{code: code, members: members}:
	default:
		c.logger.Debug().Str("roomCode", code).Msg("sync queue full, store update skipped")
	}
}

func (c *Coordinator) syncWorker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.syncq:
			sctx, cancel := context.WithTimeout(context.Background(), defaultStoreTimeout)
			err := c.store.UpdateRoomMembers(sctx, job.code, job.members)
			cancel()
			if err != nil {
				// Soft failure: in-memory state stays authoritative.
				c.logger.Warn().Err(err).Str("roomCode", job.code).Msg("store member sync failed")
			}
		}
	}
}

func (c *Coordinator) reconcileLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcile(ctx)
		}
	}
}

func (c *Coordinator) reconcile(ctx context.Context) {
	reaped := c.reg.reapIdle(c.idleThreshold, time.Now())
	for _, code := range reaped {
		c.logger.Warn().Str("roomCode", code).Msg("reaped idle room")
	}
	if len(reaped) > 0 {
		if wires := c.reg.adminWires(); len(wires) > 0 {
			c.pushAdminStats(wires)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()
	n, err := c.store.CleanupIdleRooms(sctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("store idle cleanup failed")
		return
	}
	if n > 0 {
		c.logger.Info().Int("count", n).Msg("store idle cleanup removed records")
	}
}

func (c *Coordinator) adminLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.adminPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wires := c.reg.adminWires(); len(wires) > 0 {
				c.pushAdminStats(wires)
			}
		}
	}
}

func normalizeParticipant(p *model.Participant, handle string, now time.Time) {
	if p.ID == "" {
		p.ID = handle
		p.IsAnonymous = true
	}
	if p.DisplayName == "" {
		p.DisplayName = "Anonymous User"
	}
	if p.Avatar == "" {
		p.Avatar = strings.ToUpper(string([]rune(p.DisplayName)[0]))
	}
	p.JoinedAt = now
}
