// Package memory holds an in-memory MeetingStore. It backs local development
// when no external store is configured, and doubles as the test fixture.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hango-video/hango/store"
)

const defaultAbandonAfter = 24 * time.Hour

type MemStore struct {
	mx           *sync.Mutex
	db           map[string]*store.RoomRecord
	abandonAfter time.Duration
	now          func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:           &sync.Mutex{},
		db:           make(map[string]*store.RoomRecord),
		abandonAfter: defaultAbandonAfter,
		now:          time.Now,
	}
}

func (ms *MemStore) CreateRoom(_ context.Context, title, hostID string) (*store.RoomRecord, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	code := store.NewMeetingCode()
	for ms.db[code] != nil {
		code = store.NewMeetingCode()
	}
	if title == "" {
		title = "Untitled Meeting"
	}
	rec := &store.RoomRecord{
		Code:      code,
		Title:     title,
		Status:    store.StatusActive,
		HostID:    hostID,
		CreatedAt: ms.now(),
	}
	ms.db[code] = rec
	return copyRecord(rec), nil
}

func (ms *MemStore) FindRoomByCode(_ context.Context, code string) (*store.RoomRecord, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[code]
	if !ok {
		return nil, store.ErrRoomNotFound
	}
	return copyRecord(rec), nil
}

func (ms *MemStore) UpdateRoomMembers(_ context.Context, code string, members []store.MemberRecord) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[code]
	if !ok {
		return store.ErrRoomNotFound
	}
	rec.Members = append([]store.MemberRecord(nil), members...)
	return nil
}

func (ms *MemStore) EndRoom(_ context.Context, code, endedBy string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[code]
	if !ok {
		return store.ErrRoomNotFound
	}
	if rec.Status == store.StatusEnded {
		return store.ErrRoomEnded
	}
	rec.Status = store.StatusEnded
	rec.EndedAt = ms.now()
	rec.EndedBy = endedBy
	rec.Members = nil
	return nil
}

// CleanupIdleRooms drops records that stayed active past the abandon
// threshold. Mirrors the store-side cleanup the coordinator triggers
// periodically.
func (ms *MemStore) CleanupIdleRooms(_ context.Context) (int, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var (
		count  int
		cutoff = ms.now().Add(-ms.abandonAfter)
	)
	for code, rec := range ms.db {
		if rec.Status == store.StatusActive && rec.CreatedAt.Before(cutoff) {
			delete(ms.db, code)
			count++
		}
	}
	return count, nil
}

func copyRecord(rec *store.RoomRecord) *store.RoomRecord {
	out := *rec
	out.Members = append([]store.MemberRecord(nil), rec.Members...)
	return &out
}
