// Package redis holds the network-backed MeetingStore.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hango-video/hango/store"
)

const defaultAbandonAfter = 24 * time.Hour

// Record hash fields.
const (
	fieldCode      = "meeting_code"
	fieldTitle     = "title"
	fieldStatus    = "status"
	fieldHost      = "host_id"
	fieldCreatedAt = "created_at"
	fieldEndedAt   = "ended_at"
	fieldEndedBy   = "ended_by"
)

type Store struct {
	rdb    *redis.Client
	prefix string

	abandonAfter time.Duration
}

// NewStore builds a MeetingStore backed by Redis. Prefix is optional
// (e.g. "hango").
func NewStore(rdb *redis.Client, prefix string) *Store {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "hango"
	}
	return &Store{
		rdb:          rdb,
		prefix:       p,
		abandonAfter: defaultAbandonAfter,
	}
}

func (s *Store) roomKey(code string) string {
	return fmt.Sprintf("%s:meeting:%s", s.prefix, code)
}

func (s *Store) membersKey(code string) string {
	return s.roomKey(code) + ":members"
}

func (s *Store) CreateRoom(ctx context.Context, title, hostID string) (*store.RoomRecord, error) {
	if title == "" {
		title = "Untitled Meeting"
	}
	rec := &store.RoomRecord{
		Code:      store.NewMeetingCode(),
		Title:     title,
		Status:    store.StatusActive,
		HostID:    hostID,
		CreatedAt: time.Now().UTC(),
	}
	err := s.rdb.HSet(ctx, s.roomKey(rec.Code), map[string]any{
		fieldCode:      rec.Code,
		fieldTitle:     rec.Title,
		fieldStatus:    rec.Status,
		fieldHost:      rec.HostID,
		fieldCreatedAt: rec.CreatedAt.Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) FindRoomByCode(ctx context.Context, code string) (*store.RoomRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, s.roomKey(code)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, store.ErrRoomNotFound
	}
	rec, err := recordFromFields(fields)
	if err != nil {
		return nil, err
	}

	raw, err := s.rdb.Get(ctx, s.membersKey(code)).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, err
	default:
		if err = json.Unmarshal([]byte(raw), &rec.Members); err != nil {
			return nil, fmt.Errorf("decode members: %w", err)
		}
	}
	return rec, nil
}

func (s *Store) UpdateRoomMembers(ctx context.Context, code string, members []store.MemberRecord) error {
	exists, err := s.rdb.Exists(ctx, s.roomKey(code)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return store.ErrRoomNotFound
	}
	b, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	return s.rdb.Set(ctx, s.membersKey(code), b, 0).Err()
}

func (s *Store) EndRoom(ctx context.Context, code, endedBy string) error {
	rec, err := s.FindRoomByCode(ctx, code)
	if err != nil {
		return err
	}
	if rec.Status == store.StatusEnded {
		return store.ErrRoomEnded
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.roomKey(code), map[string]any{
		fieldStatus:  store.StatusEnded,
		fieldEndedAt: time.Now().UTC().Format(time.RFC3339Nano),
		fieldEndedBy: endedBy,
	})
	pipe.Del(ctx, s.membersKey(code))
	_, err = pipe.Exec(ctx)
	return err
}

// CleanupIdleRooms deletes records that stayed active past the abandon
// threshold, walking the key space with SCAN so a large instance is never
// blocked.
func (s *Store) CleanupIdleRooms(ctx context.Context) (int, error) {
	var (
		count  int
		cursor uint64
		cutoff = time.Now().UTC().Add(-s.abandonAfter)
		match  = fmt.Sprintf("%s:meeting:*", s.prefix)
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return count, err
		}
		for _, key := range keys {
			if strings.HasSuffix(key, ":members") {
				continue
			}
			vals, err := s.rdb.HMGet(ctx, key, fieldStatus, fieldCreatedAt).Result()
			if err != nil {
				return count, err
			}
			if !abandoned(vals, cutoff) {
				continue
			}
			pipe := s.rdb.TxPipeline()
			pipe.Del(ctx, key)
			pipe.Del(ctx, key+":members")
			if _, err = pipe.Exec(ctx); err != nil {
				return count, err
			}
			count++
		}
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func abandoned(vals []any, cutoff time.Time) bool {
	if len(vals) != 2 {
		return false
	}
	status, _ := vals[0].(string)
	rawCreated, _ := vals[1].(string)
	if status != store.StatusActive {
		return false
	}
	created, err := time.Parse(time.RFC3339Nano, rawCreated)
	if err != nil {
		return false
	}
	return created.Before(cutoff)
}

func recordFromFields(fields map[string]string) (*store.RoomRecord, error) {
	rec := &store.RoomRecord{
		Code:   fields[fieldCode],
		Title:  fields[fieldTitle],
		Status: fields[fieldStatus],
		HostID: fields[fieldHost],
	}
	if rec.Code == "" {
		return nil, fmt.Errorf("record without %s field", fieldCode)
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, fields[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldCreatedAt, err)
	}
	if raw := fields[fieldEndedAt]; raw != "" {
		if rec.EndedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", fieldEndedAt, err)
		}
	}
	rec.EndedBy = fields[fieldEndedBy]
	return rec, nil
}
