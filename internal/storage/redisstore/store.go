// Package redisstore keeps lobbies in Redis. Every lobby commit runs under
// WATCH on the lobby key (and the seat keys it claims) so a concurrent writer
// turns into a version conflict instead of a lost update.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
)

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Open dials REDIS_URL and pings it.
func Open(redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for redis store")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func lobbyKey(id int64) string     { return "stones:lobby:" + strconv.FormatInt(id, 10) }
func membersKey(id int64) string   { return lobbyKey(id) + ":members" }
func logKey(id int64) string       { return lobbyKey(id) + ":log" }
func seatKey(uid string) string    { return "stones:seat:" + strings.TrimSpace(uid) }
func userKey(uid string) string    { return "stones:user:" + strings.TrimSpace(uid) }
func roleKey(r domain.Role) string { return "stones:role:" + string(r) }

const lobbyIndexKey = "stones:lobbies"

var timeNow = time.Now

var roles = []domain.Role{domain.RolePlayer, domain.RoleAdmin, domain.RoleAgent}

// CreateLobby claims the smallest free id with SETNX.
func (s *Store) CreateLobby(ctx context.Context, cfg domain.LobbyConfig) (*domain.LobbyRecord, error) {
	now := timeNow()
	rec := domain.LobbyRecord{
		Status:        domain.StatusCreated,
		DefaultStones: cfg.DefaultStones,
		Stones:        []int{},
		RoundDuration: cfg.RoundDuration,
		MoveTimeout:   cfg.MoveTimeout,
		CreatedBy:     cfg.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for id := int64(1); ; id++ {
		rec.ID = id
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		ok, err := s.rdb.SetNX(ctx, lobbyKey(id), raw, 0).Result()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := s.rdb.SAdd(ctx, lobbyIndexKey, id).Err(); err != nil {
			return nil, err
		}
		return &rec, nil
	}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getLobby(ctx context.Context, c getter, id int64) (*domain.LobbyRecord, error) {
	raw, err := c.Get(ctx, lobbyKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrLobbyNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec domain.LobbyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) LoadLobby(ctx context.Context, id int64) (*domain.LobbySnapshot, error) {
	rec, err := getLobby(ctx, s.rdb, id)
	if err != nil {
		return nil, err
	}
	snap := &domain.LobbySnapshot{Lobby: *rec}

	rawMembers, err := s.rdb.HGetAll(ctx, membersKey(id)).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range rawMembers {
		var m domain.Member
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, err
		}
		snap.Members = append(snap.Members, m)
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].Seat < snap.Members[j].Seat })

	rows, err := s.moveLog(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, e := range rows {
		if e.Round == rec.Round {
			snap.Log = append(snap.Log, e)
		}
	}
	return snap, nil
}

func (s *Store) Commit(ctx context.Context, lobbyID int64, expectVersion int64, ch domain.Change) error {
	lk := lobbyKey(lobbyID)
	watched := []string{lk}
	for _, m := range ch.Upsert {
		watched = append(watched, seatKey(m.UserID))
	}
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := getLobby(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		if cur.Version != expectVersion {
			return domain.ErrVersionConflict
		}
		for _, m := range ch.Upsert {
			seat, err := tx.Get(ctx, seatKey(m.UserID)).Int64()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return err
			}
			if seat != lobbyID {
				return domain.ErrMembershipConflict
			}
		}

		rec := ch.Lobby
		rec.ID = lobbyID
		rec.Version = expectVersion + 1
		rawRec, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, lk, rawRec, 0)
			for _, id := range ch.Remove {
				pipe.HDel(ctx, membersKey(lobbyID), id)
				pipe.Del(ctx, seatKey(id))
			}
			for _, m := range ch.Upsert {
				raw, err := json.Marshal(m)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, membersKey(lobbyID), m.UserID, raw)
				pipe.Set(ctx, seatKey(m.UserID), lobbyID, 0)
			}
			for _, u := range ch.Users {
				if err := queueUser(ctx, pipe, u); err != nil {
					return err
				}
			}
			for _, e := range ch.Log {
				e.LobbyID = lobbyID
				raw, err := json.Marshal(e)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, logKey(lobbyID), e.Key(), raw)
			}
			return nil
		})
		return err
	}, watched...)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrVersionConflict
	}
	return err
}

func (s *Store) DeleteLobby(ctx context.Context, id int64) error {
	if _, err := getLobby(ctx, s.rdb, id); err != nil {
		return err
	}
	uids, err := s.rdb.HKeys(ctx, membersKey(id)).Result()
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, uid := range uids {
			pipe.Del(ctx, seatKey(uid))
		}
		pipe.Del(ctx, lobbyKey(id), membersKey(id), logKey(id))
		pipe.SRem(ctx, lobbyIndexKey, id)
		return nil
	})
	return err
}

func (s *Store) ListLobbies(ctx context.Context) ([]domain.LobbyRecord, error) {
	ids, err := s.rdb.SMembers(ctx, lobbyIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.LobbyRecord, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		rec, err := getLobby(ctx, s.rdb, id)
		if errors.Is(err, domain.ErrLobbyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) MoveLog(ctx context.Context, lobbyID int64) ([]domain.MoveLogEntry, error) {
	if _, err := getLobby(ctx, s.rdb, lobbyID); err != nil {
		return nil, err
	}
	return s.moveLog(ctx, lobbyID)
}

func (s *Store) moveLog(ctx context.Context, lobbyID int64) ([]domain.MoveLogEntry, error) {
	raw, err := s.rdb.HVals(ctx, logKey(lobbyID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.MoveLogEntry, 0, len(raw))
	for _, v := range raw {
		var e domain.MoveLogEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	domain.SortMoveLog(out)
	return out, nil
}

func (s *Store) LoadUser(ctx context.Context, id string) (*domain.UserRecord, error) {
	raw, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u domain.UserRecord
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) SaveUser(ctx context.Context, u domain.UserRecord) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return queueUser(ctx, pipe, u)
	})
	return err
}

// queueUser writes the user row and keeps exactly one role index pointing at it.
func queueUser(ctx context.Context, pipe redis.Pipeliner, u domain.UserRecord) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = timeNow()
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	pipe.Set(ctx, userKey(u.ID), raw, 0)
	for _, r := range roles {
		if r != u.Role {
			pipe.SRem(ctx, roleKey(r), u.ID)
		}
	}
	pipe.SAdd(ctx, roleKey(u.Role), u.ID)
	return nil
}

func (s *Store) ListUsersByRole(ctx context.Context, role domain.Role) ([]domain.UserRecord, error) {
	ids, err := s.rdb.SMembers(ctx, roleKey(role)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	var out []domain.UserRecord
	for _, id := range ids {
		u, err := s.LoadUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if u != nil && u.Role == role {
			out = append(out, *u)
		}
	}
	return out, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
