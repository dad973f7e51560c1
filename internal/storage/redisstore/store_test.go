package redisstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func ptr(v int) *int { return &v }

func TestCreateLobbyTakesSmallestFreeID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		rec, err := s.CreateLobby(ctx, domain.LobbyConfig{DefaultStones: 5})
		require.NoError(t, err)
		assert.Equal(t, want, rec.ID)
	}
	require.NoError(t, s.DeleteLobby(ctx, 2))
	rec, err := s.CreateLobby(ctx, domain.LobbyConfig{DefaultStones: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.ID)

	list, err := s.ListLobbies(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, domain.StatusCreated, list[0].Status)
}

func TestCommitChecksVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rec, err := s.CreateLobby(ctx, domain.LobbyConfig{DefaultStones: 3})
	require.NoError(t, err)

	next := *rec
	next.Status = domain.StatusWaiting
	require.NoError(t, s.Commit(ctx, rec.ID, 0, domain.Change{Lobby: next}))
	assert.ErrorIs(t, s.Commit(ctx, rec.ID, 0, domain.Change{Lobby: next}), domain.ErrVersionConflict)
	assert.ErrorIs(t, s.Commit(ctx, 99, 0, domain.Change{Lobby: next}), domain.ErrLobbyNotFound)

	snap, err := s.LoadLobby(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Lobby.Version)
	assert.Equal(t, domain.StatusWaiting, snap.Lobby.Status)
}

func TestCommitRejectsSecondSeat(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, _ := s.CreateLobby(ctx, domain.LobbyConfig{DefaultStones: 3})
	b, _ := s.CreateLobby(ctx, domain.LobbyConfig{DefaultStones: 3})
	m := domain.Member{UserID: "u1", Seat: 1, Role: domain.RolePlayer}

	require.NoError(t, s.Commit(ctx, a.ID, 0, domain.Change{Lobby: *a, Upsert: []domain.Member{m}}))
	err := s.Commit(ctx, b.ID, 0, domain.Change{Lobby: *b, Upsert: []domain.Member{m}})
	assert.ErrorIs(t, err, domain.ErrMembershipConflict)

	snap, err := s.LoadLobby(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Members)
	assert.Equal(t, int64(0), snap.Lobby.Version)

	require.NoError(t, s.Commit(ctx, a.ID, 1, domain.Change{Lobby: *a, Remove: []string{"u1"}}))
	require.NoError(t, s.Commit(ctx, b.ID, 0, domain.Change{Lobby: *b, Upsert: []domain.Member{m}}))
}

func TestMoveLogUpsertAndRoundFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	rec, _ := s.CreateLobby(ctx, domain.LobbyConfig{DefaultStones: 3})
	r := *rec
	rows := []domain.MoveLogEntry{
		{Round: 0, Move: 1, PlayerID: "b"},
		{Round: 0, Move: 1, PlayerID: "a"},
	}
	require.NoError(t, s.Commit(ctx, r.ID, 0, domain.Change{Lobby: r, Log: rows}))
	require.NoError(t, s.Commit(ctx, r.ID, 1, domain.Change{Lobby: r, Log: []domain.MoveLogEntry{{Round: 0, Move: 1, PlayerID: "a", StoneID: ptr(2)}}}))
	r.Round = 1
	require.NoError(t, s.Commit(ctx, r.ID, 2, domain.Change{Lobby: r, Log: []domain.MoveLogEntry{{Round: 1, Move: 1, PlayerID: "a", StoneID: ptr(3)}}}))

	all, err := s.MoveLog(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].PlayerID)
	require.NotNil(t, all[0].StoneID)
	assert.Equal(t, 2, *all[0].StoneID)
	assert.Nil(t, all[1].StoneID)

	snap, err := s.LoadLobby(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, snap.Log, 1)
	assert.Equal(t, 1, snap.Log[0].Round)
}

func TestUsersAndRoleIndex(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	u, err := s.LoadUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, u)

	require.NoError(t, s.SaveUser(ctx, domain.UserRecord{ID: "u1", Role: domain.RoleAdmin}))
	require.NoError(t, s.SaveUser(ctx, domain.UserRecord{ID: "u2", Role: domain.RoleAdmin}))
	require.NoError(t, s.SaveUser(ctx, domain.UserRecord{ID: "u2", Role: domain.RolePlayer}))

	admins, err := s.ListUsersByRole(ctx, domain.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, "u1", admins[0].ID)
}

func TestDeleteFreesSeats(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	rec, _ := s.CreateLobby(ctx, domain.LobbyConfig{DefaultStones: 3})
	require.NoError(t, s.Commit(ctx, rec.ID, 0, domain.Change{Lobby: *rec, Upsert: []domain.Member{{UserID: "u1", Seat: 1}}}))
	assert.True(t, mr.Exists(seatKey("u1")))
	require.NoError(t, s.DeleteLobby(ctx, rec.ID))
	assert.False(t, mr.Exists(seatKey("u1")))
	_, err := s.LoadLobby(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrLobbyNotFound)
	assert.ErrorIs(t, s.DeleteLobby(ctx, rec.ID), domain.ErrLobbyNotFound)
}

// A full round through the lobby state machine, then a second registry
// reading the same Redis picks the game up mid-move.
func TestLobbyRoundTripThroughRedis(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	reg := lobby.NewRegistry(s, lobby.Options{})
	l, err := reg.Create(ctx, domain.LobbyConfig{DefaultStones: 4, MoveTimeout: time.Hour})
	require.NoError(t, err)
	var us []*lobby.UserSession
	for _, id := range []string{"a", "b", "c"} {
		u, err := reg.User(ctx, id, id, "room")
		require.NoError(t, err)
		require.NoError(t, l.Join(ctx, u))
		us = append(us, u)
	}
	require.NoError(t, l.StartGame(ctx))
	require.NoError(t, l.StartRound(ctx))
	require.NoError(t, l.RegisterChoice(ctx, us[0], 2))

	other := lobby.NewRegistry(s, lobby.Options{})
	again, err := other.Lobby(ctx, l.ID())
	require.NoError(t, err)
	st := again.Status()
	assert.Equal(t, domain.StatusStarted, st.Status)
	assert.Equal(t, 1, st.Chosen)
	assert.Equal(t, 3, st.Players)

	// both registries now race; the older mirror loses
	ub, err := other.User(ctx, "b", "", "")
	require.NoError(t, err)
	require.NoError(t, again.RegisterChoice(ctx, ub, 1))
	assert.ErrorIs(t, l.RegisterChoice(ctx, us[1], 1), lobby.ErrNotSynchronized)

	u, err := s.LoadUser(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, l.ID(), u.LobbyID)
}

func TestParseRedisURL(t *testing.T) {
	o, err := parseRedisURL("redis://:secret@localhost:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6380", o.Addr)
	assert.Equal(t, "secret", o.Password)
	assert.Equal(t, 2, o.DB)
	_, err = parseRedisURL("http://x")
	assert.Error(t, err)
}
