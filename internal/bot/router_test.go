package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
	"github.com/park285/Stones-KakaoTalk-bot/internal/irisfast"
	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
	"github.com/park285/Stones-KakaoTalk-bot/internal/logexport"
	"github.com/park285/Stones-KakaoTalk-bot/internal/msgcat"
	"github.com/park285/Stones-KakaoTalk-bot/internal/render"
	stonesvc "github.com/park285/Stones-KakaoTalk-bot/internal/service/stones"
	"github.com/park285/Stones-KakaoTalk-bot/internal/storage/memstore"
	"github.com/park285/Stones-KakaoTalk-bot/internal/workpool"
)

type identity struct{}

func (identity) Perm(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return p
}

type sent struct {
	room  string
	text  string
	image string
}

type fakeEgress struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeEgress) SendText(_ context.Context, room, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{room: room, text: message})
	return nil
}

func (f *fakeEgress) SendImage(_ context.Context, room, imageBase64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{room: room, image: imageBase64})
	return nil
}

func (f *fakeEgress) has(room, substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.room == room && m.text != "" && strings.Contains(m.text, substr) {
			return true
		}
	}
	return false
}

func (f *fakeEgress) images(room string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.room == room && m.image != "" {
			n++
		}
	}
	return n
}

func syncPool() *workpool.Pool {
	return workpool.New(4, workpool.WithFallback(func(_ context.Context, fn func()) { fn() }))
}

var adminMeta = stonesvc.Meta{UserID: "admin", Name: "운영자", Room: "admin-room"}

func playerMeta(id string) stonesvc.Meta {
	return stonesvc.Meta{UserID: id, Name: id, Room: "dm-" + id}
}

func newTestBot(t *testing.T, renderer render.FieldRenderer) (*Router, *fakeEgress) {
	t.Helper()
	reg := lobby.NewRegistry(memstore.New(), lobby.Options{Rand: identity{}})
	cat, err := msgcat.New("")
	require.NoError(t, err)
	out := &fakeEgress{}
	pool := syncPool()
	notify, err := NewNotifier(reg, cat, out, pool, renderer, nil)
	require.NoError(t, err)
	svc, err := stonesvc.NewService(reg, notify, logexport.New(t.TempDir()), stonesvc.Config{
		AdminIDs:  []string{adminMeta.UserID},
		MovePause: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Boot(context.Background()))
	t.Cleanup(svc.Close)
	router, err := NewRouter(svc, cat, notify, pool, "!돌", nil)
	require.NoError(t, err)
	return router, out
}

func TestRouterGameFlow(t *testing.T) {
	r, out := newTestBot(t, render.NewFieldRenderer())
	ctx := context.Background()

	assert.Contains(t, r.Handle(ctx, adminMeta, "방만들기 3").Text, "1번 방을 만들었습니다")
	assert.Contains(t, r.Handle(ctx, playerMeta("p1"), "참가 1").Text, "p1님이 1번 방에 참가")
	assert.Contains(t, r.Handle(ctx, playerMeta("p2"), "참가 1").Text, "p2님이 1번 방에 참가")
	assert.True(t, out.has("dm-p1", "p2님이 1번 방에 참가"))

	assert.Contains(t, r.Handle(ctx, adminMeta, "시작 1").Text, "참가자 2명")
	assert.Contains(t, r.Handle(ctx, adminMeta, "라운드 1").Text, "1라운드 시작")

	require.Eventually(t, func() bool { return out.has("dm-p1", "1번째 수") }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return out.has("dm-p1", "🪨 A") && out.images("dm-p1") > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, out.has("dm-p2", "🪨 B"))

	assert.Contains(t, r.Handle(ctx, playerMeta("p1"), "1").Text, "1번 돌을 선택")
	assert.Contains(t, r.Handle(ctx, playerMeta("p1"), "선택 2").Text, "이미 돌을 골랐습니다")
	assert.Contains(t, r.Handle(ctx, playerMeta("p1"), "보기").Text, "1번 ⭐")
	assert.Contains(t, r.Handle(ctx, adminMeta, "보기").Text, "관리자는 돌판 대신")

	assert.Contains(t, r.Handle(ctx, playerMeta("p2"), "2").Text, "2번 돌을 선택")
	require.Eventually(t, func() bool { return out.has("dm-p1", "모두 선택") }, 2*time.Second, 5*time.Millisecond)

	assert.Contains(t, r.Handle(ctx, adminMeta, "상태 1").Text, "1번 방 [진행 중]")
	r.Handle(ctx, adminMeta, "라운드종료 1")
	require.Eventually(t, func() bool {
		return out.has("dm-p1", "라운드 종료") || out.has("dm-p1", "라운드 성공")
	}, 2*time.Second, 5*time.Millisecond)

	assert.Contains(t, r.Handle(ctx, adminMeta, "기록 1").Text, "stones_lobby1_")
	assert.Contains(t, r.Handle(ctx, adminMeta, "게임종료 1").Text, "게임이 끝났습니다")
	assert.True(t, out.has("dm-p2", "게임이 끝났습니다"))
}

func TestRouterErrorsAndUsage(t *testing.T) {
	r, _ := newTestBot(t, nil)
	ctx := context.Background()

	assert.Contains(t, r.Handle(ctx, playerMeta("p1"), "방만들기 3").Text, "관리자만 사용할 수 있는")
	assert.Contains(t, r.Handle(ctx, adminMeta, "방만들기 abc").Text, "사용법: !돌 방만들기")
	assert.Contains(t, r.Handle(ctx, adminMeta, "방만들기 500").Text, "돌 개수가 올바르지 않습니다")
	assert.Contains(t, r.Handle(ctx, playerMeta("p1"), "참가").Text, "사용법: !돌 참가 <방번호>")
	assert.Contains(t, r.Handle(ctx, playerMeta("p1"), "참가 9").Text, "대상을 찾을 수 없습니다")
	assert.Contains(t, r.Handle(ctx, playerMeta("p1"), "나가기").Text, "참가 중인 방이 없습니다")
	assert.Contains(t, r.Handle(ctx, playerMeta("p1"), "춤추기").Text, "알 수 없는 명령어")
	assert.Contains(t, r.Handle(ctx, adminMeta, "관리자해임 admin").Text, "자기 자신은 해임할 수 없습니다")
}

func TestRouterHelpDependsOnRole(t *testing.T) {
	r, _ := newTestBot(t, nil)
	ctx := context.Background()

	assert.NotContains(t, r.Handle(ctx, playerMeta("p1"), "").Text, "관리자 ──")
	assert.Contains(t, r.Handle(ctx, adminMeta, "도움말").Text, "관리자 ──")
}

func TestRouterAdminRequests(t *testing.T) {
	r, out := newTestBot(t, nil)
	ctx := context.Background()

	r.Handle(ctx, adminMeta, "관리자목록")
	assert.Contains(t, r.Handle(ctx, adminMeta, "요청목록").Text, "대기 중인 관리자 요청이 없습니다")
	assert.Contains(t, r.Handle(ctx, playerMeta("p1"), "관리자요청").Text, "관리자 권한을 요청했습니다")
	assert.True(t, out.has(adminMeta.Room, "p1(p1)님이 관리자 권한을 요청"))

	assert.Contains(t, r.Handle(ctx, adminMeta, "요청목록").Text, "• p1 (p1)")
	assert.Contains(t, r.Handle(ctx, adminMeta, "관리자수락 @p1").Text, "p1님을 관리자로 임명")
	assert.Contains(t, r.Handle(ctx, adminMeta, "관리자목록").Text, "p1 (p1)")
	assert.Contains(t, r.Handle(ctx, adminMeta, "관리자해임 p1").Text, "권한을 해제")
	assert.Contains(t, r.Handle(ctx, adminMeta, "관리자거절 p1").Text, "관리자 요청이 없습니다")
}

func TestHandleMessageFiltersPrefix(t *testing.T) {
	r, out := newTestBot(t, nil)
	sender := "p1"

	r.HandleMessage(&irisfast.Message{Msg: "안녕하세요", Room: "dm-p1", Sender: &sender})
	r.HandleMessage(nil)
	assert.False(t, out.has("dm-p1", ""))

	r.HandleMessage(&irisfast.Message{
		Msg:    "!돌 방목록",
		Room:   "dm-p1",
		Sender: &sender,
		JSON:   &irisfast.MessageJSON{UserID: "p1"},
	})
	assert.True(t, out.has("dm-p1", "참가할 수 있는 방이 없습니다"))
}

func TestChatRoomsSkipsAgentsAndDuplicates(t *testing.T) {
	members := []domain.Member{
		{UserID: "a", Room: "group", Role: domain.RolePlayer},
		{UserID: "b", Room: "group", Role: domain.RolePlayer},
		{UserID: "c", Room: "bot", Role: domain.RoleAgent},
		{UserID: "d", Room: "admin", Role: domain.RoleAdmin},
		{UserID: "e", Room: "", Role: domain.RolePlayer},
	}
	assert.Equal(t, []string{"group", "admin"}, chatRooms(members, ""))
	assert.Equal(t, []string{"admin"}, chatRooms(members, "group"))
}
