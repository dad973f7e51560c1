// Package bot turns chat messages into stones service calls and round events
// into chat messages.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
	"github.com/park285/Stones-KakaoTalk-bot/internal/irisfast"
	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
	"github.com/park285/Stones-KakaoTalk-bot/internal/msgcat"
	stonesvc "github.com/park285/Stones-KakaoTalk-bot/internal/service/stones"
	"github.com/park285/Stones-KakaoTalk-bot/internal/util"
	"github.com/park285/Stones-KakaoTalk-bot/internal/workpool"
)

const commandTimeout = 30 * time.Second

// usageError asks the user to retype a command. It renders the usage.<Key> template.
type usageError struct {
	Key     string
	Command string
}

func (e usageError) Error() string { return "usage: " + e.Key }

type Router struct {
	svc    *stonesvc.Service
	cat    *msgcat.Catalog
	notify *Notifier
	pool   *workpool.Pool
	prefix string
	logger *zap.Logger
}

func NewRouter(svc *stonesvc.Service, cat *msgcat.Catalog, notify *Notifier, pool *workpool.Pool, prefix string, logger *zap.Logger) (*Router, error) {
	if svc == nil {
		return nil, fmt.Errorf("stones service is required")
	}
	if cat == nil {
		return nil, fmt.Errorf("message catalog is required")
	}
	if notify == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if strings.TrimSpace(prefix) == "" {
		return nil, fmt.Errorf("command prefix is required")
	}
	if pool == nil {
		pool = workpool.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{svc: svc, cat: cat, notify: notify, pool: pool, prefix: strings.TrimSpace(prefix), logger: logger}, nil
}

// HandleMessage is the WebSocket message callback. Work runs on the pool so
// the read loop never blocks.
func (r *Router) HandleMessage(msg *irisfast.Message) {
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Msg)
	if !strings.HasPrefix(text, r.prefix) {
		return
	}
	meta := metaFrom(msg)
	if meta.UserID == "" {
		r.logger.Debug("command_ignored", zap.String("room", msg.Room), zap.String("reason", "no user id"))
		return
	}
	raw := strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	r.pool.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if out := r.Handle(ctx, meta, raw); out.Text != "" || out.Image != "" {
			r.notify.Reply(meta.Room, out)
		}
	})
}

// Handle runs one command (prefix already stripped) and returns the reply.
func (r *Router) Handle(ctx context.Context, meta stonesvc.Meta, raw string) outMsg {
	reqID := uuid.NewString()
	start := time.Now()

	fields := strings.Fields(raw)
	cmd := ""
	var args []string
	if len(fields) > 0 {
		cmd, args = fields[0], fields[1:]
	}

	out, err := r.dispatch(ctx, meta, cmd, args)
	code := ""
	if err != nil {
		code = stonesvc.ErrorCode(err)
		var ue usageError
		if errors.As(err, &ue) {
			code = "USAGE"
		}
		out = outMsg{Text: r.errorText(err)}
	}
	lvl := r.logger.Info
	if code == "UNKNOWN_ERROR" {
		lvl = r.logger.Warn
	}
	lvl("command",
		zap.String("request_id", reqID),
		zap.String("user_id", meta.UserID),
		zap.String("room", meta.Room),
		zap.String("cmd", cmd),
		zap.String("code", code),
		zap.Error(err),
		zap.Duration("took", time.Since(start)),
	)
	return out
}

func (r *Router) errorText(err error) string {
	var ue usageError
	if errors.As(err, &ue) {
		return r.cat.Text("usage."+ue.Key, map[string]any{
			"Prefix":  r.prefix,
			"Command": ue.Command,
			"Max":     r.svc.Config().MaxStones,
		}, ue.Error())
	}
	code := stonesvc.ErrorCode(err)
	return r.cat.Text("errors."+code, nil, r.cat.Text("errors.UNKNOWN_ERROR", nil, code))
}

func (r *Router) dispatch(ctx context.Context, meta stonesvc.Meta, cmd string, args []string) (outMsg, error) {
	switch cmd {
	case "", "도움말", "help":
		return r.help(ctx, meta)
	case "방만들기":
		return r.makeLobby(ctx, meta, args)
	case "방삭제":
		return r.deleteLobby(ctx, meta, cmd, args)
	case "방목록":
		return r.listLobbies(ctx, meta)
	case "참가":
		return r.join(ctx, meta, cmd, args)
	case "나가기":
		return r.leave(ctx, meta)
	case "시작":
		return r.startGame(ctx, meta, cmd, args)
	case "라운드":
		return r.startRound(ctx, meta, cmd, args)
	case "선택":
		if len(args) == 0 {
			return outMsg{}, usageError{Key: "unknown"}
		}
		return r.choose(ctx, meta, args[0])
	case "보기":
		return r.view(ctx, meta)
	case "상태":
		return r.status(ctx, meta, args)
	case "라운드종료":
		return r.endRound(ctx, meta, cmd, args)
	case "게임종료":
		return r.endGame(ctx, meta, cmd, args)
	case "기록":
		return r.export(ctx, meta, cmd, args)
	case "관리자요청":
		return r.requestAdmin(ctx, meta)
	case "요청목록":
		return r.pendingAdmins(ctx, meta)
	case "관리자수락", "관리자거절":
		return r.resolveAdmin(ctx, meta, cmd, args, cmd == "관리자수락")
	case "관리자해임":
		return r.fireAdmin(ctx, meta, cmd, args)
	case "관리자목록":
		return r.listAdmins(ctx)
	}
	if _, err := strconv.Atoi(cmd); err == nil {
		return r.choose(ctx, meta, cmd)
	}
	return outMsg{}, usageError{Key: "unknown"}
}

func (r *Router) text(key string, data any) outMsg {
	return outMsg{Text: r.cat.Text(key, data, "")}
}

func (r *Router) help(ctx context.Context, meta stonesvc.Meta) (outMsg, error) {
	role, err := r.svc.Role(ctx, meta)
	if err != nil {
		return outMsg{}, err
	}
	return r.text("help", map[string]any{"Prefix": r.prefix, "Admin": role == domain.RoleAdmin}), nil
}

func (r *Router) makeLobby(ctx context.Context, meta stonesvc.Meta, args []string) (outMsg, error) {
	var stones, minutes int
	var err error
	if len(args) > 0 {
		if stones, err = strconv.Atoi(args[0]); err != nil {
			return outMsg{}, usageError{Key: "make"}
		}
	}
	if len(args) > 1 {
		if minutes, err = strconv.Atoi(args[1]); err != nil || minutes < 0 {
			return outMsg{}, usageError{Key: "make"}
		}
	}
	st, err := r.svc.MakeLobby(ctx, meta, stones, time.Duration(minutes)*time.Minute)
	if err != nil {
		return outMsg{}, err
	}
	return r.text("lobby.made", map[string]any{"LobbyID": st.LobbyID, "Stones": st.DefaultStones}), nil
}

func (r *Router) deleteLobby(ctx context.Context, meta stonesvc.Meta, cmd string, args []string) (outMsg, error) {
	id, err := lobbyArg(cmd, args)
	if err != nil {
		return outMsg{}, err
	}
	members := r.members(ctx, id)
	if err := r.svc.DeleteLobby(ctx, meta, id); err != nil {
		return outMsg{}, err
	}
	out := r.text("lobby.deleted", map[string]any{"LobbyID": id})
	r.notify.Announce(members, out.Text, meta.Room)
	return out, nil
}

func (r *Router) listLobbies(ctx context.Context, meta stonesvc.Meta) (outMsg, error) {
	recs, err := r.svc.ListLobbies(ctx, meta)
	if err != nil {
		return outMsg{}, err
	}
	if len(recs) == 0 {
		return r.text("lobby.list_empty", nil), nil
	}
	out := r.text("lobby.list", map[string]any{"Lobbies": recs})
	out.Text = util.FoldLongMessage(out.Text)
	return out, nil
}

func (r *Router) join(ctx context.Context, meta stonesvc.Meta, cmd string, args []string) (outMsg, error) {
	id, err := lobbyArg(cmd, args)
	if err != nil {
		return outMsg{}, err
	}
	if err := r.svc.JoinLobby(ctx, meta, id); err != nil {
		return outMsg{}, err
	}
	out := r.text("lobby.joined", map[string]any{"Name": displayName(meta), "LobbyID": id})
	r.notify.Announce(r.members(ctx, id), out.Text, meta.Room)
	return out, nil
}

func (r *Router) leave(ctx context.Context, meta stonesvc.Meta) (outMsg, error) {
	id, err := r.svc.LeaveLobby(ctx, meta)
	if err != nil {
		return outMsg{}, err
	}
	out := r.text("lobby.left", map[string]any{"Name": displayName(meta), "LobbyID": id})
	r.notify.Announce(r.members(ctx, id), out.Text, meta.Room)
	return out, nil
}

func (r *Router) startGame(ctx context.Context, meta stonesvc.Meta, cmd string, args []string) (outMsg, error) {
	id, err := lobbyArg(cmd, args)
	if err != nil {
		return outMsg{}, err
	}
	if err := r.svc.StartGame(ctx, meta, id); err != nil {
		return outMsg{}, err
	}
	st, err := r.svc.LobbyStatus(ctx, id)
	if err != nil {
		return outMsg{}, err
	}
	out := r.text("game.started", map[string]any{"LobbyID": id, "Players": st.Players})
	r.notify.Announce(r.members(ctx, id), out.Text, meta.Room)
	return out, nil
}

func (r *Router) startRound(ctx context.Context, meta stonesvc.Meta, cmd string, args []string) (outMsg, error) {
	id, err := lobbyArg(cmd, args)
	if err != nil {
		return outMsg{}, err
	}
	if err := r.svc.StartRound(ctx, meta, id); err != nil {
		return outMsg{}, err
	}
	st, err := r.svc.LobbyStatus(ctx, id)
	if err != nil {
		return outMsg{}, err
	}
	out := r.text("round.started", map[string]any{"LobbyID": id, "Round": st.Round, "Stones": st.DefaultStones})
	r.notify.Announce(r.members(ctx, id), out.Text, meta.Room)
	return out, nil
}

func (r *Router) choose(ctx context.Context, meta stonesvc.Meta, arg string) (outMsg, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return outMsg{}, usageError{Key: "unknown"}
	}
	if err := r.svc.SubmitChoice(ctx, meta, n); err != nil {
		return outMsg{}, err
	}
	if n == 0 {
		return r.text("choice.cleared", nil), nil
	}
	return r.text("choice.accepted", map[string]any{"Stone": n}), nil
}

func (r *Router) view(ctx context.Context, meta stonesvc.Meta) (outMsg, error) {
	role, err := r.svc.Role(ctx, meta)
	if err != nil {
		return outMsg{}, err
	}
	if role == domain.RoleAdmin {
		text := r.cat.Text("view.admin", nil, "")
		if st, err := r.svc.MyLobby(ctx, meta); err == nil {
			text += "\n" + r.notify.fields.statusText(st)
		}
		return outMsg{Text: text}, nil
	}
	f, err := r.svc.CurrentView(ctx, meta)
	if err != nil {
		return outMsg{}, err
	}
	return r.notify.fields.render(ctx, fieldData{Token: f.Token, Status: f.Status, View: f.View}), nil
}

func (r *Router) status(ctx context.Context, meta stonesvc.Meta, args []string) (outMsg, error) {
	var (
		st  lobby.Status
		err error
	)
	if len(args) > 0 {
		id, perr := strconv.ParseInt(args[0], 10, 64)
		if perr != nil || id <= 0 {
			return outMsg{}, usageError{Key: "lobby_id", Command: "상태"}
		}
		st, err = r.svc.LobbyStatus(ctx, id)
	} else {
		st, err = r.svc.MyLobby(ctx, meta)
	}
	if err != nil {
		return outMsg{}, err
	}
	return outMsg{Text: r.notify.fields.statusText(st)}, nil
}

func (r *Router) endRound(ctx context.Context, meta stonesvc.Meta, cmd string, args []string) (outMsg, error) {
	id, err := lobbyArg(cmd, args)
	if err != nil {
		return outMsg{}, err
	}
	if err := r.svc.EndRound(ctx, meta, id); err != nil {
		return outMsg{}, err
	}
	st, err := r.svc.LobbyStatus(ctx, id)
	if err != nil {
		return outMsg{}, err
	}
	return outMsg{Text: r.notify.fields.statusText(st)}, nil
}

func (r *Router) endGame(ctx context.Context, meta stonesvc.Meta, cmd string, args []string) (outMsg, error) {
	id, err := lobbyArg(cmd, args)
	if err != nil {
		return outMsg{}, err
	}
	members := r.members(ctx, id)
	if err := r.svc.EndGame(ctx, meta, id); err != nil {
		return outMsg{}, err
	}
	out := r.text("game.ended", map[string]any{"LobbyID": id})
	r.notify.Announce(members, out.Text, meta.Room)
	return out, nil
}

func (r *Router) export(ctx context.Context, meta stonesvc.Meta, cmd string, args []string) (outMsg, error) {
	id, err := lobbyArg(cmd, args)
	if err != nil {
		return outMsg{}, err
	}
	path, err := r.svc.ExportLog(ctx, meta, id)
	if err != nil {
		return outMsg{}, err
	}
	return r.text("export.done", map[string]any{"LobbyID": id, "Path": path}), nil
}

func (r *Router) requestAdmin(ctx context.Context, meta stonesvc.Meta) (outMsg, error) {
	if err := r.svc.RequestAdmin(ctx, meta); err != nil {
		return outMsg{}, err
	}
	if admins, err := r.svc.ListAdmins(ctx); err == nil {
		notice := r.cat.Text("admin.request_notice", map[string]any{"Name": displayName(meta), "UserID": meta.UserID}, "")
		r.notify.SendToUsers(admins, notice)
	}
	return r.text("admin.requested", nil), nil
}

func (r *Router) pendingAdmins(ctx context.Context, meta stonesvc.Meta) (outMsg, error) {
	users, err := r.svc.PendingAdminRequests(ctx, meta)
	if err != nil {
		return outMsg{}, err
	}
	if len(users) == 0 {
		return r.text("admin.pending_empty", nil), nil
	}
	return r.text("admin.pending", map[string]any{"Users": users}), nil
}

func (r *Router) resolveAdmin(ctx context.Context, meta stonesvc.Meta, cmd string, args []string, accept bool) (outMsg, error) {
	target, err := userArg(cmd, args)
	if err != nil {
		return outMsg{}, err
	}
	if err := r.svc.ResolveAdminRequest(ctx, meta, target, accept); err != nil {
		return outMsg{}, err
	}
	key := "admin.rejected"
	if accept {
		key = "admin.accepted"
	}
	return r.text(key, map[string]any{"UserID": target}), nil
}

func (r *Router) fireAdmin(ctx context.Context, meta stonesvc.Meta, cmd string, args []string) (outMsg, error) {
	target, err := userArg(cmd, args)
	if err != nil {
		return outMsg{}, err
	}
	if err := r.svc.FireAdmin(ctx, meta, target); err != nil {
		return outMsg{}, err
	}
	return r.text("admin.fired", map[string]any{"UserID": target}), nil
}

func (r *Router) listAdmins(ctx context.Context) (outMsg, error) {
	users, err := r.svc.ListAdmins(ctx)
	if err != nil {
		return outMsg{}, err
	}
	return r.text("admin.list", map[string]any{"Users": users}), nil
}

// members is best effort; announcements are skipped when the lobby is gone.
func (r *Router) members(ctx context.Context, id int64) []domain.Member {
	sess, err := r.svc.Registry().Lobby(ctx, id)
	if err != nil {
		return nil
	}
	return sess.Members()
}

func lobbyArg(cmd string, args []string) (int64, error) {
	if len(args) == 0 {
		return 0, usageError{Key: "lobby_id", Command: cmd}
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, usageError{Key: "lobby_id", Command: cmd}
	}
	return id, nil
}

func userArg(cmd string, args []string) (string, error) {
	if len(args) == 0 {
		return "", usageError{Key: "user_id", Command: cmd}
	}
	id := strings.TrimPrefix(strings.TrimSpace(args[0]), "@")
	if id == "" {
		return "", usageError{Key: "user_id", Command: cmd}
	}
	return id, nil
}

func metaFrom(msg *irisfast.Message) stonesvc.Meta {
	meta := stonesvc.Meta{Room: strings.TrimSpace(msg.Room)}
	if msg.Sender != nil {
		meta.Name = strings.TrimSpace(*msg.Sender)
	}
	if msg.JSON != nil && strings.TrimSpace(msg.JSON.UserID) != "" {
		meta.UserID = strings.TrimSpace(msg.JSON.UserID)
	} else {
		meta.UserID = meta.Name
	}
	return meta
}

func displayName(meta stonesvc.Meta) string {
	if meta.Name != "" {
		return meta.Name
	}
	return meta.UserID
}
