package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/park285/Stones-KakaoTalk-bot/internal/domain"
	"github.com/park285/Stones-KakaoTalk-bot/internal/irisfast"
	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
	"github.com/park285/Stones-KakaoTalk-bot/internal/msgcat"
	"github.com/park285/Stones-KakaoTalk-bot/internal/render"
	"github.com/park285/Stones-KakaoTalk-bot/internal/util"
	"github.com/park285/Stones-KakaoTalk-bot/internal/workpool"
)

const sendTimeout = 10 * time.Second

// outMsg is one chat delivery. Image is base64 PNG.
type outMsg struct {
	Text  string
	Image string
}

// Notifier turns round loop events into chat messages. Agents never receive
// chat output; admins get the lobby summary instead of a field.
type Notifier struct {
	reg    *lobby.Registry
	cat    *msgcat.Catalog
	out    irisfast.Egress
	pool   *workpool.Pool
	fields *fieldPresenter
	logger *zap.Logger
}

// NewNotifier wires the chat side of the round loop. A nil renderer sends text only.
func NewNotifier(reg *lobby.Registry, cat *msgcat.Catalog, out irisfast.Egress, pool *workpool.Pool, renderer render.FieldRenderer, logger *zap.Logger) (*Notifier, error) {
	if reg == nil {
		return nil, fmt.Errorf("lobby registry is required")
	}
	if cat == nil {
		return nil, fmt.Errorf("message catalog is required")
	}
	if out == nil {
		return nil, fmt.Errorf("egress is required")
	}
	if pool == nil {
		pool = workpool.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		reg:    reg,
		cat:    cat,
		out:    out,
		pool:   pool,
		fields: &fieldPresenter{cat: cat, renderer: renderer},
		logger: logger,
	}, nil
}

func (n *Notifier) MoveOpened(s *lobby.Session, b *lobby.MoveBarrier) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	st := s.Status()
	members := s.Members()
	opened := n.cat.Text("move.opened", map[string]any{
		"Round":   b.Round,
		"Move":    b.Move,
		"Timeout": util.KoreanDuration(b.Deadline().Sub(b.OpenedAt())),
	}, "")

	plan := newDeliveryPlan()
	for _, room := range chatRooms(members, "") {
		plan.add(room, outMsg{Text: opened})
	}
	for _, m := range members {
		switch m.Role {
		case domain.RoleAgent:
			continue
		case domain.RoleAdmin:
			plan.add(m.Room, outMsg{Text: n.fields.statusText(st)})
			continue
		}
		u, err := n.reg.User(ctx, m.UserID, "", "")
		if err != nil {
			n.logger.Warn("notify_view_error", zap.Int64("lobby_id", st.LobbyID), zap.String("user_id", m.UserID), zap.Error(err))
			continue
		}
		view, err := s.CurrentView(u)
		if err != nil {
			n.logger.Warn("notify_view_error", zap.Int64("lobby_id", st.LobbyID), zap.String("user_id", m.UserID), zap.Error(err))
			continue
		}
		plan.addField(m.Room, m.Token, st, view)
	}
	n.deliver(plan)
}

func (n *Notifier) MoveEnded(s *lobby.Session, res *lobby.MoveResult) {
	text := n.cat.Text("move.ended", map[string]any{
		"Move":      res.Move,
		"Reason":    string(res.Reason),
		"Removed":   []int(res.Removed),
		"Remaining": len(res.Remaining),
	}, "")
	n.Announce(s.Members(), text, "")
}

func (n *Notifier) RoundEnded(s *lobby.Session, res *lobby.RoundResult) {
	key := "round.failed"
	if res.Cleared {
		key = "round.cleared"
	}
	text := n.cat.Text(key, map[string]any{
		"Round":     res.Round,
		"Moves":     res.Moves,
		"Remaining": len(res.Remaining),
	}, "")
	n.Announce(s.Members(), text, "")
}

// Announce sends text once to every chat room the members sit in, except skip.
func (n *Notifier) Announce(members []domain.Member, text, skip string) {
	if text == "" {
		return
	}
	plan := newDeliveryPlan()
	for _, room := range chatRooms(members, skip) {
		plan.add(room, outMsg{Text: text})
	}
	n.deliver(plan)
}

// SendToUsers delivers text to the rooms of the given users.
func (n *Notifier) SendToUsers(users []domain.UserRecord, text string) {
	plan := newDeliveryPlan()
	for _, room := range lo.Uniq(lo.FilterMap(users, func(u domain.UserRecord, _ int) (string, bool) {
		return u.Room, u.Room != "" && u.Role != domain.RoleAgent
	})) {
		plan.add(room, outMsg{Text: text})
	}
	n.deliver(plan)
}

// Reply sends one message to a single room.
func (n *Notifier) Reply(room string, msg outMsg) {
	plan := newDeliveryPlan()
	plan.add(room, msg)
	n.deliver(plan)
}

// deliver posts one job per room so messages to a room keep their order.
func (n *Notifier) deliver(plan *deliveryPlan) {
	for _, room := range plan.rooms {
		items := plan.items[room]
		n.pool.Post(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			for _, it := range items {
				if it.field != nil {
					it.msg = n.fields.render(ctx, *it.field)
				}
				n.send(ctx, room, it.msg)
			}
		})
	}
}

func (n *Notifier) send(ctx context.Context, room string, m outMsg) {
	if m.Text != "" {
		if err := n.out.SendText(ctx, room, m.Text); err != nil {
			n.logger.Warn("notify_error", zap.String("room", room), zap.String("kind", "text"), zap.Error(err))
			return
		}
	}
	if m.Image != "" {
		if err := n.out.SendImage(ctx, room, m.Image); err != nil {
			n.logger.Warn("notify_error", zap.String("room", room), zap.String("kind", "image"), zap.Error(err))
		}
	}
}

type planItem struct {
	msg   outMsg
	field *fieldData
}

type deliveryPlan struct {
	rooms []string
	items map[string][]planItem
}

func newDeliveryPlan() *deliveryPlan {
	return &deliveryPlan{items: make(map[string][]planItem)}
}

func (p *deliveryPlan) push(room string, it planItem) {
	if room == "" {
		return
	}
	if _, ok := p.items[room]; !ok {
		p.rooms = append(p.rooms, room)
	}
	p.items[room] = append(p.items[room], it)
}

func (p *deliveryPlan) add(room string, m outMsg) { p.push(room, planItem{msg: m}) }

// addField defers text and PNG rendering to the delivery job.
func (p *deliveryPlan) addField(room, token string, st lobby.Status, view lobby.View) {
	p.push(room, planItem{field: &fieldData{Token: token, Status: st, View: view}})
}

// chatRooms lists distinct rooms of non-agent members in seat order.
func chatRooms(members []domain.Member, skip string) []string {
	return lo.Uniq(lo.FilterMap(members, func(m domain.Member, _ int) (string, bool) {
		return m.Room, m.Room != "" && m.Room != skip && m.Role != domain.RoleAgent
	}))
}
