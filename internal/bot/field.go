package bot

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/Stones-KakaoTalk-bot/internal/lobby"
	"github.com/park285/Stones-KakaoTalk-bot/internal/msgcat"
	"github.com/park285/Stones-KakaoTalk-bot/internal/obslog"
	"github.com/park285/Stones-KakaoTalk-bot/internal/render"
	"github.com/park285/Stones-KakaoTalk-bot/internal/util"
)

// fieldData is one player's field at one point in time.
type fieldData struct {
	Token  string
	Status lobby.Status
	View   lobby.View
}

type fieldPresenter struct {
	cat      *msgcat.Catalog
	renderer render.FieldRenderer
}

func (p *fieldPresenter) statusText(st lobby.Status) string {
	return p.cat.Text("lobby_status", st, fmt.Sprintf("lobby %d: %s", st.LobbyID, st.Status))
}

// text lists every stone under the viewer's numbering, ascending.
func (p *fieldPresenter) text(f fieldData) string {
	lines := []string{p.cat.Text("view.header", map[string]any{
		"Token":     f.Token,
		"Round":     f.Status.Round,
		"Move":      f.Status.Move,
		"Remaining": f.Status.StonesRemaining,
	}, "")}
	for _, num := range sortedStones(f.View) {
		c := f.View[num]
		lines = append(lines, p.cat.Text("view.cell", map[string]any{
			"Stone":  num,
			"Self":   c.Self,
			"Others": c.Others,
		}, fmt.Sprintf("%d", num)))
	}
	return util.FoldLongMessage(strings.Join(lines, "\n"))
}

// render builds the text and, when a renderer is set, the PNG. A failed
// rendering still delivers the text.
func (p *fieldPresenter) render(ctx context.Context, f fieldData) outMsg {
	m := outMsg{Text: p.text(f)}
	if p.renderer == nil || len(f.View) == 0 {
		return m
	}
	nums := sortedStones(f.View)
	cells := make([]render.Cell, 0, len(nums))
	for _, num := range nums {
		c := f.View[num]
		cells = append(cells, render.Cell{Number: num, Self: c.Self, Others: c.Others})
	}
	raw, err := p.renderer.RenderPNG(ctx, render.FieldOptions{
		Title: fmt.Sprintf("%s  R%d M%d  left %d", f.Token, f.Status.Round+1, f.Status.Move, f.Status.StonesRemaining),
		Cells: cells,
	})
	if err != nil {
		obslog.L().Warn("field_render_error", zap.Int64("lobby_id", f.Status.LobbyID), zap.Error(err))
		return m
	}
	m.Image = base64.StdEncoding.EncodeToString(raw)
	return m
}

func sortedStones(v lobby.View) []int {
	nums := make([]int, 0, len(v))
	for k := range v {
		nums = append(nums, k)
	}
	sort.Ints(nums)
	return nums
}
