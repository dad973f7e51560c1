// Package render draws a player's stone field as a PNG.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Cell is one stone under the viewer's numbering.
type Cell struct {
	Number int
	Self   bool
	Others []string
}

type FieldOptions struct {
	Title string
	Cells []Cell
}

type FieldRenderer interface {
	RenderPNG(ctx context.Context, opts FieldOptions) ([]byte, error)
}

type gridRenderer struct {
	columns int
}

func NewFieldRenderer() FieldRenderer { return &gridRenderer{columns: 5} }

const (
	cellSize    = 104
	glyphSize   = 64
	margin      = 20
	headerH     = 36
	labelGap    = 4
	othersLimit = cellSize - 12
)

var (
	background  = color.RGBA{246, 241, 231, 255}
	headerColor = color.RGBA{58, 64, 74, 255}
	cellColor   = color.RGBA{232, 224, 208, 255}
	selfRing    = color.RGBA{232, 176, 42, 255}
	textDark    = color.RGBA{40, 40, 44, 255}
	textLight   = color.RGBA{250, 250, 250, 255}
	textMuted   = color.RGBA{120, 86, 52, 255}
)

func (r *gridRenderer) RenderPNG(ctx context.Context, opts FieldOptions) ([]byte, error) {
	cols := min(max(len(opts.Cells), 1), r.columns)
	rows := max((len(opts.Cells)+cols-1)/cols, 1)
	width := margin*2 + cols*cellSize
	height := margin*2 + headerH + rows*cellSize

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: img, Face: face}

	header := image.Rect(margin, margin, width-margin, margin+headerH-8)
	draw.Draw(img, header, image.NewUniform(headerColor), image.Point{}, draw.Src)
	drawCentered(drawer, header, truncate(face, opts.Title, header.Dx()-16), textLight)

	glyph, err := stoneGlyph(glyphSize)
	if err != nil {
		return nil, err
	}
	for i, c := range opts.Cells {
		if i%cols == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		origin := image.Pt(margin+(i%cols)*cellSize, margin+headerH+(i/cols)*cellSize)
		drawCell(img, drawer, glyph, origin, c)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func drawCell(img *image.RGBA, drawer *font.Drawer, glyph image.Image, origin image.Point, c Cell) {
	box := image.Rect(origin.X+4, origin.Y+4, origin.X+cellSize-4, origin.Y+cellSize-4)
	if c.Self {
		draw.Draw(img, box, image.NewUniform(selfRing), image.Point{}, draw.Src)
		box = box.Inset(3)
	}
	draw.Draw(img, box, image.NewUniform(cellColor), image.Point{}, draw.Src)

	gx := origin.X + (cellSize-glyphSize)/2
	gy := origin.Y + 8
	draw.Draw(img, image.Rect(gx, gy, gx+glyphSize, gy+glyphSize), glyph, image.Point{}, draw.Over)

	num := image.Rect(gx, gy, gx+glyphSize, gy+glyphSize-4)
	drawCentered(drawer, num, strconv.Itoa(c.Number), textLight)

	if len(c.Others) > 0 {
		line := image.Rect(origin.X+6, gy+glyphSize+labelGap, origin.X+cellSize-6, origin.Y+cellSize-6)
		drawCentered(drawer, line, truncate(drawer.Face, strings.Join(c.Others, ","), othersLimit), textMuted)
	} else if c.Self {
		line := image.Rect(origin.X+6, gy+glyphSize+labelGap, origin.X+cellSize-6, origin.Y+cellSize-6)
		drawCentered(drawer, line, "*", textDark)
	}
}

func drawCentered(drawer *font.Drawer, rect image.Rectangle, text string, clr color.Color) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m := drawer.Face.Metrics()
	x := rect.Min.X + max((rect.Dx()-drawer.MeasureString(text).Round())/2, 0)
	baseline := rect.Min.Y + (rect.Dy()+m.Ascent.Ceil()-m.Descent.Ceil())/2
	drawer.Src = image.NewUniform(clr)
	drawer.Dot = fixed.P(x, baseline)
	drawer.DrawString(text)
}

func truncate(face font.Face, text string, maxWidth int) string {
	text = strings.TrimSpace(text)
	d := font.Drawer{Face: face}
	if d.MeasureString(text).Round() <= maxWidth {
		return text
	}
	runes := []rune(text)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		if c := string(runes) + ".."; d.MeasureString(c).Round() <= maxWidth {
			return c
		}
	}
	return ""
}
