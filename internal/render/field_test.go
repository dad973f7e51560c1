package render

import (
	"bytes"
	"context"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/basicfont"
)

func TestRenderFieldPNG(t *testing.T) {
	r := NewFieldRenderer()
	raw, err := r.RenderPNG(context.Background(), FieldOptions{
		Title: "A  R1 M2  left 7",
		Cells: []Cell{
			{Number: 1},
			{Number: 2, Self: true},
			{Number: 3, Others: []string{"B", "C"}},
			{Number: 4}, {Number: 5}, {Number: 6}, {Number: 7},
		},
	})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, margin*2+5*cellSize, img.Bounds().Dx())
	assert.Equal(t, margin*2+headerH+2*cellSize, img.Bounds().Dy())

	// the self cell's border is drawn in the ring colour
	corner := img.At(margin+cellSize+5, margin+headerH+5)
	r32, g32, b32, _ := corner.RGBA()
	assert.Equal(t, uint32(selfRing.R), r32>>8)
	assert.Equal(t, uint32(selfRing.G), g32>>8)
	assert.Equal(t, uint32(selfRing.B), b32>>8)
}

func TestRenderEmptyField(t *testing.T) {
	raw, err := NewFieldRenderer().RenderPNG(context.Background(), FieldOptions{Title: "done"})
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, margin*2+cellSize, img.Bounds().Dx())
}

func TestRenderHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFieldRenderer().RenderPNG(ctx, FieldOptions{Cells: []Cell{{Number: 1}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGlyphCached(t *testing.T) {
	a, err := stoneGlyph(32)
	require.NoError(t, err)
	b, err := stoneGlyph(32)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestTruncate(t *testing.T) {
	face := basicfont.Face7x13
	assert.Equal(t, "AB", truncate(face, " AB ", 100))
	out := truncate(face, "AAAAAAAAAAAAAAAAAAAA", 50)
	assert.Less(t, len(out), 20)
	assert.Contains(t, out, "..")
}
