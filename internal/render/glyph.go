package render

import (
	"bytes"
	"embed"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

//go:embed assets/*.svg
var glyphFiles embed.FS

var (
	glyphCache   = map[int]image.Image{}
	glyphCacheMu sync.RWMutex
)

// stoneGlyph rasterizes the stone icon at size×size, cached per size.
func stoneGlyph(size int) (image.Image, error) {
	glyphCacheMu.RLock()
	if img, ok := glyphCache[size]; ok {
		glyphCacheMu.RUnlock()
		return img, nil
	}
	glyphCacheMu.RUnlock()

	data, err := glyphFiles.ReadFile("assets/stone.svg")
	if err != nil {
		return nil, fmt.Errorf("read stone asset: %w", err)
	}
	icon, err := oksvg.ReadIconStream(bytes.NewReader(sanitizeSVG(data)))
	if err != nil {
		return nil, fmt.Errorf("parse stone svg: %w", err)
	}
	if icon.ViewBox.W <= 0 {
		icon.ViewBox.W = float64(size)
	}
	if icon.ViewBox.H <= 0 {
		icon.ViewBox.H = float64(size)
	}
	icon.SetTarget(0, 0, float64(size), float64(size))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(size, size, scanner), 1.0)

	glyphCacheMu.Lock()
	glyphCache[size] = img
	glyphCacheMu.Unlock()
	return img, nil
}

// sanitizeSVG strips the "prop: #rgb" spacing oksvg refuses to parse.
func sanitizeSVG(svg []byte) []byte {
	fixed := bytes.ReplaceAll(svg, []byte("fill: #"), []byte("fill:#"))
	fixed = bytes.ReplaceAll(fixed, []byte("stroke: #"), []byte("stroke:#"))
	fixed = bytes.ReplaceAll(fixed, []byte("stop-color: #"), []byte("stop-color:#"))
	return fixed
}
