// Package fragmap draws the state of every page frame as a grid of
// colored cells, which makes fragmentation of the free lists visible.
package fragmap

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/fogleman/gg"

	"github.com/shenjiangwei/kmemAllocator/hybrid"
)

// ErrEmpty is returned when there are no pages to draw
var ErrEmpty = errors.New("fragmap: no pages")

const legendHeight = 20

// Palette maps page states to cell colors
var Palette = map[hybrid.PageState]color.RGBA{
	hybrid.PageHole:     {0x20, 0x20, 0x20, 0xff},
	hybrid.PageReserved: {0x80, 0x80, 0x80, 0xff},
	hybrid.PageFree:     {0x2e, 0xa0, 0x43, 0xff},
	hybrid.PageCached:   {0x9b, 0xe9, 0xa8, 0xff},
	hybrid.PageSlab:     {0xf0, 0x88, 0x3e, 0xff},
	hybrid.PageUsed:     {0xd7, 0x3a, 0x49, 0xff},
}

var background = color.RGBA{0xff, 0xff, 0xff, 0xff}

// Options control the layout
type Options struct {
	// pages per row
	Columns int
	// cell edge in pixels
	Cell int
	// draw a key below the grid
	Legend bool
}

// DefaultOptions fits a few hundred megabytes of 4K pages on a screen
func DefaultOptions() Options {
	return Options{Columns: 256, Cell: 2, Legend: true}
}

// Histogram counts the pages in each state
func Histogram(states []hybrid.PageState) map[hybrid.PageState]int {
	h := make(map[hybrid.PageState]int)
	for _, s := range states {
		h[s]++
	}
	return h
}

// Render draws states, one cell per page in row-major order
func Render(states []hybrid.PageState, opts Options) (*gg.Context, error) {
	if len(states) == 0 {
		return nil, ErrEmpty
	}
	if opts.Columns < 1 || opts.Cell < 1 {
		return nil, fmt.Errorf("fragmap: bad layout %d columns of %dpx", opts.Columns, opts.Cell)
	}
	rows := (len(states) + opts.Columns - 1) / opts.Columns
	width, height := opts.Columns*opts.Cell, rows*opts.Cell
	if opts.Legend {
		height += legendHeight
	}

	dc := gg.NewContext(width, height)
	dc.SetColor(background)
	dc.Clear()

	// one rectangle per run of equal states within a row
	cell := float64(opts.Cell)
	for row := 0; row < rows; row++ {
		start := row * opts.Columns
		end := min(start+opts.Columns, len(states))
		for i := start; i < end; {
			j := i + 1
			for j < end && states[j] == states[i] {
				j++
			}
			dc.SetColor(Palette[states[i]])
			dc.DrawRectangle(float64(i-start)*cell, float64(row)*cell, float64(j-i)*cell, cell)
			dc.Fill()
			i = j
		}
	}

	if opts.Legend {
		drawLegend(dc, float64(rows*opts.Cell), Histogram(states))
	}
	return dc, nil
}

func drawLegend(dc *gg.Context, top float64, hist map[hybrid.PageState]int) {
	x := 4.0
	for s := hybrid.PageHole; s <= hybrid.PageUsed; s++ {
		if hist[s] == 0 {
			continue
		}
		dc.SetColor(Palette[s])
		dc.DrawRectangle(x, top+6, 8, 8)
		dc.Fill()
		label := fmt.Sprintf("%s %d", s, hist[s])
		dc.SetColor(color.Black)
		dc.DrawString(label, x+12, top+15)
		w, _ := dc.MeasureString(label)
		x += w + 24
	}
}

// Image renders states to an image
func Image(states []hybrid.PageState, opts Options) (image.Image, error) {
	dc, err := Render(states, opts)
	if err != nil {
		return nil, err
	}
	return dc.Image(), nil
}

// Encode writes states to w as a PNG
func Encode(w io.Writer, states []hybrid.PageState, opts Options) error {
	dc, err := Render(states, opts)
	if err != nil {
		return err
	}
	return dc.EncodePNG(w)
}

// Save writes the page map of a to path as a PNG
func Save(path string, a *hybrid.Allocator, opts Options) error {
	dc, err := Render(a.PageStates(), opts)
	if err != nil {
		return err
	}
	return dc.SavePNG(path)
}
