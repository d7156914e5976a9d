// Package postprocess cuts composite grid images into per-item cells.
package postprocess

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/ineyio/gridcredit"
)

// GridSlicer cuts a 2x2 composite into four PNG cells in row-major order
// (top left, top right, bottom left, bottom right).
type GridSlicer struct {
	// CellSize, when positive, resizes every cell to a CellSize square.
	CellSize int
}

var _ gridcredit.Slicer = GridSlicer{}

// Slice implements gridcredit.Slicer.
func (s GridSlicer) Slice(composite gridcredit.Artifact) ([]gridcredit.Artifact, error) {
	if composite.Empty() {
		return nil, fmt.Errorf("postprocess: empty composite")
	}
	img, err := imaging.Decode(bytes.NewReader(composite.Data))
	if err != nil {
		return nil, fmt.Errorf("postprocess: decode composite: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx()/2, b.Dy()/2
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("postprocess: composite %dx%d is too small to slice", b.Dx(), b.Dy())
	}

	out := make([]gridcredit.Artifact, 0, gridcredit.GridArity)
	for i := 0; i < gridcredit.GridArity; i++ {
		x0 := b.Min.X + (i%2)*w
		y0 := b.Min.Y + (i/2)*h
		cell := imaging.Crop(img, image.Rect(x0, y0, x0+w, y0+h))
		if s.CellSize > 0 {
			cell = imaging.Resize(cell, s.CellSize, s.CellSize, imaging.Lanczos)
		}

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, cell, imaging.PNG); err != nil {
			return nil, fmt.Errorf("postprocess: encode cell %d: %w", i, err)
		}
		out = append(out, gridcredit.Artifact{MIMEType: "image/png", Data: buf.Bytes()})
	}
	return out, nil
}
