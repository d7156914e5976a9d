package postprocess

import (
	"bytes"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/gridcredit"
	"github.com/ineyio/gridcredit/provider/mock"
)

func TestGridSlicerCells(t *testing.T) {
	composite, err := mock.RenderGrid(3)
	require.NoError(t, err)

	cells, err := GridSlicer{}.Slice(composite)
	require.NoError(t, err)
	require.Len(t, cells, gridcredit.GridArity)

	for i, cell := range cells {
		assert.Equal(t, "image/png", cell.MIMEType)
		img, err := imaging.Decode(bytes.NewReader(cell.Data))
		require.NoError(t, err)
		assert.Equal(t, mock.CellSize, img.Bounds().Dx())
		assert.Equal(t, mock.CellSize, img.Bounds().Dy())

		c := imaging.Clone(img).NRGBAAt(mock.CellSize/2, mock.CellSize/2)
		assert.Equal(t, mock.CellColor(3, i), c, "cell %d", i)
	}
}

func TestGridSlicerResize(t *testing.T) {
	composite, err := mock.RenderGrid(1)
	require.NoError(t, err)

	cells, err := GridSlicer{CellSize: 4}.Slice(composite)
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(cells[0].Data))
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
}

func TestGridSlicerRejectsGarbage(t *testing.T) {
	_, err := GridSlicer{}.Slice(gridcredit.Artifact{})
	assert.Error(t, err)

	_, err = GridSlicer{}.Slice(gridcredit.Artifact{MIMEType: "image/png", Data: []byte("not an image")})
	assert.Error(t, err)
}
