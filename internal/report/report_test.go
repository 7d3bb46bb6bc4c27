package report

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ikh/hippovolume/internal/models"
	"ikh/hippovolume/internal/volume"
	"ikh/hippovolume/internal/volumestats"
)

func fixture(t *testing.T) Input {
	t.Helper()
	shape := volume.Shape{8, 16, 16}
	orig, err := volume.New(shape)
	require.NoError(t, err)
	for i := range orig.Data {
		orig.Data[i] = float32(i % 50)
	}

	pred, err := volume.NewLabels(shape)
	require.NoError(t, err)
	for y := 4; y < 8; y++ {
		for z := 6; z < 9; z++ {
			pred.Set(5, y, z, 1)
		}
	}
	pred.Set(5, 10, 10, 2)

	return Input{
		Header:     &models.SeriesHeader{PatientID: "PAT-001"},
		Volumes:    volumestats.HippocampalVolumes(pred),
		Original:   orig,
		Prediction: pred,
	}
}

func TestViewsPickLargestPlanes(t *testing.T) {
	views := Views(fixture(t).Prediction)
	require.Len(t, views, 3)

	assert.Equal(t, View{Name: "Sagittal", Axis: 0, Slice: 5}, views[0])
	assert.Equal(t, "Coronal", views[1].Name)
	assert.Equal(t, 4, views[1].Slice)
	assert.Equal(t, "Axial", views[2].Name)
	assert.Equal(t, 6, views[2].Slice)
}

func TestRender(t *testing.T) {
	img, err := Render(fixture(t))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, Width, Height), img.Bounds())

	// the title is drawn in white near the top-left corner
	assert.True(t, hasColor(img, image.Rect(0, 0, 400, 60), color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}))
	// views start below the text block
	assert.True(t, hasNonBlack(img, image.Rect(margin, viewsTop, Width, overlayTop-captionGap)))
	assert.True(t, hasNonBlack(img, image.Rect(margin, overlayTop, Width, Height)))
}

func TestRenderRejectsMismatchedShapes(t *testing.T) {
	in := fixture(t)
	other, err := volume.NewLabels(volume.Shape{1, 1, 1})
	require.NoError(t, err)
	in.Prediction = other

	_, err = Render(in)
	assert.Error(t, err)
}

func TestViewScale(t *testing.T) {
	assert.Equal(t, maxScale, viewScale(volume.Shape{8, 16, 16}))
	assert.Equal(t, 4, viewScale(volume.Shape{64, 64, 64}))
	assert.Equal(t, 1, viewScale(volume.Shape{600, 600, 600}))
}

func TestBlend(t *testing.T) {
	base := image.NewGray(image.Rect(0, 0, 1, 1))
	mask := image.NewGray(image.Rect(0, 0, 1, 1))
	base.SetGray(0, 0, color.Gray{Y: 255})
	mask.SetGray(0, 0, color.Gray{Y: 0})

	out := blend(base, mask, MaskAlpha)
	assert.Equal(t, uint8(MaskAlpha), out.RGBAAt(0, 0).R)
}

func hasColor(img *image.RGBA, r image.Rectangle, c color.RGBA) bool {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if img.RGBAAt(x, y) == c {
				return true
			}
		}
	}
	return false
}

func hasNonBlack(img *image.RGBA, r image.Rectangle) bool {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			p := img.RGBAAt(x, y)
			if p.R != 0 || p.G != 0 || p.B != 0 {
				return true
			}
		}
	}
	return false
}
