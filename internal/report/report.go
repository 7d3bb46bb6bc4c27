// Package report renders the volumetric report image that is burned into the
// Secondary Capture sent to the archive.
package report

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"ikh/hippovolume/internal/models"
	"ikh/hippovolume/internal/volume"
	"ikh/hippovolume/internal/volumestats"
)

const (
	Width  = 1000
	Height = 1000

	Title = "HippoVolume.AI"

	// MaskAlpha is the weight of the original image under the mask overlay.
	MaskAlpha = 100

	maxScale    = 6
	margin      = 50
	viewsTop    = 280
	overlayTop  = 650
	captionGap  = 40
	titleScale  = 3
	bodyScale   = 2
	lineSpacing = 30
)

var white = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

// Input carries everything a report shows.
type Input struct {
	Header   *models.SeriesHeader
	Volumes  volumestats.Volumes
	Physical *volumestats.PhysicalVolumes
	// Original and Prediction must have the same shape.
	Original   *volume.Volume
	Prediction *volume.Labels
}

// View is one orthogonal plane shown in the report.
type View struct {
	Name  string
	Axis  int
	Slice int
}

// Views picks, for each axis, the plane with the largest predicted
// hippocampus area.
func Views(pred *volume.Labels) []View {
	return []View{
		{Name: "Sagittal", Axis: 0, Slice: pred.LargestPlane(0)},
		{Name: "Coronal", Axis: 1, Slice: pred.LargestPlane(1)},
		{Name: "Axial", Axis: 2, Slice: pred.LargestPlane(2)},
	}
}

// Render draws the report: title, patient and volume figures, then for every
// view the original plane with the mask overlay below it.
func Render(in Input) (*image.RGBA, error) {
	if in.Original == nil || in.Prediction == nil || in.Header == nil {
		return nil, errors.New("report: header, original and prediction are required")
	}
	if in.Original.Shape != in.Prediction.Shape {
		return nil, errors.Errorf("report: original %s and prediction %s differ in shape", in.Original.Shape, in.Prediction.Shape)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	drawText(canvas, 10, 10, Title, titleScale)
	for i, line := range summaryLines(in) {
		drawText(canvas, 10, 90+i*lineSpacing, line, bodyScale)
	}

	views := Views(in.Prediction)
	scale := viewScale(in.Original.Shape)
	origMax := in.Original.Max()
	predMax := in.Prediction.Max()

	left := margin
	for _, v := range views {
		orig := grayPlane(in.Original, v.Axis, v.Slice, origMax)
		mask := labelPlane(in.Prediction, v.Axis, v.Slice, predMax)
		overlay := blend(orig, mask, MaskAlpha)

		size := image.Rect(0, 0, orig.Bounds().Dx()*scale, orig.Bounds().Dy()*scale)

		drawText(canvas, left+30, viewsTop-captionGap, fmt.Sprintf("%s slice #%d", v.Name, v.Slice), 1)
		xdraw.NearestNeighbor.Scale(canvas, size.Add(image.Pt(left, viewsTop)), orig, orig.Bounds(), xdraw.Over, nil)

		drawText(canvas, left+30, overlayTop-captionGap, v.Name+" Mask", 1)
		xdraw.NearestNeighbor.Scale(canvas, size.Add(image.Pt(left, overlayTop)), overlay, overlay.Bounds(), xdraw.Over, nil)

		left += size.Dx() + margin
	}

	return canvas, nil
}

func summaryLines(in Input) []string {
	lines := []string{
		fmt.Sprintf("Patient ID: %s", in.Header.PatientID),
		fmt.Sprintf("Total hippocampal volume: %d voxels", in.Volumes.Total),
		fmt.Sprintf("Anterior volume: %d voxels", in.Volumes.Anterior),
		fmt.Sprintf("Posterior volume: %d voxels", in.Volumes.Posterior),
	}
	if in.Physical != nil {
		lines = append(lines, fmt.Sprintf("Total hippocampal volume: %.1f mm3", in.Physical.Total))
	}
	return lines
}

// viewScale is the largest integer zoom up to maxScale at which the three
// views fit side by side and two rows of views fit below the text.
func viewScale(s volume.Shape) int {
	// view widths are the first in-plane dimension of each plane after the transpose
	totalWidth := s[1] + s[0] + s[0]
	tallest := maxInt(s[2], s[1])

	scale := maxScale
	if w := (Width - 4*margin) / totalWidth; w < scale {
		scale = w
	}
	if h := (overlayTop - captionGap - viewsTop) / tallest; h < scale {
		scale = h
	}
	if scale < 1 {
		scale = 1
	}
	return scale
}

// grayPlane renders a plane rotated by 180 degrees and transposed, so that
// output pixel (x, y) shows plane[rows-1-x][cols-1-y].
func grayPlane(v *volume.Volume, axis, i int, peak float32) *image.Gray {
	data, rows, cols := v.Plane(axis, i)
	img := image.NewGray(image.Rect(0, 0, rows, cols))
	for x := 0; x < rows; x++ {
		for y := 0; y < cols; y++ {
			val := data[(rows-1-x)*cols+(cols-1-y)]
			var g uint8
			if peak > 0 && val > 0 {
				g = uint8(val / peak * 0xff)
			}
			img.SetGray(x, y, color.Gray{Y: g})
		}
	}
	return img
}

func labelPlane(l *volume.Labels, axis, i int, peak uint8) *image.Gray {
	data, rows, cols := l.Plane(axis, i)
	img := image.NewGray(image.Rect(0, 0, rows, cols))
	for x := 0; x < rows; x++ {
		for y := 0; y < cols; y++ {
			val := data[(rows-1-x)*cols+(cols-1-y)]
			var g uint8
			if peak > 0 {
				g = uint8(int(val) * 0xff / int(peak))
			}
			img.SetGray(x, y, color.Gray{Y: g})
		}
	}
	return img
}

// blend returns alpha/255 of base plus the remainder of mask.
func blend(base, mask *image.Gray, alpha uint8) *image.RGBA {
	b := base.Bounds()
	out := image.NewRGBA(b)
	a := int(alpha)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := uint8((int(base.GrayAt(x, y).Y)*a + int(mask.GrayAt(x, y).Y)*(0xff-a)) / 0xff)
			out.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 0xff})
		}
	}
	return out
}

// drawText writes s with its top-left corner at (x, y), magnified scale times.
func drawText(dst *image.RGBA, x, y int, s string, scale int) {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	w := d.MeasureString(s).Ceil()
	h := face.Metrics().Height.Ceil()
	if w == 0 {
		return
	}

	src := image.NewRGBA(image.Rect(0, 0, w, h))
	d.Dst = src
	d.Src = image.NewUniform(white)
	d.Dot = fixed.P(0, face.Metrics().Ascent.Ceil())
	d.DrawString(s)

	r := image.Rect(x, y, x+w*scale, y+h*scale)
	xdraw.NearestNeighbor.Scale(dst, r, src, src.Bounds(), xdraw.Over, nil)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
