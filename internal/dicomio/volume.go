package dicomio

import (
	"context"
	"runtime"
	"sort"

	"github.com/pkg/errors"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"

	"ikh/hippovolume/internal/models"
	"ikh/hippovolume/internal/volume"
	"ikh/hippovolume/internal/volumestats"
)

var (
	ErrEmptySeries           = errors.New("dicomio: series has no instances")
	ErrUnsupportedPixelData  = errors.New("dicomio: only uncompressed single-sample pixel data is supported")
	ErrInconsistentSliceSize = errors.New("dicomio: slices of the series differ in size")
)

// slice is one decoded frame, indexed [row][col] row-major.
type slice struct {
	rows, cols int
	pixels     []float32
}

// LoadVolume assembles a series into a volume. Slices are ordered by
// Instance Number; every slice is rotated by 180 degrees and transposed so
// that the volume is indexed [col][row][slice]. The returned header is taken
// from series[0], the first instance in the order given by SelectSeries.
func LoadVolume(ctx context.Context, series []*Instance) (*volume.Volume, *models.SeriesHeader, error) {
	if len(series) == 0 {
		return nil, nil, ErrEmptySeries
	}

	ordered := make([]*Instance, len(series))
	copy(ordered, series)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].InstanceNumber < ordered[j].InstanceNumber
	})

	slices := make([]*slice, len(ordered))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, inst := range ordered {
		i, inst := i, inst
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := readSlice(inst.Path)
			if err != nil {
				return errors.Wrapf(err, "instance %s", inst.Path)
			}
			slices[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	rows, cols := slices[0].rows, slices[0].cols
	vol, err := volume.New(volume.Shape{cols, rows, len(slices)})
	if err != nil {
		return nil, nil, err
	}
	for k, s := range slices {
		if s.rows != rows || s.cols != cols {
			return nil, nil, errors.Wrapf(ErrInconsistentSliceSize, "slice %d is %dx%d, expected %dx%d", k, s.rows, s.cols, rows, cols)
		}
		for x := 0; x < cols; x++ {
			for y := 0; y < rows; y++ {
				vol.Set(x, y, k, s.pixels[(rows-1-y)*cols+(cols-1-x)])
			}
		}
	}

	header := headerOf(&series[0].dataset)
	return vol, header, nil
}

func readSlice(path string) (*slice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse DICOM file")
	}

	e, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, errors.Wrap(ErrMissingElement, "pixel data")
	}
	info, ok := e.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || info.IsEncapsulated || len(info.Frames) == 0 {
		return nil, ErrUnsupportedPixelData
	}

	native := info.Frames[0].NativeData
	if info.Frames[0].Encapsulated || native.Rows*native.Cols != len(native.Data) {
		return nil, ErrUnsupportedPixelData
	}

	// the decoder hands back stored values as unsigned
	signed := false
	if rep, err := floatOf(&ds, tag.PixelRepresentation); err == nil {
		signed = rep == 1
	}
	bits := native.BitsPerSample
	if stored, err := floatOf(&ds, tag.BitsStored); err == nil && stored > 0 {
		bits = int(stored)
	}

	s := &slice{
		rows:   native.Rows,
		cols:   native.Cols,
		pixels: make([]float32, len(native.Data)),
	}
	for i, px := range native.Data {
		if len(px) != 1 {
			return nil, ErrUnsupportedPixelData
		}
		v := px[0]
		if signed {
			v = signExtend(v, bits)
		}
		s.pixels[i] = float32(v)
	}
	return s, nil
}

// signExtend interprets the low bits of v as a two's complement value.
func signExtend(v, bits int) int {
	if bits <= 0 || bits >= 64 {
		return v
	}
	v &= 1<<bits - 1
	if v&(1<<(bits-1)) != 0 {
		v -= 1 << bits
	}
	return v
}

func headerOf(ds *dicom.Dataset) *models.SeriesHeader {
	h := &models.SeriesHeader{
		PatientID:         stringOf(ds, tag.PatientID),
		PatientName:       stringOf(ds, tag.PatientName),
		PatientBirthDate:  stringOf(ds, tag.PatientBirthDate),
		PatientSex:        stringOf(ds, tag.PatientSex),
		StudyInstanceUID:  stringOf(ds, tag.StudyInstanceUID),
		StudyID:           stringOf(ds, tag.StudyID),
		StudyDescription:  stringOf(ds, tag.StudyDescription),
		AccessionNumber:   stringOf(ds, tag.AccessionNumber),
		SeriesInstanceUID: stringOf(ds, tag.SeriesInstanceUID),
		SeriesDescription: stringOf(ds, tag.SeriesDescription),
		SOPInstanceUID:    stringOf(ds, tag.SOPInstanceUID),
		Modality:          stringOf(ds, tag.Modality),
	}
	if spacing, err := floatsOf(ds, tag.PixelSpacing); err == nil && len(spacing) == 2 {
		h.PixelSpacing = [2]float64{spacing[0], spacing[1]}
	}
	if thickness, err := floatOf(ds, tag.SliceThickness); err == nil {
		h.SliceThickness = thickness
	}
	return h
}

// VoxelSpacing maps the header spacing onto the volume axes: columns, rows
// and slices.
func VoxelSpacing(h *models.SeriesHeader) volumestats.Spacing {
	return volumestats.Spacing{h.PixelSpacing[1], h.PixelSpacing[0], h.SliceThickness}
}
