// Package nifti reads single-file NIfTI-1 images (.nii and .nii.gz).
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"

	"ikh/hippovolume/internal/volume"
)

const headerSize = 348

// NIfTI-1 datatype codes.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
)

var (
	ErrNotNIfTI            = errors.New("nifti: not a NIfTI-1 file")
	ErrUnsupportedDatatype = errors.New("nifti: unsupported datatype")
	ErrUnsupportedDims     = errors.New("nifti: only 3D images are supported")
)

// Header holds the fields of the NIfTI-1 header this package uses.
type Header struct {
	Dim       [8]int16
	Datatype  int16
	Bitpix    int16
	Pixdim    [8]float32
	VoxOffset float32
	SclSlope  float32
	SclInter  float32
	Magic     [4]byte

	order binary.ByteOrder
}

// Shape is the image size along x, y and z.
func (h *Header) Shape() volume.Shape {
	return volume.Shape{int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])}
}

// Spacing is the voxel size along x, y and z.
func (h *Header) Spacing() [3]float64 {
	return [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])}
}

// Read loads the image at path. Values are scaled by scl_slope and scl_inter
// when the slope is set.
func Read(path string) (*volume.Volume, *Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open image")
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open gzip stream")
		}
		defer gz.Close()
		r = gz
	}

	vol, h, err := Decode(r)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return vol, h, nil
}

// Decode reads an uncompressed single-file NIfTI-1 stream.
func Decode(r io.Reader) (*volume.Volume, *Header, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, errors.Wrap(ErrNotNIfTI, err.Error())
	}

	h, err := parseHeader(raw)
	if err != nil {
		return nil, nil, err
	}

	// skip extensions up to the start of the data
	if skip := int64(h.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, nil, errors.Wrap(err, "failed to skip header extension")
		}
	}

	vol, err := volume.New(h.Shape())
	if err != nil {
		return nil, nil, err
	}

	width, decode, err := decoder(h.Datatype, h.order)
	if err != nil {
		return nil, nil, err
	}

	data := make([]byte, vol.Shape.Len()*width)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, nil, errors.Wrap(err, "image data is truncated")
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	scale := slope != 0 && !math.IsNaN(slope) && !(slope == 1 && inter == 0)

	nx, ny, nz := vol.Shape[0], vol.Shape[1], vol.Shape[2]
	i := 0
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				v := decode(data[i*width:])
				if scale {
					v = v*slope + inter
				}
				vol.Set(x, y, z, float32(v))
				i++
			}
		}
	}
	return vol, h, nil
}

func parseHeader(raw []byte) (*Header, error) {
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[0:4]) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[0:4]) == headerSize:
		order = binary.BigEndian
	default:
		return nil, ErrNotNIfTI
	}

	var fields struct {
		Dim       [8]int16
		_         [14]byte
		Datatype  int16
		Bitpix    int16
		_         int16
		Pixdim    [8]float32
		VoxOffset float32
		SclSlope  float32
		SclInter  float32
	}
	if err := binary.Read(bytes.NewReader(raw[40:120]), order, &fields); err != nil {
		return nil, errors.Wrap(err, "failed to decode header")
	}

	h := &Header{
		Dim:       fields.Dim,
		Datatype:  fields.Datatype,
		Bitpix:    fields.Bitpix,
		Pixdim:    fields.Pixdim,
		VoxOffset: fields.VoxOffset,
		SclSlope:  fields.SclSlope,
		SclInter:  fields.SclInter,
		order:     order,
	}
	copy(h.Magic[:], raw[344:348])

	if string(h.Magic[:3]) != "n+1" {
		return nil, errors.Wrapf(ErrNotNIfTI, "magic %q", h.Magic[:3])
	}
	if h.Dim[0] < 3 || h.Dim[0] > 7 {
		return nil, errors.Wrapf(ErrUnsupportedDims, "got %d dimensions", h.Dim[0])
	}
	for d := 4; d <= int(h.Dim[0]); d++ {
		if h.Dim[d] > 1 {
			return nil, errors.Wrapf(ErrUnsupportedDims, "dimension %d has size %d", d, h.Dim[d])
		}
	}
	if h.VoxOffset < headerSize {
		h.VoxOffset = headerSize + 4
	}
	return h, nil
}

func decoder(datatype int16, order binary.ByteOrder) (int, func([]byte) float64, error) {
	switch datatype {
	case DTUint8:
		return 1, func(b []byte) float64 { return float64(b[0]) }, nil
	case DTInt8:
		return 1, func(b []byte) float64 { return float64(int8(b[0])) }, nil
	case DTInt16:
		return 2, func(b []byte) float64 { return float64(int16(order.Uint16(b))) }, nil
	case DTUint16:
		return 2, func(b []byte) float64 { return float64(order.Uint16(b)) }, nil
	case DTInt32:
		return 4, func(b []byte) float64 { return float64(int32(order.Uint32(b))) }, nil
	case DTFloat32:
		return 4, func(b []byte) float64 { return float64(math.Float32frombits(order.Uint32(b))) }, nil
	case DTFloat64:
		return 8, func(b []byte) float64 { return math.Float64frombits(order.Uint64(b)) }, nil
	default:
		return 0, nil, errors.Wrapf(ErrUnsupportedDatatype, "code %d", datatype)
	}
}

// ReadLabels loads a segmentation image, rounding every voxel to the nearest
// label value.
func ReadLabels(path string) (*volume.Labels, *Header, error) {
	vol, h, err := Read(path)
	if err != nil {
		return nil, nil, err
	}
	labels, err := volume.NewLabels(vol.Shape)
	if err != nil {
		return nil, nil, err
	}
	for i, v := range vol.Data {
		if v <= 0 {
			continue
		}
		if v > math.MaxUint8 {
			v = math.MaxUint8
		}
		labels.Data[i] = uint8(math.Round(float64(v)))
	}
	return labels, h, nil
}
