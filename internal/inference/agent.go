// Package inference turns an intensity volume into a hippocampus label volume
// by running a 2D U-Net slice by slice along the first axis.
package inference

import (
	"context"

	"github.com/pkg/errors"

	"ikh/hippovolume/internal/volume"
)

// NumClasses is the number of output channels of the network: background,
// anterior and posterior hippocampus.
const NumClasses = 3

var (
	ErrNonConformantVolume = errors.New("inference: volume does not match the patch size")
	ErrBadPrediction       = errors.New("inference: predictor returned malformed logits")
)

// Agent produces a label volume for an intensity volume.
type Agent interface {
	Infer(ctx context.Context, vol *volume.Volume) (*volume.Labels, error)
}

// Predictor runs the network on a single normalised slice. slice holds h*w
// values row-major; the result holds NumClasses planes of h*w logits.
type Predictor interface {
	PredictSlice(ctx context.Context, slice []float32, h, w int) ([][]float32, error)
}

// UNetAgent feeds volumes to a Predictor one x-slice at a time.
type UNetAgent struct {
	Predictor Predictor
	PatchSize int
}

func NewUNetAgent(predictor Predictor, patchSize int) *UNetAgent {
	return &UNetAgent{Predictor: predictor, PatchSize: patchSize}
}

// Infer implements Agent for volumes of arbitrary size.
func (a *UNetAgent) Infer(ctx context.Context, vol *volume.Volume) (*volume.Labels, error) {
	return a.SingleVolumeInferenceUnpadded(ctx, vol)
}

// SingleVolumeInferenceUnpadded zero-pads or crops the y and z dimensions to
// the patch size before running inference. The result has the reshaped
// dimensions.
func (a *UNetAgent) SingleVolumeInferenceUnpadded(ctx context.Context, vol *volume.Volume) (*volume.Labels, error) {
	reshaped, err := vol.Reshape(volume.Shape{vol.Shape[0], a.PatchSize, a.PatchSize})
	if err != nil {
		return nil, errors.Wrap(err, "failed to reshape volume")
	}
	return a.SingleVolumeInference(ctx, reshaped)
}

// SingleVolumeInference runs inference on a volume whose y and z dimensions
// already equal the patch size. Each slice is divided by its own maximum
// before prediction; an all-zero slice is sent as is.
func (a *UNetAgent) SingleVolumeInference(ctx context.Context, vol *volume.Volume) (*volume.Labels, error) {
	if vol.Shape[1] != a.PatchSize || vol.Shape[2] != a.PatchSize {
		return nil, errors.Wrapf(ErrNonConformantVolume, "got %s with patch size %d", vol.Shape, a.PatchSize)
	}

	pred, err := volume.NewLabels(vol.Shape)
	if err != nil {
		return nil, err
	}

	h, w := vol.Shape[1], vol.Shape[2]
	for x := 0; x < vol.Shape[0]; x++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slice := normalise(vol.SliceX(x))
		logits, err := a.Predictor.PredictSlice(ctx, slice, h, w)
		if err != nil {
			return nil, errors.Wrapf(err, "slice %d", x)
		}
		plane, err := argmax(logits, h*w)
		if err != nil {
			return nil, errors.Wrapf(err, "slice %d", x)
		}
		pred.SetSliceX(x, plane)
	}
	return pred, nil
}

func normalise(slice []float32) []float32 {
	var m float32
	for _, v := range slice {
		if v > m {
			m = v
		}
	}
	if m == 0 {
		return slice
	}
	for i := range slice {
		slice[i] /= m
	}
	return slice
}

// argmax picks, for each pixel, the class with the highest logit. Ties go to
// the lower class index.
func argmax(logits [][]float32, n int) ([]uint8, error) {
	if len(logits) != NumClasses {
		return nil, errors.Wrapf(ErrBadPrediction, "got %d classes, want %d", len(logits), NumClasses)
	}
	for c, plane := range logits {
		if len(plane) != n {
			return nil, errors.Wrapf(ErrBadPrediction, "class %d has %d values, want %d", c, len(plane), n)
		}
	}

	out := make([]uint8, n)
	for i := 0; i < n; i++ {
		best := 0
		for c := 1; c < NumClasses; c++ {
			if logits[c][i] > logits[best][i] {
				best = c
			}
		}
		out[i] = uint8(best)
	}
	return out, nil
}
