// Package volumestats computes overlap statistics between segmentation masks
// and the hippocampal volumes carried by a predicted label grid.
//
// Masks are binarised: label 0 is background, any other label is foreground.
// Every ratio evaluates to Undefined when its denominator is zero.
package volumestats

import (
	"github.com/pkg/errors"

	"ikh/hippovolume/internal/volume"
)

// Undefined is returned by a statistic whose denominator is zero.
const Undefined = -1.0

// Label values produced by the segmentation model.
const (
	LabelBackground uint8 = 0
	LabelAnterior   uint8 = 1
	LabelPosterior  uint8 = 2
)

var ErrShapeMismatch = errors.New("volumestats: inputs must have the same shape")

type confusion struct {
	tp, fp, tn, fn int
}

func confusionOf(pred, truth *volume.Labels) (confusion, error) {
	if pred.Shape != truth.Shape {
		return confusion{}, errors.Wrapf(ErrShapeMismatch, "got %s and %s", pred.Shape, truth.Shape)
	}
	var c confusion
	for i := range pred.Data {
		p, t := pred.Data[i] != 0, truth.Data[i] != 0
		switch {
		case p && t:
			c.tp++
		case p && !t:
			c.fp++
		case !p && t:
			c.fn++
		default:
			c.tn++
		}
	}
	return c, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return Undefined
	}
	return float64(num) / float64(den)
}

// Dice3d returns 2|A∩B| / (|A|+|B|).
func Dice3d(a, b *volume.Labels) (float64, error) {
	c, err := confusionOf(a, b)
	if err != nil {
		return 0, err
	}
	return ratio(2*c.tp, (c.tp+c.fp)+(c.tp+c.fn)), nil
}

// Jaccard3d returns |A∩B| / |A∪B|.
func Jaccard3d(a, b *volume.Labels) (float64, error) {
	c, err := confusionOf(a, b)
	if err != nil {
		return 0, err
	}
	return ratio(c.tp, c.tp+c.fp+c.fn), nil
}

// Sensitivity3d returns TP / (TP+FN) of pred against truth.
func Sensitivity3d(pred, truth *volume.Labels) (float64, error) {
	c, err := confusionOf(pred, truth)
	if err != nil {
		return 0, err
	}
	return ratio(c.tp, c.tp+c.fn), nil
}

// Specificity3d returns TN / (TN+FP) of pred against truth.
func Specificity3d(pred, truth *volume.Labels) (float64, error) {
	c, err := confusionOf(pred, truth)
	if err != nil {
		return 0, err
	}
	return ratio(c.tn, c.tn+c.fp), nil
}

// Scores bundles the four statistics of one prediction.
type Scores struct {
	Dice        float64 `json:"dice"`
	Jaccard     float64 `json:"jaccard"`
	Sensitivity float64 `json:"sensitivity"`
	Specificity float64 `json:"specificity"`
}

func Score(pred, truth *volume.Labels) (Scores, error) {
	c, err := confusionOf(pred, truth)
	if err != nil {
		return Scores{}, err
	}
	return Scores{
		Dice:        ratio(2*c.tp, 2*c.tp+c.fp+c.fn),
		Jaccard:     ratio(c.tp, c.tp+c.fp+c.fn),
		Sensitivity: ratio(c.tp, c.tp+c.fn),
		Specificity: ratio(c.tn, c.tn+c.fp),
	}, nil
}

// Volumes are voxel counts of the two hippocampal structures.
type Volumes struct {
	Anterior  int `json:"anterior"`
	Posterior int `json:"posterior"`
	Total     int `json:"total"`
}

func HippocampalVolumes(pred *volume.Labels) Volumes {
	v := Volumes{}
	for _, l := range pred.Data {
		switch l {
		case LabelAnterior:
			v.Anterior++
		case LabelPosterior:
			v.Posterior++
		}
	}
	v.Total = v.Anterior + v.Posterior
	return v
}

// Spacing is the voxel size in millimetres along each axis.
type Spacing [3]float64

func (s Spacing) VoxelVolume() float64 {
	return s[0] * s[1] * s[2]
}

// Known reports whether every axis has a positive size.
func (s Spacing) Known() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

// PhysicalVolumes are Volumes converted to cubic millimetres.
type PhysicalVolumes struct {
	Anterior  float64 `json:"anterior_mm3"`
	Posterior float64 `json:"posterior_mm3"`
	Total     float64 `json:"total_mm3"`
}

// Physical converts voxel counts to mm³. ok is false when spacing is unknown.
func (v Volumes) Physical(spacing Spacing) (p PhysicalVolumes, ok bool) {
	if !spacing.Known() {
		return PhysicalVolumes{}, false
	}
	vv := spacing.VoxelVolume()
	return PhysicalVolumes{
		Anterior:  float64(v.Anterior) * vv,
		Posterior: float64(v.Posterior) * vv,
		Total:     float64(v.Total) * vv,
	}, true
}
