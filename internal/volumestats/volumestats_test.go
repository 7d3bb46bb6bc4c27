package volumestats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ikh/hippovolume/internal/volume"
)

func labels(t *testing.T, shape volume.Shape, data ...uint8) *volume.Labels {
	t.Helper()
	l, err := volume.NewLabels(shape)
	require.NoError(t, err)
	copy(l.Data, data)
	return l
}

func TestOverlapStatistics(t *testing.T) {
	shape := volume.Shape{1, 2, 4}
	// pred: foreground at 0,1,2 (labels differ but binarise the same)
	// truth: foreground at 1,2,3
	pred := labels(t, shape, 1, 2, 1, 0, 0, 0, 0, 0)
	truth := labels(t, shape, 0, 1, 2, 2, 0, 0, 0, 0)

	dice, err := Dice3d(pred, truth)
	require.NoError(t, err)
	assert.InDelta(t, 2.0*2/6, dice, 1e-9)

	jaccard, err := Jaccard3d(pred, truth)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/4, jaccard, 1e-9)

	sens, err := Sensitivity3d(pred, truth)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3, sens, 1e-9)

	sp, err := Specificity3d(pred, truth)
	require.NoError(t, err)
	assert.InDelta(t, 4.0/5, sp, 1e-9)

	scores, err := Score(pred, truth)
	require.NoError(t, err)
	assert.InDelta(t, dice, scores.Dice, 1e-9)
	assert.InDelta(t, jaccard, scores.Jaccard, 1e-9)
	assert.InDelta(t, sens, scores.Sensitivity, 1e-9)
	assert.InDelta(t, sp, scores.Specificity, 1e-9)
}

func TestIdenticalMasks(t *testing.T) {
	shape := volume.Shape{2, 2, 2}
	a := labels(t, shape, 1, 0, 2, 0, 0, 0, 1, 1)

	scores, err := Score(a, a)
	require.NoError(t, err)
	assert.Equal(t, Scores{Dice: 1, Jaccard: 1, Sensitivity: 1, Specificity: 1}, scores)
}

func TestUndefinedStatistics(t *testing.T) {
	shape := volume.Shape{1, 1, 3}
	empty := labels(t, shape)
	full := labels(t, shape, 1, 1, 1)

	dice, err := Dice3d(empty, empty)
	require.NoError(t, err)
	assert.Equal(t, Undefined, dice)

	jaccard, err := Jaccard3d(empty, empty)
	require.NoError(t, err)
	assert.Equal(t, Undefined, jaccard)

	sens, err := Sensitivity3d(full, empty)
	require.NoError(t, err)
	assert.Equal(t, Undefined, sens)

	sp, err := Specificity3d(empty, full)
	require.NoError(t, err)
	assert.Equal(t, Undefined, sp)
}

func TestShapeMismatch(t *testing.T) {
	a := labels(t, volume.Shape{1, 2, 2})
	b := labels(t, volume.Shape{2, 2, 1})

	_, err := Dice3d(a, b)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = Jaccard3d(a, b)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = Sensitivity3d(a, b)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = Specificity3d(a, b)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	_, err = Score(a, b)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestHippocampalVolumes(t *testing.T) {
	pred := labels(t, volume.Shape{1, 2, 3}, 0, 1, 1, 2, 2, 2)

	v := HippocampalVolumes(pred)
	assert.Equal(t, Volumes{Anterior: 2, Posterior: 3, Total: 5}, v)

	p, ok := v.Physical(Spacing{1, 0.5, 2})
	require.True(t, ok)
	assert.InDelta(t, 2.0, p.Anterior, 1e-9)
	assert.InDelta(t, 3.0, p.Posterior, 1e-9)
	assert.InDelta(t, 5.0, p.Total, 1e-9)

	_, ok = v.Physical(Spacing{1, 0, 1})
	assert.False(t, ok)
}
