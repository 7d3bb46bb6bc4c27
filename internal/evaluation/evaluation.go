// Package evaluation scores the segmentation agent against a labelled
// hippocampus dataset.
package evaluation

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"ikh/hippovolume/internal/inference"
	"ikh/hippovolume/internal/nifti"
	"ikh/hippovolume/internal/volume"
	"ikh/hippovolume/internal/volumestats"
)

const ResultsFile = "results.json"

var ErrNoCases = errors.New("evaluation: no labelled images found")

// Partition holds dataset indices.
type Partition struct {
	Train []int `json:"train"`
	Val   []int `json:"val"`
	Test  []int `json:"test"`
}

// Split shuffles 0..n-1 with seed, holds out 20% for test and then 20% of
// the rest for validation. Sizes round up like sklearn's train_test_split.
func Split(n int, seed int64) Partition {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nTest := int(math.Ceil(0.2 * float64(n)))
	test, rest := perm[:nTest], perm[nTest:]
	nVal := int(math.Ceil(0.2 * float64(len(rest))))
	return Partition{
		Train: rest[nVal:],
		Val:   rest[:nVal],
		Test:  test,
	}
}

// Case is one image with its ground-truth segmentation.
type Case struct {
	Name      string
	ImagePath string
	LabelPath string
}

// Cases pairs root/images/<name> with root/labels/<name>. Images without a
// label are skipped.
func Cases(root string) ([]Case, error) {
	entries, err := os.ReadDir(filepath.Join(root, "images"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list images")
	}

	var cases []Case
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !isNIfTI(name) {
			continue
		}
		label := filepath.Join(root, "labels", name)
		if _, err := os.Stat(label); err != nil {
			log.Warn().Str("module", "evaluation").Str("image", name).Msg("image has no label, skipped")
			continue
		}
		cases = append(cases, Case{
			Name:      name,
			ImagePath: filepath.Join(root, "images", name),
			LabelPath: label,
		})
	}
	if len(cases) == 0 {
		return nil, errors.Wrapf(ErrNoCases, "in %s", root)
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].Name < cases[j].Name })
	return cases, nil
}

func isNIfTI(name string) bool {
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}

type Options struct {
	Name      string `json:"name"`
	RootDir   string `json:"root_dir"`
	OutDir    string `json:"test_results_dir"`
	PatchSize int    `json:"patch_size"`
	Seed      int64  `json:"seed"`
	ModelURL  string `json:"model_url,omitempty"`
	// Parallel bounds the number of cases inferred at once.
	Parallel int `json:"-"`
}

type CaseResult struct {
	Filename string `json:"filename"`
	volumestats.Scores
}

type Overall struct {
	MeanDice        float64 `json:"mean_dice"`
	MeanJaccard     float64 `json:"mean_jaccard"`
	MeanSensitivity float64 `json:"mean_sensitivity"`
	MeanSpecificity float64 `json:"mean_specificity"`
}

type Results struct {
	VolumeStats []CaseResult `json:"volume_stats"`
	Overall     Overall      `json:"overall"`
	Split       Partition    `json:"split"`
	Config      Options      `json:"config"`
}

// Run scores agent on the test partition and writes results.json to
// opts.OutDir.
func Run(ctx context.Context, opts Options, agent inference.Agent) (*Results, error) {
	cases, err := Cases(opts.RootDir)
	if err != nil {
		return nil, err
	}

	split := Split(len(cases), opts.Seed)
	logger := log.With().Str("module", "evaluation").Logger()
	logger.Info().
		Int("train", len(split.Train)).
		Int("val", len(split.Val)).
		Int("test", len(split.Test)).
		Msg("dataset split")

	parallel := opts.Parallel
	if parallel < 1 {
		parallel = 1
	}

	scores := make([]CaseResult, len(split.Test))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, idx := range split.Test {
		i, c := i, cases[idx]
		g.Go(func() error {
			s, err := scoreCase(gctx, c, opts.PatchSize, agent)
			if err != nil {
				return errors.Wrapf(err, "case %s", c.Name)
			}
			logger.Info().
				Str("case", c.Name).
				Float64("dice", s.Dice).
				Float64("jaccard", s.Jaccard).
				Msg("case scored")
			scores[i] = CaseResult{Filename: c.Name, Scores: s}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Results{
		VolumeStats: scores,
		Overall:     overall(scores),
		Split:       split,
		Config:      opts,
	}
	if err := write(opts.OutDir, res); err != nil {
		return nil, err
	}
	return res, nil
}

func scoreCase(ctx context.Context, c Case, patch int, agent inference.Agent) (volumestats.Scores, error) {
	img, _, err := nifti.Read(c.ImagePath)
	if err != nil {
		return volumestats.Scores{}, err
	}
	label, _, err := nifti.ReadLabels(c.LabelPath)
	if err != nil {
		return volumestats.Scores{}, err
	}

	shape := volume.Shape{img.Shape[0], patch, patch}
	img, err = img.Reshape(shape)
	if err != nil {
		return volumestats.Scores{}, err
	}
	label, err = label.Reshape(shape)
	if err != nil {
		return volumestats.Scores{}, err
	}

	pred, err := agent.Infer(ctx, img)
	if err != nil {
		return volumestats.Scores{}, err
	}
	return volumestats.Score(pred, label)
}

// overall averages each metric over the cases where it is defined.
func overall(scores []CaseResult) Overall {
	mean := func(pick func(volumestats.Scores) float64) float64 {
		defined := lo.Filter(scores, func(s CaseResult, _ int) bool {
			return pick(s.Scores) != volumestats.Undefined
		})
		if len(defined) == 0 {
			return volumestats.Undefined
		}
		return lo.SumBy(defined, func(s CaseResult) float64 { return pick(s.Scores) }) / float64(len(defined))
	}
	return Overall{
		MeanDice:        mean(func(s volumestats.Scores) float64 { return s.Dice }),
		MeanJaccard:     mean(func(s volumestats.Scores) float64 { return s.Jaccard }),
		MeanSensitivity: mean(func(s volumestats.Scores) float64 { return s.Sensitivity }),
		MeanSpecificity: mean(func(s volumestats.Scores) float64 { return s.Specificity }),
	}
}

func write(dir string, res *Results) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create results directory")
	}
	body, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode results")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, ResultsFile), body, 0o644), "failed to write results")
}
