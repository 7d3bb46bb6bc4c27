// Package dicomio reads routed studies from disk, picks the series to run
// inference on, assembles it into a volume and writes the resulting report
// back out as a DICOM Secondary Capture.
package dicomio

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoStudy         = errors.New("dicomio: no study directory found")
	ErrNoSeries        = errors.New("dicomio: no matching series in study")
	ErrAmbiguousSeries = errors.New("dicomio: more than one matching series in study")
)

// Instance is the header of one DICOM file of a study.
type Instance struct {
	Path              string
	SeriesDescription string
	SeriesInstanceUID string
	InstanceNumber    int
	// PositionX is the first component of Image Position (Patient).
	PositionX float64

	dataset dicom.Dataset
}

// LatestStudyDir returns the most recently modified sub-directory of root.
// Each sub-directory of the routing folder holds one full study.
func LatestStudyDir(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", errors.Wrap(err, "failed to list routing directory")
	}

	var latest string
	var latestInfo fs.FileInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if latestInfo == nil || info.ModTime().After(latestInfo.ModTime()) {
			latest, latestInfo = filepath.Join(root, entry.Name()), info
		}
	}

	if latestInfo == nil {
		return "", errors.Wrapf(ErrNoStudy, "in %s", root)
	}
	return latest, nil
}

// ReadStudy parses the header of every file below dir. Files that are not
// DICOM are skipped.
func ReadStudy(ctx context.Context, dir string) ([]*Instance, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to walk study directory")
	}

	instances := make([]*Instance, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			inst, err := readInstance(path)
			if err != nil {
				log.Warn().
					Str("module", "dicomio").
					Str("path", path).
					Err(err).
					Msg("skipping unreadable file")
				return nil
			}
			instances[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return lo.Filter(instances, func(inst *Instance, _ int) bool {
		return inst != nil
	}), nil
}

func readInstance(path string) (*Instance, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse DICOM file")
	}

	inst := &Instance{
		Path:              path,
		SeriesDescription: stringOf(&ds, tag.SeriesDescription),
		SeriesInstanceUID: stringOf(&ds, tag.SeriesInstanceUID),
		dataset:           ds,
	}
	if n, err := floatOf(&ds, tag.InstanceNumber); err == nil {
		inst.InstanceNumber = int(n)
	}
	if pos, err := floatsOf(&ds, tag.ImagePositionPatient); err == nil && len(pos) > 0 {
		inst.PositionX = pos[0]
	}
	return inst, nil
}

// SelectSeries keeps the instances whose Series Description equals
// description, ordered by Image Position (Patient) x. The kept instances
// must all belong to one series.
func SelectSeries(instances []*Instance, description string) ([]*Instance, error) {
	series := lo.Filter(instances, func(inst *Instance, _ int) bool {
		return inst.SeriesDescription == description
	})
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].PositionX < series[j].PositionX
	})

	uids := lo.Uniq(lo.Map(series, func(inst *Instance, _ int) string {
		return inst.SeriesInstanceUID
	}))
	switch {
	case len(uids) == 0:
		return nil, errors.Wrapf(ErrNoSeries, "description %q", description)
	case len(uids) > 1:
		return nil, errors.Wrapf(ErrAmbiguousSeries, "description %q matches series %v", description, uids)
	}
	return series, nil
}
