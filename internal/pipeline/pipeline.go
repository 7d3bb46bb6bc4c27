// Package pipeline turns a complete study folder into a delivered volumetric
// report.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ikh/hippovolume/internal/api"
	"ikh/hippovolume/internal/config"
	"ikh/hippovolume/internal/dicomio"
	"ikh/hippovolume/internal/inference"
	"ikh/hippovolume/internal/lock"
	"ikh/hippovolume/internal/models"
	"ikh/hippovolume/internal/observability"
	"ikh/hippovolume/internal/pacs"
	"ikh/hippovolume/internal/report"
	"ikh/hippovolume/internal/repo"
	"ikh/hippovolume/internal/volume"
	"ikh/hippovolume/internal/volumestats"
)

const (
	StageLock    = "lock"
	StageSelect  = "select"
	StageLoad    = "load"
	StageInfer   = "infer"
	StageMeasure = "measure"
	StageRender  = "render"
	StageEncode  = "encode"
	StagePush    = "push"
	StageArchive = "archive"
	StagePersist = "persist"
	StagePublish = "publish"
	StageNotify  = "notify"
	StageCleanup = "cleanup"
)

// StageError records which stage a study failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type Archiver interface {
	Store(ctx context.Context, reportPath string, m *models.Measurement) (string, error)
}

type MeasurementStore interface {
	Create(ctx context.Context, m *models.Measurement) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event *models.MeasurementEvent) error
}

// Deps are the collaborators of a Pipeline. Archiver, Store and Publisher
// are optional.
type Deps struct {
	Agent     inference.Agent
	Sender    pacs.Sender
	Locker    lock.Locker
	Archiver  Archiver
	Store     MeasurementStore
	Publisher EventPublisher
}

type Pipeline struct {
	conf *config.Config
	deps Deps
	now  func() time.Time
}

func New(conf *config.Config, deps Deps) *Pipeline {
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	return &Pipeline{conf: conf, deps: deps, now: time.Now}
}

// Result describes a delivered report.
type Result struct {
	ReportID   string
	StudyDir   string
	ReportPath string
	ArchiveKey string

	Header        *models.SeriesHeader
	Report        *dicomio.SecondaryCapture
	Volumes       volumestats.Volumes
	Physical      *volumestats.PhysicalVolumes
	VoxelsPerAxis volume.Shape
}

// Measurement is the record persisted and archived for r.
func (r *Result) Measurement(modelName string) *models.Measurement {
	m := &models.Measurement{
		ID:                r.ReportID,
		PatientID:         r.Header.PatientID,
		StudyInstanceUID:  r.Header.StudyInstanceUID,
		SeriesInstanceUID: r.Header.SeriesInstanceUID,
		ReportSOPUID:      r.Report.SOPInstanceUID,
		AnteriorVoxels:    r.Volumes.Anterior,
		PosteriorVoxels:   r.Volumes.Posterior,
		TotalVoxels:       r.Volumes.Total,
		ReportKey:         r.ArchiveKey,
		ModelName:         modelName,
		CreatedAt:         r.Report.Now,
	}
	if r.Physical != nil {
		total := r.Physical.Total
		m.TotalMM3 = &total
	}
	return m
}

func (r *Result) Event() *models.MeasurementEvent {
	e := &models.MeasurementEvent{
		ReportID:          r.ReportID,
		PatientID:         r.Header.PatientID,
		StudyInstanceUID:  r.Header.StudyInstanceUID,
		SeriesInstanceUID: r.Header.SeriesInstanceUID,
		ReportSOPUID:      r.Report.SOPInstanceUID,
		Anterior:          r.Volumes.Anterior,
		Posterior:         r.Volumes.Posterior,
		Total:             r.Volumes.Total,
		CreatedAt:         r.Report.Now.Unix(),
	}
	if r.Physical != nil {
		e.TotalMM3 = r.Physical.Total
	}
	return e
}

// HandleStudy adapts Run to the watcher's study handler.
func (p *Pipeline) HandleStudy(ctx context.Context, study *models.Study) {
	if _, err := p.Run(ctx, study.Dir); err != nil {
		log.Error().Err(err).Str("module", "pipeline").Str("study", study.ID).Msg("study failed")
	}
}

// Run processes the study in studyDir. Failures up to and including the push
// to the archive abort the run; later stages only log.
func (p *Pipeline) Run(ctx context.Context, studyDir string) (res *Result, err error) {
	studyKey := filepath.Base(studyDir)
	logger := log.With().Str("module", "pipeline").Str("study", studyKey).Logger()

	defer func() {
		p.record(err)
		if err != nil {
			p.capture(studyKey, err)
		}
	}()

	unlock, err := p.deps.Locker.Lock(ctx, studyKey)
	if err != nil {
		return nil, &StageError{Stage: StageLock, Err: err}
	}
	defer func() {
		if err := unlock(); err != nil {
			logger.Warn().Err(err).Msg("failed to release study lock")
		}
	}()

	res = &Result{StudyDir: studyDir, ReportID: repo.NewID()}

	var series []*dicomio.Instance
	if err := p.stage(StageSelect, func() error {
		instances, err := dicomio.ReadStudy(ctx, studyDir)
		if err != nil {
			return err
		}
		series, err = dicomio.SelectSeries(instances, p.conf.SeriesDescription)
		return err
	}); err != nil {
		return nil, err
	}

	var vol *volume.Volume
	if err := p.stage(StageLoad, func() error {
		var err error
		vol, res.Header, err = dicomio.LoadVolume(ctx, series)
		return err
	}); err != nil {
		return nil, err
	}
	logger = logger.With().
		Str("studyInstanceUid", res.Header.StudyInstanceUID).
		Str("seriesInstanceUid", res.Header.SeriesInstanceUID).
		Logger()
	logger.Info().Stringer("shape", vol.Shape).Int("instances", len(series)).Msg("volume loaded")

	var pred *volume.Labels
	if err := p.stage(StageInfer, func() error {
		var err error
		pred, err = p.deps.Agent.Infer(ctx, vol)
		return err
	}); err != nil {
		return nil, err
	}
	res.VoxelsPerAxis = pred.Shape

	if err := p.stage(StageMeasure, func() error {
		res.Volumes = volumestats.HippocampalVolumes(pred)
		if physical, ok := res.Volumes.Physical(dicomio.VoxelSpacing(res.Header)); ok {
			res.Physical = &physical
		}
		return nil
	}); err != nil {
		return nil, err
	}
	observability.LastVolume.WithLabelValues("anterior").Set(float64(res.Volumes.Anterior))
	observability.LastVolume.WithLabelValues("posterior").Set(float64(res.Volumes.Posterior))
	observability.LastVolume.WithLabelValues("total").Set(float64(res.Volumes.Total))
	logger.Info().
		Int("anterior", res.Volumes.Anterior).
		Int("posterior", res.Volumes.Posterior).
		Int("total", res.Volumes.Total).
		Msg("hippocampal volume measured")

	var canvas *image.RGBA
	if err := p.stage(StageRender, func() error {
		original, err := vol.Reshape(pred.Shape)
		if err != nil {
			return err
		}
		canvas, err = report.Render(report.Input{
			Header:     res.Header,
			Volumes:    res.Volumes,
			Physical:   res.Physical,
			Original:   original,
			Prediction: pred,
		})
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.stage(StageEncode, func() error {
		res.Report = dicomio.NewSecondaryCapture(res.Header, canvas, p.now())
		res.ReportPath = filepath.Join(p.conf.Report.OutputDir, res.ReportID+".dcm")
		return writeReport(res.ReportPath, res.Report)
	}); err != nil {
		return nil, err
	}

	if err := p.stage(StagePush, func() error {
		return p.deps.Sender.Send(ctx, res.ReportPath)
	}); err != nil {
		return nil, err
	}
	logger.Info().Str("report", res.ReportPath).Str("sopInstanceUid", res.Report.SOPInstanceUID).Msg("report delivered")

	p.afterDelivery(ctx, logger, res)

	if err := p.stage(StageCleanup, func() error {
		return p.cleanup(ctx, studyDir)
	}); err != nil {
		return res, err
	}

	return res, nil
}

// afterDelivery runs the stages whose failure must not fail a study whose
// report already reached the radiologist.
func (p *Pipeline) afterDelivery(ctx context.Context, logger zerolog.Logger, res *Result) {
	bestEffort := func(stage string, fn func() error) {
		if err := p.stage(stage, fn); err != nil {
			logger.Warn().Err(err).Msg("post-delivery stage failed")
			p.capture(filepath.Base(res.StudyDir), err)
		}
	}

	if p.deps.Archiver != nil {
		bestEffort(StageArchive, func() error {
			key, err := p.deps.Archiver.Store(ctx, res.ReportPath, res.Measurement(p.conf.Model.Name))
			res.ArchiveKey = key
			return err
		})
	}
	if p.deps.Store != nil {
		bestEffort(StagePersist, func() error {
			return p.deps.Store.Create(ctx, res.Measurement(p.conf.Model.Name))
		})
	}
	if p.deps.Publisher != nil {
		bestEffort(StagePublish, func() error {
			return p.deps.Publisher.Publish(ctx, res.Event())
		})
	}
	if p.conf.Notifier.WebhookURL != "" {
		bestEffort(StageNotify, func() error {
			return api.NotifyReportReady(ctx, p.conf.Notifier.WebhookURL, res.Event())
		})
	}
}

func (p *Pipeline) cleanup(ctx context.Context, studyDir string) error {
	if p.conf.Report.KeepStudies {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.conf.Report.CleanupDelay):
	}

	return errors.Wrap(os.RemoveAll(studyDir), "failed to remove study")
}

func (p *Pipeline) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	observability.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

func (p *Pipeline) record(err error) {
	var se *StageError
	switch {
	case err == nil:
		observability.StudiesProcessed.WithLabelValues("success", "").Inc()
	case errors.As(err, &se):
		observability.StudiesProcessed.WithLabelValues("failure", se.Stage).Inc()
	default:
		observability.StudiesProcessed.WithLabelValues("failure", "unknown").Inc()
	}
}

func (p *Pipeline) capture(studyKey string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("study", studyKey)
		var se *StageError
		if errors.As(err, &se) {
			scope.SetTag("stage", se.Stage)
		}
		sentry.CaptureException(err)
	})
}

func writeReport(path string, sc *dicomio.SecondaryCapture) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create report directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create report file")
	}
	if err := sc.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
