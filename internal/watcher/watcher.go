package watcher

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ikh/hippovolume/internal/config"
	"ikh/hippovolume/internal/models"
	"ikh/hippovolume/internal/observability"
)

// StudyHandler is called once a study has been quiet for the configured
// timeout. It receives a snapshot of the study.
type StudyHandler func(ctx context.Context, study *models.Study)

type Watcher struct {
	Root         string
	Timeout      time.Duration
	PollInterval time.Duration
	BatchSize    int

	handler StudyHandler
	logger  zerolog.Logger

	mu           sync.Mutex
	studies      map[string]*models.Study
	fileMetadata map[string]time.Time
	studyTimers  map[string]*time.Timer

	inflight sync.WaitGroup
}

func NewWatcher(conf *config.Config, handler StudyHandler) *Watcher {
	return &Watcher{
		Root:         conf.DirectoryPath,
		Timeout:      conf.Timeout,
		PollInterval: conf.PollInterval,
		BatchSize:    conf.BatchSize,
		handler:      handler,
		logger:       log.With().Str("module", "watcher").Str("root", conf.DirectoryPath).Logger(),
		studies:      make(map[string]*models.Study),
		fileMetadata: make(map[string]time.Time),
		studyTimers:  make(map[string]*time.Timer),
	}
}

// Start polls the routing directory until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				w.stopTimers()
				return
			case <-ticker.C:
				w.CheckDirectory(ctx)
			}
		}
	}()
}

// Wait blocks until every handler that has been started returns.
func (w *Watcher) Wait() {
	w.inflight.Wait()
}

// CheckDirectory walks the routing directory once. Files that disappeared
// are forgotten only after a walk that saw the whole tree.
func (w *Watcher) CheckDirectory(ctx context.Context) {
	w.logger.Trace().Msg("checking directory")

	if info, err := os.Stat(w.Root); err != nil || !info.IsDir() {
		w.logger.Error().Err(err).Msg("routing directory is not available, skipping check")
		return
	}

	fileChan := make(chan string, w.BatchSize)
	errChan := make(chan error, w.BatchSize)

	var (
		seenMu sync.Mutex
		seen   = make(map[string]struct{})
		// complete stays true while every directory and file could be read
		complete atomic.Bool
	)
	complete.Store(true)

	var walkers sync.WaitGroup
	walkers.Add(1)
	go func() {
		defer walkers.Done()
		defer close(fileChan)
		err := filepath.Walk(w.Root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				// the router may remove a file while we walk
				if os.IsNotExist(err) && path != w.Root {
					return nil
				}
				complete.Store(false)
				errChan <- err
				if info != nil && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !info.IsDir() {
				fileChan <- path
			}
			return nil
		})
		if err != nil {
			complete.Store(false)
			if ctx.Err() == nil {
				errChan <- err
			}
		}
	}()

	var workers sync.WaitGroup
	numWorkers := runtime.NumCPU() * 2
	for i := 0; i < numWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for filePath := range fileChan {
				info, err := os.Stat(filePath)
				if err != nil {
					if !os.IsNotExist(err) {
						complete.Store(false)
						errChan <- err
					}
					continue
				}
				seenMu.Lock()
				seen[filePath] = struct{}{}
				seenMu.Unlock()
				w.processFile(ctx, filePath, info.ModTime())
			}
		}()
	}

	var reporter sync.WaitGroup
	reporter.Add(1)
	go func() {
		defer reporter.Done()
		for err := range errChan {
			w.logger.Error().Err(err).Msg("failed to scan routing directory")
		}
	}()

	walkers.Wait()
	workers.Wait()
	close(errChan)
	reporter.Wait()

	if !complete.Load() {
		w.logger.Warn().Msg("routing directory scan was incomplete, keeping known studies")
		return
	}
	w.forgetMissing(seen)
}

func (w *Watcher) processFile(ctx context.Context, filePath string, lastModified time.Time) {
	studyID, ok := studyIDOf(w.Root, filePath)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if known, ok := w.fileMetadata[filePath]; ok && !known.Before(lastModified) {
		return
	}
	w.fileMetadata[filePath] = lastModified
	observability.FilesSeen.Inc()

	study, ok := w.studies[studyID]
	if !ok {
		study = &models.Study{
			ID:    studyID,
			Dir:   filepath.Join(w.Root, studyID),
			Files: make(map[string]*models.DicomFile),
		}
		w.studies[studyID] = study
		w.logger.Info().Str("study", studyID).Msg("new study")
	}
	study.Files[filePath] = &models.DicomFile{
		FilePath:     filePath,
		LastModified: lastModified,
	}
	study.LastChange = time.Now()
	if study.Ready {
		w.logger.Info().Str("study", studyID).Msg("study changed after it was handled")
		study.Ready = false
	}

	if timer, ok := w.studyTimers[studyID]; ok {
		timer.Reset(w.Timeout)
	} else {
		w.studyTimers[studyID] = time.AfterFunc(w.Timeout, func() {
			w.checkStudyReady(ctx, studyID)
		})
	}
	w.updatePending()
}

func (w *Watcher) checkStudyReady(ctx context.Context, studyID string) {
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	study, ok := w.studies[studyID]
	if !ok || study.Ready {
		w.mu.Unlock()
		return
	}
	// a file arrived while this timer was firing; the reset timer will fire again
	if time.Since(study.LastChange) < w.Timeout {
		w.mu.Unlock()
		return
	}
	study.Ready = true
	snapshot := snapshotOf(study)
	w.inflight.Add(1)
	w.updatePending()
	w.mu.Unlock()

	w.logger.Info().Str("study", studyID).Int("files", len(snapshot.Files)).Msg("study ready")

	go func() {
		defer w.inflight.Done()
		w.handler(ctx, snapshot)
	}()
}

// forgetMissing drops files and studies that disappeared from disk, e.g.
// after the pipeline removed a handled study.
func (w *Watcher) forgetMissing(seen map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path := range w.fileMetadata {
		if _, ok := seen[path]; ok {
			continue
		}
		delete(w.fileMetadata, path)
		if id, ok := studyIDOf(w.Root, path); ok {
			if study, ok := w.studies[id]; ok {
				delete(study.Files, path)
			}
		}
	}

	for id, study := range w.studies {
		if len(study.Files) > 0 {
			continue
		}
		if timer, ok := w.studyTimers[id]; ok {
			timer.Stop()
			delete(w.studyTimers, id)
		}
		delete(w.studies, id)
		w.logger.Debug().Str("study", id).Msg("study removed from routing directory")
	}
	w.updatePending()
}

// Studies returns snapshots of the studies currently tracked.
func (w *Watcher) Studies() []*models.Study {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*models.Study, 0, len(w.studies))
	for _, s := range w.studies {
		out = append(out, snapshotOf(s))
	}
	return out
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.studyTimers {
		t.Stop()
	}
}

// updatePending must be called with mu held.
func (w *Watcher) updatePending() {
	pending := 0
	for _, s := range w.studies {
		if !s.Ready {
			pending++
		}
	}
	observability.StudiesPending.Set(float64(pending))
}

func snapshotOf(s *models.Study) *models.Study {
	files := make(map[string]*models.DicomFile, len(s.Files))
	for k, f := range s.Files {
		c := *f
		files[k] = &c
	}
	c := *s
	c.Files = files
	return &c
}

// studyIDOf returns the first path component of filePath below root. Files
// directly in root belong to no study.
func studyIDOf(root, filePath string) (string, bool) {
	rel, err := filepath.Rel(root, filePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", false
	}
	return parts[0], true
}
