package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ikh/hippovolume/internal/config"
	"ikh/hippovolume/internal/models"
)

const quiet = 50 * time.Millisecond

type recorder struct {
	mu      sync.Mutex
	handled []*models.Study
}

func (r *recorder) handle(_ context.Context, s *models.Study) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handled)
}

func newTestWatcher(t *testing.T) (*Watcher, *recorder, string) {
	t.Helper()
	root := t.TempDir()
	conf := config.Default()
	conf.DirectoryPath = root
	conf.Timeout = quiet
	conf.PollInterval = 10 * time.Millisecond
	rec := &recorder{}
	return NewWatcher(conf, rec.handle), rec, root
}

func writeFile(t *testing.T, path string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("dicm"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestStudyIDOf(t *testing.T) {
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/routing/study1/series/1.dcm", "study1", true},
		{"/routing/study1/1.dcm", "study1", true},
		{"/routing/stray.dcm", "", false},
		{"/elsewhere/study1/1.dcm", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := studyIDOf("/routing", tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStudyHandledOnceAfterQuietPeriod(t *testing.T) {
	w, rec, root := newTestWatcher(t)
	ctx := context.Background()
	mod := time.Now().Add(-time.Minute)

	writeFile(t, filepath.Join(root, "study1", "series", "1.dcm"), mod)
	writeFile(t, filepath.Join(root, "study1", "series", "2.dcm"), mod)
	writeFile(t, filepath.Join(root, "stray.dcm"), mod)

	w.CheckDirectory(ctx)
	assert.Equal(t, 0, rec.count())

	// unchanged files do not re-arm the timer
	w.CheckDirectory(ctx)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	w.Wait()

	handled := rec.handled[0]
	assert.Equal(t, "study1", handled.ID)
	assert.Equal(t, filepath.Join(root, "study1"), handled.Dir)
	assert.Len(t, handled.Files, 2)

	time.Sleep(2 * quiet)
	w.CheckDirectory(ctx)
	time.Sleep(2 * quiet)
	assert.Equal(t, 1, rec.count())
}

func TestModifiedStudyIsHandledAgain(t *testing.T) {
	w, rec, root := newTestWatcher(t)
	ctx := context.Background()
	path := filepath.Join(root, "study1", "1.dcm")

	writeFile(t, path, time.Now().Add(-time.Minute))
	w.CheckDirectory(ctx)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)

	writeFile(t, filepath.Join(root, "study1", "2.dcm"), time.Now())
	w.CheckDirectory(ctx)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 10*time.Millisecond)
	w.Wait()
	assert.Len(t, rec.handled[1].Files, 2)
}

func TestRemovedStudyIsForgotten(t *testing.T) {
	w, rec, root := newTestWatcher(t)
	ctx := context.Background()

	writeFile(t, filepath.Join(root, "study1", "1.dcm"), time.Now())
	writeFile(t, filepath.Join(root, "study2", "1.dcm"), time.Now())
	w.CheckDirectory(ctx)
	assert.Len(t, w.Studies(), 2)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "study2")))
	w.CheckDirectory(ctx)

	studies := w.Studies()
	require.Len(t, studies, 1)
	assert.Equal(t, "study1", studies[0].ID)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	w.Wait()
	assert.Equal(t, "study1", rec.handled[0].ID)
}

func TestHandledStudySurvivesMissingRoot(t *testing.T) {
	w, rec, root := newTestWatcher(t)
	ctx := context.Background()

	writeFile(t, filepath.Join(root, "study1", "1.dcm"), time.Now().Add(-time.Minute))
	w.CheckDirectory(ctx)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	w.Wait()

	away := root + "-unmounted"
	require.NoError(t, os.Rename(root, away))
	w.CheckDirectory(ctx)
	assert.Len(t, w.Studies(), 1)

	require.NoError(t, os.Rename(away, root))
	w.CheckDirectory(ctx)
	time.Sleep(3 * quiet)
	w.CheckDirectory(ctx)
	w.Wait()

	assert.Equal(t, 1, rec.count())
	studies := w.Studies()
	require.Len(t, studies, 1)
	assert.True(t, studies[0].Ready)
}

func TestUnreadableDirectoryDoesNotStopScan(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}
	w, rec, root := newTestWatcher(t)
	ctx := context.Background()

	writeFile(t, filepath.Join(root, "study1", "1.dcm"), time.Now())
	writeFile(t, filepath.Join(root, "study2", "1.dcm"), time.Now())
	w.CheckDirectory(ctx)
	require.Len(t, w.Studies(), 2)

	locked := filepath.Join(root, "study1")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })
	writeFile(t, filepath.Join(root, "study3", "1.dcm"), time.Now())

	w.CheckDirectory(ctx)

	// study3 is found past the unreadable study1, which is not forgotten
	assert.ElementsMatch(t, []string{"study1", "study2", "study3"}, studyIDs(w.Studies()))

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 10*time.Millisecond)
	w.Wait()
}

func studyIDs(studies []*models.Study) []string {
	ids := make([]string, 0, len(studies))
	for _, s := range studies {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestStartStopsWithContext(t *testing.T) {
	w, rec, root := newTestWatcher(t)
	ctx, cancel := context.WithCancel(context.Background())

	writeFile(t, filepath.Join(root, "study1", "1.dcm"), time.Now())
	w.Start(ctx)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	w.Wait()
}
