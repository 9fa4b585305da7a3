package session

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uniconvert/internal/apperr"
	"uniconvert/internal/formats"
	"uniconvert/internal/logging"
)

var pngDetection = formats.Detection{
	Kind: formats.Kind{Type: formats.TypeImage, Format: formats.PNG},
	MIME: "image/png",
}

func newTestStore(t *testing.T, maxBytes int64) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return New(Options{
		Fs:             fs,
		UploadDir:      "/data/uploads",
		OutputDir:      "/data/outputs",
		MaxUploadBytes: maxBytes,
		Logger:         logging.Discard(),
	}), fs
}

func TestPutAndGet(t *testing.T) {
	store, fs := newTestStore(t, 0)
	id, err := store.CreateSession()
	require.NoError(t, err)
	assert.True(t, store.Exists(id))

	rec, err := store.Put(id, "photo.png", pngDetection, strings.NewReader("pixels"))
	require.NoError(t, err)
	assert.Equal(t, "photo.png", rec.StoredName)
	assert.Equal(t, int64(6), rec.Size)
	assert.Equal(t, filepath.Join("/data/uploads", id, "photo.png"), rec.StoredPath)

	path, err := store.Get(id, "photo.png")
	require.NoError(t, err)
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))

	_, err = store.Get(id, "missing.png")
	assert.True(t, errors.Is(err, apperr.ErrFileNotFound))
}

func TestPutUniqueNames(t *testing.T) {
	store, _ := newTestStore(t, 0)
	id, err := store.CreateSession()
	require.NoError(t, err)

	first, err := store.Put(id, "a.png", pngDetection, strings.NewReader("1"))
	require.NoError(t, err)
	second, err := store.Put(id, "a.png", pngDetection, strings.NewReader("2"))
	require.NoError(t, err)
	assert.Equal(t, "a.png", first.StoredName)
	assert.Equal(t, "a (1).png", second.StoredName)
	assert.NotEqual(t, first.StoredPath, second.StoredPath)
}

func TestConcurrentPutsGetDistinctNames(t *testing.T) {
	store, _ := newTestStore(t, 0)
	id, err := store.CreateSession()
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	names := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := store.Put(id, "same.png", pngDetection, strings.NewReader(fmt.Sprint(i)))
			if assert.NoError(t, err) {
				names <- rec.StoredName
			}
		}(i)
	}
	wg.Wait()
	close(names)
	seen := map[string]bool{}
	for name := range names {
		assert.False(t, seen[name], "duplicate stored name %s", name)
		seen[name] = true
	}
	assert.Len(t, seen, n)
}

func TestPutRejectsOversizedUpload(t *testing.T) {
	store, fs := newTestStore(t, 4)
	id, err := store.CreateSession()
	require.NoError(t, err)

	_, err = store.Put(id, "big.png", pngDetection, strings.NewReader("too many bytes"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindPayloadTooLarge, apperr.KindOf(err))

	infos, err := afero.ReadDir(fs, filepath.Join("/data/uploads", id))
	require.NoError(t, err)
	assert.Empty(t, infos, "partial upload must be removed")
}

func TestGetPrefersOutputs(t *testing.T) {
	store, _ := newTestStore(t, 0)
	id, err := store.CreateSession()
	require.NoError(t, err)

	_, err = store.Put(id, "a.png", pngDetection, strings.NewReader("input"))
	require.NoError(t, err)
	out, err := store.CommitOutput(id, "a.png", pngDetection, func(w io.Writer) error {
		_, err := io.WriteString(w, "output")
		return err
	})
	require.NoError(t, err)

	path, err := store.Get(id, "a.png")
	require.NoError(t, err)
	assert.Equal(t, out.StoredPath, path)
}

func TestCommitOutputWriteErrorLeavesNothing(t *testing.T) {
	store, fs := newTestStore(t, 0)
	id, err := store.CreateSession()
	require.NoError(t, err)

	boom := errors.New("encoder exploded")
	_, err = store.CommitOutput(id, "x.pdf", pngDetection, func(w io.Writer) error {
		_, _ = io.WriteString(w, "half")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	infos, err := afero.ReadDir(fs, filepath.Join("/data/outputs", id))
	require.NoError(t, err)
	assert.Empty(t, infos)
	_, err = store.Output(id, "x.pdf")
	assert.ErrorIs(t, err, apperr.ErrFileNotFound)
}

func TestDestroy(t *testing.T) {
	store, fs := newTestStore(t, 0)
	id, err := store.CreateSession()
	require.NoError(t, err)
	_, err = store.Put(id, "a.png", pngDetection, strings.NewReader("12345"))
	require.NoError(t, err)

	report := store.Destroy(id)
	assert.True(t, report.Existed)
	assert.Equal(t, int64(5), report.InputBytes)
	assert.Empty(t, report.Errors)

	_, err = store.Get(id, "a.png")
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
	_, err = store.Put(id, "b.png", pngDetection, strings.NewReader("x"))
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)

	exists, err := afero.DirExists(fs, filepath.Join("/data/uploads", id))
	require.NoError(t, err)
	assert.False(t, exists)

	again := store.Destroy(id)
	assert.False(t, again.Existed, "second destroy is a no-op")
	assert.Empty(t, again.Errors)
}

// stuckFs refuses to remove one directory, like a path held open elsewhere.
type stuckFs struct {
	afero.Fs
	mu       sync.Mutex
	stuck    string
	attempts int
}

func (f *stuckFs) RemoveAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path == f.stuck {
		f.attempts++
		return errors.New("resource busy")
	}
	return f.Fs.RemoveAll(path)
}

func TestDestroyWithLockedWorkspace(t *testing.T) {
	fs := &stuckFs{Fs: afero.NewMemMapFs()}
	store := New(Options{Fs: fs, UploadDir: "/data/uploads", OutputDir: "/data/outputs", Logger: logging.Discard()})
	id, err := store.CreateSession()
	require.NoError(t, err)
	_, err = store.Put(id, "a.png", pngDetection, strings.NewReader("12345"))
	require.NoError(t, err)
	locked := filepath.Join("/data/outputs", id)
	fs.stuck = locked

	report := store.Destroy(id)
	assert.True(t, report.Existed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "resource busy")

	_, err = store.Get(id, "a.png")
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound, "a partial delete still destroys the session")
	assert.False(t, store.Exists(id))
	exists, err := afero.DirExists(fs, filepath.Join("/data/uploads", id))
	require.NoError(t, err)
	assert.False(t, exists, "the other workspace is removed")

	orphans := store.SweepOrphans(time.Now().Add(time.Hour))
	assert.Empty(t, orphans.Removed)
	assert.Empty(t, orphans.Errors)
	assert.Equal(t, 1, fs.attempts, "abandoned path must not be retried")
}

func TestDestroyDuringCommit(t *testing.T) {
	store, _ := newTestStore(t, 0)
	id, err := store.CreateSession()
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := store.CommitOutput(id, "slow.pdf", pngDetection, func(w io.Writer) error {
			close(started)
			<-release
			_, err := io.WriteString(w, "late")
			return err
		})
		done <- err
	}()

	<-started
	store.Destroy(id)
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("commit did not return")
	}
	_, err = store.Get(id, "slow.pdf")
	assert.ErrorIs(t, err, apperr.ErrSessionNotFound)
}

func TestOpenRejectsForeignPaths(t *testing.T) {
	store, _ := newTestStore(t, 0)
	a, err := store.CreateSession()
	require.NoError(t, err)
	b, err := store.CreateSession()
	require.NoError(t, err)
	rec, err := store.Put(b, "b.png", pngDetection, strings.NewReader("b"))
	require.NoError(t, err)

	_, err = store.Open(a, rec.StoredPath)
	assert.ErrorIs(t, err, apperr.ErrFileNotFound)

	f, err := store.Open(b, rec.StoredPath)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestStats(t *testing.T) {
	store, _ := newTestStore(t, 0)
	id, err := store.CreateSession()
	require.NoError(t, err)
	_, err = store.Put(id, "a.png", pngDetection, strings.NewReader("1234"))
	require.NoError(t, err)
	_, err = store.CommitOutput(id, "a.jpg", pngDetection, func(w io.Writer) error {
		_, err := io.WriteString(w, "12")
		return err
	})
	require.NoError(t, err)

	st := store.Stats()
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, int64(4), st.InputBytes)
	assert.Equal(t, int64(2), st.OutputBytes)
	assert.Equal(t, int64(6), st.TotalBytes)
}

func TestSweepOrphans(t *testing.T) {
	store, fs := newTestStore(t, 0)
	live, err := store.CreateSession()
	require.NoError(t, err)
	orphan := filepath.Join("/data/uploads", "0b9e2f4c-7d1a-4c3b-9e8f-5a6b7c8d9e0f")
	require.NoError(t, fs.MkdirAll(orphan, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(orphan, "x.png"), []byte("x"), 0o644))
	foreign := []string{
		filepath.Join("/data/uploads", "photos"),
		filepath.Join("/data/uploads", "0B9E2F4C-7D1A-4C3B-9E8F-5A6B7C8D9E0F"),
		filepath.Join("/data/outputs", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"), // v1
	}
	for _, dir := range foreign {
		require.NoError(t, fs.MkdirAll(dir, 0o755))
	}

	report := store.SweepOrphans(time.Now().Add(-time.Hour))
	assert.Empty(t, report.Removed, "fresh directories are kept")

	report = store.SweepOrphans(time.Now().Add(time.Hour))
	assert.Equal(t, []string{orphan}, report.Removed)
	assert.True(t, store.Exists(live))
	exists, err := afero.DirExists(fs, filepath.Join("/data/uploads", live))
	require.NoError(t, err)
	assert.True(t, exists, "live workspace must survive")
	for _, dir := range foreign {
		exists, err := afero.DirExists(fs, dir)
		require.NoError(t, err)
		assert.True(t, exists, "%s is not a workspace and must survive", dir)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"photo.png":          "photo.png",
		"../../etc/passwd":   "passwd",
		`C:\Users\me\a.docx`: "a.docx",
		".hidden.txt":        "hidden.txt",
		"we?ird*name.pdf":    "we_ird_name.pdf",
		"":                   "file",
		"..":                 "file",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
	assert.Equal(t, "report", Stem("report.pdf"))
}
