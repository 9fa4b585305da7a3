// Package session owns upload workspaces: one input and one output directory
// per session, plus the in-memory registry that maps ids to their records.
package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"uniconvert/internal/apperr"
	"uniconvert/internal/formats"
	"uniconvert/internal/logging"
	"uniconvert/internal/models"
)

const maxUniqueAttempts = 1000

// Options configures a Store. Zero values fall back to an OS filesystem,
// the wall clock and the default logger.
type Options struct {
	Fs             afero.Fs
	UploadDir      string
	OutputDir      string
	MaxUploadBytes int64
	Now            func() time.Time
	Logger         *logging.Logger
}

// Store is safe for concurrent use.
type Store struct {
	fs        afero.Fs
	uploadDir string
	outputDir string
	maxBytes  int64
	now       func() time.Time
	log       *logging.Logger

	mu        sync.Mutex
	sessions  map[string]*entry
	abandoned map[string]struct{}
}

type entry struct {
	mu         sync.Mutex
	id         string
	createdAt  time.Time
	lastActive time.Time
	inputs     []models.FileRecord
	outputs    []models.FileRecord
	reserved   map[string]struct{}
	destroyed  bool
}

func New(opts Options) *Store {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		fs:        fs,
		uploadDir: filepath.Clean(opts.UploadDir),
		outputDir: filepath.Clean(opts.OutputDir),
		maxBytes:  opts.MaxUploadBytes,
		now:       now,
		log:       logging.OrDefault(opts.Logger).With("component", "session"),
		sessions:  make(map[string]*entry),
		abandoned: make(map[string]struct{}),
	}
}

// Fs exposes the backing filesystem for callers that stream stored files.
func (s *Store) Fs() afero.Fs { return s.fs }

// CreateSession registers a new session with empty workspaces.
func (s *Store) CreateSession() (string, error) {
	id := uuid.NewString()
	for _, dir := range []string{s.inputDir(id), s.outDir(id)} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			_ = s.fs.RemoveAll(s.inputDir(id))
			return "", apperr.Wrap(apperr.KindInternal, err, "create workspace")
		}
	}
	now := s.now()
	s.mu.Lock()
	s.sessions[id] = &entry{
		id:         id,
		createdAt:  now,
		lastActive: now,
		reserved:   make(map[string]struct{}),
	}
	s.mu.Unlock()
	s.log.Debug("session created", "session", id)
	return id, nil
}

// Exists reports whether id names a live session.
func (s *Store) Exists(id string) bool {
	_, ok := s.lookup(id)
	return ok
}

// Touch records activity on a session.
func (s *Store) Touch(id string) {
	e, ok := s.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.lastActive = s.now()
	e.mu.Unlock()
}

// Put stores an upload under a unique sanitized name in the session's input
// workspace. Uploads above the configured limit fail with PayloadTooLarge and
// leave nothing behind.
func (s *Store) Put(id, name string, det formats.Detection, r io.Reader) (models.FileRecord, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.FileRecord{}, apperr.ErrSessionNotFound
	}
	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	rec, err := s.commit(e, s.inputDir(id), name, det, func(w io.Writer) error {
		n, err := io.Copy(w, src)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "store upload")
		}
		if s.maxBytes > 0 && n > s.maxBytes {
			return apperr.New(apperr.KindPayloadTooLarge, "file exceeds the %d byte limit", s.maxBytes)
		}
		return nil
	})
	if err != nil {
		return models.FileRecord{}, err
	}
	e.mu.Lock()
	e.inputs = append(e.inputs, rec)
	e.lastActive = s.now()
	e.mu.Unlock()
	return rec, nil
}

// CommitOutput writes a conversion result through write and publishes it
// atomically. Errors returned by write are passed through unchanged.
func (s *Store) CommitOutput(id, name string, det formats.Detection, write func(io.Writer) error) (models.FileRecord, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.FileRecord{}, apperr.ErrSessionNotFound
	}
	rec, err := s.commit(e, s.outDir(id), name, det, write)
	if err != nil {
		return models.FileRecord{}, err
	}
	e.mu.Lock()
	e.outputs = append(e.outputs, rec)
	e.lastActive = s.now()
	e.mu.Unlock()
	return rec, nil
}

// commit reserves a unique name, writes into a hidden temp file and renames
// it into place while holding the session lock. The record is only
// published by the caller after the rename succeeded.
func (s *Store) commit(e *entry, dir, name string, det formats.Detection, write func(io.Writer) error) (models.FileRecord, error) {
	original := name
	name = SanitizeFilename(name)

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return models.FileRecord{}, apperr.ErrSessionNotFound
	}
	final, err := s.uniqueNameLocked(e, dir, name)
	if err != nil {
		e.mu.Unlock()
		return models.FileRecord{}, err
	}
	e.reserved[final] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.reserved, final)
		e.mu.Unlock()
	}()

	tmpPath := filepath.Join(dir, "."+final+"."+uuid.NewString()[:8]+".part")
	f, err := s.fs.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if e.isDestroyed() {
			return models.FileRecord{}, apperr.ErrSessionNotFound
		}
		return models.FileRecord{}, apperr.Wrap(apperr.KindInternal, err, "create temp file")
	}
	writeErr := write(f)
	closeErr := f.Close()
	if writeErr == nil && closeErr != nil {
		writeErr = apperr.Wrap(apperr.KindInternal, closeErr, "flush temp file")
	}
	if writeErr != nil {
		_ = s.fs.Remove(tmpPath)
		if e.isDestroyed() {
			return models.FileRecord{}, apperr.ErrSessionNotFound
		}
		return models.FileRecord{}, writeErr
	}

	info, err := s.fs.Stat(tmpPath)
	if err != nil {
		_ = s.fs.Remove(tmpPath)
		if e.isDestroyed() {
			return models.FileRecord{}, apperr.ErrSessionNotFound
		}
		return models.FileRecord{}, apperr.Wrap(apperr.KindInternal, err, "stat temp file")
	}

	finalPath := filepath.Join(dir, final)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		_ = s.fs.Remove(tmpPath)
		// destroy may have run before the temp file appeared
		_ = s.fs.RemoveAll(dir)
		return models.FileRecord{}, apperr.ErrSessionNotFound
	}
	if err := s.fs.Rename(tmpPath, finalPath); err != nil {
		_ = s.fs.Remove(tmpPath)
		return models.FileRecord{}, apperr.Wrap(apperr.KindInternal, err, "publish file")
	}
	return models.FileRecord{
		OriginalName: filepath.Base(strings.TrimSpace(original)),
		StoredName:   final,
		Kind:         det.Kind,
		MIME:         det.MIME,
		StoredPath:   finalPath,
		Size:         info.Size(),
		CreatedAt:    s.now(),
	}, nil
}

func (s *Store) uniqueNameLocked(e *entry, dir, name string) (string, error) {
	taken := func(candidate string) bool {
		if _, ok := e.reserved[candidate]; ok {
			return true
		}
		if _, err := s.fs.Stat(filepath.Join(dir, candidate)); err == nil {
			return true
		}
		return false
	}
	if !taken(name) {
		return name, nil
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for idx := 1; idx <= maxUniqueAttempts; idx++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, idx, ext)
		if !taken(candidate) {
			return candidate, nil
		}
	}
	return "", apperr.New(apperr.KindInternal, "too many files named %s", name)
}

// Input returns the input record stored under name.
func (s *Store) Input(id, name string) (models.FileRecord, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.FileRecord{}, apperr.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := findRecord(e.inputs, name); ok {
		return rec, nil
	}
	return models.FileRecord{}, apperr.ErrFileNotFound
}

// Output returns the output record stored under name.
func (s *Store) Output(id, name string) (models.FileRecord, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.FileRecord{}, apperr.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := findRecord(e.outputs, name); ok {
		return rec, nil
	}
	return models.FileRecord{}, apperr.ErrFileNotFound
}

// Get resolves filename to a stored path, checking outputs before inputs.
func (s *Store) Get(id, filename string) (string, error) {
	e, ok := s.lookup(id)
	if !ok {
		return "", apperr.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := findRecord(e.outputs, filename); ok {
		return rec.StoredPath, nil
	}
	if rec, ok := findRecord(e.inputs, filename); ok {
		return rec.StoredPath, nil
	}
	return "", apperr.ErrFileNotFound
}

// Open opens a stored path of a live session for reading.
func (s *Store) Open(id, path string) (afero.File, error) {
	if !s.Exists(id) {
		return nil, apperr.ErrSessionNotFound
	}
	clean := filepath.Clean(path)
	if !within(s.inputDir(id), clean) && !within(s.outDir(id), clean) {
		return nil, apperr.ErrFileNotFound
	}
	f, err := s.fs.Open(clean)
	if err != nil {
		if !s.Exists(id) {
			return nil, apperr.ErrSessionNotFound
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.ErrFileNotFound
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "open stored file")
	}
	return f, nil
}

// Destroy removes a session and its workspaces. Unknown ids are a no-op.
// Paths that fail to delete are reported and remembered as abandoned; they
// are not retried.
func (s *Store) Destroy(id string) models.DestroyReport {
	report := models.DestroyReport{SessionID: id}

	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return report
	}

	// waits for an in-flight rename
	e.mu.Lock()
	e.destroyed = true
	snap := e.snapshotLocked()
	e.mu.Unlock()

	report.Existed = true
	report.InputBytes, report.OutputBytes = snap.Bytes()

	for _, dir := range []string{s.inputDir(id), s.outDir(id)} {
		if err := s.fs.RemoveAll(dir); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", dir, err))
			s.mu.Lock()
			s.abandoned[dir] = struct{}{}
			s.mu.Unlock()
			s.log.Warn("workspace removal failed", "session", id, "path", dir, "err", err)
		}
	}
	return report
}

// Snapshot returns a copy of every live session.
func (s *Store) Snapshot() []models.Session {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]models.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshotLocked())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Session returns a copy of one live session.
func (s *Store) Session(id string) (models.Session, error) {
	e, ok := s.lookup(id)
	if !ok {
		return models.Session{}, apperr.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

func (s *Store) Stats() models.StoreStats {
	var st models.StoreStats
	for _, sess := range s.Snapshot() {
		in, out := sess.Bytes()
		st.Sessions++
		st.InputBytes += in
		st.OutputBytes += out
	}
	st.TotalBytes = st.InputBytes + st.OutputBytes
	return st
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	return e, ok
}

func (s *Store) inputDir(id string) string { return filepath.Join(s.uploadDir, id) }
func (s *Store) outDir(id string) string   { return filepath.Join(s.outputDir, id) }

func (e *entry) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

func (e *entry) snapshotLocked() models.Session {
	return models.Session{
		ID:         e.id,
		CreatedAt:  e.createdAt,
		LastActive: e.lastActive,
		Inputs:     append([]models.FileRecord(nil), e.inputs...),
		Outputs:    append([]models.FileRecord(nil), e.outputs...),
	}
}

func findRecord(records []models.FileRecord, name string) (models.FileRecord, bool) {
	for _, rec := range records {
		if rec.StoredName == name {
			return rec, true
		}
	}
	return models.FileRecord{}, false
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}
