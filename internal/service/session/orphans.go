package session

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// OrphanReport lists workspace directories found on disk without a live
// session, typically left behind by an earlier process.
type OrphanReport struct {
	Removed []string
	Errors  []string
}

// SweepOrphans removes unregistered workspace directories whose mtime is
// before cutoff. Only directories named like a session id are touched, so
// unrelated data under a shared root survives. Abandoned paths from failed
// destroys are skipped.
func (s *Store) SweepOrphans(cutoff time.Time) OrphanReport {
	var report OrphanReport
	for _, root := range []string{s.uploadDir, s.outputDir} {
		infos, err := afero.ReadDir(s.fs, root)
		if err != nil {
			continue
		}
		for _, info := range infos {
			if !info.IsDir() || !isWorkspaceName(info.Name()) {
				continue
			}
			path := filepath.Join(root, info.Name())
			if s.Exists(info.Name()) || s.isAbandoned(path) {
				continue
			}
			if !info.ModTime().Before(cutoff) {
				continue
			}
			if err := s.fs.RemoveAll(path); err != nil {
				report.Errors = append(report.Errors, path+": "+err.Error())
				s.mu.Lock()
				s.abandoned[path] = struct{}{}
				s.mu.Unlock()
				s.log.Warn("orphan removal failed", "path", path, "err", err)
				continue
			}
			report.Removed = append(report.Removed, path)
		}
	}
	return report
}

func (s *Store) isAbandoned(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.abandoned[path]
	return ok
}

// isWorkspaceName reports whether name is a session id in canonical form.
func isWorkspaceName(name string) bool {
	id, err := uuid.Parse(name)
	return err == nil && id.Version() == 4 && id.String() == name
}
