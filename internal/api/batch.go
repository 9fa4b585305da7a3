package api

import (
	"archive/zip"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"uniconvert/internal/apperr"
	"uniconvert/internal/auth"
	"uniconvert/internal/service/session"
)

type batchFile struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
}

type downloadBatchRequest struct {
	Files []batchFile `json:"files"`
}

// downloadBatch zips the requested files into a temporary archive, streams
// it and removes it once the response is written. Files that cannot be
// resolved are skipped and counted in X-Skipped-Files.
func (h *Handler) downloadBatch(c *gin.Context) {
	var req downloadBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Files) == 0 {
		badRequest(c, "files is required")
		return
	}
	if len(req.Files) > maxBatchFiles {
		badRequest(c, "too many files in one batch")
		return
	}

	fs := h.store.Fs()
	archive, err := afero.TempFile(fs, "", "uniconvert-batch-*.zip")
	if err != nil {
		respondError(c, h.log, fmt.Errorf("create archive: %w", err))
		return
	}
	archivePath := archive.Name()
	defer func() {
		_ = archive.Close()
		if err := fs.Remove(archivePath); err != nil {
			h.log.Warn("remove batch archive failed", "path", archivePath, "err", err)
		}
	}()

	added, skipped, err := h.writeArchive(archive, req.Files)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if added == 0 {
		respondError(c, h.log, apperr.New(apperr.KindFileNotFound, "none of the requested files are available"))
		return
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		respondError(c, h.log, fmt.Errorf("rewind archive: %w", err))
		return
	}
	if skipped > 0 {
		c.Header("X-Skipped-Files", strconv.Itoa(skipped))
	}
	now := h.now()
	name := fmt.Sprintf("converted_%s.zip", now.Format("20060102_150405"))
	h.serveAttachment(c, name, "application/zip", now, archive)
}

func (h *Handler) writeArchive(w io.Writer, files []batchFile) (added, skipped int, err error) {
	zw := zip.NewWriter(w)
	used := make(map[string]bool)
	observed := make(map[string]bool)
	for _, bf := range files {
		id, ok := auth.Canonical(bf.SessionID)
		if !ok || !h.store.Exists(id) {
			skipped++
			continue
		}
		if !observed[id] {
			h.reaper.Observe(id)
			observed[id] = true
		}
		path, err := h.store.Get(id, bf.Filename)
		if err != nil {
			skipped++
			continue
		}
		if err := h.addToArchive(zw, id, path, entryName(used, filepath.Base(path))); err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				return 0, 0, err
			}
			// destroyed while the archive was being built
			skipped++
			continue
		}
		added++
	}
	if err := zw.Close(); err != nil {
		return 0, 0, fmt.Errorf("finish archive: %w", err)
	}
	return added, skipped, nil
}

func (h *Handler) addToArchive(zw *zip.Writer, id, path, name string) error {
	f, err := h.store.Open(id, path)
	if err != nil {
		return err
	}
	defer f.Close()
	entry, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %s to archive: %w", name, err)
	}
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("copy %s into archive: %w", name, err)
	}
	return nil
}

// entryName keeps archive entries unique, numbering repeats as "name (n).ext".
func entryName(used map[string]bool, name string) string {
	candidate := name
	for n := 1; used[candidate]; n++ {
		candidate = fmt.Sprintf("%s (%d)%s", session.Stem(name), n, filepath.Ext(name))
	}
	used[candidate] = true
	return candidate
}
