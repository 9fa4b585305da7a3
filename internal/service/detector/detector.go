// Package detector identifies uploaded files by signature and persists
// accepted ones into a session.
package detector

import (
	"bytes"
	"context"
	"errors"
	"io"

	"uniconvert/internal/apperr"
	"uniconvert/internal/formats"
	"uniconvert/internal/logging"
	"uniconvert/internal/models"
	"uniconvert/internal/service/resolver"
)

// HeadSize is how many leading bytes are inspected for a signature.
const HeadSize = 3072

// Store is the slice of the session store the detector writes to.
type Store interface {
	CreateSession() (string, error)
	Exists(id string) bool
	Put(id, name string, det formats.Detection, r io.Reader) (models.FileRecord, error)
	Destroy(id string) models.DestroyReport
}

type Detector struct {
	registry *formats.Registry
	store    Store
	resolver *resolver.Resolver
	log      *logging.Logger
}

func New(registry *formats.Registry, store Store, logger *logging.Logger) *Detector {
	return &Detector{
		registry: registry,
		store:    store,
		resolver: resolver.New(registry),
		log:      logging.OrDefault(logger).With("component", "detector"),
	}
}

// Detect sniffs r, and on success stores it into sessionID (or a new session
// when sessionID is empty). Nothing is written when detection fails.
func (d *Detector) Detect(ctx context.Context, r io.Reader, declaredName, sessionID string) (models.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return models.DetectionResult{}, err
	}
	if sessionID != "" && !d.store.Exists(sessionID) {
		return models.DetectionResult{}, apperr.ErrSessionNotFound
	}

	head := make([]byte, HeadSize)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return models.DetectionResult{}, apperr.Wrap(apperr.KindDetectionFailed, err, "file could not be read")
	}
	head = head[:n]
	if n == 0 {
		return models.DetectionResult{}, apperr.New(apperr.KindDetectionFailed, "file is empty")
	}

	det, ok := d.registry.DetectFromSignature(head, declaredName)
	if !ok {
		return models.DetectionResult{}, apperr.New(apperr.KindDetectionFailed, "unrecognized or unsupported file format")
	}

	created := false
	if sessionID == "" {
		sessionID, err = d.store.CreateSession()
		if err != nil {
			return models.DetectionResult{}, err
		}
		created = true
	}

	rec, err := d.store.Put(sessionID, declaredName, det, io.MultiReader(bytes.NewReader(head), r))
	if err != nil {
		if created {
			d.store.Destroy(sessionID)
		}
		return models.DetectionResult{}, err
	}

	d.log.Debug("file detected", "session", sessionID, "file", rec.StoredName, "format", det.Format, "size", rec.Size)
	return models.DetectionResult{
		SessionID:    sessionID,
		Filename:     rec.StoredName,
		OriginalName: rec.OriginalName,
		Type:         string(det.Type),
		Format:       string(det.Format),
		MIME:         det.MIME,
		ValidTargets: d.registry.ValidTargets(det.Type, det.Format).Strings(),
		Size:         rec.Size,
		Warning:      det.Warning,
	}, nil
}

// Upload is one file of a batch.
type Upload struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileOutcome is the per-file result of DetectBatch.
type FileOutcome struct {
	Filename string                  `json:"filename"`
	Success  bool                    `json:"success"`
	Result   *models.DetectionResult `json:"result,omitempty"`
	Error    *models.ErrorDescriptor `json:"error,omitempty"`
}

// BatchResult groups the outcomes of one multi-file upload.
type BatchResult struct {
	SessionID     string        `json:"session_id,omitempty"`
	Files         []FileOutcome `json:"files"`
	CommonTargets []string      `json:"common_targets"`
}

// DetectBatch detects every upload into a single session, created on the
// first success when sessionID is empty. A failing file never aborts the
// batch; only an unknown sessionID does.
func (d *Detector) DetectBatch(ctx context.Context, uploads []Upload, sessionID string) (BatchResult, error) {
	if sessionID != "" && !d.store.Exists(sessionID) {
		return BatchResult{}, apperr.ErrSessionNotFound
	}
	out := BatchResult{SessionID: sessionID, Files: make([]FileOutcome, 0, len(uploads))}
	var kinds []formats.Kind
	for _, up := range uploads {
		res, err := d.detectUpload(ctx, up, out.SessionID)
		if err != nil {
			e := apperr.As(err)
			if e.Kind == apperr.KindInternal {
				d.log.Error("detect upload failed", "file", up.Name, "err", err)
			}
			out.Files = append(out.Files, FileOutcome{
				Filename: up.Name,
				Error:    &models.ErrorDescriptor{Kind: string(e.Kind), Message: e.Message},
			})
			continue
		}
		out.SessionID = res.SessionID
		kinds = append(kinds, formats.Kind{Type: formats.Type(res.Type), Format: formats.Format(res.Format)})
		out.Files = append(out.Files, FileOutcome{Filename: up.Name, Success: true, Result: &res})
	}
	out.CommonTargets = d.resolver.Resolve(kinds...).Strings()
	return out, nil
}

func (d *Detector) detectUpload(ctx context.Context, up Upload, sessionID string) (models.DetectionResult, error) {
	rc, err := up.Open()
	if err != nil {
		return models.DetectionResult{}, apperr.Wrap(apperr.KindDetectionFailed, err, "file could not be read")
	}
	defer rc.Close()
	return d.Detect(ctx, rc, up.Name, sessionID)
}
