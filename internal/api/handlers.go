package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"uniconvert/internal/apperr"
	"uniconvert/internal/auth"
	"uniconvert/internal/engine"
	"uniconvert/internal/formats"
	"uniconvert/internal/logging"
	"uniconvert/internal/service/convert"
	"uniconvert/internal/service/detector"
	"uniconvert/internal/service/reaper"
	"uniconvert/internal/service/session"
	"uniconvert/internal/storage"
	"uniconvert/internal/worker"
)

const (
	// multipartMemory is how much of a multipart body is held in memory
	// before parts spill to temporary files.
	multipartMemory   = 8 << 20
	multipartOverhead = 64 << 10
	maxBatchFiles     = 50
)

type Options struct {
	Registry       *formats.Registry
	Store          *session.Store
	Detector       *detector.Detector
	Converter      *convert.Dispatcher
	Reaper         *reaper.Reaper
	Journal        *storage.Journal
	Tools          engine.Tools
	Workers        func() worker.Stats
	Metrics        http.Handler
	MaxUploadBytes int64
	CORSOrigins    []string
	Logger         *logging.Logger
}

// Handler wires HTTP routes to the detector, converter and reaper.
type Handler struct {
	registry    *formats.Registry
	store       *session.Store
	detector    *detector.Detector
	converter   *convert.Dispatcher
	reaper      *reaper.Reaper
	guard       *auth.Guard
	journal     *storage.Journal
	tools       engine.Tools
	workers     func() worker.Stats
	metrics     http.Handler
	maxUpload   int64
	corsOrigins []string
	log         *logging.Logger
	now         func() time.Time
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	return &Handler{
		registry:    opts.Registry,
		store:       opts.Store,
		detector:    opts.Detector,
		converter:   opts.Converter,
		reaper:      opts.Reaper,
		guard:       auth.NewGuard(opts.Store, opts.Reaper),
		journal:     opts.Journal,
		tools:       opts.Tools,
		workers:     opts.Workers,
		metrics:     opts.Metrics,
		maxUpload:   opts.MaxUploadBytes,
		corsOrigins: opts.CORSOrigins,
		log:         logging.OrDefault(opts.Logger).With("component", "api"),
		now:         time.Now,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware(h.corsOrigins))
	api := router.Group("/api")
	api.GET("/formats", h.listFormats)
	api.POST("/detect", h.detect)
	api.POST("/convert", h.convert)
	api.POST("/convert-batch", h.convertBatch)
	api.GET("/download/:session_id/:filename", h.guard.Middleware(), h.download)
	api.POST("/download-batch", h.downloadBatch)

	cleanup := api.Group("/cleanup")
	cleanup.GET("/stats", h.cleanupStats)
	cleanup.POST("/sweep", h.sweep)
	cleanup.DELETE("/:session_id", h.deleteSession)
	cleanup.POST("/:session_id/signal", h.signal)

	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Content-Length"}
	cfg.ExposeHeaders = []string{"Content-Disposition", "X-Skipped-Files"}
	return cors.New(cfg)
}

func (h *Handler) listFormats(c *gin.Context) {
	targets := make(map[formats.Format][]string)
	for _, f := range h.registry.Formats() {
		kind, _ := h.registry.Lookup(f)
		targets[f] = h.registry.ValidTargets(kind.Type, f).Strings()
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"formats":          h.registry.Supported(),
		"targets":          targets,
		"capabilities":     h.converter.Capabilities(),
		"engines":          h.tools.Availability(),
		"max_upload_bytes": h.maxUpload,
		"max_upload":       humanize.Bytes(uint64(h.maxUpload)),
	})
}

// detect accepts one or more multipart "file" parts. A single failing file
// fails the request; in a batch each file reports its own outcome.
func (h *Handler) detect(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)
	}
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, h.log, err)
			return
		}
		badRequest(c, "invalid multipart form")
		return
	}
	defer c.Request.MultipartForm.RemoveAll()

	files := c.Request.MultipartForm.File["file"]
	if len(files) == 0 {
		badRequest(c, "file is required")
		return
	}
	sessionID := ""
	if raw := strings.TrimSpace(c.PostForm("session_id")); raw != "" {
		id, ok := h.guard.Check(c, raw)
		if !ok {
			return
		}
		sessionID = id
	}

	uploads := make([]detector.Upload, 0, len(files))
	for _, fh := range files {
		uploads = append(uploads, detector.Upload{
			Name: fh.Filename,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	result, err := h.detector.DetectBatch(c.Request.Context(), uploads, sessionID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	var firstErr *detector.FileOutcome
	succeeded := 0
	for i := range result.Files {
		if result.Files[i].Success {
			succeeded++
		} else if firstErr == nil {
			firstErr = &result.Files[i]
		}
	}
	if succeeded == 0 {
		c.JSON(statusFor(apperr.Kind(firstErr.Error.Kind)), gin.H{
			"success": false,
			"error":   firstErr.Error,
			"files":   result.Files,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"session_id":     result.SessionID,
		"files":          result.Files,
		"common_targets": result.CommonTargets,
	})
}

type convertRequest struct {
	SessionID    string `json:"session_id"`
	Filename     string `json:"filename"`
	TargetFormat string `json:"target_format"`
}

func (h *Handler) convert(c *gin.Context) {
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Filename == "" || req.TargetFormat == "" {
		badRequest(c, "session_id, filename and target_format are required")
		return
	}
	id, ok := h.guard.Check(c, req.SessionID)
	if !ok {
		return
	}
	res, err := h.converter.Convert(c.Request.Context(), id, req.Filename, formats.ParseFormat(req.TargetFormat))
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindInternal {
			h.log.Error("convert failed", "session", id, "file", req.Filename, "err", err)
		}
		c.JSON(statusFor(kind), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type convertBatchRequest struct {
	SessionID    string   `json:"session_id"`
	Filenames    []string `json:"filenames"`
	TargetFormat string   `json:"target_format"`
}

func (h *Handler) convertBatch(c *gin.Context) {
	var req convertBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Filenames) == 0 || req.TargetFormat == "" {
		badRequest(c, "session_id, filenames and target_format are required")
		return
	}
	if len(req.Filenames) > maxBatchFiles {
		badRequest(c, "too many files in one batch")
		return
	}
	id, ok := h.guard.Check(c, req.SessionID)
	if !ok {
		return
	}
	target := formats.ParseFormat(req.TargetFormat)
	results, err := h.converter.ConvertBatch(c.Request.Context(), id, req.Filenames, target)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	converted := 0
	for _, res := range results {
		if res.Success {
			converted++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"session_id":    id,
		"target_format": target,
		"results":       results,
		"converted":     converted,
		"failed":        len(results) - converted,
	})
}

func (h *Handler) download(c *gin.Context) {
	id, _ := auth.SessionIDFromContext(c)
	name := c.Param("filename")
	path, err := h.store.Get(id, name)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	f, err := h.store.Open(id, path)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.serveAttachment(c, name, h.contentType(name), info.ModTime(), f)
}

func (h *Handler) contentType(name string) string {
	return h.registry.MIME(formats.NormalizeExtension(name))
}

func (h *Handler) serveAttachment(c *gin.Context, name, contentType string, modTime time.Time, content io.ReadSeeker) {
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(c.Writer, c.Request, name, modTime, content)
}

// deleteSession is idempotent: unknown and malformed ids report existed=false.
func (h *Handler) deleteSession(c *gin.Context) {
	raw := c.Param("session_id")
	id, ok := auth.Canonical(raw)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"success": true, "session_id": raw, "existed": false})
		return
	}
	report := h.reaper.Delete(c.Request.Context(), id)
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"session_id":  id,
		"existed":     report.Existed,
		"freed_bytes": report.FreedBytes(),
		"freed":       humanize.Bytes(uint64(report.FreedBytes())),
		"error_count": len(report.Errors),
	})
}

type signalRequest struct {
	Event string `json:"event"`
}

// signal takes page lifecycle beacons. Beacons cannot act on a response, so
// every request is accepted and invalid ones are dropped silently.
func (h *Handler) signal(c *gin.Context) {
	event := c.Query("event")
	if event == "" {
		body, _ := io.ReadAll(io.LimitReader(c.Request.Body, 1<<10))
		var req signalRequest
		if json.Unmarshal(body, &req) == nil {
			event = req.Event
		}
	}
	ev, known := reaper.ParseEvent(strings.ToLower(strings.TrimSpace(event)))
	if id, ok := auth.Canonical(c.Param("session_id")); ok && known {
		h.reaper.Signal(id, ev)
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (h *Handler) cleanupStats(c *gin.Context) {
	stats := h.reaper.Stats()
	resp := gin.H{
		"success": true,
		"stats":   stats,
		"storage": gin.H{
			"input":  humanize.Bytes(uint64(stats.InputBytes)),
			"output": humanize.Bytes(uint64(stats.OutputBytes)),
			"total":  humanize.Bytes(uint64(stats.TotalBytes)),
		},
	}
	if h.workers != nil {
		resp["workers"] = h.workers()
	}
	summary, err := h.journal.Summary(c.Request.Context())
	if err != nil {
		h.log.Warn("journal summary failed", "err", err)
	} else {
		resp["journal"] = summary
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) sweep(c *gin.Context) {
	report := h.reaper.SweepOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"report":  report,
		"freed":   humanize.Bytes(uint64(report.FreedBytes)),
	})
}
