package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jo-hoe/docmark/internal/common"
	"github.com/jo-hoe/docmark/internal/config"
	"github.com/jo-hoe/docmark/internal/converter"
	"github.com/jo-hoe/docmark/internal/formats"
	"github.com/jo-hoe/docmark/internal/orchestrator"
	"github.com/jo-hoe/docmark/internal/storage"
	"github.com/jo-hoe/docmark/internal/tasks"
	"github.com/jo-hoe/docmark/internal/util"
)

// multipartOverhead is allowed on top of the upload limit for form framing.
const multipartOverhead = 1 << 20

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	Log  *slog.Logger
	Cfg  *config.Config
	Orch *orchestrator.Service
	// Bucket is the object store in remote mode, nil in local mode.
	Bucket Pinger
	// Executables are reported by the health endpoint.
	Executables []string
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(svc.Log))
	r.Use(recoveryMiddleware)

	r.Get(common.PathHealthz, svc.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(svc.withCommon)
		r.Post(common.PathConversions, svc.handleCreate)
		r.Get(common.PathConversions, svc.handleList)
		r.Get(common.PathConversions+"/{id}", svc.handleStatus)
		r.Get(common.PathConversions+"/{id}/result", svc.handleResult)
		r.Delete(common.PathConversions+"/{id}", svc.handleDelete)
		r.Get(common.PathFormats, svc.handleFormats)
		r.Get(common.PathStats, svc.handleStats)
	})

	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

func (svc *Service) withCommon(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		if max := safeInt64(svc.Cfg.Server.MaxUploadSize); max > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, addCapped(max, multipartOverhead))
		}
		next.ServeHTTP(w, r)
	})
}

type createResponse struct {
	TaskID    string       `json:"task_id"`
	Status    tasks.Status `json:"status"`
	StatusURL string       `json:"status_url"`
	ResultURL string       `json:"result_url"`
}

func (svc *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	callbackURL, err := parseOptionalURL(r.FormValue("callback_url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback_url")
		return
	}

	task, err := svc.Orch.Submit(r.Context(), orchestrator.Submission{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		CallbackURL: callbackURL,
		Body:        file,
	})
	switch {
	case err == nil:
	case errors.Is(err, formats.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	case errors.Is(err, storage.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, tasks.ErrQueueFull), errors.Is(err, tasks.ErrQueueClosed), errors.Is(err, tasks.ErrQueueNotStarted):
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue full, try later", "task_id": task.ID})
		return
	default:
		svc.log().Error("submit conversion", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	statusURL := path.Join(common.PathConversions, task.ID)
	writeJSON(w, http.StatusAccepted, createResponse{
		TaskID:    task.ID,
		Status:    task.Status,
		StatusURL: statusURL,
		ResultURL: statusURL + "/result",
	})
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	view, err := svc.Orch.Status(id)
	if err != nil {
		svc.writeTaskError(w, err)
		return
	}
	code := http.StatusOK
	if view.Status == tasks.StatusExpired {
		code = http.StatusGone
	}
	writeJSON(w, code, view)
}

func (svc *Service) handleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	h, err := svc.Orch.Result(id)
	if err != nil {
		svc.writeTaskError(w, err)
		return
	}
	if h.ArchiveURL != "" {
		writeJSON(w, http.StatusOK, map[string]string{"archive_url": h.ArchiveURL})
		return
	}
	f, err := os.Open(h.ArchivePath)
	if err != nil {
		svc.log().Error("open archive", "task_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", common.ContentTypeZip)
	w.Header().Set("Content-Disposition", `attachment; filename="`+h.Filename+`"`)
	http.ServeContent(w, r, h.Filename, fi.ModTime(), f)
}

func (svc *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if err := svc.Orch.Delete(id); err != nil {
		svc.writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleList(w http.ResponseWriter, r *http.Request) {
	var f tasks.Filter
	if s := strings.TrimSpace(r.URL.Query().Get("status")); s != "" {
		st, ok := tasks.ParseStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		f.Status = st
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	views, err := svc.Orch.List(f)
	if err != nil {
		svc.log().Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "count": len(views)})
}

func (svc *Service) handleFormats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"formats": svc.Orch.Formats()})
}

func (svc *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	st, err := svc.Orch.Stats()
	if err != nil {
		svc.log().Error("stats", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type healthResponse struct {
	Status      string          `json:"status"`
	Store       string          `json:"store"`
	ImageMode   string          `json:"image_mode"`
	Bucket      string          `json:"bucket,omitempty"`
	Executables map[string]bool `json:"executables,omitempty"`
}

func (svc *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", ImageMode: string(tasks.ImagesLocal)}
	code := http.StatusOK
	if svc.Orch != nil {
		if err := svc.Orch.Store.Ping(); err != nil {
			resp.Status, resp.Store, code = "degraded", err.Error(), http.StatusServiceUnavailable
		}
	}
	if svc.Bucket != nil {
		resp.ImageMode = string(tasks.ImagesRemote)
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := svc.Bucket.Ping(ctx); err != nil {
			resp.Status, resp.Bucket, code = "degraded", err.Error(), http.StatusServiceUnavailable
		} else {
			resp.Bucket = "ok"
		}
	}
	if len(svc.Executables) > 0 {
		resp.Executables = converter.Available(svc.Executables...)
	}
	writeJSON(w, code, resp)
}

func (svc *Service) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, tasks.ErrExpired):
		writeJSON(w, http.StatusGone, map[string]string{"status": string(tasks.StatusExpired), "error": "task expired"})
	case errors.Is(err, orchestrator.ErrNotReady), errors.Is(err, orchestrator.ErrTaskFailed), errors.Is(err, tasks.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		svc.log().Error("task request", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (svc *Service) log() *slog.Logger {
	if svc.Log == nil {
		return discardLogger()
	}
	return svc.Log
}

func taskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !util.ValidID(id) {
		writeError(w, http.StatusNotFound, "not found")
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func addCapped(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func parseOptionalURL(s string) (string, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return "", nil
	}
	u, err := url.ParseRequestURI(v)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("callback_url must be http or https")
	}
	return v, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func loggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = discardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(ww, r)
			log.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.code,
				"duration", time.Since(start).String(),
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
