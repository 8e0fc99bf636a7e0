package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/routers"
	"github.com/oapi-codegen/runtime"

	"github.com/kirillkom/pid-digitizer/internal/config"
	"github.com/kirillkom/pid-digitizer/internal/core/domain"
	"github.com/kirillkom/pid-digitizer/internal/core/ports"
	"github.com/kirillkom/pid-digitizer/internal/observability/logging"
	"github.com/kirillkom/pid-digitizer/internal/observability/metrics"
)

const (
	serviceName = "api"

	multipartMemory   = 8 << 20
	multipartOverhead = 1 << 20
	maxJSONBodyBytes  = 1 << 20
)

// Services groups the inbound ports the REST surface dispatches to.
type Services struct {
	Ingestor  ports.DrawingIngestor
	Drawings  ports.DrawingReader
	Scheduler ports.ProcessingScheduler
	Review    ports.ReviewService
	Exports   ports.ExportService
}

type Router struct {
	cfg       config.Config
	services  Services
	metrics   *metrics.HTTPServerMetrics
	apiRouter routers.Router
}

func NewRouter(cfg config.Config, services Services, httpMetrics *metrics.HTTPServerMetrics) (*Router, error) {
	rt := &Router{
		cfg:      cfg,
		services: services,
		metrics:  httpMetrics,
	}
	if cfg.OpenAPIValidation {
		apiRouter, err := loadOpenAPIRouter(context.Background())
		if err != nil {
			return nil, err
		}
		rt.apiRouter = apiRouter
	}
	return rt, nil
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	upload := backpressureMiddleware(
		http.HandlerFunc(rt.uploadDrawing),
		rt.cfg.UploadMaxConcurrent,
		rt.cfg.APIBackpressureWait,
		rt.recordRejected,
	)
	mux.Handle("POST /drawings/upload", upload)
	mux.HandleFunc("GET /drawings/{id}", rt.getDrawing)
	mux.HandleFunc("DELETE /drawings/{id}", rt.deleteDrawing)
	mux.HandleFunc("POST /drawings/{id}/process", rt.processDrawing)
	mux.HandleFunc("GET /processing/jobs/{jobId}", rt.getProcessingJob)

	mux.HandleFunc("GET /drawings/{id}/symbols", rt.listSymbols)
	mux.HandleFunc("PATCH /drawings/{id}/symbols/{symbolId}", rt.updateSymbol)
	mux.HandleFunc("GET /drawings/{id}/lines", rt.listLines)
	mux.HandleFunc("PATCH /drawings/{id}/lines/{lineId}", rt.updateLine)
	mux.HandleFunc("GET /drawings/{id}/graph", rt.getGraph)
	mux.HandleFunc("GET /drawings/{id}/tokens", rt.listTokens)
	mux.HandleFunc("POST /drawings/{id}/tokens/{tokenId}/assign", rt.assignToken)

	mux.HandleFunc("POST /drawings/{id}/export", rt.exportDrawing)
	mux.HandleFunc("POST /exports/batch", rt.exportBatch)
	mux.HandleFunc("GET /exports/jobs/{jobId}/status", rt.getExportJob)
	mux.HandleFunc("GET /exports/jobs/{jobId}/download", rt.downloadExport)

	var handler http.Handler = mux
	if rt.apiRouter != nil {
		handler = openAPIValidationMiddleware(handler, rt.apiRouter, rt.recordRejected)
	}
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.recordRejected)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadDrawing(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.UploadMaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.UploadMaxBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	drawing, err := rt.services.Ingestor.Upload(r.Context(), ports.UploadRequest{
		ProjectID: strings.TrimSpace(r.FormValue("projectId")),
		Filename:  header.Filename,
		MimeType:  header.Header.Get("Content-Type"),
		TitleBlock: domain.TitleBlock{
			DrawingNumber: strings.TrimSpace(r.FormValue("drawingNumber")),
			Revision:      strings.TrimSpace(r.FormValue("revision")),
			Title:         strings.TrimSpace(r.FormValue("title")),
		},
	}, file)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordUpload(serviceName, header.Size)
	}
	writeJSON(w, http.StatusCreated, drawing)
}

func (rt *Router) getDrawing(w http.ResponseWriter, r *http.Request) {
	view, err := rt.services.Drawings.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *Router) deleteDrawing(w http.ResponseWriter, r *http.Request) {
	if err := rt.services.Drawings.Delete(r.Context(), r.PathValue("id")); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type processRequest struct {
	Stages []string `json:"stages"`
}

type jobAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (rt *Router) processDrawing(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := rt.services.Scheduler.RequestProcessing(r.Context(), r.PathValue("id"), req.Stages)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	rt.recordJob("process", "")
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.ID, Status: string(job.Status)})
}

func (rt *Router) getProcessingJob(w http.ResponseWriter, r *http.Request) {
	job, err := rt.services.Scheduler.GetJob(r.Context(), r.PathValue("jobId"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) listSymbols(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var (
		category      *string
		minConfidence *float64
		page          *int
		pageSize      *int
	)
	for name, dest := range map[string]any{
		"category":      &category,
		"minConfidence": &minConfidence,
		"page":          &page,
		"pageSize":      &pageSize,
	} {
		if err := runtime.BindQueryParameter("form", true, false, name, query, dest); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid query parameter %q", name))
			return
		}
	}

	filter := domain.SymbolFilter{Page: 1, PageSize: rt.defaultPageSize()}
	if category != nil {
		filter.Category = domain.SymbolCategory(*category)
	}
	if minConfidence != nil {
		filter.MinConfidence = *minConfidence
	}
	if page != nil && *page > 1 {
		filter.Page = *page
	}
	if pageSize != nil && *pageSize > 0 {
		filter.PageSize = min(*pageSize, rt.maxPageSize())
	}

	result, err := rt.services.Review.ListSymbols(r.Context(), r.PathValue("id"), filter)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) updateSymbol(w http.ResponseWriter, r *http.Request) {
	var patch domain.SymbolPatch
	if err := decodeJSON(r, &patch, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	symbol, err := rt.services.Review.UpdateSymbol(r.Context(), r.PathValue("id"), r.PathValue("symbolId"), patch)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	rt.recordEdit("symbol")
	writeJSON(w, http.StatusOK, symbol)
}

func (rt *Router) listLines(w http.ResponseWriter, r *http.Request) {
	lines, err := rt.services.Review.ListLines(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": lines})
}

// nullableID distinguishes an absent key from an explicit JSON null.
type nullableID struct {
	domain.OptionalID
}

func (n *nullableID) UnmarshalJSON(data []byte) error {
	n.Set = true
	if string(data) == "null" {
		n.Value = nil
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	n.Value = &id
	return nil
}

type linePatchRequest struct {
	LineType     *domain.LineType `json:"line_type"`
	FromSymbolID nullableID       `json:"from_symbol_id"`
	ToSymbolID   nullableID       `json:"to_symbol_id"`
}

func (rt *Router) updateLine(w http.ResponseWriter, r *http.Request) {
	var req linePatchRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patch := domain.LinePatch{
		LineType:     req.LineType,
		FromSymbolID: req.FromSymbolID.OptionalID,
		ToSymbolID:   req.ToSymbolID.OptionalID,
	}
	line, err := rt.services.Review.UpdateLine(r.Context(), r.PathValue("id"), r.PathValue("lineId"), patch)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	rt.recordEdit("line")
	writeJSON(w, http.StatusOK, line)
}

func (rt *Router) getGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := rt.services.Review.Graph(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (rt *Router) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := rt.services.Review.ListTokens(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tokens})
}

func (rt *Router) assignToken(w http.ResponseWriter, r *http.Request) {
	var assignment domain.TokenAssignment
	if err := decodeJSON(r, &assignment, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := rt.services.Review.AssignToken(r.Context(), r.PathValue("id"), r.PathValue("tokenId"), assignment)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	rt.recordEdit("token")
	writeJSON(w, http.StatusOK, token)
}

type exportRequest struct {
	DrawingIDs []string             `json:"drawing_ids,omitempty"`
	Format     domain.ExportFormat  `json:"format"`
	Options    domain.ExportOptions `json:"options"`
}

func (rt *Router) exportDrawing(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rt.requestExport(w, r, domain.ExportRequest{
		DrawingIDs: []string{r.PathValue("id")},
		Format:     req.Format,
		Options:    req.Options,
	})
}

func (rt *Router) exportBatch(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rt.requestExport(w, r, domain.ExportRequest{
		DrawingIDs: req.DrawingIDs,
		Format:     req.Format,
		Options:    req.Options,
		Batch:      true,
	})
}

func (rt *Router) requestExport(w http.ResponseWriter, r *http.Request, req domain.ExportRequest) {
	job, err := rt.services.Exports.RequestExport(r.Context(), req)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	rt.recordJob("export", string(job.Format))
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.ID, Status: string(job.Status)})
}

func (rt *Router) getExportJob(w http.ResponseWriter, r *http.Request) {
	job, err := rt.services.Exports.GetJob(r.Context(), r.PathValue("jobId"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) downloadExport(w http.ResponseWriter, r *http.Request) {
	artifact, body, err := rt.services.Exports.OpenResult(r.Context(), r.PathValue("jobId"))
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logging.FromContext(r.Context()).Warn("export_download_interrupted", "job_id", r.PathValue("jobId"), "error", err)
	}
}

func (rt *Router) defaultPageSize() int {
	if rt.cfg.SymbolsDefaultPageSz > 0 {
		return min(rt.cfg.SymbolsDefaultPageSz, rt.maxPageSize())
	}
	return min(50, rt.maxPageSize())
}

func (rt *Router) maxPageSize() int {
	if rt.cfg.SymbolsMaxPageSize > 0 {
		return rt.cfg.SymbolsMaxPageSize
	}
	return 500
}

func (rt *Router) recordRejected(reason string) {
	if rt.metrics != nil {
		rt.metrics.RecordRejected(serviceName, reason)
	}
}

func (rt *Router) recordJob(kind, format string) {
	if rt.metrics != nil {
		rt.metrics.RecordJobRequested(serviceName, kind, format)
	}
}

func (rt *Router) recordEdit(target string) {
	if rt.metrics != nil {
		rt.metrics.RecordReviewEdit(serviceName, target)
	}
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("http_handler_failed", "path", r.URL.Path, "error", err)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// decodeJSON reads a bounded JSON body. Unknown fields are rejected.
func decodeJSON(r *http.Request, dest any, allowEmpty bool) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("invalid json body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
