package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"omfs/api/internal/export"
	"omfs/api/internal/store"
	"omfs/api/internal/trackchange"
	"omfs/api/internal/versions"
)

const defaultActor = "system"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router())
}

func (s *HTTPServer) router() *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api := r.PathPrefix("/api/content").Subrouter()
	api.HandleFunc("/blocks", s.handleListBlocks).Methods(http.MethodGet)
	api.HandleFunc("/blocks", s.handleCreateBlock).Methods(http.MethodPost)
	api.HandleFunc("/blocks/{id}", s.handleGetBlock).Methods(http.MethodGet)
	api.HandleFunc("/blocks/{id}", s.handleUpdateBlock).Methods(http.MethodPut, http.MethodPatch)
	api.HandleFunc("/blocks/{id}", s.handleDeleteBlock).Methods(http.MethodDelete)
	api.HandleFunc("/blocks/{id}/versions", s.handleListVersions).Methods(http.MethodGet)
	api.HandleFunc("/blocks/{id}/versions", s.handleCreateCheckpoint).Methods(http.MethodPost)
	api.HandleFunc("/blocks/{id}/versions/{vid}", s.handleGetVersion).Methods(http.MethodGet)
	api.HandleFunc("/blocks/{id}/revert/{vid}", s.handleRevert).Methods(http.MethodPost)
	api.HandleFunc("/blocks/{id}/track-changes", s.handleTrackedChanges).Methods(http.MethodGet)
	api.HandleFunc("/blocks/{id}/track-changes/enable", s.handleEnableTrackChanges).Methods(http.MethodPost)
	api.HandleFunc("/blocks/{id}/track-changes/disable", s.handleDisableTrackChanges).Methods(http.MethodPost)
	api.HandleFunc("/blocks/{id}/track-changes/resolve", s.handleResolveChanges).Methods(http.MethodPost)
	api.HandleFunc("/blocks/{id}/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/tags", s.handleListTags).Methods(http.MethodGet)
	api.HandleFunc("/tags", s.handleCreateTag).Methods(http.MethodPost)
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "content-repository"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := queryInt(query.Get("page"), "page")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(query.Get("limit"), "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	list, err := s.service.ListBlocks(r.Context(), ListBlocksInput{
		Page:        page,
		Limit:       limit,
		SectionType: query.Get("section_type"),
		Query:       query.Get("q"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	items := make([]blockView, 0, len(list.Items))
	for _, b := range list.Items {
		items = append(items, toBlockView(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": list.Total,
		"page":  list.Page,
		"pages": list.Pages,
		"limit": list.Limit,
	})
}

func (s *HTTPServer) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var input CreateBlockInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	block, err := s.service.CreateBlock(r.Context(), input, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBlockView(block))
}

func (s *HTTPServer) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	block, err := s.service.GetBlock(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBlockView(block))
}

func (s *HTTPServer) handleUpdateBlock(w http.ResponseWriter, r *http.Request) {
	var patch UpdateBlockInput
	if err := decodeStrict(r, &patch); err != nil {
		s.fail(w, r, err)
		return
	}
	if patch.ExpectedVersion == nil {
		if v, ok := ifMatchVersion(r); ok {
			patch.ExpectedVersion = &v
		}
	}
	block, err := s.service.UpdateBlock(r.Context(), mux.Vars(r)["id"], patch, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBlockView(block))
}

func (s *HTTPServer) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteBlock(r.Context(), mux.Vars(r)["id"], actor(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListVersions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]versionView, 0, len(items))
	for _, v := range items {
		views = append(views, toVersionView(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (s *HTTPServer) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	var input struct {
		ChangeDescription string `json:"change_description"`
	}
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	version, err := s.service.CreateCheckpoint(r.Context(), mux.Vars(r)["id"], input.ChangeDescription, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVersionView(version))
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := s.service.GetVersion(r.Context(), vars["id"], vars["vid"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVersionView(version))
}

func (s *HTTPServer) handleRevert(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	block, err := s.service.RevertBlock(r.Context(), vars["id"], vars["vid"], actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBlockView(block))
}

func (s *HTTPServer) handleTrackedChanges(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.TrackedChanges(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"track_changes_enabled":    state.Enabled,
		"tracked_changes_metadata": state.Ledger,
		"marker_ids":               state.Report.MarkerIDs,
		"orphaned":                 state.Report.Orphaned,
		"untracked":                state.Report.Untracked,
		"consistent":               state.Report.Consistent(),
	})
}

func (s *HTTPServer) handleEnableTrackChanges(w http.ResponseWriter, r *http.Request) {
	block, err := s.service.EnableTrackChanges(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBlockView(block))
}

func (s *HTTPServer) handleDisableTrackChanges(w http.ResponseWriter, r *http.Request) {
	block, err := s.service.DisableTrackChanges(r.Context(), mux.Vars(r)["id"], actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBlockView(block))
}

func (s *HTTPServer) handleResolveChanges(w http.ResponseWriter, r *http.Request) {
	var input ResolveChangesInput
	if err := decodeStrict(r, &input); err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.ResolveChanges(r.Context(), mux.Vars(r)["id"], input, actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	payload := map[string]any{
		"block":                    toBlockView(result.Block),
		"tracked_changes_metadata": result.Block.TrackedChanges,
		"resolved":                 nonNilStrings(result.Resolved),
		"skipped":                  nonNilStrings(result.Skipped),
		"dropped":                  nonNilStrings(result.Dropped),
	}
	if result.Version != nil {
		payload["version"] = toVersionView(*result.Version)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clean, _ := strconv.ParseBool(query.Get("clean"))
	result, err := s.service.ExportBlock(r.Context(), mux.Vars(r)["id"], query.Get("format"), clean)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	if result.ObjectKey != "" {
		w.Header().Set("X-Artifact-Key", result.ObjectKey)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := queryInt(query.Get("limit"), "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.service.SearchBlocks(r.Context(), query.Get("q"), query.Get("section_type"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.service.ListTags(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]tagView, 0, len(tags))
	for _, t := range tags {
		views = append(views, toTagView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (s *HTTPServer) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var input CreateTagInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	tag, err := s.service.CreateTag(r.Context(), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTagView(tag))
}

// fail maps err to a response; unexpected errors are logged with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", requestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

type blockView struct {
	ID                     string             `json:"id"`
	Title                  string             `json:"title"`
	Content                string             `json:"content"`
	SectionType            string             `json:"section_type"`
	ContextMetadata        map[string]any     `json:"context_metadata"`
	QualityRating          *int               `json:"quality_rating"`
	TrackChangesEnabled    bool               `json:"track_changes_enabled"`
	TrackedChangesMetadata trackchange.Ledger `json:"tracked_changes_metadata"`
	Version                int                `json:"version"`
	Tags                   []tagView          `json:"tags"`
	CreatedBy              string             `json:"created_by"`
	UpdatedBy              string             `json:"updated_by"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

func toBlockView(b store.ContentBlock) blockView {
	tags := make([]tagView, 0, len(b.Tags))
	for _, t := range b.Tags {
		tags = append(tags, toTagView(t))
	}
	metadata := map[string]any(b.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return blockView{
		ID:                     b.ID,
		Title:                  b.Title,
		Content:                b.Body,
		SectionType:            b.SectionType,
		ContextMetadata:        metadata,
		QualityRating:          b.QualityRating,
		TrackChangesEnabled:    b.TrackChangesEnabled,
		TrackedChangesMetadata: b.TrackedChanges,
		Version:                b.Version,
		Tags:                   tags,
		CreatedBy:              b.CreatedBy,
		UpdatedBy:              b.UpdatedBy,
		CreatedAt:              b.CreatedAt,
		UpdatedAt:              b.UpdatedAt,
	}
}

type versionView struct {
	ID                string         `json:"id"`
	BlockID           string         `json:"block_id"`
	VersionNumber     int            `json:"version_number"`
	Title             string         `json:"title"`
	Content           string         `json:"content"`
	SectionType       string         `json:"section_type"`
	ContextMetadata   map[string]any `json:"context_metadata"`
	TagsSnapshot      []string       `json:"tags_snapshot"`
	ChangeDescription string         `json:"change_description"`
	CreatedBy         string         `json:"created_by"`
	CreatedAt         time.Time      `json:"created_at"`
}

func toVersionView(v store.ContentVersion) versionView {
	metadata := map[string]any(v.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return versionView{
		ID:                v.ID,
		BlockID:           v.BlockID,
		VersionNumber:     v.VersionNumber,
		Title:             v.Title,
		Content:           v.Body,
		SectionType:       v.SectionType,
		ContextMetadata:   metadata,
		TagsSnapshot:      nonNilStrings(v.TagsSnapshot),
		ChangeDescription: v.ChangeDescription,
		CreatedBy:         v.CreatedBy,
		CreatedAt:         v.CreatedAt,
	}
}

type tagView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	Color      string    `json:"color"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func toTagView(t store.Tag) tagView {
	return tagView{
		ID:         t.ID,
		Name:       t.Name,
		Category:   t.Category,
		Color:      t.Color,
		UsageCount: t.UsageCount,
		CreatedAt:  t.CreatedAt,
	}
}

func nonNilStrings(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func actor(r *http.Request) string {
	if name := strings.TrimSpace(r.Header.Get("X-User-Name")); name != "" {
		return name
	}
	return defaultActor
}

// ifMatchVersion reads a version token sent as If-Match: "<n>".
func ifMatchVersion(r *http.Request) (int, bool) {
	raw := strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), `"`)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func queryInt(raw, field string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidArgument(field+" must be an integer", map[string]any{"field": field})
	}
	return v, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-User-Name, If-Match")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Artifact-Key, Content-Disposition")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeStrict is decodeBody that also rejects fields the target does not
// declare. Its errors are DomainErrors.
func decodeStrict(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
			return invalidArgument("unknown field "+field, map[string]any{"field": strings.Trim(field, `"`)})
		}
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body", nil)
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, store.ErrNotFound), errors.Is(err, versions.ErrVersionNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, trackchange.ErrInvalidAction):
		return http.StatusBadRequest, "VALIDATION_ERROR", "action must be accept or reject", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported export format", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "CONFLICT", "Already exists", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "INTERNAL", "Server error", nil
}
