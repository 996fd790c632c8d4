package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"registra/internal/identity"
	"registra/internal/metrics"
	"registra/internal/rbac"
	"registra/internal/search"
	"registra/internal/store"
	"registra/internal/workflow"
)

// actorHeader carries the authenticated actor's directory id. Authentication
// happens upstream (gateway or SSO proxy); this service only resolves and
// authorizes the id it is handed.
const actorHeader = "X-Registra-Actor"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

func NewHTTPServer(service *Service, corsOrigin string, log zerolog.Logger, m *metrics.Metrics) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log, metrics: m}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.can(w, actor, rbac.ActionRead) {
			return
		}
		q := search.Query{
			Text:         strings.TrimSpace(r.URL.Query().Get("q")),
			FilterType:   strings.TrimSpace(r.URL.Query().Get("type")),
			FilterStatus: strings.TrimSpace(r.URL.Query().Get("status")),
		}
		var err error
		if q.Limit, err = intParam(r, "limit", 20); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		if q.Offset, err = intParam(r, "offset", 0); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, s.service.SearchDocuments(q))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/summary" {
		if !s.can(w, actor, rbac.ActionRead) {
			return
		}
		summary, err := s.service.Summarize(r.Context())
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/templates" {
		if !s.can(w, actor, rbac.ActionAdmin) {
			return
		}
		var body workflow.Template
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		template, err := s.service.RegisterTemplate(r.Context(), body)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, template)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/actors" {
		if !s.can(w, actor, rbac.ActionAdmin) {
			return
		}
		var body struct {
			ID          string   `json:"id"`
			DisplayName string   `json:"displayName"`
			Roles       []string `json:"roles"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		registered, err := s.service.UpsertActor(r.Context(), body.ID, body.DisplayName, body.Roles)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, registered)
		return
	}

	segments := splitPath(r.URL.Path)

	// /api/templates/{id}
	if len(segments) == 3 && segments[0] == "api" && segments[1] == "templates" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionRead) {
			return
		}
		template, err := s.service.GetTemplate(r.Context(), segments[2])
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, template)
		return
	}

	// /api/documents
	if len(segments) == 2 && segments[0] == "api" && segments[1] == "documents" {
		switch r.Method {
		case http.MethodGet:
			if !s.can(w, actor, rbac.ActionRead) {
				return
			}
			status := strings.TrimSpace(r.URL.Query().Get("status"))
			docType := strings.TrimSpace(r.URL.Query().Get("type"))
			documents, err := s.service.ListDocuments(r.Context(), status, docType)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documents": documents})
		case http.MethodPost:
			if !s.can(w, actor, rbac.ActionEdit) {
				return
			}
			var body CreateDocumentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			detail, err := s.service.CreateDocument(r.Context(), actor.ID, body)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, detail)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	// /api/roles/{role}/actors
	if len(segments) == 4 && segments[0] == "api" && segments[1] == "roles" && segments[3] == "actors" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionRead) {
			return
		}
		actors, err := s.service.ActorsByRole(r.Context(), segments[2])
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"actors": actors})
		return
	}

	// /api/documents/{id}[/...]
	if len(segments) >= 3 && segments[0] == "api" && segments[1] == "documents" {
		s.handleDocument(w, r, actor, segments[2], segments[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, actor store.Actor, documentID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionRead) {
			return
		}
		detail, err := s.service.GetDocument(ctx, documentID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}

	// /api/documents/{id}/versions/{n}
	if len(rest) == 2 && rest[0] == "versions" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionRead) {
			return
		}
		number, err := strconv.Atoi(rest[1])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version must be an integer", nil)
			return
		}
		version, content, err := s.service.GetVersion(ctx, documentID, number)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version": version,
			"content": string(content),
		})
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch rest[0] {
	case "lease":
		switch r.Method {
		case http.MethodPost:
			if !s.can(w, actor, rbac.ActionEdit) {
				return
			}
			var body struct {
				TTLSeconds int `json:"ttlSeconds"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			granted, err := s.service.AcquireLease(ctx, actor.ID, documentID, time.Duration(body.TTLSeconds)*time.Second)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, granted)
		case http.MethodDelete:
			if !s.can(w, actor, rbac.ActionEdit) {
				return
			}
			if err := s.service.ReleaseLease(ctx, actor.ID, documentID); err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case "commit":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionEdit) {
			return
		}
		var body CommitInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		detail, err := s.service.Commit(ctx, actor.ID, documentID, body)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case "submit":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionEdit) {
			return
		}
		detail, err := s.service.SubmitForReview(ctx, actor.ID, documentID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case "decisions":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionApprove) {
			return
		}
		var body DecisionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Decide(ctx, actor.ID, documentID, body)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "activate":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionAdmin) {
			return
		}
		detail, err := s.service.Activate(ctx, actor.ID, documentID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case "retire":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionAdmin) {
			return
		}
		detail, err := s.service.Retire(ctx, actor.ID, documentID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case "withdraw":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionAdmin) {
			return
		}
		detail, err := s.service.Withdraw(ctx, actor.ID, documentID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case "history":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionRead) {
			return
		}
		after, err := intParam(r, "after", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		limit, err := intParam(r, "limit", 100)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		events, err := s.service.History(ctx, documentID, int64(after), limit)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})

	case "verify":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionRead) {
			return
		}
		result, err := s.service.VerifyChain(ctx, documentID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case "approvers":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.can(w, actor, rbac.ActionRead) {
			return
		}
		approvers, err := s.service.PendingApprovers(ctx, documentID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"approvers": approvers})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (store.Actor, bool) {
	actorID := strings.TrimSpace(r.Header.Get(actorHeader))
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing "+actorHeader+" header", nil)
		return store.Actor{}, false
	}
	actor, err := s.service.ResolveActor(r.Context(), actorID)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownActor) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unknown actor", nil)
			return store.Actor{}, false
		}
		s.respondError(w, err)
		return store.Actor{}, false
	}
	return actor, true
}

func (s *HTTPServer) can(w http.ResponseWriter, actor store.Actor, action rbac.Action) bool {
	if !rbac.Allowed(actor.Roles, action) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return false
	}
	return true
}

func (s *HTTPServer) respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, strconv.Itoa(writer.status), duration)
		}
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", duration).
			Msg("http request")
	})
}

type requestIDKey struct{}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+actorHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return parsed, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
