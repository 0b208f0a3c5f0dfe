package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/config"
	"marginalia/api/internal/export"
	"marginalia/api/internal/presence"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/realtime"
	"marginalia/api/internal/span"
	"marginalia/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	hub        *realtime.Hub
	secret     []byte
	corsOrigin string
	wsOptions  realtime.WSOptions
}

func NewHTTPServer(service *Service, hub *realtime.Hub, cfg config.Config) *HTTPServer {
	return &HTTPServer{
		service:    service,
		hub:        hub,
		secret:     []byte(cfg.JWTSecret),
		corsOrigin: cfg.CORSOrigin,
		wsOptions:  realtime.WSOptions{HeartbeatInterval: cfg.HeartbeatInterval},
	}
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
		return
	}

	parts := splitPath(r.URL.Path)

	// The websocket route carries its token in the query string because
	// browser websocket clients cannot set an Authorization header.
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "documents" && parts[3] == "ws" && r.Method == http.MethodGet {
		s.handleWebsocket(w, r, parts[2])
		return
	}

	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents" {
		var body CreateDocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.CreateDocument(r.Context(), caller, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"document": doc})
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocuments(w, r, caller, parts[2], parts)
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "annotations" {
		s.handleAnnotation(w, r, caller, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, caller Caller, documentID string, parts []string) {
	if len(parts) == 3 && r.Method == http.MethodGet {
		doc, err := s.service.GetDocument(r.Context(), documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": doc})
		return
	}

	if len(parts) == 3 && r.Method == http.MethodDelete {
		if err := s.service.DeleteDocument(r.Context(), caller, documentID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 4 && parts[3] == "annotations" {
		if r.Method == http.MethodGet {
			rng, err := queryRange(r, false)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			items, err := s.service.ListAnnotations(r.Context(), documentID, rng)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"annotations": items})
			return
		}
		if r.Method == http.MethodPost {
			var body CreateAnnotationInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			annotation, err := s.service.CreateAnnotation(r.Context(), caller, documentID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"annotation": annotation})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 4 && parts[3] == "segments" && r.Method == http.MethodGet {
		rng, err := queryRange(r, true)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		segments, err := s.service.Segments(r.Context(), documentID, *rng)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"segments": segments})
		return
	}

	if len(parts) == 4 && parts[3] == "presence" && r.Method == http.MethodGet {
		sessions, err := s.service.Presence(r.Context(), documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
		return
	}

	if len(parts) == 4 && parts[3] == "export" && r.Method == http.MethodGet {
		format := export.Format(strings.TrimSpace(r.URL.Query().Get("format")))
		if format == "" {
			format = export.FormatJSON
		}
		if !export.ValidFormat(format) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'json' or 'markdown'", nil)
			return
		}
		doc, err := s.service.GetDocument(r.Context(), documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		annotations, err := s.service.ListAnnotations(r.Context(), documentID, nil)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		result, err := export.Render(doc, annotations, format)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Export failed", nil)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		_, _ = w.Write(result.Data)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAnnotation(w http.ResponseWriter, r *http.Request, caller Caller, annotationID string) {
	if r.Method == http.MethodGet {
		annotation, err := s.service.GetAnnotation(r.Context(), annotationID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotation": annotation})
		return
	}

	if r.Method == http.MethodPatch {
		var body struct {
			ExpectedVersion int     `json:"expected_version"`
			Content         *string `json:"content"`
			Color           *string `json:"color"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.ExpectedVersion <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "expected_version is required", nil)
			return
		}
		patch := store.AnnotationPatch{Content: body.Content, Color: body.Color}
		annotation, err := s.service.UpdateAnnotation(r.Context(), caller, annotationID, body.ExpectedVersion, patch)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotation": annotation})
		return
	}

	if r.Method == http.MethodDelete {
		raw := strings.TrimSpace(r.URL.Query().Get("expected_version"))
		expectedVersion, err := strconv.Atoi(raw)
		if raw == "" || err != nil || expectedVersion <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "expected_version query parameter is required", nil)
			return
		}
		if err := s.service.DeleteAnnotation(r.Context(), caller, annotationID, expectedVersion); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request, documentID string) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	if !rbac.Can(rbac.Normalize(claims.Role), rbac.ActionRead) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	if _, err := s.service.GetDocument(r.Context(), documentID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := realtime.Upgrade(w, r)
	if err != nil {
		// Upgrade already wrote the handshake failure response.
		return
	}

	session, err := s.hub.Subscribe(r.Context(), documentID, claims.Sub, claims.Name, claims.Role)
	if err != nil {
		_ = conn.Close()
		return
	}
	record := presence.Session{
		SessionID:   session.ID,
		UserID:      session.UserID,
		UserName:    session.UserName,
		DocumentID:  documentID,
		ConnectedAt: session.ConnectedAt,
	}
	if err := s.service.presence.Join(r.Context(), record); err != nil {
		log.Printf("presence join failed for session %s: %v", session.ID, err)
	}

	realtime.ServeConn(r.Context(), conn, s.hub, session, s.service, s.wsOptions)

	if err := s.service.presence.Leave(context.Background(), documentID, session.ID); err != nil {
		log.Printf("presence leave failed for session %s: %v", session.ID, err)
	}
}

func (s *HTTPServer) requireCaller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Caller{}, false
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Caller{}, false
	}
	return Caller{
		UserID: claims.Sub,
		Name:   claims.Name,
		Role:   rbac.Normalize(claims.Role),
	}, true
}

// queryRange parses the optional start/end offset window. When required is
// false and neither parameter is present the whole document is meant.
func queryRange(r *http.Request, required bool) (*span.Span, error) {
	rawStart := strings.TrimSpace(r.URL.Query().Get("start"))
	rawEnd := strings.TrimSpace(r.URL.Query().Get("end"))
	if rawStart == "" && rawEnd == "" {
		if required {
			return nil, fmt.Errorf("start and end query parameters are required")
		}
		return nil, nil
	}
	start, err := strconv.Atoi(rawStart)
	if err != nil {
		return nil, fmt.Errorf("start must be an integer")
	}
	end, err := strconv.Atoi(rawEnd)
	if err != nil {
		return nil, fmt.Errorf("end must be an integer")
	}
	rng := span.Span{Start: start, End: end}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	return &rng, nil
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
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

// Hijack lets the websocket handshake take over the connection through the
// logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
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
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
