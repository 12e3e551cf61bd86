package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cowrite/api/internal/auth"
	"cowrite/api/internal/logging"
	"cowrite/api/internal/ratelimit"
)

const readyTimeout = 5 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    *ratelimit.Limiter
	// baseCtx bounds long-lived connections that outlive their request.
	baseCtx context.Context
}

// NewHTTPServer builds the API handler. limiter may be nil to leave the AI
// routes unthrottled.
func NewHTTPServer(service *Service, corsOrigin string, limiter *ratelimit.Limiter) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, limiter: limiter, baseCtx: context.Background()}
}

// WithBaseContext ties websocket sessions to ctx; cancelling it closes them.
// http.Server.Shutdown does not track hijacked connections.
func (s *HTTPServer) WithBaseContext(ctx context.Context) *HTTPServer {
	s.baseCtx = ctx
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		ready, checks := s.service.Readiness(ctx)
		status, statusCode := "ready", http.StatusOK
		if !ready {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/auth/") {
		s.handleAuth(w, r)
		return
	}

	if r.URL.Path == "/ws" {
		s.handleWebsocket(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	r = r.WithContext(logging.WithFields(r.Context(), logging.Fields{UserID: session.UserID}))

	switch parts[1] {
	case "projects":
		s.handleProjects(w, r, session, parts[2:])
	case "workspaces":
		s.handleWorkspaces(w, r, session, parts[2:])
	case "versions":
		s.handleVersions(w, r, session, parts[2:])
	case "ai":
		s.handleAI(w, r, session, parts[2:])
	case "activity":
		if r.Method != http.MethodGet || len(parts) != 2 {
			methodNotAllowed(w)
			return
		}
		entries, err := s.service.Activity(r.Context(), session.UserID)
		if err != nil {
			writeMappedError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "data": entries})
	case "search":
		if r.Method != http.MethodGet || len(parts) != 2 {
			methodNotAllowed(w)
			return
		}
		s.handleSearch(w, r, session)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleAuth(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/register":
		var body struct {
			Name     string `json:"name"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Register(r.Context(), body.Name, body.Email, body.Password)
		if err != nil {
			writeMappedError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionPayload(session))

	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/login":
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			writeMappedError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))

	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh":
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeMappedError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))

	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout":
		if _, ok := s.requireSession(w, r); !ok {
			return
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.Logout(r.Context(), body.RefreshToken); err != nil {
			writeMappedError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodGet && r.URL.Path == "/api/auth/me":
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		user, err := s.service.Me(r.Context(), session.UserID)
		if err != nil {
			writeMappedError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"expiresAt":    session.ExpiresAt,
	}
}

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			projects, err := s.service.ListProjects(ctx, session.UserID)
			if err != nil {
				writeMappedError(ctx, w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"count": len(projects), "data": projects})
		case http.MethodPost:
			var body CreateProjectInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			project, err := s.service.CreateProject(ctx, session.UserID, body)
			if err != nil {
				writeMappedError(ctx, w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"data": project})
		default:
			methodNotAllowed(w)
		}
		return
	}

	projectID := parts[0]
	ctx = logging.WithFields(ctx, logging.Fields{ProjectID: projectID})

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			project, err := s.service.GetProject(ctx, session.UserID, projectID)
			if err != nil {
				writeMappedError(ctx, w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": project})
		case http.MethodPut:
			var body UpdateProjectInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			project, err := s.service.UpdateProject(ctx, session.UserID, projectID, body)
			if err != nil {
				writeMappedError(ctx, w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": project})
		case http.MethodDelete:
			if err := s.service.DeleteProject(ctx, session.UserID, projectID); err != nil {
				writeMappedError(ctx, w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{}})
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch {
	case parts[1] == "collaborators" && len(parts) == 2 && r.Method == http.MethodGet:
		collaborators, err := s.service.Collaborators(ctx, session.UserID, projectID)
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(collaborators), "data": collaborators})

	case parts[1] == "collaborators" && len(parts) == 2 && r.Method == http.MethodPost:
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		collaborators, err := s.service.AddCollaborator(ctx, session.UserID, projectID, body.Email, body.Role)
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": collaborators})

	case parts[1] == "collaborators" && len(parts) == 3 && r.Method == http.MethodDelete:
		collaborators, err := s.service.RemoveCollaborator(ctx, session.UserID, projectID, parts[2])
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": collaborators})

	case parts[1] == "history" && len(parts) == 2 && r.Method == http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := s.service.History(ctx, session.UserID, projectID, limit)
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "data": entries})

	case parts[1] == "stats" && len(parts) == 2 && r.Method == http.MethodGet:
		stats, err := s.service.Stats(ctx, session.UserID, projectID)
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": stats})

	case parts[1] == "export" && len(parts) == 2 && r.Method == http.MethodGet:
		query := r.URL.Query()
		result, err := s.service.Export(ctx, session.UserID, projectID, query.Get("versionId"), query.Get("format"))
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleWorkspaces(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) < 2 || parts[0] != "project" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	projectID := parts[1]
	ctx := logging.WithFields(r.Context(), logging.Fields{ProjectID: projectID})

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		ws, err := s.service.GetWorkspace(ctx, session.UserID, projectID)
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": ws})

	case len(parts) == 2 && r.Method == http.MethodPut:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		ws, err := s.service.UpdateWorkspace(ctx, session.UserID, projectID, body.Content, connectionID(r))
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": ws})

	case len(parts) == 3 && parts[2] == "messages" && r.Method == http.MethodGet:
		msgs, err := s.service.Messages(ctx, session.UserID, projectID)
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(msgs), "data": msgs})

	case len(parts) == 3 && parts[2] == "messages" && r.Method == http.MethodPost:
		var body AddMessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		msg, err := s.service.AddMessage(ctx, session.UserID, projectID, body)
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"data": msg})

	case len(parts) == 3 && parts[2] == "active-users" && r.Method == http.MethodGet:
		users, err := s.service.ActiveUsers(ctx, session.UserID, projectID)
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(users), "data": users})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body CreateVersionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		version, err := s.service.CreateVersion(ctx, session.UserID, body, connectionID(r))
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"data": version})

	case len(parts) == 2 && parts[0] == "project" && r.Method == http.MethodGet:
		versions, err := s.service.ListVersions(ctx, session.UserID, parts[1])
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(versions), "data": versions})

	case len(parts) == 3 && parts[0] == "project" && parts[2] == "log" && r.Method == http.MethodGet:
		commits, err := s.service.VersionLog(ctx, session.UserID, parts[1])
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(commits), "data": commits})

	case len(parts) == 3 && parts[0] == "compare" && r.Method == http.MethodGet:
		comparison, err := s.service.CompareVersions(ctx, session.UserID, parts[1], parts[2])
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": comparison})

	case len(parts) == 2 && parts[1] == "apply" && r.Method == http.MethodPost:
		ws, err := s.service.ApplyVersion(ctx, session.UserID, parts[0], connectionID(r))
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": ws})

	case len(parts) == 1 && r.Method == http.MethodGet:
		version, err := s.service.GetVersion(ctx, session.UserID, parts[0])
		if err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": version})

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteVersion(ctx, session.UserID, parts[0]); err != nil {
			writeMappedError(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{}})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp, err := s.service.Search(r.Context(), session.UserID, SearchInput{
		Text:      query.Get("q"),
		Type:      query.Get("type"),
		ProjectID: query.Get("projectId"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeMappedError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		slog.ErrorContext(r.Context(), "session lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := logging.WithFields(r.Context(), logging.Fields{RequestID: requestID})
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		slog.InfoContext(ctx, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Connection-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, Content-Disposition")
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

// writeMappedError logs server-side failures in full and writes the mapped
// envelope.
func writeMappedError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
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

// connectionID names the caller's websocket connection so its own broadcast
// is not echoed back.
func connectionID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Connection-ID"))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
