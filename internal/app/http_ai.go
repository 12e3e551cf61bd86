package app

import (
	"log/slog"
	"math"
	"net/http"
	"strings"

	"cowrite/api/internal/broadcast"
	"cowrite/api/internal/engine"
	"cowrite/api/internal/logging"
	"cowrite/api/internal/ratelimit"
	"cowrite/api/internal/store"
)

type aiRequest struct {
	ProjectID      string       `json:"projectId"`
	Message        string       `json:"message"`
	Mode           store.AIMode `json:"mode"`
	Prompt         string       `json:"prompt"`
	CurrentContent *string      `json:"currentContent"`
	Instructions   string       `json:"instructions"`
	Content        string       `json:"content"`
	Selection      string       `json:"selection"`
	Request        string       `json:"request"`
	Suggestion     string       `json:"suggestion"`
}

// handleAI serves /api/ai/*. Every route is throttled per user before the
// body is read.
func (s *HTTPServer) handleAI(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.limiter != nil {
		decision := s.limiter.Allow("user:" + session.UserID)
		ratelimit.WriteHeaders(w, decision)
		if !decision.Allowed {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many AI requests, please slow down", map[string]any{
				"retryAfterSeconds": int(math.Ceil(decision.RetryAfter.Seconds())),
			})
			return
		}
	}

	var body aiRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ctx := logging.WithFields(r.Context(), logging.Fields{ProjectID: body.ProjectID, Component: "ai"})
	ai := s.service.AI()
	connID := connectionID(r)

	var (
		result any
		err    error
	)
	switch strings.Join(parts, "/") {
	case "message":
		result, err = ai.SendMessage(ctx, engine.SendMessageInput{
			ProjectID: body.ProjectID,
			UserID:    session.UserID,
			Message:   body.Message,
			Mode:      body.Mode,
		})
	case "generate":
		result, err = ai.Generate(ctx, engine.GenerateInput{
			ProjectID:      body.ProjectID,
			UserID:         session.UserID,
			Prompt:         body.Prompt,
			CurrentContent: body.CurrentContent,
			ConnID:         connID,
		})
	case "improve":
		result, err = ai.Improve(ctx, engine.ImproveInput{
			ProjectID:    body.ProjectID,
			UserID:       session.UserID,
			Instructions: body.Instructions,
			Content:      body.Content,
			Selection:    body.Selection,
			ConnID:       connID,
		})
	case "suggestions":
		var suggestions []string
		suggestions, err = ai.Suggestions(ctx, engine.SuggestionsInput{
			ProjectID:    body.ProjectID,
			UserID:       session.UserID,
			Content:      body.Content,
			Instructions: body.Instructions,
		})
		result = map[string]any{"suggestions": suggestions}
	case "suggestions/apply":
		result, err = ai.ApplySuggestion(ctx, body.ProjectID, session.UserID, body.Suggestion)
	case "analyze":
		result, err = ai.Analyze(ctx, engine.AnalyzeInput{
			ProjectID: body.ProjectID,
			UserID:    session.UserID,
			Request:   body.Request,
		})
	case "contributions":
		result, err = ai.AnalyzeContributions(ctx, engine.ContributionInput{
			ProjectID: body.ProjectID,
			UserID:    session.UserID,
			Content:   body.Content,
		})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if err != nil {
		writeMappedError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": result})
}

// handleWebsocket upgrades an authenticated connection. Browsers cannot set
// headers on the handshake, so the token may also come as ?token=.
func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if token := r.URL.Query().Get("token"); token != "" && bearerToken(r) == "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	conn, err := broadcast.Upgrader(s.corsOrigin).Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	ctx := logging.WithFields(s.baseCtx, logging.FieldsFrom(r.Context()))
	ctx = logging.WithFields(ctx, logging.Fields{UserID: session.UserID, Component: "ws"})
	client := broadcast.NewClient(s.service.Hub(), conn, session.UserID, s.service.AuthorizeWatch)
	client.Run(ctx)
}
