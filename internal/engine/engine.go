// Package engine runs the AI-assisted operations on a project's workspace:
// chat, generate, improve, analyze, suggestions and contribution analysis.
//
// Every operation validates input, loads the project and checks access before
// the AI call. Nothing but the in-progress announcement is written until the
// call succeeds; after that the workspace, transcript, history and stats are
// written in that order and peers are notified.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"cowrite/api/internal/access"
	"cowrite/api/internal/aigw"
	"cowrite/api/internal/broadcast"
	"cowrite/api/internal/conversation"
	"cowrite/api/internal/ledger"
	"cowrite/api/internal/store"
	"cowrite/api/internal/telemetry"
	"cowrite/api/internal/util"
)

const (
	generateAIDelta = 5
	improveAIDelta  = 3

	historyContextSize = 20

	defaultAnalysisRequest = "Analyze this content and suggest improvements"
)

type Projects interface {
	GetProject(ctx context.Context, id string) (store.Project, error)
}

type Workspaces interface {
	GetWorkspace(ctx context.Context, projectID string) (store.Workspace, error)
	SaveWorkspace(ctx context.Context, ws store.Workspace) (store.Workspace, error)
}

type Transcript interface {
	AppendUser(ctx context.Context, projectID, userID, content string) (store.Message, error)
	AppendSystem(ctx context.Context, projectID, content string) (store.Message, error)
	AppendAI(ctx context.Context, projectID, content string, mode store.AIMode, md store.MessageMetadata, after *store.Message) (store.Message, error)
}

type History interface {
	Append(ctx context.Context, projectID, userID string, p ledger.Payload) (ledger.Entry, error)
	Bump(ctx context.Context, projectID string, b ledger.Bump) (store.Stats, error)
	UpdateStats(ctx context.Context, projectID string, patch ledger.StatsPatch) (store.Stats, error)
	List(ctx context.Context, projectID string, limit int) ([]ledger.Entry, error)
}

type Gateway interface {
	Generate(ctx context.Context, op, prompt string, params aigw.Params) (aigw.Result, error)
	GenerateStructured(ctx context.Context, op, prompt string, params aigw.Params, schemaName string, schema any) (aigw.Result, error)
}

type Broadcaster interface {
	Publish(ctx context.Context, ev broadcast.Event)
}

type Engine struct {
	projects    Projects
	workspaces  Workspaces
	transcript  Transcript
	history     History
	gateway     Gateway
	broadcaster Broadcaster
	now         func() time.Time
}

type Deps struct {
	Projects    Projects
	Workspaces  Workspaces
	Transcript  Transcript
	History     History
	Gateway     Gateway
	Broadcaster Broadcaster
}

func New(d Deps) *Engine {
	return &Engine{
		projects:    d.Projects,
		workspaces:  d.Workspaces,
		transcript:  d.Transcript,
		history:     d.History,
		gateway:     d.Gateway,
		broadcaster: d.Broadcaster,
		now:         time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type SendMessageInput struct {
	ProjectID string
	UserID    string
	Message   string
	Mode      store.AIMode
}

type MessageResult struct {
	Text      string                `json:"text"`
	Role      store.Sender          `json:"role"`
	Mode      store.AIMode          `json:"mode"`
	Timestamp time.Time             `json:"timestamp"`
	Metadata  store.MessageMetadata `json:"metadata"`
}

// SendMessage answers a chat message. Replies are advisory and never touch
// the workspace.
func (e *Engine) SendMessage(ctx context.Context, in SendMessageInput) (MessageResult, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return MessageResult{}, invalid("Please provide a message")
	}
	mode := in.Mode
	if mode == "" {
		mode = store.ModeGenerate
	}
	if !conversation.ValidMode(mode) {
		return MessageResult{}, invalid("mode must be generate, edit, or analyze")
	}
	ctx, span := telemetry.StartSpan(ctx, "engine.send_message")
	defer span.End()

	p, err := e.load(ctx, in.ProjectID, in.UserID, false)
	if err != nil {
		return MessageResult{}, err
	}
	userMsg, err := e.transcript.AppendUser(ctx, p.ID, in.UserID, message)
	if err != nil {
		return MessageResult{}, persistence("Failed to save message", err)
	}

	var (
		text string
		md   store.MessageMetadata
	)
	content, err := e.currentContent(ctx, p.ID)
	if err != nil {
		return MessageResult{}, err
	}
	switch mode {
	case store.ModeAnalyze:
		if content == "" {
			content = "No content available for analysis"
		}
		text, md, err = e.analyzeContent(ctx, p, content, message)
	case store.ModeEdit:
		var res aigw.Result
		res, err = e.gateway.Generate(ctx, "Chat edit", chatEditPrompt(p, content, message), chatEdit)
		text = res.Text
	default:
		var res aigw.Result
		res, err = e.gateway.Generate(ctx, "Chat generation", chatGeneratePrompt(p, message), chatGenerate)
		text = res.Text
	}
	if err != nil {
		slog.ErrorContext(ctx, "chat reply failed", "project_id", p.ID, "mode", mode, "error", err)
		return MessageResult{}, aiFailure("Failed to get response from AI service", err)
	}
	ctx = context.WithoutCancel(ctx)

	reply, err := e.transcript.AppendAI(ctx, p.ID, text, mode, md, &userMsg)
	if err != nil {
		return MessageResult{}, persistence("Failed to save AI response", err)
	}
	if _, err := e.history.Append(ctx, p.ID, in.UserID, ledger.AIMessage{Message: ledger.Excerpt(message), Mode: string(mode)}); err != nil {
		return MessageResult{}, persistence("Failed to record history", err)
	}
	if _, err := e.history.Bump(ctx, p.ID, ledger.Bump{TotalEdits: 1}); err != nil {
		return MessageResult{}, persistence("Failed to update project stats", err)
	}
	return MessageResult{
		Text:      reply.Content,
		Role:      store.SenderAI,
		Mode:      mode,
		Timestamp: reply.Timestamp,
		Metadata:  reply.Metadata,
	}, nil
}

type GenerateInput struct {
	ProjectID string
	UserID    string
	Prompt    string
	// CurrentContent overrides the stored workspace content as the base
	// document when it holds non-blank text.
	CurrentContent *string
	ConnID         string
}

type ContentResult struct {
	Text    string      `json:"text"`
	Content string      `json:"content"`
	Stats   store.Stats `json:"stats"`
}

// Generate appends AI text to the document, or sets it when the document is
// empty. Existing content is never replaced.
func (e *Engine) Generate(ctx context.Context, in GenerateInput) (ContentResult, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return ContentResult{}, invalid("Please provide a prompt")
	}
	ctx, span := telemetry.StartSpan(ctx, "engine.generate")
	defer span.End()

	p, err := e.load(ctx, in.ProjectID, in.UserID, true)
	if err != nil {
		return ContentResult{}, err
	}
	var base string
	if in.CurrentContent != nil && strings.TrimSpace(*in.CurrentContent) != "" {
		base = *in.CurrentContent
	} else if base, err = e.currentContent(ctx, p.ID); err != nil {
		return ContentResult{}, err
	}

	sentinel, err := e.transcript.AppendSystem(ctx, p.ID, "Generating content with AI...")
	if err != nil {
		return ContentResult{}, persistence("Failed to save message", err)
	}
	res, err := e.gateway.Generate(ctx, "Content generation", generatePrompt(p, base, prompt), generateParams)
	if err != nil {
		slog.ErrorContext(ctx, "generate failed", "project_id", p.ID, "error", err)
		return ContentResult{}, aiFailure("Failed to generate content using AI service", err)
	}
	ctx = context.WithoutCancel(ctx)

	content := res.Text
	if strings.TrimSpace(base) != "" {
		content = base + "\n\n" + res.Text
	}
	return e.commit(ctx, commitInput{
		project:  p,
		userID:   in.UserID,
		connID:   in.ConnID,
		text:     res.Text,
		content:  content,
		mode:     store.ModeGenerate,
		after:    &sentinel,
		entry:    ledger.AIGeneratedContent{Prompt: ledger.Excerpt(prompt)},
		bump:     ledger.Bump{TotalEdits: 1, AIDelta: generateAIDelta},
		source:   "ai-generate",
		failNote: "Failed to save generated content",
	})
}

type ImproveInput struct {
	ProjectID    string
	UserID       string
	Instructions string
	Content      string
	// Selection, when set, must occur in Content; only its first occurrence
	// is rewritten.
	Selection string
	ConnID    string
}

func (e *Engine) Improve(ctx context.Context, in ImproveInput) (ContentResult, error) {
	if strings.TrimSpace(in.Content) == "" {
		return ContentResult{}, invalid("Please provide content to improve")
	}
	instructions := strings.TrimSpace(in.Instructions)
	if instructions == "" {
		return ContentResult{}, invalid("Please provide instructions for improvement")
	}
	target := in.Content
	if in.Selection != "" {
		if !strings.Contains(in.Content, in.Selection) {
			return ContentResult{}, invalid("Selected text was not found in the content")
		}
		target = in.Selection
	}
	ctx, span := telemetry.StartSpan(ctx, "engine.improve")
	defer span.End()

	p, err := e.load(ctx, in.ProjectID, in.UserID, true)
	if err != nil {
		return ContentResult{}, err
	}
	sentinel, err := e.transcript.AppendSystem(ctx, p.ID, "Improving content with AI...")
	if err != nil {
		return ContentResult{}, persistence("Failed to save message", err)
	}
	res, err := e.gateway.Generate(ctx, "Content improvement", improvePrompt(target, instructions), improveParams)
	if err != nil {
		slog.ErrorContext(ctx, "improve failed", "project_id", p.ID, "error", err)
		return ContentResult{}, aiFailure("Failed to improve content using AI service", err)
	}
	ctx = context.WithoutCancel(ctx)

	content := res.Text
	if in.Selection != "" {
		content = strings.Replace(in.Content, in.Selection, res.Text, 1)
	}
	return e.commit(ctx, commitInput{
		project:  p,
		userID:   in.UserID,
		connID:   in.ConnID,
		text:     res.Text,
		content:  content,
		mode:     store.ModeEdit,
		after:    &sentinel,
		entry:    ledger.AIImprovedContent{Instructions: ledger.Excerpt(instructions)},
		bump:     ledger.Bump{TotalEdits: 1, AIDelta: improveAIDelta},
		source:   "ai-improve",
		failNote: "Failed to save improved content",
	})
}

type commitInput struct {
	project  store.Project
	userID   string
	connID   string
	text     string
	content  string
	mode     store.AIMode
	after    *store.Message
	entry    ledger.Payload
	bump     ledger.Bump
	source   string
	failNote string
}

func (e *Engine) commit(ctx context.Context, in commitInput) (ContentResult, error) {
	ws, err := e.workspaces.SaveWorkspace(ctx, store.Workspace{
		ProjectID:     in.project.ID,
		Content:       in.content,
		LastUpdatedBy: in.userID,
		WordCount:     util.WordCount(in.content),
		UpdatedAt:     e.now(),
	})
	if err != nil {
		return ContentResult{}, persistence(in.failNote, err)
	}
	if _, err := e.transcript.AppendAI(ctx, in.project.ID, in.text, in.mode, store.MessageMetadata{}, in.after); err != nil {
		return ContentResult{}, persistence("Failed to save AI response", err)
	}
	if _, err := e.history.Append(ctx, in.project.ID, in.userID, in.entry); err != nil {
		return ContentResult{}, persistence("Failed to record history", err)
	}
	stats, err := e.history.Bump(ctx, in.project.ID, in.bump)
	if err != nil {
		return ContentResult{}, persistence("Failed to update project stats", err)
	}
	e.publish(ctx, broadcast.Event{
		Type:      broadcast.ContentUpdated,
		ProjectID: in.project.ID,
		UserID:    in.userID,
		ConnID:    in.connID,
		Payload: broadcast.ContentPayload{
			Content:   ws.Content,
			WordCount: ws.WordCount,
			Source:    in.source,
		},
	})
	return ContentResult{Text: in.text, Content: ws.Content, Stats: stats}, nil
}

type AnalyzeInput struct {
	ProjectID string
	UserID    string
	Request   string
}

// Analyze reviews the stored workspace content and posts the result to chat.
func (e *Engine) Analyze(ctx context.Context, in AnalyzeInput) (MessageResult, error) {
	request := strings.TrimSpace(in.Request)
	if request == "" {
		request = defaultAnalysisRequest
	}
	ctx, span := telemetry.StartSpan(ctx, "engine.analyze")
	defer span.End()

	p, err := e.load(ctx, in.ProjectID, in.UserID, false)
	if err != nil {
		return MessageResult{}, err
	}
	content, err := e.currentContent(ctx, p.ID)
	if err != nil {
		return MessageResult{}, err
	}
	if strings.TrimSpace(content) == "" {
		return MessageResult{}, invalid("There is no content to analyze yet")
	}
	sentinel, err := e.transcript.AppendSystem(ctx, p.ID, "Analyzing content with AI...")
	if err != nil {
		return MessageResult{}, persistence("Failed to save message", err)
	}
	text, md, err := e.analyzeContent(ctx, p, content, request)
	if err != nil {
		slog.ErrorContext(ctx, "analysis failed", "project_id", p.ID, "error", err)
		return MessageResult{}, aiFailure("Failed to analyze content using AI service", err)
	}
	ctx = context.WithoutCancel(ctx)

	reply, err := e.transcript.AppendAI(ctx, p.ID, text, store.ModeAnalyze, md, &sentinel)
	if err != nil {
		return MessageResult{}, persistence("Failed to save AI response", err)
	}
	if _, err := e.history.Append(ctx, p.ID, in.UserID, ledger.AIMessage{Message: ledger.Excerpt(request), Mode: string(store.ModeAnalyze)}); err != nil {
		return MessageResult{}, persistence("Failed to record history", err)
	}
	if _, err := e.history.Bump(ctx, p.ID, ledger.Bump{TotalEdits: 1}); err != nil {
		return MessageResult{}, persistence("Failed to update project stats", err)
	}
	return MessageResult{
		Text:      reply.Content,
		Role:      store.SenderAI,
		Mode:      store.ModeAnalyze,
		Timestamp: reply.Timestamp,
		Metadata:  reply.Metadata,
	}, nil
}

// analyzeContent asks for a suggestion list first and formats it; when that
// fails or comes back empty it falls back to a free-form analysis prompt.
func (e *Engine) analyzeContent(ctx context.Context, p store.Project, content, request string) (string, store.MessageMetadata, error) {
	var suggestions []string
	res, err := e.gateway.Generate(ctx, "Suggestions generation", suggestionsPrompt(prefix(content, analysisPrefix), request), analysisParams)
	if err != nil {
		if ctx.Err() != nil {
			return "", store.MessageMetadata{}, err
		}
		slog.WarnContext(ctx, "suggestions failed, falling back to free-form analysis", "project_id", p.ID, "error", err)
	} else {
		suggestions = ParseSuggestions(res.Text)
	}

	md := store.MessageMetadata{
		AnalysisType:     "improvement",
		ContentLength:    runeLen(content),
		SuggestionsCount: len(suggestions),
	}
	if len(suggestions) > 0 {
		return formatAnalysis(p.Name, suggestions, runeLen(content)), md, nil
	}
	res, err = e.gateway.Generate(ctx, "Content analysis", analysisPrompt(p, content, request), analysisParams)
	if err != nil {
		return "", store.MessageMetadata{}, err
	}
	return res.Text, md, nil
}

type SuggestionsInput struct {
	ProjectID    string
	UserID       string
	Content      string
	Instructions string
}

// Suggestions never returns an empty list.
func (e *Engine) Suggestions(ctx context.Context, in SuggestionsInput) ([]string, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, invalid("Please provide content to get suggestions for")
	}
	ctx, span := telemetry.StartSpan(ctx, "engine.suggestions")
	defer span.End()

	p, err := e.load(ctx, in.ProjectID, in.UserID, false)
	if err != nil {
		return nil, err
	}
	res, err := e.gateway.Generate(ctx, "Suggestions generation", suggestionsPrompt(prefix(in.Content, analysisPrefix), in.Instructions), suggestionParams)
	if err != nil {
		slog.ErrorContext(ctx, "suggestions failed", "project_id", p.ID, "error", err)
		return nil, aiFailure("Failed to get suggestions from AI service", err)
	}
	ctx = context.WithoutCancel(ctx)

	suggestions := ParseSuggestions(res.Text)
	if len(suggestions) == 0 {
		suggestions = []string{NoSuggestionsText}
	}
	if _, err := e.history.Bump(ctx, p.ID, ledger.Bump{AISuggestions: len(suggestions)}); err != nil {
		return nil, persistence("Failed to update project stats", err)
	}
	return suggestions, nil
}

// ApplySuggestion records that a suggestion was taken up by the user.
func (e *Engine) ApplySuggestion(ctx context.Context, projectID, userID, suggestion string) (ledger.Entry, error) {
	suggestion = strings.TrimSpace(suggestion)
	if suggestion == "" {
		return ledger.Entry{}, invalid("Please provide the applied suggestion")
	}
	p, err := e.load(ctx, projectID, userID, true)
	if err != nil {
		return ledger.Entry{}, err
	}
	entry, err := e.history.Append(ctx, p.ID, userID, ledger.SuggestionApplied{Suggestion: ledger.Excerpt(suggestion)})
	if err != nil {
		return ledger.Entry{}, persistence("Failed to record history", err)
	}
	return entry, nil
}

type ContributionInput struct {
	ProjectID string
	UserID    string
	Content   string
}

// AnalyzeContributions estimates the AI/human split of the document and
// stores it as the project's stats.
func (e *Engine) AnalyzeContributions(ctx context.Context, in ContributionInput) (ContributionAnalysis, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.contributions")
	defer span.End()

	p, err := e.load(ctx, in.ProjectID, in.UserID, false)
	if err != nil {
		return ContributionAnalysis{}, err
	}
	content := in.Content
	if strings.TrimSpace(content) == "" {
		if content, err = e.currentContent(ctx, p.ID); err != nil {
			return ContributionAnalysis{}, err
		}
	}
	if strings.TrimSpace(content) == "" {
		return ContributionAnalysis{}, invalid("Please provide content to analyze")
	}
	recent, err := e.history.List(ctx, p.ID, historyContextSize)
	if err != nil {
		return ContributionAnalysis{}, persistence("Failed to load history", err)
	}
	res, err := e.gateway.GenerateStructured(ctx, "Contribution analysis", contributionPrompt(content, recent),
		contributionParam, "contribution_analysis", aigw.SchemaFor[ContributionAnalysis]())
	if err != nil {
		slog.ErrorContext(ctx, "contribution analysis failed", "project_id", p.ID, "error", err)
		return ContributionAnalysis{}, aiFailure("Failed to analyze contributions using AI service", err)
	}
	ctx = context.WithoutCancel(ctx)

	analysis, patch := ParseContributions(res.Text)
	stats, err := e.history.UpdateStats(ctx, p.ID, patch)
	if err != nil {
		return ContributionAnalysis{}, persistence("Failed to update project stats", err)
	}
	analysis.AIContribution = stats.AIContribution
	analysis.HumanContribution = stats.HumanContribution
	return analysis, nil
}

// load resolves the project and checks the caller's access. Deleted projects
// are reported as missing.
func (e *Engine) load(ctx context.Context, projectID, userID string, edit bool) (store.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return store.Project{}, invalid("projectId is required")
	}
	p, err := e.projects.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.Status == store.ProjectDeleted) {
		return store.Project{}, &Error{Kind: ErrProjectNotFound, Message: "Project not found with id of " + projectID}
	}
	if err != nil {
		return store.Project{}, persistence("Failed to load project", err)
	}
	if edit {
		err = access.CheckEdit(p.Resource(), userID)
	} else {
		err = access.CheckRead(p.Resource(), userID)
	}
	if err != nil {
		return store.Project{}, err
	}
	return p, nil
}

// currentContent is the stored workspace content, or "" when none was written yet.
func (e *Engine) currentContent(ctx context.Context, projectID string) (string, error) {
	ws, err := e.workspaces.GetWorkspace(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", persistence("Failed to load workspace", err)
	}
	return ws.Content, nil
}

func (e *Engine) publish(ctx context.Context, ev broadcast.Event) {
	if e.broadcaster == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	e.broadcaster.Publish(ctx, ev)
}
