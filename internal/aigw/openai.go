package aigw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"cowrite/api/internal/config"
)

const ProviderOpenAI = "openai"

type OpenAIProvider struct {
	client openai.Client
	model  string
}

func NewOpenAIProvider(cfg config.AIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("AI API key is not configured")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries belong to the Gateway.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

// NewFactory returns the Factory for the configured provider. The client is
// only constructed on the first Generate call.
func NewFactory(cfg config.AIConfig) Factory {
	return func(ctx context.Context) (Provider, error) {
		switch cfg.Provider {
		case ProviderOpenAI, "":
			return NewOpenAIProvider(cfg)
		default:
			return nil, fmt.Errorf("unsupported AI provider: %s", cfg.Provider)
		}
	}
}

// Generate sends a single user message. TopK has no chat-completions
// equivalent and is not forwarded.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		MaxCompletionTokens: openai.Int(int64(req.Params.MaxOutputTokens)),
		Temperature:         openai.Float(req.Params.Temperature),
		TopP:                openai.Float(req.Params.TopP),
	}
	if req.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	slog.DebugContext(ctx, "openai chat completed",
		"model", p.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return resp.Choices[0].Message.Content, nil
}

// SchemaFor reflects a strict JSON schema for T, for use with GenerateStructured.
func SchemaFor[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}
