package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/voxqueue/internal/config"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/generation"
	"google.golang.org/genai"
)

const assetContentType = "text/plain; charset=utf-8"

// contentGenerator is the subset of *genai.Models the generator calls.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Generator implements generation.Generator using the Gemini API.
type Generator struct {
	logger  *slog.Logger
	models  contentGenerator
	prompts map[domain.JobKind]promptSet
	model   string
	temp    float32
}

var _ generation.Generator = (*Generator)(nil)

// NewGenerator creates a Gemini-backed generator.
//
// Parameters:
//   - ctx: Context for client construction
//   - logger: Structured logger; a component attribute is added
//   - cfg: LLM configuration with API key, default model and temperature
//
// Returns:
//   - A ready Generator, or an error wrapping generation.ErrInvalidConfig
func NewGenerator(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Generator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return newGenerator(logger, client.Models, cfg)
}

func newGenerator(logger *slog.Logger, models contentGenerator, cfg config.LLMConfig) (*Generator, error) {
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	prompts, err := loadPrompts()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrInvalidConfig, err)
	}

	return &Generator{
		logger:  logger.With("component", "gemini"),
		models:  models,
		prompts: prompts,
		model:   cfg.ModelName,
		temp:    cfg.Temperature,
	}, nil
}

// Generate renders the payload's prompt and makes a single Gemini call.
// Retrying is left to the worker.
func (g *Generator) Generate(ctx context.Context, payload *domain.Payload) (*generation.Asset, error) {
	prompts, ok := g.prompts[payload.Kind]
	if !ok {
		return nil, domain.Permanent("generate",
			fmt.Errorf("%w: unsupported kind %q", domain.ErrInvalidPayload, payload.Kind))
	}

	prompt, err := prompts.render(payload)
	if err != nil {
		return nil, domain.Permanent("generate", err)
	}

	model := g.model
	if payload.Model != "" {
		model = payload.Model
	}

	temperature := g.temp
	genConfig := &genai.GenerateContentConfig{Temperature: &temperature}
	if prompts.system != "" {
		genConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: prompts.system}},
		}
	}

	g.logger.DebugContext(ctx, "calling gemini",
		"model", model,
		"kind", payload.Kind,
		"prompt_length", len(prompt))

	resp, err := g.models.GenerateContent(ctx, model, genai.Text(prompt), genConfig)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, domain.Transient("generate", fmt.Errorf("%w: %w", generation.ErrTransientFailure, ctxErr))
		}
		return nil, classifyAPIError(err)
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	g.logger.DebugContext(ctx, "gemini call completed",
		"model", model,
		"response_length", len(text))

	return &generation.Asset{Data: []byte(text), ContentType: assetContentType}, nil
}

// responseText extracts the first candidate's text.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", domain.Permanent("generate",
				fmt.Errorf("%w: prompt blocked: %s", generation.ErrContentBlocked, resp.PromptFeedback.BlockReason))
		}
		return "", domain.Transient("generate",
			fmt.Errorf("%w: no candidates", generation.ErrInvalidResponse))
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", domain.Permanent("generate", generation.ErrContentBlocked)
	}
	if candidate.Content == nil {
		return "", domain.Transient("generate",
			fmt.Errorf("%w: empty candidate", generation.ErrInvalidResponse))
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", domain.Transient("generate",
			fmt.Errorf("%w: empty text", generation.ErrInvalidResponse))
	}
	return text, nil
}
