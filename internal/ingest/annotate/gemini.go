package annotate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini annotator.
type GeminiConfig struct {
	// APIKey authenticates against the Gemini API.
	APIKey string

	// Model is the model name, e.g. gemini-1.5-flash.
	Model string

	// BaseURL overrides the API endpoint (optional).
	BaseURL string

	// Prompt is a text/template rendered with the Record. Empty selects
	// DefaultPrompt.
	Prompt string

	// Timeout bounds a single generation.
	Timeout time.Duration

	// MaxContentChars truncates the article body in the prompt (0 = no limit).
	MaxContentChars int
}

// Gemini annotates records with Google's Gemini API.
type Gemini struct {
	cfg    GeminiConfig
	prompt *promptTemplate
	client *genai.Client
	logger *slog.Logger
}

// NewGemini creates a Gemini annotator.
func NewGemini(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	prompt, err := newPromptTemplate(cfg.Prompt, cfg.MaxContentChars)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: cfg.Timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Gemini{
		cfg:    cfg,
		prompt: prompt,
		client: client,
		logger: logger.With("component", "annotator", "backend", "gemini", "model", cfg.Model),
	}, nil
}

// Prompt renders the prompt for a record.
func (g *Gemini) Prompt(rec Record) (string, error) {
	return g.prompt.render(rec)
}

// Annotate asks the model for a JSON answer and parses it.
func (g *Gemini) Annotate(ctx context.Context, rec Record) (Result, error) {
	prompt, err := g.Prompt(rec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("call gemini: %w", err)
	}

	text := resp.Text()
	g.logger.Debug("generation complete", "duration", time.Since(start), "chars", len(text))
	return ParseResult(text)
}

var _ Annotator = (*Gemini)(nil)
