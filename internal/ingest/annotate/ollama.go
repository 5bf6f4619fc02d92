package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultPrompt asks for a sentiment label as a JSON object.
const DefaultPrompt = `You are a news analyst. Read the article below and classify its overall sentiment.
Respond with a single JSON object of the form {"label": "positive" | "negative" | "neutral", "score": <number between -1 and 1>, "reason": "<one sentence>"} and nothing else.

Title: {{.Title}}
Published: {{.PublicationDate}}
Categories: {{join .Categories ", "}}
Tags: {{join .Tags ", "}}
Summary: {{.Summary}}

{{.Content}}
`

// OllamaConfig configures the Ollama annotator.
type OllamaConfig struct {
	// BaseURL is the Ollama server, e.g. http://localhost:11434.
	BaseURL string

	// Model is the model name, e.g. gemma3:4b-it-qat.
	Model string

	// Prompt is a text/template rendered with the Record. Empty selects
	// DefaultPrompt.
	Prompt string

	// Timeout bounds a single generation.
	Timeout time.Duration

	// MaxContentChars truncates the article body in the prompt (0 = no limit).
	MaxContentChars int
}

// Ollama annotates records with a model served by Ollama's /api/generate.
type Ollama struct {
	cfg    OllamaConfig
	prompt *promptTemplate
	client *http.Client
	logger *slog.Logger
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// NewOllama creates an Ollama annotator. The prompt template is parsed once.
func NewOllama(cfg OllamaConfig, logger *slog.Logger) (*Ollama, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama base url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	prompt, err := newPromptTemplate(cfg.Prompt, cfg.MaxContentChars)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Ollama{
		cfg:    cfg,
		prompt: prompt,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "annotator", "backend", "ollama", "model", cfg.Model),
	}, nil
}

// Prompt renders the prompt for a record.
func (o *Ollama) Prompt(rec Record) (string, error) {
	return o.prompt.render(rec)
}

// Annotate sends the rendered prompt and parses the model's JSON answer.
func (o *Ollama) Annotate(ctx context.Context, rec Record) (Result, error) {
	prompt, err := o.Prompt(rec)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(generateRequest{
		Model:  o.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(o.cfg.BaseURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var gen generateResponse
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if gen.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", gen.Error)
	}

	o.logger.Debug("generation complete", "duration", time.Since(start), "chars", len(gen.Response))
	return ParseResult(gen.Response)
}

var _ Annotator = (*Ollama)(nil)
