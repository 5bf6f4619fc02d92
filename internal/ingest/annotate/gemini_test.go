package annotate

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func geminiServer(t *testing.T, status int, response string) (*httptest.Server, *string) {
	t.Helper()
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &body
}

func TestGemini_Annotate(t *testing.T) {
	srv, body := geminiServer(t, http.StatusOK,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"label\":\"positive\",\"score\":0.4}"}]}}]}`)

	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "test-key", Model: "gemini-1.5-flash", BaseURL: srv.URL + "/"}, nil)
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}

	res, err := g.Annotate(context.Background(), Record{Title: "Markets rally", Content: "Stocks rose."})
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	if res["label"] != "positive" || res["score"] != 0.4 {
		t.Errorf("result = %v", res)
	}
	if !strings.Contains(*body, "Markets rally") || !strings.Contains(*body, "application/json") {
		t.Errorf("request body = %s", *body)
	}
}

func TestGemini_AnnotateErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"code":500,"message":"backend unavailable","status":"INTERNAL"}}`},
		{"malformed output", http.StatusOK, `{"candidates":[{"content":{"role":"model","parts":[{"text":"no idea"}]}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := geminiServer(t, tt.status, tt.response)
			g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "k", BaseURL: srv.URL + "/"}, nil)
			if err != nil {
				t.Fatalf("NewGemini() error = %v", err)
			}
			if _, err := g.Annotate(context.Background(), Record{Title: "x"}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewGemini_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  GeminiConfig
	}{
		{"missing key", GeminiConfig{Model: "m"}},
		{"bad template", GeminiConfig{APIKey: "k", Prompt: "{{.Title"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewGemini(context.Background(), tt.cfg, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGemini_PromptSharesTemplate(t *testing.T) {
	g, err := NewGemini(context.Background(), GeminiConfig{
		APIKey:          "k",
		Prompt:          "{{.Title}}|{{.Content}}",
		MaxContentChars: 2,
	}, nil)
	if err != nil {
		t.Fatalf("NewGemini() error = %v", err)
	}
	got, err := g.Prompt(Record{Title: "t", Content: "abcdef"})
	if err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	if got != "t|ab" {
		t.Errorf("Prompt() = %q", got)
	}
}
