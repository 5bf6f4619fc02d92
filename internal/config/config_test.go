package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/janovincze/tidings/internal/ingest"
)

func TestLoad(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Version != "0.1.0" {
		t.Errorf("Version = %v, want %v", cfg.Version, "0.1.0")
	}
	if cfg.Broker.Backend != BackendAMQP {
		t.Errorf("Broker.Backend = %v, want %v", cfg.Broker.Backend, BackendAMQP)
	}
	if cfg.Broker.RawQueue != "raw_items" || cfg.Broker.AnnotateQueue != "annotate_items" {
		t.Errorf("queue names = %+v", cfg.Broker)
	}
	if cfg.Pipeline.Prefetch != 1 {
		t.Errorf("Pipeline.Prefetch = %v, want 1", cfg.Pipeline.Prefetch)
	}
	if cfg.Checkpoint.Dir != filepath.Join("./data", "checkpoints") {
		t.Errorf("Checkpoint.Dir = %v", cfg.Checkpoint.Dir)
	}
	if cfg.UsesPostgres() {
		t.Error("default configuration should not need PostgreSQL")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("TIDINGS_ENV", "production")
	t.Setenv("TIDINGS_DATA_DIR", "/var/lib/tidings")
	t.Setenv("TIDINGS_BROKER", "postgres")
	t.Setenv("TIDINGS_DB_URL", "postgres://u:p@db:5432/tidings")
	t.Setenv("TIDINGS_RETRY_INITIAL_INTERVAL", "250ms")
	t.Setenv("TIDINGS_MAX_CAPABILITY_ATTEMPTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Environment != "production" {
		t.Errorf("Environment = %v, want production", cfg.Environment)
	}
	if cfg.Artifacts.Dir != filepath.Join("/var/lib/tidings", "artifacts") {
		t.Errorf("Artifacts.Dir = %v", cfg.Artifacts.Dir)
	}
	if cfg.Database.DSN() != "postgres://u:p@db:5432/tidings" {
		t.Errorf("DSN() = %v", cfg.Database.DSN())
	}
	if cfg.Retry.InitialInterval != 250*time.Millisecond {
		t.Errorf("Retry.InitialInterval = %v", cfg.Retry.InitialInterval)
	}
	if cfg.Pipeline.MaxCapabilityAttempts != 7 {
		t.Errorf("MaxCapabilityAttempts = %v", cfg.Pipeline.MaxCapabilityAttempts)
	}
	if !cfg.UsesPostgres() {
		t.Error("postgres broker should need PostgreSQL")
	}
}

func TestLoad_GeminiAnnotator(t *testing.T) {
	t.Setenv("TIDINGS_ANNOTATOR", "gemini")
	t.Setenv("GEMINI_API_KEY", "from-generic-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Annotator.Backend != BackendGemini || cfg.Annotator.GeminiModel != "gemini-1.5-flash" {
		t.Errorf("Annotator = %+v", cfg.Annotator)
	}
	if cfg.Annotator.GeminiAPIKey != "from-generic-env" {
		t.Errorf("GeminiAPIKey = %q, want the GEMINI_API_KEY fallback", cfg.Annotator.GeminiAPIKey)
	}

	t.Setenv("TIDINGS_GEMINI_API_KEY", "specific")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Annotator.GeminiAPIKey != "specific" {
		t.Errorf("GeminiAPIKey = %q, want specific", cfg.Annotator.GeminiAPIKey)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("TIDINGS_ARTIFACT_BACKEND", "ftp")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "TIDINGS_ARTIFACT_BACKEND") {
		t.Errorf("Load() error = %v, want artifact backend error", err)
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Name:     "testdb",
		User:     "testuser",
		Password: "testpass",
		SSLMode:  "disable",
	}

	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpass sslmode=disable"
	if got := cfg.DSN(); got != expected {
		t.Errorf("DSN() = %v, want %v", got, expected)
	}
}

func TestGetDurationEnv(t *testing.T) {
	t.Setenv("TEST_DURATION", "30s")

	if got := getDurationEnv("TEST_DURATION", 10*time.Second); got != 30*time.Second {
		t.Errorf("getDurationEnv() = %v, want %v", got, 30*time.Second)
	}
	if got := getDurationEnv("NONEXISTENT", 10*time.Second); got != 10*time.Second {
		t.Errorf("getDurationEnv() = %v, want %v", got, 10*time.Second)
	}
}

func TestGetBoolEnv(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")

	if got := getBoolEnv("TEST_BOOL", false); !got {
		t.Errorf("getBoolEnv() = %v, want true", got)
	}
	if got := getBoolEnv("NONEXISTENT", false); got {
		t.Errorf("getBoolEnv() = %v, want false", got)
	}
}

const sourcesYAML = `
sources:
  - id: wire-a
    interval: 15
    kind: archive
    start_url: https://wire-a.example/archive
    resume_timestamp: 1764547200
    rate_limit: 2
    max_pages: 10
    selectors:
      list_block: div.item
      title: h2
      url: a@href
      date: span.date
      next_page: a.next@href
      body: div.article p
  - id: wire-b
    interval: 90s
    kind: rss
    start_url: https://wire-b.example/feed
  - id: wire-c
    cron: "*/30 * * * *"
    kind: rss
    start_url: https://wire-c.example/feed
  - id: archive-2024
    kind: archive
    start_url: https://wire-a.example/archive
    resume_timestamp: 2024-01-01
    end_timestamp: "2024-12-31T23:59:59Z"
    selectors:
      list_block: div.item
      url: a@href
      date: span.date
`

func TestParseSources(t *testing.T) {
	sources, err := ParseSources([]byte(sourcesYAML))
	if err != nil {
		t.Fatalf("ParseSources() error = %v", err)
	}
	if len(sources) != 4 {
		t.Fatalf("len(sources) = %d, want 4", len(sources))
	}

	a := sources[0]
	if a.Interval != 15*time.Minute || a.Kind != ingest.SourceKindArchive || a.MaxPages != 10 || a.RateLimit != 2 {
		t.Errorf("wire-a = %+v", a)
	}
	if a.ResumeTimestamp == nil || *a.ResumeTimestamp != 1764547200 {
		t.Errorf("wire-a resume = %v", a.ResumeTimestamp)
	}
	if a.Selectors.URL != "a@href" || a.Selectors.NextPage != "a.next@href" || a.Selectors.Body != "div.article p" {
		t.Errorf("wire-a selectors = %+v", a.Selectors)
	}

	if b := sources[1]; b.Interval != 90*time.Second || b.Kind != ingest.SourceKindRSS {
		t.Errorf("wire-b = %+v", b)
	}
	if c := sources[2]; c.Cron != "*/30 * * * *" || c.IsBackfill() {
		t.Errorf("wire-c = %+v", c)
	}

	backfill := sources[3]
	if !backfill.IsBackfill() {
		t.Fatal("archive-2024 should be a backfill source")
	}
	if *backfill.ResumeTimestamp != 1704067200 {
		t.Errorf("resume = %d, want 1704067200", *backfill.ResumeTimestamp)
	}
	if *backfill.EndTimestamp != 1735689599 {
		t.Errorf("end = %d, want 1735689599", *backfill.EndTimestamp)
	}
}

func TestParseSources_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "sources:\n  - interval: 5\n"},
		{"missing interval", "sources:\n  - id: a\n"},
		{"duplicate", "sources:\n  - id: a\n    interval: 5\n  - id: a\n    interval: 5\n"},
		{"bad interval", "sources:\n  - id: a\n    interval: soon\n"},
		{"bad timestamp", "sources:\n  - id: a\n    interval: 5\n    resume_timestamp: yesterday\n"},
		{"unknown kind", "sources:\n  - id: a\n    interval: 5\n    kind: ftp\n"},
		{"end before resume", "sources:\n  - id: a\n    resume_timestamp: 200\n    end_timestamp: 100\n"},
		{"not yaml", "sources: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSources([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	if err := os.WriteFile(path, []byte(sourcesYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	sources, err := LoadSources(path)
	if err != nil {
		t.Fatalf("LoadSources() error = %v", err)
	}
	if len(sources) != 4 {
		t.Errorf("len(sources) = %d, want 4", len(sources))
	}

	if _, err := LoadSources(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
