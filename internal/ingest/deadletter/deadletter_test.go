package deadletter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janovincze/tidings/internal/ingest"
)

func poison(source, id string) *ingest.Message {
	return &ingest.Message{
		CorrelationID: id,
		SourceID:      source,
		Payload:       map[string]any{ingest.FieldURL: "https://example.test/" + id},
	}
}

func TestFromMessage(t *testing.T) {
	cause := ingest.Malformed(ingest.StageCapture, "missing %s", ingest.FieldTimestamp)
	entry, err := FromMessage(poison("wire-a", "c1"), ingest.StageCapture, cause, time.Hour)
	if err != nil {
		t.Fatalf("FromMessage() error = %v", err)
	}

	if entry.ID == "" || entry.SourceID != "wire-a" || entry.CorrelationID != "c1" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.ErrorType != "malformed" {
		t.Errorf("ErrorType = %s, want malformed", entry.ErrorType)
	}
	if entry.ExpiresAt == nil || entry.ExpiresAt.Sub(entry.CreatedAt) != time.Hour {
		t.Errorf("ExpiresAt = %v", entry.ExpiresAt)
	}

	msg, err := entry.ToMessage()
	if err != nil || msg.CorrelationID != "c1" {
		t.Errorf("ToMessage() = (%+v, %v)", msg, err)
	}

	noExpiry, _ := FromMessage(poison("wire-a", "c2"), ingest.StageCapture, errors.New("x"), 0)
	if noExpiry.ExpiresAt != nil {
		t.Error("zero retention should not set ExpiresAt")
	}
	if noExpiry.ID == entry.ID {
		t.Error("entry IDs should be unique")
	}
}

func TestFileManager(t *testing.T) {
	dir := t.TempDir()
	m, err := NewFileManager(dir, nil)
	if err != nil {
		t.Fatalf("NewFileManager() error = %v", err)
	}
	ctx := context.Background()

	if n, err := m.Count(ctx); err != nil || n != 0 {
		t.Fatalf("Count() on empty = (%d, %v)", n, err)
	}

	var ids []string
	for i, src := range []string{"isna", "mehr", "isna"} {
		e, _ := FromMessage(poison(src, string(rune('a'+i))), ingest.StageNormalize, ingest.Malformed(ingest.StageNormalize, "bad"), 0)
		if err := m.Write(ctx, e); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		ids = append(ids, e.ID)
	}

	all, err := m.Read(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("Read(0) = (%d entries, %v)", len(all), err)
	}
	if all[0].ID != ids[0] {
		t.Error("entries not in insertion order")
	}

	limited, _ := m.Read(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("Read(2) returned %d", len(limited))
	}

	isna, _ := m.ReadBySource(ctx, "isna", 10)
	if len(isna) != 2 {
		t.Errorf("ReadBySource(isna) returned %d", len(isna))
	}

	stats, _ := m.Stats(ctx)
	if stats.TotalCount != 3 || stats.BySource["isna"] != 2 || stats.ByErrorType["malformed"] != 3 {
		t.Errorf("Stats() = %+v", stats)
	}

	if err := m.Delete(ctx, ids[1]); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, ids[1]); err == nil {
		t.Error("expected error deleting missing entry")
	}
	if n, _ := m.Count(ctx); n != 2 {
		t.Errorf("Count() after delete = %d", n)
	}

	// Survives reopening.
	m2, _ := NewFileManager(dir, nil)
	if n, _ := m2.Count(ctx); n != 2 {
		t.Errorf("Count() after reopen = %d", n)
	}
}

func TestFileManager_Cleanup(t *testing.T) {
	m, _ := NewFileManager(t.TempDir(), nil)
	ctx := context.Background()

	expired, _ := FromMessage(poison("a", "1"), ingest.StageAnnotate, errors.New("x"), time.Hour)
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past
	live, _ := FromMessage(poison("a", "2"), ingest.StageAnnotate, errors.New("x"), time.Hour)
	forever, _ := FromMessage(poison("a", "3"), ingest.StageAnnotate, errors.New("x"), 0)

	for _, e := range []Entry{expired, live, forever} {
		m.Write(ctx, e)
	}

	n, err := m.Cleanup(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Cleanup() = (%d, %v), want (1, nil)", n, err)
	}
	if c, _ := m.Count(ctx); c != 2 {
		t.Errorf("Count() after cleanup = %d", c)
	}
	if n, _ := m.Cleanup(ctx); n != 0 {
		t.Errorf("second Cleanup() = %d", n)
	}
}

func TestFileManager_SkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	m, _ := NewFileManager(dir, nil)
	ctx := context.Background()

	e, _ := FromMessage(poison("a", "1"), ingest.StageCapture, errors.New("x"), 0)
	m.Write(ctx, e)

	f, _ := os.OpenFile(filepath.Join(dir, "deadletter.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("{truncated\n")
	f.Close()

	if n, err := m.Count(ctx); err != nil || n != 1 {
		t.Errorf("Count() = (%d, %v), want (1, nil)", n, err)
	}
}
