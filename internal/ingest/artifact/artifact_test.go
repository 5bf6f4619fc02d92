package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFileStore_WriteReadOverwrite(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ctx := context.Background()

	for _, d := range []Dir{DirRaw, DirClean, DirAnnotated} {
		if fi, err := os.Stat(filepath.Join(root, string(d))); err != nil || !fi.IsDir() {
			t.Errorf("stage dir %s not created", d)
		}
	}

	name := "isna-abc.json"
	if ok, _ := s.Exists(ctx, DirRaw, name); ok {
		t.Error("Exists() = true before write")
	}
	if _, err := s.Read(ctx, DirRaw, name); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read() missing error = %v, want ErrNotFound", err)
	}

	if err := s.Write(ctx, DirRaw, name, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := s.Write(ctx, DirRaw, name, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second Write() error = %v", err)
	}

	data, err := s.Read(ctx, DirRaw, name)
	if err != nil || string(data) != `{"v":2}` {
		t.Errorf("Read() = (%s, %v)", data, err)
	}
	if ok, _ := s.Exists(ctx, DirRaw, name); !ok {
		t.Error("Exists() = false after write")
	}

	entries, _ := os.ReadDir(filepath.Join(root, string(DirRaw)))
	if len(entries) != 1 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("raw dir holds %v, want exactly one artifact", names)
	}

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestFileStore_InvalidNames(t *testing.T) {
	s, _ := NewFileStore(t.TempDir(), nil)
	for _, name := range []string{"", "..", "../escape.json", `a\b.json`} {
		if err := s.Write(context.Background(), DirRaw, name, nil); err == nil {
			t.Errorf("Write(%q) expected error", name)
		}
	}
}

func TestFileStore_ConcurrentWritesSameName(t *testing.T) {
	root := t.TempDir()
	s, _ := NewFileStore(root, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Write(context.Background(), DirClean, "x.json", []byte(`{"same":true}`)); err != nil {
				t.Errorf("Write() error = %v", err)
			}
		}()
	}
	wg.Wait()

	entries, _ := os.ReadDir(filepath.Join(root, string(DirClean)))
	if len(entries) != 1 {
		t.Errorf("clean dir holds %d entries, want 1", len(entries))
	}
}

func TestEncodeJSON(t *testing.T) {
	data, err := EncodeJSON(map[string]any{"title": "سلام <b>", "n": 1})
	if err != nil {
		t.Fatalf("EncodeJSON() error = %v", err)
	}
	s := string(data)
	if !strings.Contains(s, "سلام <b>") {
		t.Errorf("expected unescaped text, got %s", s)
	}
	if !strings.Contains(s, "\n  ") {
		t.Errorf("expected indented output, got %s", s)
	}
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	buckets map[string]bool
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, buckets: map[string]bool{}}
}

func (f *fakeObjects) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if contentType != "application/json" {
		return errors.New("unexpected content type " + contentType)
	}
	f.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjects) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (f *fakeObjects) Exists(ctx context.Context, bucket, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[bucket+"/"+key]
	return ok, nil
}

func (f *fakeObjects) EnsureBucket(ctx context.Context, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeObjects()
	ctx := context.Background()

	s, err := NewS3StoreWithClient(ctx, fake, "tidings", "artifacts", nil)
	if err != nil {
		t.Fatalf("NewS3StoreWithClient() error = %v", err)
	}
	if !fake.buckets["tidings"] {
		t.Error("bucket not ensured")
	}

	if got := s.Key(DirAnnotated, "a.json"); got != "artifacts/annotated/a.json" {
		t.Errorf("Key() = %s", got)
	}

	if err := s.Write(ctx, DirAnnotated, "a.json", []byte("{}")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, ok := fake.objects["tidings/artifacts/annotated/a.json"]; !ok {
		t.Errorf("object not stored: %v", fake.objects)
	}
	if ok, _ := s.Exists(ctx, DirAnnotated, "a.json"); !ok {
		t.Error("Exists() = false")
	}
	if data, err := s.Read(ctx, DirAnnotated, "a.json"); err != nil || string(data) != "{}" {
		t.Errorf("Read() = (%s, %v)", data, err)
	}

	if _, err := NewS3StoreWithClient(ctx, fake, "", "", nil); err == nil {
		t.Error("expected error for empty bucket")
	}
}
