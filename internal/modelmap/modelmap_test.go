package modelmap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/store"
)

type countingSource struct {
	mu    sync.Mutex
	data  []byte
	err   error
	calls int
}

func (s *countingSource) Fetch(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.data, s.err
}

func (s *countingSource) Format() Format { return FormatJSON }

func (s *countingSource) set(data string, err error) {
	s.mu.Lock()
	s.data, s.err = []byte(data), err
	s.mu.Unlock()
}

const sampleMap = `{
  "backend_developer": {"provider": "anthropic", "model": "claude-3-5-sonnet-20240620"},
  "_default": {"provider": "openai", "model": "gpt-4o-mini"}
}`

func TestResolve_FallsBackToDefault(t *testing.T) {
	src := &countingSource{}
	src.set(sampleMap, nil)
	l := NewLookup(src, time.Minute)

	mc, err := l.Resolve(context.Background(), "frontend_developer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mc.Provider != ProviderOpenAI || mc.Model != "gpt-4o-mini" {
		t.Fatalf("got %+v", mc)
	}

	mc, _ = l.Resolve(context.Background(), "backend_developer")
	if mc.Provider != ProviderAnthropic {
		t.Fatalf("got %+v", mc)
	}
}

func TestResolve_MissingDefault(t *testing.T) {
	src := &countingSource{}
	src.set(`{"backend_developer": {"provider": "openai", "model": "gpt-4o"}}`, nil)
	l := NewLookup(src, time.Minute)

	_, err := l.Resolve(context.Background(), "qa_research")
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestLookup_RefreshesOnlyAfterTTL(t *testing.T) {
	src := &countingSource{}
	src.set(sampleMap, nil)
	l := NewLookup(src, time.Minute)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	l.Resolve(ctx, "x")
	l.Resolve(ctx, "x")
	if src.calls != 1 {
		t.Fatalf("calls = %d, want 1", src.calls)
	}

	src.set(`{"_default": {"provider": "anthropic", "model": "claude-3-5-haiku"}}`, nil)
	now = now.Add(61 * time.Second)
	mc, _ := l.Resolve(ctx, "x")
	if src.calls != 2 || mc.Model != "claude-3-5-haiku" {
		t.Fatalf("calls = %d, model = %q", src.calls, mc.Model)
	}
}

func TestLookup_ServesStaleOnRefreshError(t *testing.T) {
	src := &countingSource{}
	src.set(sampleMap, nil)
	l := NewLookup(src, time.Minute)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	var refreshErrs int
	l.OnRefresh = func(err error) {
		if err != nil {
			refreshErrs++
		}
	}

	ctx := context.Background()
	l.Resolve(ctx, "x")

	src.set("", errors.New("connection refused"))
	now = now.Add(2 * time.Minute)

	mc, err := l.Resolve(ctx, "x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mc.Model != "gpt-4o-mini" || refreshErrs != 1 {
		t.Fatalf("model = %q, refreshErrs = %d", mc.Model, refreshErrs)
	}
}

func TestLookup_BacksOffWhileSourceFails(t *testing.T) {
	src := &countingSource{}
	src.set(sampleMap, nil)
	l := NewLookup(src, time.Minute)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	l.Resolve(ctx, "x")

	src.set("", errors.New("connection refused"))
	now = now.Add(2 * time.Minute)
	for i := 0; i < 10; i++ {
		if _, err := l.Resolve(ctx, "x"); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if src.calls != 2 {
		t.Fatalf("calls = %d, want 2 while backing off", src.calls)
	}

	src.set(`{"_default": {"provider": "anthropic", "model": "claude-3-5-haiku"}}`, nil)
	now = now.Add(RetryBackoff)
	mc, _ := l.Resolve(ctx, "x")
	if src.calls != 3 || mc.Model != "claude-3-5-haiku" {
		t.Fatalf("calls = %d, model = %q", src.calls, mc.Model)
	}
}

func TestLookup_ErrorWithoutCachedMap(t *testing.T) {
	src := &countingSource{}
	src.set("", errors.New("boom"))
	l := NewLookup(src, 0)

	if _, err := l.Resolve(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestParse_RejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"unknown provider": `{"_default": {"provider": "gemini", "model": "g"}}`,
		"empty model":      `{"_default": {"provider": "openai", "model": ""}}`,
		"empty map":        `{}`,
		"not json":         `{`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc), FormatJSON); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFileSource_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_map.yaml")
	doc := "_default:\n  provider: openai\n  model: gpt-4o\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	l := NewLookup(FileSource{Path: path}, time.Minute)
	mc, err := l.Resolve(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mc.Model != "gpt-4o" {
		t.Fatalf("got %+v", mc)
	}
}

func TestBlobSource(t *testing.T) {
	blob := store.NewMemoryBlob()
	blob.Put(context.Background(), "config/model_map.json", []byte(sampleMap))

	l := NewLookup(BlobSource{Blob: blob, Key: "config/model_map.json"}, time.Minute)
	mc, err := l.Resolve(context.Background(), "backend_developer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mc.Model != "claude-3-5-sonnet-20240620" {
		t.Fatalf("got %+v", mc)
	}
}
