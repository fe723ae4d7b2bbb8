package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/config"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/store"
)

const completionJSON = `{"id":"chatcmpl-up","object":"chat.completion","created":1,"model":"gpt-4o-mini",` +
	`"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],` +
	`"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`

const mapJSON = `{"_default":{"provider":"openai","model":"gpt-4o-mini"}}`

// upstream impersonates the OpenAI API and records the keys it was sent.
type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	keys []string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/models"):
			io.WriteString(w, `{"object":"list","data":[]}`)
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			u.mu.Lock()
			u.keys = append(u.keys, r.Header.Get("Authorization"))
			u.mu.Unlock()
			io.WriteString(w, completionJSON)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) authHeaders() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.keys...)
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	dir := t.TempDir()
	mapFile := filepath.Join(dir, "model_map.json")
	if err := os.WriteFile(mapFile, []byte(mapJSON), 0o600); err != nil {
		t.Fatal(err)
	}

	return &config.Config{
		Port:            8080,
		LogLevel:        "info",
		OpenAI:          config.ProviderConfig{SecretName: "OPENAI_API_KEY", BaseURL: baseURL},
		Anthropic:       config.ProviderConfig{SecretName: "ANTHROPIC_API_KEY", BaseURL: baseURL},
		UpstreamTimeout: 5 * time.Second,
		RequestTimeout:  5 * time.Second,
		SecretsBackend:  config.SecretsEnv,
		SecretValues:    map[string]string{"OPENAI_API_KEY": "sk-test"},
		StoreMode:       config.BackendMemory,
		RateLimit:       config.RateLimitConfig{QPM: 60, Backend: config.BackendMemory},
		ModelMap:        config.ModelMapConfig{File: mapFile, Key: "config/model_map.json", TTL: time.Minute},
		CircuitBreaker: config.CircuitBreakerConfig{
			ErrorThreshold:  5,
			TimeWindow:      time.Minute,
			HalfOpenTimeout: 30 * time.Second,
		},
		Audit: config.AuditConfig{
			Sinks:      []string{config.SinkLog, config.SinkBlob, config.SinkSQLite},
			SQLitePath: filepath.Join(dir, "audit.db"),
			Workers:    1,
			Timeout:    5 * time.Second,
		},
		AllowOrigins: []string{"https://app.cursor.sh"},
		MaskPII:      true,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve runs the app's handler on an in-memory listener.
func serve(t *testing.T, a *App) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, a.Handler())
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func post(t *testing.T, client *http.Client, body string) (int, string) {
	t.Helper()
	resp, err := client.Post("http://test/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(data)
}

func get(t *testing.T, client *http.Client, path string) int {
	t.Helper()
	resp, err := client.Get("http://test" + path)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode
}

func TestNew_NilContext(t *testing.T) {
	if _, err := New(nil, &config.Config{}, quietLogger(), "test"); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestApp_ChatCompletionEndToEnd(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(t, up.URL)

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client := serve(t, a)

	status, body := post(t, client, `{"model":"gpt-4o","messages":[{"role":"user","content":"ping"}]}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %s", status, body)
	}
	if !strings.Contains(body, `"content":"pong"`) || !strings.Contains(body, `"object":"chat.completion"`) {
		t.Errorf("body = %s", body)
	}
	if keys := up.authHeaders(); len(keys) != 1 || keys[0] != "Bearer sk-test" {
		t.Errorf("upstream Authorization = %v", keys)
	}

	if got := get(t, client, "/readiness"); got != http.StatusOK {
		t.Errorf("readiness = %d", got)
	}
	if got := get(t, client, "/metrics"); got != http.StatusOK {
		t.Errorf("metrics = %d", got)
	}

	a.Close()
	a.Close()

	mem, ok := a.blob.(*store.MemoryBlob)
	if !ok {
		t.Fatalf("blob = %T, want *store.MemoryBlob", a.blob)
	}
	if keys := mem.Keys("audit/"); len(keys) != 1 {
		t.Errorf("audit objects = %v, want 1", keys)
	}
}

func TestApp_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	if err := mr.Set("blob:config/model_map.json", mapJSON); err != nil {
		t.Fatal(err)
	}
	if err := mr.Set("blob:secrets/OPENAI_API_KEY", "sk-from-redis"); err != nil {
		t.Fatal(err)
	}

	up := newUpstream(t)
	cfg := testConfig(t, up.URL)
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.StoreMode = config.BackendRedis
	cfg.RateLimit = config.RateLimitConfig{QPM: 1, Backend: config.BackendRedis}
	cfg.SecretsBackend = config.SecretsStore
	cfg.SecretValues = nil
	cfg.ModelMap.File = ""
	cfg.Audit.Sinks = []string{config.SinkLog}

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	client := serve(t, a)

	const body = `{"messages":[{"role":"user","content":"ping"}]}`
	if status, resp := post(t, client, body); status != http.StatusOK {
		t.Fatalf("first request = %d, body = %s", status, resp)
	}
	if keys := up.authHeaders(); len(keys) != 1 || keys[0] != "Bearer sk-from-redis" {
		t.Errorf("upstream Authorization = %v", keys)
	}

	if status, _ := post(t, client, body); status != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429 with QPM=1", status)
	}

	if got := get(t, client, "/readiness"); got != http.StatusOK {
		t.Errorf("readiness = %d", got)
	}
}

func TestNew_ModelMapUnreadable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.ModelMap.File = filepath.Join(t.TempDir(), "missing.json")

	_, err := New(context.Background(), cfg, quietLogger(), "test")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "init services") || !strings.Contains(err.Error(), "model map") {
		t.Errorf("err = %v", err)
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.StoreMode = config.BackendRedis
	cfg.Redis.URL = "redis://127.0.0.1:1"

	_, err := New(context.Background(), cfg, quietLogger(), "test")
	if err == nil || !strings.Contains(err.Error(), "init infra") {
		t.Errorf("err = %v, want an infra error", err)
	}
}

func TestNew_BadExcludePattern(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Audit.ExcludeModels = []string{"/([/"}

	_, err := New(context.Background(), cfg, quietLogger(), "test")
	if err == nil || !strings.Contains(err.Error(), "init audit") {
		t.Errorf("err = %v, want an audit error", err)
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"redis://:secret@localhost:6379":   "redis://***@localhost:6379",
		"redis://user:pw@cache.internal:1": "redis://***@cache.internal:1",
		"redis://localhost:6379":           "redis://localhost:6379",
		"user@host":                        "***@host",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
