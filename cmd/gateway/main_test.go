package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != version {
		t.Errorf("output = %q, want %q", out, version)
	}
}

func TestModelMapCheck(t *testing.T) {
	path := writeFile(t, "map.yaml", `
_default:
  provider: openai
  model: gpt-4o-mini
backend_developer:
  provider: anthropic
  model: claude-sonnet-4
`)
	out, err := run(t, "modelmap", "check", path)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{"_default", "gpt-4o-mini", "backend_developer", "claude-sonnet-4"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestModelMapCheck_Invalid(t *testing.T) {
	cases := map[string]string{
		"no default":       `{"qa_research":{"provider":"openai","model":"gpt-4o"}}`,
		"unknown provider": `{"_default":{"provider":"gemini","model":"x"}}`,
		"empty model":      `{"_default":{"provider":"openai","model":" "}}`,
		"not json":         `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := run(t, "modelmap", "check", writeFile(t, "map.json", body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestModelMapPush(t *testing.T) {
	mr := miniredis.RunT(t)
	body := `{"_default":{"provider":"openai","model":"gpt-4o-mini"}}`
	path := writeFile(t, "map.json", body)

	out, err := run(t, "modelmap", "push", path, "--redis-url", "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !strings.Contains(out, "stored 1 roles at config/model_map.json") {
		t.Errorf("output = %q", out)
	}
	got, err := mr.Get("blob:config/model_map.json")
	if err != nil {
		t.Fatal(err)
	}
	if got != body {
		t.Errorf("stored = %q", got)
	}
}

func TestModelMapPush_FormatMismatch(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeFile(t, "map.json", `{"_default":{"provider":"openai","model":"gpt-4o-mini"}}`)

	_, err := run(t, "modelmap", "push", path, "--redis-url", "redis://"+mr.Addr(), "--key", "config/model_map.yaml")
	if err == nil || !strings.Contains(err.Error(), "different formats") {
		t.Errorf("err = %v", err)
	}
}

func TestBuildLogger_Levels(t *testing.T) {
	cases := map[string]bool{"debug": true, "info": false, "warn": false, "bogus": false}
	for level, debug := range cases {
		l := buildLogger(level)
		if got := l.Enabled(t.Context(), -4); got != debug {
			t.Errorf("buildLogger(%q) debug enabled = %v, want %v", level, got, debug)
		}
	}
}
