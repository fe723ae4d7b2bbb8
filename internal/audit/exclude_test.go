package audit

import (
	"context"
	"testing"
)

func TestExcludeList_NilSafe(t *testing.T) {
	var el *ExcludeList
	if el.Matches("gpt-4o") || el.Len() != 0 {
		t.Fatal("nil ExcludeList must match nothing")
	}
}

func TestExcludeList_Rules(t *testing.T) {
	el, err := ParseExcludeList([]string{"gpt-4o", " ", "/^o1-/", "/claude-3-opus/"})
	if err != nil {
		t.Fatal(err)
	}
	if el.Len() != 3 {
		t.Fatalf("Len = %d", el.Len())
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"gpt-4o-mini", false},
		{"GPT-4O", false},
		{"o1-preview", true},
		{"claude-3-opus-20240229", true},
		{"claude-3-5-sonnet-20240620", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExcludeList_InvalidPattern(t *testing.T) {
	if _, err := ParseExcludeList([]string{"/[unclosed/"}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestExcluding_SkipsExcludedModels(t *testing.T) {
	el, _ := ParseExcludeList([]string{"gpt-4o"})
	inner := &memSink{name: "db"}
	sink := Excluding(inner, el)

	_ = sink.Write(context.Background(), Record{RequestID: "1", Model: "gpt-4o"})
	_ = sink.Write(context.Background(), Record{RequestID: "2", Model: "gpt-4o-mini"})

	if inner.count() != 1 || inner.records[0].RequestID != "2" {
		t.Fatalf("records = %+v", inner.records)
	}
	if sink.Name() != "db" {
		t.Fatalf("name = %q", sink.Name())
	}

	if Excluding(inner, nil) != Sink(inner) {
		t.Fatal("empty list must return the sink unchanged")
	}
}
