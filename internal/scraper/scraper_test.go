package scraper

import (
	"strings"
	"testing"
)

func TestRecordExternalID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		rec    Record
		keys   []string
		want   string
		wantOK bool
	}{
		{"string id", Record{"id": "abc"}, nil, "abc", true},
		{"int id", Record{"id": 42}, nil, "42", true},
		{"float id", Record{"id": float64(1234567)}, nil, "1234567", true},
		{"falls back to external_id", Record{"external_id": "x9"}, nil, "x9", true},
		{"custom key", Record{"place_id": "p1"}, []string{"place_id"}, "p1", true},
		{"empty string skipped", Record{"id": "", "external_id": "y"}, nil, "y", true},
		{"nil value skipped", Record{"id": nil}, nil, "", false},
		{"missing", Record{"name": "foo"}, nil, "", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := tc.rec.ExternalID(tc.keys...)
			if ok != tc.wantOK || got != tc.want {
				t.Fatalf("ExternalID = %q,%v; want %q,%v", got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestParamsAccessors(t *testing.T) {
	t.Parallel()

	p := Params{
		"region": "be",
		"limit":  float64(25), // JSON-decoded number
		"ratio":  1.5,
		"resume": true,
	}

	if got := p.String("region", "xx"); got != "be" {
		t.Fatalf("String = %q", got)
	}
	if got := p.String("missing", "xx"); got != "xx" {
		t.Fatalf("String default = %q", got)
	}
	if got := p.Int("limit", 0); got != 25 {
		t.Fatalf("Int = %d", got)
	}
	if got := p.Float("ratio", 0); got != 1.5 {
		t.Fatalf("Float = %v", got)
	}
	if got := p.Bool("resume", false); !got {
		t.Fatalf("Bool = %v", got)
	}
	if got := p.Bool("missing", true); !got {
		t.Fatalf("Bool default = %v", got)
	}
	if !p.Has("region") || p.Has("missing") {
		t.Fatalf("Has misreported presence")
	}
}

func TestRunLogCapturesOrderedLines(t *testing.T) {
	t.Parallel()

	var l RunLog
	l.Infof("starting %s", "crawl")
	l.Warnf("slow cell")
	l.Errorf("gave up after %d tries", 3)

	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	out := l.String()
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], "[INFO] starting crawl") {
		t.Fatalf("line 0: %q", lines[0])
	}
	if !strings.Contains(lines[1], "[WARN] slow cell") {
		t.Fatalf("line 1: %q", lines[1])
	}
	if !strings.Contains(lines[2], "[ERROR] gave up after 3 tries") {
		t.Fatalf("line 2: %q", lines[2])
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("a", func(env *Env) Scraper { return nil })
	r.Register("b", func(env *Env) Scraper { return nil })

	if _, err := r.Resolve("a"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := r.Resolve("nope"); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if got := r.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Names = %v", got)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate registration did not panic")
		}
	}()
	r.Register("a", func(env *Env) Scraper { return nil })
}

func TestTaskErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := Errorf("fetch page", "status %d", 503)
	if got := err.Error(); got != "fetch page: status 503" {
		t.Fatalf("Error = %q", got)
	}
	if Wrap("op", nil) != nil {
		t.Fatalf("Wrap(nil) should be nil")
	}
	wrapped := Wrap("store", err)
	if !strings.Contains(wrapped.Error(), "fetch page") {
		t.Fatalf("wrapped message lost the cause: %q", wrapped.Error())
	}
}
