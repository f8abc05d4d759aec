package env

import (
	"testing"
)

func toMap(pairs []string) map[string]string {
	return parse(pairs)
}

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New().WithBase([]string{"PATH=/usr/bin", "HOME=/home/u", "SERVICE_PLATFORM=os"})
	e.SetAll(map[string]string{"SERVICE_PLATFORM": "groq", "GROQ_API_KEY": "k$1"})
	out := e.Merge([]string{"PYTHONUNBUFFERED=1", "CACHE=${HOME}/.cache", "MISSING=${NOPE}", "=bad"})

	m := toMap(out)
	if m["SERVICE_PLATFORM"] != "groq" {
		t.Fatalf("settings should override OS env: %q", m["SERVICE_PLATFORM"])
	}
	if m["GROQ_API_KEY"] != "k$1" {
		t.Fatalf("plain $ must be preserved: %q", m["GROQ_API_KEY"])
	}
	if m["CACHE"] != "/home/u/.cache" {
		t.Fatalf("expansion failed: %q", m["CACHE"])
	}
	if m["MISSING"] != "${NOPE}" {
		t.Fatalf("unknown reference should stay: %q", m["MISSING"])
	}
	if _, ok := m[""]; ok {
		t.Fatalf("empty key leaked")
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("output not sorted: %v", out)
		}
	}
}

func TestOverridesWinOverSettings(t *testing.T) {
	e := New().WithBase(nil).WithSet("A", "settings")
	m := toMap(e.Merge([]string{"A=override"}))
	if m["A"] != "override" {
		t.Fatalf("override lost: %q", m["A"])
	}
	e.Unset("A")
	if _, ok := toMap(e.Merge(nil))["A"]; ok {
		t.Fatalf("unset variable still present")
	}
}

func TestExpandSinglePass(t *testing.T) {
	m := Var{"A": "${B}", "B": "x"}
	if got := expand("${A}-${B}", m); got != "${B}-x" {
		t.Fatalf("expected single pass expansion, got %q", got)
	}
	if got := expand("tail ${unterminated", m); got != "tail ${unterminated" {
		t.Fatalf("unterminated reference changed: %q", got)
	}
	if got := expand("${}", m); got != "${}" {
		t.Fatalf("empty name changed: %q", got)
	}
}
