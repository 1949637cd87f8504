package rewrite

import (
	"strings"
	"testing"
)

func TestRewrite_PlainOccurrence(t *testing.T) {
	body := `fetch("https://www.google-analytics.com/g/collect")`
	out := Rewrite(body, map[string]string{
		"https://www.google-analytics.com/g/collect": "/x/abc123",
	})
	if out != `fetch("/x/abc123")` {
		t.Fatalf("got %q", out)
	}
}

func TestRewrite_EscapedOccurrence(t *testing.T) {
	body := `var u="https:\/\/www.google-analytics.com\/g\/collect";`
	out := Rewrite(body, map[string]string{
		"https://www.google-analytics.com/g/collect": "/x/abc123",
	})
	if out != `var u="/x/abc123";` {
		t.Fatalf("got %q", out)
	}
}

func TestRewrite_LongestFirstPreventsPartialClobber(t *testing.T) {
	body := `"https://example.com/tr/extra" and "https://example.com/tr"`
	out := Rewrite(body, map[string]string{
		"https://example.com/tr":       "/x/short",
		"https://example.com/tr/extra": "/x/long",
	})
	if strings.Contains(out, "/x/short/extra") {
		t.Fatalf("shorter URL clobbered the longer one: %q", out)
	}
	if !strings.Contains(out, "/x/long") || !strings.Contains(out, "/x/short") {
		t.Fatalf("expected both substitutions present, got %q", out)
	}
}

func TestRewrite_PreservesNonURLCharacters(t *testing.T) {
	body := `const a = 1; fetch("https://a.example.com/x"); const b = 2;`
	m := map[string]string{"https://a.example.com/x": "/x/zzz"}
	out := Rewrite(body, m)

	// Removing every substituted substring from input and output yields equal strings.
	stripped := strings.ReplaceAll(body, "https://a.example.com/x", "")
	strippedOut := strings.ReplaceAll(out, "/x/zzz", "")
	if stripped != strippedOut {
		t.Fatalf("non-URL characters not preserved:\n in=%q\nout=%q", stripped, strippedOut)
	}
}

func TestRewrite_EmptyMapIsNoop(t *testing.T) {
	body := "unchanged"
	if out := Rewrite(body, nil); out != body {
		t.Fatalf("expected no-op, got %q", out)
	}
}
