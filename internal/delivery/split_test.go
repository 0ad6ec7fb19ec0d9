package delivery

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitShortTextIsOneChunk(t *testing.T) {
	chunks := Split("hello", 10)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("unexpected chunks: %q", chunks)
	}
}

func TestSplitWithoutNewlines(t *testing.T) {
	const limit = 100
	for _, n := range []int{101, 200, 250, 1000} {
		text := strings.Repeat("x", n)
		chunks := Split(text, limit)
		want := (n + limit - 1) / limit
		if len(chunks) != want {
			t.Fatalf("len %d: expected %d chunks, got %d", n, want, len(chunks))
		}
		if strings.Join(chunks, "") != text {
			t.Fatalf("len %d: concatenation differs from input", n)
		}
	}
}

func TestSplitPrefersNewline(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	chunks := Split(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != strings.Repeat("a", 60) {
		t.Fatalf("first chunk should stop before the newline, got %q", chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "\n") {
		t.Fatalf("newline should open the next chunk, got %q", chunks[1][:5])
	}
}

func TestSplitProperties(t *testing.T) {
	line := "commit 0123abcd: fix the thing ✓\n"
	text := strings.Repeat(line, 400)
	for _, limit := range []int{50, 64, 4096} {
		chunks := Split(text, limit)
		if strings.Join(chunks, "") != text {
			t.Fatalf("limit %d: concatenation differs from input", limit)
		}
		for i, c := range chunks {
			if utf8.RuneCountInString(c) > limit {
				t.Fatalf("limit %d: chunk %d has %d runes", limit, i, utf8.RuneCountInString(c))
			}
			if c == "" {
				t.Fatalf("limit %d: empty chunk %d", limit, i)
			}
		}
	}
}

func TestSplitLeadingNewlineMakesProgress(t *testing.T) {
	text := "\n" + strings.Repeat("z", 30)
	chunks := Split(text, 10)
	if strings.Join(chunks, "") != text {
		t.Fatalf("concatenation differs from input")
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %q", len(chunks), chunks)
	}
}

func TestSplitDoesNotBreakRunes(t *testing.T) {
	text := strings.Repeat("я", 25)
	for _, c := range Split(text, 10) {
		if !utf8.ValidString(c) {
			t.Fatalf("invalid utf-8 chunk %q", c)
		}
	}
}

func TestNormalizeNewlines(t *testing.T) {
	if got := NormalizeNewlines("a\r\nb\rc\n"); got != "a\nb\nc\n" {
		t.Fatalf("unexpected normalization: %q", got)
	}
}
