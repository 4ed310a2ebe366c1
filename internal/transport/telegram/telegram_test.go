package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	logx "issuewatch/pkg/logx"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")
	got := splitTelegramText(text, 70, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %d: %q", len(got), got)
	}
	for _, c := range got {
		if utf8.RuneCountInString(c) > 70 {
			t.Fatalf("chunk too long: %d", utf8.RuneCountInString(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has stray newline: %q", c)
		}
	}
	if strings.Join(got, "\n") != text {
		t.Fatal("content lost while splitting")
	}
}

func TestSplitTelegramTextKeepsHTMLTagsWhole(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 18) + "<b>bold</b>"
	got := splitTelegramText(text, 20, "HTML")
	if len(got) < 2 {
		t.Fatalf("got %q", got)
	}
	if !strings.HasPrefix(got[1], "<b>") {
		t.Fatalf("tag was split: %q", got)
	}
}

func TestSplitTelegramTextCountsRunes(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("é", 25)
	got := splitTelegramText(text, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d", len(got))
	}
	for _, c := range got {
		if !utf8.ValidString(c) {
			t.Fatalf("invalid utf8 chunk %q", c)
		}
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
