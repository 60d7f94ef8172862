package nntpwire

import (
	"strings"
	"testing"
)

func TestParseOverviewLine(t *testing.T) {
	line := "12\tHello World\tjane@example.com\tSat, 01 Jan 2026 00:00:00 +0000\t<abc@example.com>\t<root@example.com>\t1024\t42"
	ov, ok := parseOverviewLine(line)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if ov.ArticleNum != 12 || ov.MessageID != "<abc@example.com>" || ov.Bytes != 1024 || ov.Lines != 42 {
		t.Fatalf("unexpected overview: %+v", ov)
	}
}

func TestParseOverviewLineMalformed(t *testing.T) {
	if _, ok := parseOverviewLine("too\tfew\tfields"); ok {
		t.Fatalf("expected malformed line to fail to parse")
	}
}

func TestParseArticleSplitsHeadersAndBody(t *testing.T) {
	lines := []string{
		"Subject: hello",
		"From: jane@example.com",
		"References: <a@example.com> <b@example.com>",
		"",
		"line one",
		"line two",
	}
	art, err := parseArticle("<msg@example.com>", lines, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if art.Headers["subject"][0] != "hello" {
		t.Fatalf("unexpected subject: %+v", art.Headers)
	}
	if art.Body != "line one\nline two" {
		t.Fatalf("unexpected body: %q", art.Body)
	}
	if art.Lines != 2 {
		t.Fatalf("expected 2 lines, got %d", art.Lines)
	}
}

func TestParseArticleHeadersOnly(t *testing.T) {
	lines := []string{"Subject: hello", "", "body text"}
	art, err := parseArticle("<msg@example.com>", lines, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if art.Body != "" {
		t.Fatalf("expected no body for headers-only parse, got %q", art.Body)
	}
}

func TestParseArticleFoldedHeader(t *testing.T) {
	lines := []string{
		"Subject: hello",
		" continued subject text",
		"",
		"body",
	}
	art, err := parseArticle("<msg@example.com>", lines, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(art.Headers["subject"][0], "continued subject text") {
		t.Fatalf("expected folded header to be joined, got %q", art.Headers["subject"][0])
	}
}

func TestNormalizeTextPassesThroughValidUTF8(t *testing.T) {
	s := "already valid utf-8 é"
	if got := normalizeText(s); got != s {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
