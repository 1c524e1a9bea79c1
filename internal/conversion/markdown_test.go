package conversion

import (
	"strings"
	"testing"

	"github.com/inercia/avatalk/internal/protocol"
)

func TestConverter_Convert(t *testing.T) {
	converter := NewConverter()

	tests := []struct {
		name     string
		input    string
		contains []string // Substrings that must be present
	}{
		{
			name:     "empty input",
			input:    "",
			contains: nil,
		},
		{
			name:     "simple paragraph",
			input:    "Hello, world!",
			contains: []string{"<p>", "Hello, world!", "</p>"},
		},
		{
			name:     "heading",
			input:    "# Quarterly review",
			contains: []string{"<h1", "Quarterly review", "</h1>"},
		},
		{
			name:     "list",
			input:    "- one\n- two",
			contains: []string{"<ul>", "<li>one</li>", "<li>two</li>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := converter.Convert(tt.input)
			if err != nil {
				t.Fatalf("Convert failed: %v", err)
			}

			for _, substr := range tt.contains {
				if !strings.Contains(result, substr) {
					t.Errorf("Expected result to contain %q, got: %s", substr, result)
				}
			}
		})
	}
}

func TestDefaultConverter_StripsScripts(t *testing.T) {
	converter := DefaultConverter()

	result, err := converter.Convert("hello <script>alert(1)</script>")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if strings.Contains(result, "<script") {
		t.Errorf("script should be sanitized, got: %s", result)
	}
}

func TestMermaidWithSanitization(t *testing.T) {
	converter := DefaultConverter()

	result, err := converter.Convert("```mermaid\ngraph TD\n    A --> B\n```")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if !strings.Contains(result, `class="mermaid"`) {
		t.Errorf("Expected class=\"mermaid\" to be preserved after sanitization, got:\n%s", result)
	}
	if strings.Contains(result, "```") {
		t.Errorf("Code fence markers should not appear in HTML output, got:\n%s", result)
	}
}

func TestDeckMarkdown(t *testing.T) {
	deck := protocol.Deck{Slides: []protocol.Slide{
		{Title: "Intro", Bullets: []string{"first", " second "}},
		{Bullets: []string{"untitled"}},
	}}

	md := DeckMarkdown(deck)
	for _, want := range []string{"## Intro\n", "- first\n", "- second\n", "\n---\n", "## Slide 2\n", "- untitled\n"} {
		if !strings.Contains(md, want) {
			t.Errorf("DeckMarkdown() missing %q in:\n%s", want, md)
		}
	}

	html := NewConverter().ConvertToSafeHTML(md)
	if strings.Count(html, "<h2") != 2 {
		t.Errorf("expected two slide headings, got:\n%s", html)
	}
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"plain", "plain"},
		{"<b>", "&lt;b&gt;"},
		{`a & "b" 'c'`, "a &amp; &quot;b&quot; &#39;c&#39;"},
	}
	for _, tt := range tests {
		if got := EscapeHTML(tt.input); got != tt.want {
			t.Errorf("EscapeHTML(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestLinkify(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "no url",
			input: "just text",
			want:  "just text",
		},
		{
			name:  "single url",
			input: "see https://example.com/a?b=1 now",
			want:  `see <a href="https://example.com/a?b=1" target="_blank" rel="noopener">https://example.com/a?b=1</a> now`,
		},
		{
			name:  "two urls",
			input: "http://a.io and https://b.io",
			want:  `<a href="http://a.io" target="_blank" rel="noopener">http://a.io</a> and <a href="https://b.io" target="_blank" rel="noopener">https://b.io</a>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Linkify(tt.input); got != tt.want {
				t.Errorf("Linkify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTextToHTML(t *testing.T) {
	got := TextToHTML("<hi> https://x.io")
	want := `&lt;hi&gt; <a href="https://x.io" target="_blank" rel="noopener">https://x.io</a>`
	if got != want {
		t.Errorf("TextToHTML() = %q, want %q", got, want)
	}
}
