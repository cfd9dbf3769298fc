package format

import (
	"strings"
	"testing"
)

func TestToTelegramHTML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"escape", "a < b && c > d", "a &lt; b &amp;&amp; c &gt; d"},
		{"bold", "this is **bold** text", "this is <b>bold</b> text"},
		{"italic", "an *italic* word", "an <i>italic</i> word"},
		{"snake case untouched", "use my_var_name here", "use my_var_name here"},
		{"strike", "~~gone~~", "<s>gone</s>"},
		{"header", "## Setup", "<b>Setup</b>"},
		{"inline code escaped", "run `a<b>` now", "run <code>a&lt;b&gt;</code> now"},
		{"inline code not formatted", "`**x**`", "<code>**x**</code>"},
		{"fence with lang", "```sh\nls -la\n```", "<pre><code class=\"language-sh\">ls -la</code></pre>"},
		{"fence without lang", "```\n<tag>\n```", "<pre>&lt;tag&gt;</pre>"},
		{"link keeps target visible", "[docs](https://example.com/a)", "docs (https://example.com/a)"},
		{"list", "- one\n- two", "• one\n• two"},
		{"nul stripped", "a\x00b", "ab"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ToTelegramHTML(tt.in); got != tt.want {
				t.Errorf("ToTelegramHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestToTelegramHTML_CommandLabelBlock(t *testing.T) {
	t.Parallel()
	in := "Try this:\n\n⚠️ command — do not run automatically\n```sh\nrm -rf ./build\n```"
	got := ToTelegramHTML(in)
	if !strings.Contains(got, "⚠️ command — do not run automatically\n<pre><code class=\"language-sh\">rm -rf ./build</code></pre>") {
		t.Errorf("label and block not preserved:\n%s", got)
	}
}

func TestToPlainText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"**bold** and *it*", "bold and it"},
		{"# Title\ntext", "Title\ntext"},
		{"```go\nfmt.Println(\"**x**\")\n```", "fmt.Println(\"**x**\")"},
		{"> quoted", "quoted"},
		{"see [docs](https://example.com)", "see docs (https://example.com)"},
		{"a < b", "a < b"},
	}
	for _, tt := range tests {
		if got := ToPlainText(tt.in); got != tt.want {
			t.Errorf("ToPlainText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplit_Short(t *testing.T) {
	t.Parallel()
	if got := Split("  hello  ", 100); len(got) != 1 || got[0] != "hello" {
		t.Errorf("Split = %q", got)
	}
	if got := Split("   ", 100); got != nil {
		t.Errorf("Split(blank) = %q, want nil", got)
	}
}

func TestSplit_RespectsLimit(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("line of text number something something\n")
	}
	text := b.String()

	chunks := Split(text, 500)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want several", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if Len(c) > 500 {
			t.Errorf("chunk %d has %d units", i, Len(c))
		}
		total += strings.Count(c, "line of text")
	}
	if total != 200 {
		t.Errorf("lines across chunks = %d, want 200", total)
	}
}

func TestSplit_LongLineAtSpace(t *testing.T) {
	t.Parallel()
	words := strings.Repeat("word ", 100)
	chunks := Split(words, 100)
	for i, c := range chunks {
		if Len(c) > 100 {
			t.Errorf("chunk %d has %d units", i, Len(c))
		}
		if strings.Contains(c, "wo\n") || strings.HasSuffix(c, "wor") {
			t.Errorf("chunk %d cut inside a word: %q", i, c)
		}
	}
}

func TestSplit_ReopensFence(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	b.WriteString("```sh\n")
	for i := 0; i < 40; i++ {
		b.WriteString("echo some moderately long line here\n")
	}
	b.WriteString("```\nafter")

	chunks := Split(b.String(), 300)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want several", len(chunks))
	}
	for i, c := range chunks {
		if Len(c) > 300 {
			t.Errorf("chunk %d has %d units", i, Len(c))
		}
		if n := strings.Count(c, "```"); n%2 != 0 {
			t.Errorf("chunk %d has unbalanced fences:\n%s", i, c)
		}
	}
	if !strings.HasPrefix(chunks[1], "```sh") {
		t.Errorf("second chunk does not reopen the block:\n%s", chunks[1])
	}
}

func TestLen_CountsUTF16Units(t *testing.T) {
	t.Parallel()
	if got := Len("é😀"); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
}
