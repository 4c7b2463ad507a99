package richtext

import (
	"strings"
	"testing"
)

func TestHTMLRendering(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty document",
			input:    `{"type":"doc"}`,
			expected: "",
		},
		{
			name:     "simple paragraph",
			input:    `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello world"}]}]}`,
			expected: "<p>Hello world</p>",
		},
		{
			name:     "heading with levels",
			input:    `{"type":"doc","content":[{"type":"heading","attrs":{"level":2},"content":[{"type":"text","text":"Outcomes"}]}]}`,
			expected: "<h2>Outcomes</h2>",
		},
		{
			name:     "bold and italic text",
			input:    `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Bold and italic","marks":[{"type":"bold"},{"type":"italic"}]}]}]}`,
			expected: "<strong><em>Bold and italic</em></strong>",
		},
		{
			name:     "link is escaped",
			input:    `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"a<b","marks":[{"type":"link","attrs":{"href":"https://x.test/?a=1&b=2"}}]}]}]}`,
			expected: `<a href="https://x.test/?a=1&amp;b=2">a&lt;b</a>`,
		},
		{
			name:     "code block",
			input:    `{"type":"doc","content":[{"type":"codeBlock","content":[{"type":"text","text":"if a < b {}"}]}]}`,
			expected: "<pre><code>if a &lt; b {}</code></pre>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := DecodeJSON([]byte(tt.input))
			if err != nil {
				t.Fatalf("DecodeJSON() error = %v", err)
			}
			result := strings.TrimSpace(HTML(doc))
			if !strings.Contains(result, tt.expected) {
				t.Errorf("HTML() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestToText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"empty paragraph", "<p></p>", ""},
		{"paragraphs", "<p>Theory</p><p>of change</p>", "Theory\nof change"},
		{"inline marks", "<p>The <strong>long</strong> term <em>outcome</em></p>", "The long term outcome"},
		{"loose text", "just text", "just text"},
		{"heading and list", "<h1>Goal</h1><ul><li>one</li><li><p>two</p></li></ul>", "Goal\none\ntwo"},
		{"line break", "<p>a<br>b</p>", "a\nb"},
		{"formatting whitespace", "<div>\n  <p>\n    indented\n  </p>\n</div>", "indented"},
		{"table", "<table><tr><th>k</th><th>v</th></tr><tr><td>a</td><td>1</td></tr></table>", "k\tv\na\t1"},
		{"scripts dropped", "<p>ok</p><script>alert(1)</script>", "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToText(tt.input)
			if err != nil {
				t.Fatalf("ToText() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ToText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFromText(t *testing.T) {
	got := FromText("first\n\n<third>")
	want := "<p>first</p>\n<p></p>\n<p>&lt;third&gt;</p>\n"
	if got != want {
		t.Fatalf("FromText() = %q, want %q", got, want)
	}

	back, err := ToText(got)
	if err != nil {
		t.Fatalf("ToText() error = %v", err)
	}
	if back != "first\n\n<third>" {
		t.Fatalf("text did not survive the round trip: %q", back)
	}
}
