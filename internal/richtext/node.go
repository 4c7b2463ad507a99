// Package richtext converts between the editor's HTML hand-off format and the
// plain text held in the replicated document. Both directions go through a
// ProseMirror-style node tree.
package richtext

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// Node is one node of a ProseMirror document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting applied to a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// DecodeJSON reads a ProseMirror JSON document as produced by editor.getJSON().
func DecodeJSON(data []byte) (Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return Node{}, fmt.Errorf("decode prosemirror json: %w", err)
	}
	return n, nil
}

// Paragraphs builds a document with one paragraph per line of text.
func Paragraphs(text string) Node {
	doc := Node{Type: "doc"}
	for _, line := range strings.Split(text, "\n") {
		p := Node{Type: "paragraph"}
		if line != "" {
			p.Content = []Node{{Type: "text", Text: line}}
		}
		doc.Content = append(doc.Content, p)
	}
	return doc
}

// FromText renders text as HTML paragraphs, one <p> per line.
func FromText(text string) string {
	return HTML(Paragraphs(text))
}

// HTML renders a node tree.
func HTML(n Node) string {
	return renderNode(n)
}

func renderNode(n Node) string {
	switch n.Type {
	case "":
		return ""
	case "doc":
		return renderContent(n.Content)
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", renderContent(n.Content))
	case "heading":
		level := headingLevel(n)
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderContent(n.Content), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderContent(n.Content))
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderContent(n.Content))
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", renderContent(n.Content))
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderContent(n.Content))
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(inlineText(n.Content)))
	case "text":
		return renderTextWithMarks(n.Text, n.Marks)
	case "hardBreak":
		return "<br>"
	case "table":
		return fmt.Sprintf("<table>\n%s</table>\n", renderContent(n.Content))
	case "tableRow":
		return fmt.Sprintf("<tr>\n%s</tr>\n", renderContent(n.Content))
	case "tableCell":
		return fmt.Sprintf("<td>%s</td>\n", renderContent(n.Content))
	case "tableHeader":
		return fmt.Sprintf("<th>%s</th>\n", renderContent(n.Content))
	case "horizontalRule":
		return "<hr>\n"
	default:
		return renderContent(n.Content)
	}
}

func headingLevel(n Node) int {
	level := 1
	switch v := n.Attrs["level"].(type) {
	case float64:
		level = int(v)
	case int:
		level = v
	}
	if level < 1 || level > 6 {
		level = 1
	}
	return level
}

func renderContent(nodes []Node) string {
	var out strings.Builder
	for _, n := range nodes {
		out.WriteString(renderNode(n))
	}
	return out.String()
}

// renderTextWithMarks applies marks from the outside in.
func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "link":
			href, _ := marks[i].Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		}
	}
	return out
}

// PlainText flattens a tree to text: one line per leaf block, table cells
// separated by tabs.
func PlainText(n Node) string {
	return strings.Join(blockLines(n), "\n")
}

func blockLines(n Node) []string {
	switch n.Type {
	case "codeBlock":
		return []string{inlineText(n.Content)}
	case "paragraph", "heading":
		return []string{strings.TrimSpace(inlineText(n.Content))}
	case "tableCell", "tableHeader":
		return []string{strings.TrimSpace(strings.Join(childLines(n), " "))}
	case "text":
		return []string{n.Text}
	case "horizontalRule":
		return nil
	case "tableRow":
		cells := make([]string, 0, len(n.Content))
		for _, cell := range n.Content {
			cells = append(cells, strings.Join(blockLines(cell), " "))
		}
		return []string{strings.Join(cells, "\t")}
	default:
		return childLines(n)
	}
}

func childLines(n Node) []string {
	var lines []string
	for _, child := range n.Content {
		lines = append(lines, blockLines(child)...)
	}
	return lines
}

func inlineText(nodes []Node) string {
	var out strings.Builder
	for _, n := range nodes {
		switch n.Type {
		case "text":
			out.WriteString(n.Text)
		case "hardBreak":
			out.WriteString("\n")
		default:
			if len(n.Content) > 0 {
				out.WriteString(strings.Join(blockLines(n), " "))
			}
		}
	}
	return out.String()
}
