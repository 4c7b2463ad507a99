package richtext

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Parse reads an HTML fragment into a document tree. Unknown elements keep their
// children; inline content at block level is wrapped in paragraphs.
func Parse(src string) (Node, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(src), body)
	if err != nil {
		return Node{}, fmt.Errorf("parse html: %w", err)
	}
	b := &blockBuilder{}
	for _, n := range nodes {
		b.add(n)
	}
	return Node{Type: "doc", Content: b.finish()}, nil
}

// ToText returns the plain text of an HTML fragment, blocks separated by
// newlines.
func ToText(src string) (string, error) {
	doc, err := Parse(src)
	if err != nil {
		return "", err
	}
	return PlainText(doc), nil
}

// blockBuilder collects block nodes, gathering loose inline content into an
// implicit paragraph.
type blockBuilder struct {
	blocks []Node
	inline []Node
}

func (b *blockBuilder) flush() {
	if len(b.inline) == 0 {
		return
	}
	if strings.TrimSpace(inlineText(b.inline)) != "" {
		b.blocks = append(b.blocks, Node{Type: "paragraph", Content: b.inline})
	}
	b.inline = nil
}

func (b *blockBuilder) block(n Node) {
	b.flush()
	b.blocks = append(b.blocks, n)
}

func (b *blockBuilder) finish() []Node {
	b.flush()
	return b.blocks
}

func (b *blockBuilder) add(n *html.Node) {
	if n.Type == html.TextNode {
		if n.Data != "" {
			b.inline = append(b.inline, Node{Type: "text", Text: collapseSpace(n.Data)})
		}
		return
	}
	if n.Type != html.ElementNode {
		return
	}

	switch n.DataAtom {
	case atom.P:
		b.block(Node{Type: "paragraph", Content: inlineChildren(n, nil)})
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		b.block(Node{Type: "heading", Attrs: map[string]any{"level": level}, Content: inlineChildren(n, nil)})
	case atom.Ul, atom.Ol:
		list := Node{Type: "bulletList"}
		if n.DataAtom == atom.Ol {
			list.Type = "orderedList"
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Li {
				list.Content = append(list.Content, Node{Type: "listItem", Content: blockChildren(c)})
			}
		}
		b.block(list)
	case atom.Blockquote:
		b.block(Node{Type: "blockquote", Content: blockChildren(n)})
	case atom.Pre:
		b.block(Node{Type: "codeBlock", Content: []Node{{Type: "text", Text: rawText(n)}}})
	case atom.Hr:
		b.block(Node{Type: "horizontalRule"})
	case atom.Table:
		b.block(Node{Type: "table", Content: tableRows(n)})
	case atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Main, atom.Body:
		b.flush()
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			b.add(c)
		}
		b.flush()
	case atom.Script, atom.Style, atom.Head:
	default:
		b.inline = append(b.inline, inlineNodes(n, nil)...)
	}
}

func blockChildren(n *html.Node) []Node {
	b := &blockBuilder{}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.add(c)
	}
	return b.finish()
}

func tableRows(n *html.Node) []Node {
	var rows []Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Thead, atom.Tbody, atom.Tfoot:
			rows = append(rows, tableRows(c)...)
		case atom.Tr:
			row := Node{Type: "tableRow"}
			for cell := c.FirstChild; cell != nil; cell = cell.NextSibling {
				if cell.Type != html.ElementNode {
					continue
				}
				switch cell.DataAtom {
				case atom.Td:
					row.Content = append(row.Content, Node{Type: "tableCell", Content: blockChildren(cell)})
				case atom.Th:
					row.Content = append(row.Content, Node{Type: "tableHeader", Content: blockChildren(cell)})
				}
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func inlineChildren(n *html.Node, marks []Mark) []Node {
	var out []Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, inlineNodes(c, marks)...)
	}
	return out
}

func inlineNodes(n *html.Node, marks []Mark) []Node {
	switch n.Type {
	case html.TextNode:
		if n.Data == "" {
			return nil
		}
		return []Node{{Type: "text", Text: collapseSpace(n.Data), Marks: marks}}
	case html.ElementNode:
	default:
		return nil
	}

	var mark *Mark
	switch n.DataAtom {
	case atom.Br:
		return []Node{{Type: "hardBreak"}}
	case atom.Strong, atom.B:
		mark = &Mark{Type: "bold"}
	case atom.Em, atom.I:
		mark = &Mark{Type: "italic"}
	case atom.Code:
		mark = &Mark{Type: "code"}
	case atom.S, atom.Strike, atom.Del:
		mark = &Mark{Type: "strike"}
	case atom.U:
		mark = &Mark{Type: "underline"}
	case atom.A:
		mark = &Mark{Type: "link", Attrs: map[string]any{"href": attr(n, "href")}}
	}
	if mark != nil {
		next := make([]Mark, 0, len(marks)+1)
		next = append(next, marks...)
		marks = append(next, *mark)
	}
	return inlineChildren(n, marks)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func rawText(n *html.Node) string {
	var out strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			out.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSuffix(out.String(), "\n")
}

// collapseSpace folds source formatting whitespace into single spaces.
func collapseSpace(s string) string {
	if !strings.ContainsAny(s, "\n\t\r") {
		return s
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return " "
	}
	out := strings.Join(fields, " ")
	if isSpace(s[0]) {
		out = " " + out
	}
	if isSpace(s[len(s)-1]) {
		out += " "
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}
