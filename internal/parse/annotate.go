package parse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/net/html"
)

// LineAttribute is the reserved attribute carrying the 1-based source line
// of an element's start tag.
const LineAttribute = "data-source-line"

// lineCounter tracks the current source line across tokens. CRLF, a lone
// CR and a lone LF each end one line, also when a CRLF pair straddles two
// tokens.
type lineCounter struct {
	line   int
	lastCR bool
}

func (c *lineCounter) advance(raw []byte) {
	for _, b := range raw {
		if b == '\n' && c.lastCR {
			c.lastCR = false
			continue
		}
		if b == '\r' || b == '\n' {
			c.line++
		}
		c.lastCR = b == '\r'
	}
}

// Annotate parses src with the forgiving HTML5 parser and serializes it back
// with LineAttribute set on every element. Elements present in the source
// carry the line their start tag began on; elements the parser implied
// (html, head, body, tbody...) take the line of their first annotated
// descendant, or of their parent when they have none.
func Annotate(src []byte) ([]byte, error) {
	tagged, err := tagSourceLines(src)
	if err != nil {
		return nil, fmt.Errorf("parse: tokenize: %w", err)
	}

	doc, err := html.Parse(bytes.NewReader(tagged))
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	fillImpliedLines(doc, 1)

	var buf bytes.Buffer
	buf.Grow(len(tagged) + len(tagged)/8)
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("parse: render: %w", err)
	}
	return buf.Bytes(), nil
}

// tagSourceLines rewrites every start tag of src with LineAttribute. All
// other tokens are copied byte for byte.
func tagSourceLines(src []byte) ([]byte, error) {
	z := html.NewTokenizer(bytes.NewReader(src))
	var out bytes.Buffer
	out.Grow(len(src) + len(src)/4)
	lines := lineCounter{line: 1}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return nil, err
			}
			return out.Bytes(), nil
		}

		raw := z.Raw()
		start := lines.line
		lines.advance(raw)

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			tok.Attr = withLine(tok.Attr, start)
			out.WriteString(tok.String())
		default:
			out.Write(raw)
		}
	}
}

// withLine drops any LineAttribute already present and appends a fresh one.
func withLine(attrs []html.Attribute, line int) []html.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		if a.Key != LineAttribute {
			kept = append(kept, a)
		}
	}
	return append(kept, html.Attribute{Key: LineAttribute, Val: strconv.Itoa(line)})
}

func fillImpliedLines(n *html.Node, parent int) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			fillImpliedLines(c, parent)
			continue
		}
		line, ok := NodeLine(c)
		if !ok {
			line = firstDescendantLine(c, parent)
			c.Attr = append(c.Attr, html.Attribute{Key: LineAttribute, Val: strconv.Itoa(line)})
		}
		fillImpliedLines(c, line)
	}
}

func firstDescendantLine(n *html.Node, fallback int) int {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if line, ok := NodeLine(c); ok {
			return line
		}
		if line := firstDescendantLine(c, 0); line > 0 {
			return line
		}
	}
	return fallback
}

// NodeLine returns the source line recorded on an element.
func NodeLine(n *html.Node) (int, bool) {
	for _, a := range n.Attr {
		if a.Key == LineAttribute && a.Namespace == "" {
			line, err := strconv.Atoi(a.Val)
			if err != nil || line < 1 {
				return 0, false
			}
			return line, true
		}
	}
	return 0, false
}
