package parse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

type element struct {
	Tag  string
	Line int
}

// elements lists every element of an annotated document in document order.
func elements(t *testing.T, out []byte) []element {
	t.Helper()
	doc, err := html.Parse(bytes.NewReader(out))
	require.NoError(t, err)

	var got []element
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			line, ok := NodeLine(n)
			require.True(t, ok, "element %s has no line", n.Data)
			got = append(got, element{n.Data, line})
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return got
}

func TestAnnotateSourceLines(t *testing.T) {
	src := "<html>\n<body>\n<p>one</p>\n<p>two\n</p>\n</body>\n</html>"

	out, err := Annotate([]byte(src))
	require.NoError(t, err)

	assert.Equal(t, []element{
		{"html", 1},
		{"head", 1},
		{"body", 2},
		{"p", 3},
		{"p", 4},
	}, elements(t, out))
}

func paragraphLines(t *testing.T, src string) []int {
	t.Helper()
	out, err := Annotate([]byte(src))
	require.NoError(t, err)
	var lines []int
	for _, e := range elements(t, out) {
		if e.Tag == "p" {
			lines = append(lines, e.Line)
		}
	}
	return lines
}

func TestAnnotateLineEndings(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, paragraphLines(t, "<p>a</p>\r<p>b</p>\r<p>c</p>"))
	assert.Equal(t, []int{1, 2, 4}, paragraphLines(t, "<p>a</p>\r\n<p>b</p>\r\n\r\n<p>c</p>"))
	assert.Equal(t, []int{1, 3, 5}, paragraphLines(t, "<p>a</p>\r\n\r<p>b</p>\n\r\n<p>c</p>"))
	assert.Equal(t, []int{1, 3}, paragraphLines(t, "<p\r\nclass=x>a</p>\r<p>b</p>"))
}

func TestLineCounterSplitPair(t *testing.T) {
	c := lineCounter{line: 1}
	c.advance([]byte("a\r"))
	c.advance([]byte("\nb"))
	assert.Equal(t, 2, c.line)

	c.advance([]byte("\r"))
	c.advance([]byte("\r"))
	assert.Equal(t, 4, c.line)
}

func TestAnnotateImpliedElements(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []element
	}{
		{
			name: "fragment",
			src:  "<p>x</p>",
			want: []element{{"html", 1}, {"head", 1}, {"body", 1}, {"p", 1}},
		},
		{
			name: "tbody",
			src:  "<table>\n<tr><td>a</td></tr>\n</table>",
			want: []element{
				{"html", 1}, {"head", 1}, {"body", 1},
				{"table", 1}, {"tbody", 2}, {"tr", 2}, {"td", 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Annotate([]byte(tt.src))
			require.NoError(t, err)
			assert.Equal(t, tt.want, elements(t, out))
		})
	}
}

func TestAnnotateMultilineStartTag(t *testing.T) {
	out, err := Annotate([]byte("<p\nclass=\"a\">x</p>\n<p>y</p>"))
	require.NoError(t, err)

	var ps []int
	for _, e := range elements(t, out) {
		if e.Tag == "p" {
			ps = append(ps, e.Line)
		}
	}
	assert.Equal(t, []int{1, 3}, ps)
	assert.Contains(t, string(out), `class="a"`)
}

func TestAnnotateScriptContent(t *testing.T) {
	src := "<script>\nvar s = '<p>';\n</script>\n<p>x</p>"

	out, err := Annotate([]byte(src))
	require.NoError(t, err)

	var tags []element
	for _, e := range elements(t, out) {
		if e.Tag == "script" || e.Tag == "p" {
			tags = append(tags, e)
		}
	}
	assert.Equal(t, []element{{"script", 1}, {"p", 4}}, tags)
	assert.Contains(t, string(out), "var s = '<p>';")
}

func TestAnnotateReplacesExistingAttribute(t *testing.T) {
	out, err := Annotate([]byte(`<p data-source-line="99">x</p>`))
	require.NoError(t, err)

	assert.NotContains(t, string(out), `"99"`)
	assert.Contains(t, elements(t, out), element{"p", 1})
}

func TestNodeLine(t *testing.T) {
	n := &html.Node{Type: html.ElementNode, Data: "p"}
	_, ok := NodeLine(n)
	assert.False(t, ok)

	n.Attr = []html.Attribute{{Key: LineAttribute, Val: "0"}}
	_, ok = NodeLine(n)
	assert.False(t, ok)

	n.Attr = []html.Attribute{{Key: LineAttribute, Val: "12"}}
	line, ok := NodeLine(n)
	assert.True(t, ok)
	assert.Equal(t, 12, line)
}

func stripLines(n *html.Node) {
	if n.Type == html.ElementNode {
		kept := n.Attr[:0]
		for _, a := range n.Attr {
			if a.Key != LineAttribute {
				kept = append(kept, a)
			}
		}
		n.Attr = kept
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		stripLines(c)
	}
}

func render(t *testing.T, n *html.Node) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, html.Render(&buf, n))
	return buf.String()
}

func TestAnnotateRoundTrip(t *testing.T) {
	inputs := []string{
		"<html><body><p>hi</p></body></html>",
		"<ul><li>a<li>b</ul>",
		"<p class=\"x\" title='a \"q\"'>a &amp; b<br>c</p>",
		"<!DOCTYPE html>\n<html>\n<head><title>t</title></head>\n<body>\n<table><tr><td>1</td></tr></table>\n<!-- note -->\n</body>\n</html>\n",
	}

	for _, src := range inputs {
		want, err := html.Parse(bytes.NewReader([]byte(src)))
		require.NoError(t, err)

		out, err := Annotate([]byte(src))
		require.NoError(t, err)
		got, err := html.Parse(bytes.NewReader(out))
		require.NoError(t, err)
		stripLines(got)

		assert.Equal(t, render(t, want), render(t, got), src)
	}
}

func TestAnnotateBasicDocument(t *testing.T) {
	out, err := Annotate([]byte("<html><body><p>hi</p></body></html>"))
	require.NoError(t, err)

	assert.Equal(t, `<html data-source-line="1"><head data-source-line="1"></head><body data-source-line="1"><p data-source-line="1">hi</p></body></html>`, string(out))
}
