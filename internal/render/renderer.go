// Package render turns the embedded markdown pages of the preview (the
// informational page shown when nothing is previewed) into HTML.
package render

import (
	"bytes"
	_ "embed"
	"strings"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	alertcallouts "github.com/zmtcreative/gm-alert-callouts"
)

// Renderer is a wrapper around the Goldmark markdown parser with pre-configured extensions
type Renderer struct {
	md goldmark.Markdown
}

//go:embed page.html
var pageTemplate string

//go:embed info.md
var infoSource []byte

func NewRenderer() *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			alertcallouts.AlertCallouts,
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
			extension.TaskList,
			extension.Linkify,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
				highlighting.WithFormatOptions(
					chromahtml.TabWidth(4),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)
	return &Renderer{md: md}
}

// ConvertFragment parses markdown source and returns the HTML fragment.
func (r *Renderer) ConvertFragment(source []byte) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert(source, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderPage returns a complete HTML page with the markdown rendered inside.
// The fragment is inserted into the page template at the {{CONTENT}} placeholder.
func (r *Renderer) RenderPage(title string, source []byte) (string, error) {
	fragment, err := r.ConvertFragment(source)
	if err != nil {
		return "", err
	}
	page := strings.Replace(pageTemplate, "{{TITLE}}", title, 1)
	return strings.Replace(page, "{{CONTENT}}", fragment, 1), nil
}

// InfoPage renders the page shown while no resource is previewed.
func (r *Renderer) InfoPage() ([]byte, error) {
	page, err := r.RenderPage("Book preview", infoSource)
	if err != nil {
		return nil, err
	}
	return []byte(page), nil
}
