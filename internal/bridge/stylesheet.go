package bridge

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
)

//go:embed split.css
var splitCSS string

// Generic font families.
const (
	FamilySerif = "serif"
	FamilySans  = "sans"
	FamilyMono  = "mono"
)

// Face is a font family and its base size in CSS pixels.
type Face struct {
	Family string `yaml:"family"`
	Size   int    `yaml:"size"`
}

// Fonts are the base fonts of the preview. Standard names the generic
// family used for body text.
type Fonts struct {
	Standard string `yaml:"standard"`
	Serif    Face   `yaml:"serif"`
	Sans     Face   `yaml:"sans"`
	Mono     Face   `yaml:"mono"`
}

// DefaultFonts returns the fonts used when none are configured.
func DefaultFonts() Fonts {
	return Fonts{
		Standard: FamilySerif,
		Serif:    Face{Family: "serif", Size: 16},
		Sans:     Face{Family: "sans-serif", Size: 16},
		Mono:     Face{Family: "monospace", Size: 13},
	}
}

// StandardFace returns the face selected by Standard.
func (f Fonts) StandardFace() (Face, string) {
	switch f.Standard {
	case FamilySans:
		return f.Sans, "sans-serif"
	case FamilyMono:
		return f.Mono, "monospace"
	default:
		return f.Serif, "serif"
	}
}

// BlockTags are the elements a split click resolves to. The library
// walks up from the clicked element to the nearest one of these and the
// split-mode hover rule outlines the same set.
var BlockTags = []string{
	"address", "article", "aside", "blockquote", "dd", "details",
	"div", "dl", "dt", "figure", "footer", "h1", "h2", "h3",
	"h4", "h5", "h6", "header", "hr", "img", "li", "main", "nav",
	"ol", "p", "pre", "section", "svg", "table", "ul",
}

// UserStylesheet compiles the reserved user stylesheet: the split-mode
// rules followed by the base font rules. The font rules sit in :where()
// so any rule of the document's own stylesheets overrides them.
func UserStylesheet(fonts Fonts) (string, error) {
	sheet, err := parser.Parse(splitCSS)
	if err != nil {
		return "", fmt.Errorf("bridge: split stylesheet: %w", err)
	}

	std, generic := fonts.StandardFace()
	sheet.Rules = append(sheet.Rules,
		splitHoverRule(),
		fontRule([]string{"html"}, std, generic),
		fontRule([]string{"code", "kbd", "pre", "samp", "tt"}, fonts.Mono, "monospace"),
	)
	return sheet.String(), nil
}

func splitHoverRule() *css.Rule {
	prefix := "body[" + SplitAttribute + "] "
	rule := css.NewRule(css.QualifiedRule)
	for _, tag := range BlockTags {
		rule.Selectors = append(rule.Selectors, prefix+tag+":hover")
	}
	rule.Prelude = strings.Join(rule.Selectors, ", ")
	rule.Declarations = []*css.Declaration{
		{Property: "outline", Value: "2px dashed #d33", Important: true},
		{Property: "cursor", Value: "pointer"},
	}
	return rule
}

func fontRule(elements []string, face Face, generic string) *css.Rule {
	selector := ":where(" + strings.Join(elements, ", ") + ")"
	rule := css.NewRule(css.QualifiedRule)
	rule.Selectors = []string{selector}
	rule.Prelude = selector
	rule.Declarations = append(rule.Declarations, &css.Declaration{
		Property: "font-family",
		Value:    fontFamily(face.Family, generic),
	})
	if face.Size > 0 {
		rule.Declarations = append(rule.Declarations, &css.Declaration{
			Property: "font-size",
			Value:    strconv.Itoa(face.Size) + "px",
		})
	}
	return rule
}

func fontFamily(family, generic string) string {
	family = strings.TrimSpace(family)
	switch {
	case family == "" || family == generic:
		return generic
	case strings.ContainsAny(family, " \t"):
		return strconv.Quote(family) + ", " + generic
	default:
		return family + ", " + generic
	}
}
