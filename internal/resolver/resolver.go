// Package resolver answers "what are the current bytes of logical name N":
// the editor's unsaved buffer when N is open, the container's bytes
// otherwise. Nothing is cached.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"go-live-book/internal/book"
)

// ErrNotFound is returned when a name is neither open in the editor nor
// present in the container.
var ErrNotFound = errors.New("resolver: not found")

// Editor is the editor boundary: open buffers and their current bytes.
type Editor interface {
	IsOpen(name string) bool
	Bytes(name string) []byte
}

// Resource is the current content of a logical name.
type Resource struct {
	Name     string
	Data     []byte
	MimeType string
}

// IsHTML reports whether the resource is an HTML document.
func (r Resource) IsHTML() bool {
	return IsHTMLType(r.MimeType)
}

// IsHTMLType reports whether mimeType denotes an (X)HTML document.
func IsHTMLType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType == "text/html" || mimeType == "application/xhtml+xml"
}

// Resolver combines the editor buffers and the book container.
type Resolver struct {
	editor Editor
	book   book.Book
}

func New(editor Editor, b book.Book) *Resolver {
	return &Resolver{editor: editor, book: b}
}

// Resolve returns the current bytes and media type of name.
func (r *Resolver) Resolve(name string) (Resource, error) {
	mimeType := r.book.MimeType(name)

	if r.editor != nil && r.editor.IsOpen(name) {
		return Resource{Name: name, Data: r.editor.Bytes(name), MimeType: mimeType}, nil
	}

	data, err := r.book.Read(name)
	if err != nil {
		if errors.Is(err, book.ErrNotFound) {
			return Resource{}, ErrNotFound
		}
		return Resource{}, fmt.Errorf("resolver: %s: %w", name, err)
	}
	return Resource{Name: name, Data: data, MimeType: mimeType}, nil
}

// Stat returns the media type of name without reading it.
func (r *Resolver) Stat(name string) (string, error) {
	if !r.Exists(name) {
		return "", ErrNotFound
	}
	return r.book.MimeType(name), nil
}

// Exists reports whether name is open in the editor or in the container.
func (r *Resolver) Exists(name string) bool {
	if r.editor != nil && r.editor.IsOpen(name) {
		return true
	}
	return r.book.Has(name)
}
