// Package book provides the container of resources under edit, addressed by
// logical names (slash separated paths relative to the book root).
package book

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when a logical name is not present in the book.
var ErrNotFound = errors.New("book: resource not found")

// Book is the read side of the container consumed by the preview.
type Book interface {
	Read(name string) ([]byte, error)
	Has(name string) bool
	MimeType(name string) string
}

// Known e-book media types. mime.TypeByExtension depends on the host's
// mime.types, so these take precedence.
var mediaTypes = map[string]string{
	".html":  "text/html",
	".htm":   "text/html",
	".xhtml": "application/xhtml+xml",
	".css":   "text/css",
	".js":    "application/javascript",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".ttf":   "application/x-font-truetype",
	".otf":   "application/vnd.ms-opentype",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".opf":   "application/oebps-package+xml",
	".ncx":   "application/x-dtbncx+xml",
	".xml":   "application/xml",
	".txt":   "text/plain",
}

// MimeTypeOf guesses the media type of a logical name from its extension.
func MimeTypeOf(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return "application/octet-stream"
}

// CleanName normalizes a logical name. Names that would escape the book
// root are rejected.
func CleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	cleaned := path.Clean("/" + name)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("book: invalid name %q", name)
	}
	return cleaned, nil
}

// Dir is a Book backed by a directory on disk.
type Dir struct {
	root   string
	logger *slog.Logger
}

// OpenDir opens the directory at root as a book.
func OpenDir(root string, logger *slog.Logger) (*Dir, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("book: open %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("book: open %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("book: open %s: not a directory", root)
	}
	return &Dir{root: abs, logger: logger}, nil
}

// Root returns the absolute path of the book directory.
func (d *Dir) Root() string {
	return d.root
}

// Name maps an absolute file path to its logical name. It reports false for
// paths outside the book.
func (d *Dir) Name(file string) (string, bool) {
	rel, err := filepath.Rel(d.root, file)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Path maps a logical name to its file path, or "" when name is invalid.
func (d *Dir) Path(name string) string {
	p, err := d.path(name)
	if err != nil {
		return ""
	}
	return p
}

func (d *Dir) path(name string) (string, error) {
	cleaned, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(cleaned)), nil
}

// Read returns the on-disk bytes of name.
func (d *Dir) Read(name string) ([]byte, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("book: read %s: %w", name, err)
	}
	return data, nil
}

// Has reports whether name is a regular file in the book.
func (d *Dir) Has(name string) bool {
	p, err := d.path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// MimeType returns the media type of name.
func (d *Dir) MimeType(name string) string {
	return MimeTypeOf(name)
}

// Names lists every resource in the book, sorted.
func (d *Dir) Names() ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.root, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if p != d.root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if name, ok := d.Name(p); ok {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("book: list: %w", err)
	}
	sort.Strings(names)
	return names, nil
}
