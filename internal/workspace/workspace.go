// Package workspace owns the on-disk layout of per-file artifacts under the
// data directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// PageKind selects which rendered page set to address.
type PageKind string

const (
	PageOriginal PageKind = "original"
	PageParsed   PageKind = "parsed"
)

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidID reports whether id is safe to use as a directory name.
func ValidID(id string) bool { return idRegex.MatchString(id) }

// Layout resolves artifact paths for file ids.
type Layout struct {
	Root string
}

// New returns a layout rooted at dataDir ("data" when empty).
func New(dataDir string) Layout {
	if dataDir == "" {
		dataDir = "data"
	}
	return Layout{Root: dataDir}
}

func (l Layout) Dir(fileID string) string { return filepath.Join(l.Root, fileID) }

// Original returns the stored upload path for the given extension (".md", ".html", ...).
func (l Layout) Original(fileID, ext string) string {
	return filepath.Join(l.Dir(fileID), "original"+ext)
}

func (l Layout) Markdown(fileID string) string { return filepath.Join(l.Dir(fileID), "output.md") }

func (l Layout) Segments(fileID string) string { return filepath.Join(l.Dir(fileID), "layout.json") }

func (l Layout) IndexDir(fileID string) string { return filepath.Join(l.Dir(fileID), "index") }

func (l Layout) PagesDir(fileID string, kind PageKind) string {
	return filepath.Join(l.Dir(fileID), "pages", string(kind))
}

// PagePath returns the PNG path of a 1-based page.
func (l Layout) PagePath(fileID string, kind PageKind, page int) string {
	return filepath.Join(l.PagesDir(fileID, kind), fmt.Sprintf("page-%04d.png", page))
}

// Ensure creates the file directory and its page directories.
func (l Layout) Ensure(fileID string) error {
	if !ValidID(fileID) {
		return fmt.Errorf("invalid file id %q", fileID)
	}
	for _, d := range []string{l.PagesDir(fileID, PageOriginal), l.PagesDir(fileID, PageParsed)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// FindOriginal locates the stored upload of fileID, whatever its extension.
func (l Layout) FindOriginal(fileID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(l.Dir(fileID), "original.*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no original upload for %s: %w", fileID, os.ErrNotExist)
	}
	return matches[0], nil
}
