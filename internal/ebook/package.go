// Package ebook turns sanitized articles into Kindle-readable packages.
package ebook

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Format is the container format of a Package.
type Format string

const (
	FormatEPUB Format = "epub"
	FormatPDF  Format = "pdf"
)

// MediaType returns the MIME type of the format.
func (f Format) MediaType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "application/epub+zip"
}

// Extension returns the file extension without the dot.
func (f Format) Extension() string {
	if f == FormatPDF {
		return "pdf"
	}
	return "epub"
}

// ParseFormat accepts "epub" and "pdf", case-insensitively. Empty means epub.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "epub":
		return FormatEPUB, nil
	case "pdf":
		return FormatPDF, nil
	}
	return "", fmt.Errorf("unknown ebook format %q", s)
}

// Package is one built ebook, held in memory until delivery.
type Package struct {
	Title      string
	Author     string
	Identifier string
	Language   string
	Format     Format
	Data       []byte
	// Resources lists the files inside the container, for EPUB.
	Resources []string
	// Filename is the suggested attachment name.
	Filename string
	// Source is the page the article came from.
	Source string
	// Excerpt is the opening of the article as Markdown, used for
	// message bodies.
	Excerpt  string
	BuiltAt  time.Time
	Warnings []string
}

// PackagingError reports that an article could not be turned into a valid
// package.
type PackagingError struct {
	Title string
	Err   error
}

func (e *PackagingError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("package %q: %v", e.Title, e.Err)
	}
	return fmt.Sprintf("package: %v", e.Err)
}

func (e *PackagingError) Unwrap() error { return e.Err }

// ErrEmptyArticle is wrapped by PackagingError when there is nothing to put
// in the book.
var ErrEmptyArticle = errors.New("article has no content blocks")

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a title into a lowercase file name stem.
func Slug(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	s = strings.Trim(s, "-")
	if len(s) > 80 {
		s = strings.TrimRight(s[:80], "-")
	}
	if s == "" {
		return "article"
	}
	return s
}
