// Package article holds the data that flows through a single send run:
// the fetched source page, the extracted article and its sanitized form.
package article

import (
	"strings"
	"unicode"
)

// BlockKind names the structural role of a content block.
type BlockKind string

const (
	KindParagraph BlockKind = "paragraph"
	KindHeading   BlockKind = "heading"
	KindList      BlockKind = "list"
	KindImage     BlockKind = "image"
	KindQuote     BlockKind = "quote"
	KindCode      BlockKind = "code"
)

// Tag returns the HTML element a block of this kind renders as. Headings
// need the level, so callers use Block.Tag for those.
func (k BlockKind) Tag() string {
	switch k {
	case KindParagraph:
		return "p"
	case KindHeading:
		return "h2"
	case KindList:
		return "ul"
	case KindImage:
		return "img"
	case KindQuote:
		return "blockquote"
	case KindCode:
		return "pre"
	}
	return ""
}

// Image is an image reference found in the article body.
type Image struct {
	// Src is the absolute URL of the image.
	Src string
	Alt string
	// Data and MediaType are set once the image bytes are embedded.
	Data      []byte
	MediaType string
}

// Inlined reports whether the image bytes are already embedded.
func (i *Image) Inlined() bool { return i != nil && len(i.Data) > 0 }

// Block is one unit of article content in reading order.
type Block struct {
	Kind BlockKind
	// Level is the heading level (1-6) for KindHeading.
	Level int
	// Ordered marks numbered lists.
	Ordered bool
	// HTML is the inline markup of paragraphs, headings and quotes, and the
	// literal text of code blocks.
	HTML string
	// Items holds inline markup per list item for KindList.
	Items []string
	Image *Image
}

// Tag returns the element name used for the block.
func (b Block) Tag() string {
	switch b.Kind {
	case KindHeading:
		lvl := b.Level
		if lvl < 1 {
			lvl = 1
		}
		if lvl > 6 {
			lvl = 6
		}
		return "h" + string(rune('0'+lvl))
	case KindList:
		if b.Ordered {
			return "ol"
		}
		return "ul"
	}
	return b.Kind.Tag()
}

// Text returns the block text with markup stripped.
func (b Block) Text() string {
	switch b.Kind {
	case KindImage:
		if b.Image != nil {
			return b.Image.Alt
		}
		return ""
	case KindCode:
		return b.HTML
	case KindList:
		parts := make([]string, 0, len(b.Items))
		for _, it := range b.Items {
			if t := StripTags(it); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, "\n")
	}
	return StripTags(b.HTML)
}

// Article is the readable content isolated from a page.
type Article struct {
	Title    string
	Author   string
	Language string
	SiteName string
	// URL is the page the article came from, kept for provenance.
	URL    string
	Blocks []Block
	// Warnings collects recoverable problems met while producing the article.
	Warnings []string
}

// Text returns the plain text of all blocks separated by blank lines.
func (a Article) Text() string {
	parts := make([]string, 0, len(a.Blocks))
	for _, b := range a.Blocks {
		if t := strings.TrimSpace(b.Text()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// WordCount counts whitespace separated words over all text blocks.
func (a Article) WordCount() int {
	n := 0
	for _, b := range a.Blocks {
		if b.Kind == KindImage {
			continue
		}
		n += len(strings.FieldsFunc(b.Text(), unicode.IsSpace))
	}
	return n
}

// Images returns pointers to every image block's image in order.
func (a Article) Images() []*Image {
	var out []*Image
	for i := range a.Blocks {
		if a.Blocks[i].Kind == KindImage && a.Blocks[i].Image != nil {
			out = append(out, a.Blocks[i].Image)
		}
	}
	return out
}

// Warn appends a warning.
func (a *Article) Warn(msg string) {
	a.Warnings = append(a.Warnings, msg)
}

// Sanitized is an Article whose blocks all passed the sanitizer's
// allow-list. Only the sanitize package constructs it.
type Sanitized struct {
	Article
}
