// Package sanitize reduces an extracted article to a safe, fixed vocabulary
// of markup that ebook readers render predictably.
package sanitize

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hyperifyio/kindlesender/internal/article"
)

// ImageMode selects how article images end up in the ebook.
type ImageMode string

const (
	// ImagesRemote keeps image URLs; the ebook builder embeds them later.
	ImagesRemote ImageMode = "remote"
	// ImagesInline downloads image bytes during sanitizing.
	ImagesInline ImageMode = "inline"
)

const (
	DefaultMaxInlineImageBytes int64 = 2 << 20
	DefaultMaxImages                 = 50
)

// supportedImageTypes are the raster formats every Kindle renders.
var supportedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// AssetFetcher downloads image bytes up to a size ceiling.
type AssetFetcher interface {
	GetAsset(ctx context.Context, url string, maxBytes int64) ([]byte, string, error)
}

// Options configure a Sanitizer. Zero values select the defaults.
type Options struct {
	AllowedTags         []string
	ImageMode           ImageMode
	MaxInlineImageBytes int64
	MaxImages           int
}

// Sanitizer applies the allow-list policy to articles. It is safe for
// concurrent use.
type Sanitizer struct {
	opts   Options
	vocab  vocabulary
	assets AssetFetcher
	log    zerolog.Logger
}

// New returns a Sanitizer. assets is only used in inline image mode.
func New(opts Options, assets AssetFetcher, logger zerolog.Logger) *Sanitizer {
	if opts.ImageMode == "" {
		opts.ImageMode = ImagesRemote
	}
	if opts.MaxInlineImageBytes <= 0 {
		opts.MaxInlineImageBytes = DefaultMaxInlineImageBytes
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = DefaultMaxImages
	}
	return &Sanitizer{opts: opts, vocab: newVocabulary(opts.AllowedTags), assets: assets, log: logger}
}

// Sanitize never fails. Markup outside the allow-list is removed or
// unwrapped, and images that cannot be kept are dropped with a warning.
// Sanitizing an already sanitized article returns it unchanged.
func (s *Sanitizer) Sanitize(ctx context.Context, a article.Article) article.Sanitized {
	out := a
	out.Title = collapse(a.Title)
	out.Author = collapse(a.Author)
	out.SiteName = collapse(a.SiteName)
	out.Warnings = append([]string(nil), a.Warnings...)
	out.Blocks = make([]article.Block, 0, len(a.Blocks))

	removed, unwrapped, images := 0, 0, 0
	for _, blk := range a.Blocks {
		if blk.Kind == article.KindImage {
			img, ok := s.image(ctx, blk.Image, images, &out)
			if !ok {
				continue
			}
			images++
			out.Blocks = append(out.Blocks, article.Block{Kind: article.KindImage, Image: img})
			continue
		}
		blocks, n, unwrap := s.block(blk)
		removed += n
		if unwrap {
			unwrapped++
		}
		out.Blocks = append(out.Blocks, blocks...)
	}

	if removed > 0 {
		s.warn(&out, fmt.Sprintf("removed %d disallowed elements", removed))
	}
	if unwrapped > 0 {
		s.warn(&out, fmt.Sprintf("unwrapped %d blocks outside the allowed tags", unwrapped))
	}
	return article.Sanitized{Article: out}
}

// block sanitizes one text block. A block whose own tag is not allowed is
// turned into paragraphs.
func (s *Sanitizer) block(blk article.Block) ([]article.Block, int, bool) {
	allowed := s.vocab.allowsBlock(blk.Tag())
	switch blk.Kind {
	case article.KindCode:
		code := article.XMLSafe(blk.HTML)
		if strings.TrimSpace(code) == "" {
			return nil, 0, false
		}
		if allowed {
			return []article.Block{{Kind: article.KindCode, HTML: code}}, 0, false
		}
		p, n := s.paragraph(html.EscapeString(code))
		return p, n, true
	case article.KindList:
		var items []string
		removed := 0
		for _, it := range blk.Items {
			clean, n := s.vocab.clean(article.XMLSafe(it))
			removed += n
			if hasText(clean) {
				items = append(items, clean)
			}
		}
		if len(items) == 0 {
			return nil, removed, false
		}
		if allowed {
			return []article.Block{{Kind: article.KindList, Ordered: blk.Ordered, Items: items}}, removed, false
		}
		out := make([]article.Block, 0, len(items))
		for _, it := range items {
			out = append(out, article.Block{Kind: article.KindParagraph, HTML: it})
		}
		return out, removed, true
	}

	clean, removed := s.vocab.clean(article.XMLSafe(blk.HTML))
	if !hasText(clean) {
		return nil, removed, false
	}
	if !allowed {
		return []article.Block{{Kind: article.KindParagraph, HTML: clean}}, removed, true
	}
	b := article.Block{Kind: blk.Kind, HTML: clean}
	if blk.Kind == article.KindHeading {
		b.Level = blk.Level
	}
	return []article.Block{b}, removed, false
}

func (s *Sanitizer) paragraph(fragment string) ([]article.Block, int) {
	clean, n := s.vocab.clean(fragment)
	if !hasText(clean) {
		return nil, n
	}
	return []article.Block{{Kind: article.KindParagraph, HTML: clean}}, n
}

// image decides whether an image survives and returns a copy of it.
func (s *Sanitizer) image(ctx context.Context, in *article.Image, kept int, a *article.Article) (*article.Image, bool) {
	if in == nil {
		return nil, false
	}
	if !s.vocab.allowsBlock("img") {
		s.warn(a, "dropped image "+in.Src+": images are not allowed")
		return nil, false
	}
	if kept >= s.opts.MaxImages {
		s.warn(a, fmt.Sprintf("dropped image %s: more than %d images", in.Src, s.opts.MaxImages))
		return nil, false
	}
	img := &article.Image{Src: in.Src, Alt: collapse(in.Alt), Data: in.Data, MediaType: in.MediaType}

	if img.Inlined() {
		if int64(len(img.Data)) > s.opts.MaxInlineImageBytes {
			s.warn(a, fmt.Sprintf("dropped image %s: %d bytes exceeds the %d byte limit", img.Src, len(img.Data), s.opts.MaxInlineImageBytes))
			return nil, false
		}
		if !supportedImageTypes[img.MediaType] {
			s.warn(a, fmt.Sprintf("dropped image %s: unsupported type %q", img.Src, img.MediaType))
			return nil, false
		}
		return img, true
	}
	if !isHTTP(img.Src) {
		s.warn(a, "dropped image "+img.Src+": not an http(s) url")
		return nil, false
	}
	if s.opts.ImageMode != ImagesInline {
		return img, true
	}
	if s.assets == nil {
		s.warn(a, "dropped image "+img.Src+": no way to download images")
		return nil, false
	}
	data, mediaType, err := s.assets.GetAsset(ctx, img.Src, s.opts.MaxInlineImageBytes)
	if err != nil {
		s.warn(a, fmt.Sprintf("dropped image %s: %v", img.Src, err))
		return nil, false
	}
	if !supportedImageTypes[mediaType] {
		s.warn(a, fmt.Sprintf("dropped image %s: unsupported type %q", img.Src, mediaType))
		return nil, false
	}
	img.Data, img.MediaType = data, mediaType
	return img, true
}

func (s *Sanitizer) warn(a *article.Article, msg string) {
	s.log.Warn().Str("url", a.URL).Msg(msg)
	a.Warn(msg)
}

func hasText(fragment string) bool {
	return strings.TrimSpace(article.StripTags(fragment)) != ""
}

func isHTTP(u string) bool {
	l := strings.ToLower(u)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// collapse also drops characters XML cannot carry.
func collapse(s string) string {
	return strings.Join(strings.Fields(article.XMLSafe(s)), " ")
}
