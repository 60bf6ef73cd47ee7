package ebook

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	epub "github.com/go-shiori/go-epub"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hyperifyio/kindlesender/internal/article"
)

const (
	DefaultMaxImageBytes int64 = 2 << 20
	DefaultLanguage            = "en"
	UntitledTitle              = "Untitled article"

	excerptChars = 1200

	chapterFile = "chapter.xhtml"
)

const stylesheet = `body { font-family: serif; line-height: 1.4; margin: 0 0.5em; }
h1 { font-size: 1.6em; margin: 0.5em 0; }
h2 { font-size: 1.3em; } h3 { font-size: 1.15em; } h4, h5, h6 { font-size: 1em; }
p { margin: 0 0 0.8em 0; text-align: justify; }
p.byline, p.source { font-style: italic; text-align: left; }
p.image { text-align: center; }
img { max-width: 100%; }
blockquote { margin: 0.5em 1.5em; font-style: italic; }
pre { font-family: monospace; font-size: 0.85em; white-space: pre-wrap; }
`

var imageExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// buildSeq makes identifiers unique for builds within the same nanosecond.
var buildSeq atomic.Uint64

// AssetFetcher downloads image bytes up to a size ceiling.
type AssetFetcher interface {
	GetAsset(ctx context.Context, url string, maxBytes int64) ([]byte, string, error)
}

// Options configure a Builder. Zero values select the defaults.
type Options struct {
	Format          Format
	MaxImageBytes   int64
	DefaultLanguage string
}

// Builder assembles packages from sanitized articles. It holds no per-run
// state and is safe for concurrent use.
type Builder struct {
	opts   Options
	assets AssetFetcher
	log    zerolog.Logger
	now    func() time.Time
}

// NewBuilder returns a Builder. assets may be nil, in which case images
// that are not already embedded are left out.
func NewBuilder(opts Options, assets AssetFetcher, logger zerolog.Logger) *Builder {
	if opts.Format == "" {
		opts.Format = FormatEPUB
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = DefaultMaxImageBytes
	}
	if strings.TrimSpace(opts.DefaultLanguage) == "" {
		opts.DefaultLanguage = DefaultLanguage
	}
	return &Builder{opts: opts, assets: assets, log: logger, now: time.Now}
}

// Build produces a single-chapter package from a. EPUB output is checked
// with Validate before it is returned.
func (b *Builder) Build(ctx context.Context, a article.Sanitized) (*Package, error) {
	title := strings.TrimSpace(article.XMLSafe(a.Title))
	if title == "" {
		title = UntitledTitle
	}
	if len(a.Blocks) == 0 {
		return nil, &PackagingError{Title: title, Err: ErrEmptyArticle}
	}
	lang := strings.TrimSpace(a.Language)
	if lang == "" {
		lang = b.opts.DefaultLanguage
	}

	builtAt := b.now()
	pkg := &Package{
		Title:      title,
		Author:     strings.TrimSpace(article.XMLSafe(a.Author)),
		Identifier: newIdentifier(a.URL, builtAt),
		Language:   lang,
		Format:     b.opts.Format,
		Filename:   Slug(title) + "." + b.opts.Format.Extension(),
		Source:     a.URL,
		Excerpt:    article.Excerpt(a.Article, excerptChars),
		BuiltAt:    builtAt,
		Warnings:   append([]string(nil), a.Warnings...),
	}

	images := b.collectImages(ctx, a.Article, pkg)

	var err error
	switch b.opts.Format {
	case FormatPDF:
		pkg.Data, err = renderPDF(a.Article, pkg, images)
	default:
		pkg.Data, err = b.renderEPUB(a.Article, pkg, images)
	}
	if err != nil {
		return nil, &PackagingError{Title: title, Err: err}
	}
	if pkg.Format == FormatEPUB {
		report, err := Inspect(pkg.Data)
		if err == nil {
			err = report.Check()
		}
		if err != nil {
			return nil, &PackagingError{Title: title, Err: err}
		}
		pkg.Resources = report.Files
	}
	b.log.Debug().Str("url", a.URL).Str("identifier", pkg.Identifier).Str("format", string(pkg.Format)).
		Int("bytes", len(pkg.Data)).Int("images", len(images)).Msg("built ebook")
	return pkg, nil
}

// collectImages resolves image bytes for every image block. Images that
// cannot be embedded are left out with a warning.
func (b *Builder) collectImages(ctx context.Context, a article.Article, pkg *Package) map[*article.Image]*article.Image {
	out := map[*article.Image]*article.Image{}
	for _, img := range a.Images() {
		resolved, err := b.resolveImage(ctx, img)
		if err != nil {
			msg := fmt.Sprintf("dropped image %s: %v", img.Src, err)
			b.log.Warn().Str("url", a.URL).Msg(msg)
			pkg.Warnings = append(pkg.Warnings, msg)
			continue
		}
		out[img] = resolved
	}
	return out
}

func (b *Builder) resolveImage(ctx context.Context, img *article.Image) (*article.Image, error) {
	data, mediaType := img.Data, img.MediaType
	if !img.Inlined() {
		if b.assets == nil {
			return nil, fmt.Errorf("image is not embedded")
		}
		var err error
		data, mediaType, err = b.assets.GetAsset(ctx, img.Src, b.opts.MaxImageBytes)
		if err != nil {
			return nil, err
		}
	}
	if int64(len(data)) > b.opts.MaxImageBytes {
		return nil, fmt.Errorf("%d bytes exceeds the %d byte limit", len(data), b.opts.MaxImageBytes)
	}
	if _, ok := imageExtensions[mediaType]; !ok {
		return nil, fmt.Errorf("unsupported type %q", mediaType)
	}
	return &article.Image{Src: img.Src, Alt: img.Alt, Data: data, MediaType: mediaType}, nil
}

func (b *Builder) renderEPUB(a article.Article, pkg *Package, images map[*article.Image]*article.Image) ([]byte, error) {
	book, err := epub.NewEpub(pkg.Title)
	if err != nil {
		return nil, fmt.Errorf("new epub: %w", err)
	}
	book.SetLang(pkg.Language)
	book.SetIdentifier(pkg.Identifier)
	if pkg.Author != "" {
		book.SetAuthor(pkg.Author)
	}
	if a.URL != "" {
		book.SetDescription("Saved from " + a.URL)
	}

	cssPath, err := book.AddCSS(dataURL("text/css", []byte(stylesheet)), "style.css")
	if err != nil {
		return nil, fmt.Errorf("add stylesheet: %w", err)
	}

	paths := map[*article.Image]string{}
	n := 0
	for _, img := range a.Images() {
		resolved, ok := images[img]
		if !ok {
			continue
		}
		n++
		name := fmt.Sprintf("image%03d.%s", n, imageExtensions[resolved.MediaType])
		p, err := book.AddImage(dataURL(resolved.MediaType, resolved.Data), name)
		if err != nil {
			return nil, fmt.Errorf("add image %s: %w", img.Src, err)
		}
		paths[img] = p
	}

	body := chapterBody(a, pkg, func(img *article.Image) string { return paths[img] })
	if _, err := book.AddSection(body, pkg.Title, chapterFile, cssPath); err != nil {
		return nil, fmt.Errorf("add chapter: %w", err)
	}

	var buf bytes.Buffer
	if _, err := book.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write epub: %w", err)
	}
	return buf.Bytes(), nil
}

// chapterBody renders the XHTML body of the single chapter: the title,
// byline, article blocks and a source note.
func chapterBody(a article.Article, pkg *Package, src article.ImageSrcFunc) string {
	head := []article.Block{{Kind: article.KindHeading, Level: 1, HTML: escape(pkg.Title)}}
	var b strings.Builder
	b.WriteString(article.RenderHTML(head, nil))
	if pkg.Author != "" {
		b.WriteString(`<p class="byline">` + escape(pkg.Author) + "</p>\n")
	}
	b.WriteString(article.RenderHTML(a.Blocks, src))
	if a.URL != "" {
		u := escape(a.URL)
		b.WriteString(`<p class="source">Source: <a href="` + u + `">` + u + "</a></p>\n")
	}
	return b.String()
}

func newIdentifier(sourceURL string, at time.Time) string {
	name := fmt.Sprintf("%s|%d|%d", sourceURL, at.UnixNano(), buildSeq.Add(1))
	return "urn:uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func dataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;", "'", "&#39;")

func escape(s string) string { return escaper.Replace(s) }
