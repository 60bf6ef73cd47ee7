package sanitize

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/kindlesender/internal/article"
)

type fakeAssets struct {
	files map[string][]byte
	types map[string]string
	calls int
}

func (f *fakeAssets) GetAsset(_ context.Context, url string, maxBytes int64) ([]byte, string, error) {
	f.calls++
	data, ok := f.files[url]
	if !ok {
		return nil, "", errors.New("not found")
	}
	if int64(len(data)) > maxBytes {
		return nil, "", errors.New("body too large")
	}
	return data, f.types[url], nil
}

func sample() article.Article {
	return article.Article{
		Title: "  Ocean   Currents ",
		URL:   "https://example.com/a",
		Blocks: []article.Block{
			{Kind: article.KindHeading, Level: 2, HTML: `Drivers <span onclick="x()">of flow</span>`},
			{Kind: article.KindParagraph, HTML: `Warm water <script>alert(1)</script><a href="https://example.com/ref" onmouseover="y()" style="color:red">moves</a> <a href="javascript:evil()">north</a>.`},
			{Kind: article.KindParagraph, HTML: `<iframe src="https://ads.example.com"></iframe><style>p{}</style>`},
			{Kind: article.KindList, Items: []string{`<b>one</b>`, `<form><input value="x"></form>`, `two <img src="x.png">`}},
			{Kind: article.KindQuote, HTML: `A <custom-tag>quoted</custom-tag> line`},
			{Kind: article.KindCode, HTML: "if a < b {\n\treturn\n}"},
			{Kind: article.KindImage, Image: &article.Image{Src: "https://example.com/map.png", Alt: " Map  "}},
		},
	}
}

func TestSanitize_RemovesExecutableContent(t *testing.T) {
	s := New(Options{}, nil, zerolog.Nop())
	out := s.Sanitize(context.Background(), sample())

	assert.Equal(t, "Ocean Currents", out.Title)
	require.Len(t, out.Blocks, 6, "empty iframe/style block is dropped")

	for _, b := range out.Blocks {
		for _, frag := range append([]string{b.HTML}, b.Items...) {
			lower := strings.ToLower(frag)
			for _, bad := range []string{"<script", "alert(", "onclick", "onmouseover", "style=", "javascript:", "<iframe", "<form", "<input", "<img"} {
				if b.Kind == article.KindCode {
					continue
				}
				assert.NotContains(t, lower, bad, "block %s", b.Kind)
			}
		}
	}
	assert.Equal(t, `Drivers <span>of flow</span>`, out.Blocks[0].HTML)
	assert.Contains(t, out.Blocks[1].HTML, `<a href="https://example.com/ref">moves</a>`)
	assert.Contains(t, out.Blocks[1].HTML, "north")
	assert.Equal(t, []string{"<b>one</b>", "two"}, out.Blocks[2].Items)
	assert.Equal(t, "A quoted line", out.Blocks[3].HTML)
	assert.Equal(t, "if a < b {\n\treturn\n}", out.Blocks[4].HTML)
	assert.Equal(t, "Map", out.Blocks[5].Image.Alt)
	assert.NotEmpty(t, out.Warnings)
}

func TestSanitize_Idempotent(t *testing.T) {
	assets := &fakeAssets{
		files: map[string][]byte{"https://example.com/map.png": []byte("png-bytes")},
		types: map[string]string{"https://example.com/map.png": "image/png"},
	}
	for _, opts := range []Options{
		{},
		{ImageMode: ImagesInline},
		{AllowedTags: []string{"p", "em", "a"}},
		{MaxImages: 1},
	} {
		s := New(opts, assets, zerolog.Nop())
		once := s.Sanitize(context.Background(), sample())
		twice := s.Sanitize(context.Background(), once.Article)
		assert.Equal(t, once, twice, "options %+v", opts)
	}
}

func TestSanitize_DropsCharactersXMLForbids(t *testing.T) {
	in := article.Article{
		Title:  "Ctl\x01 title",
		Author: "Ada\x0b Lovelace",
		URL:    "https://example.com/ctl",
		Blocks: []article.Block{
			{Kind: article.KindParagraph, HTML: "bad\x0bvertical\x01tab <em>ok\x1b</em>"},
			{Kind: article.KindList, Items: []string{"one\x1f", "\x02"}},
			{Kind: article.KindCode, HTML: "x\x00 := 1"},
			{Kind: article.KindImage, Image: &article.Image{Src: "https://example.com/a.png", Alt: "Map\x07"}},
		},
	}
	s := New(Options{}, nil, zerolog.Nop())
	out := s.Sanitize(context.Background(), in)

	assert.Equal(t, "Ctl title", out.Title)
	assert.Equal(t, "Ada Lovelace", out.Author)
	require.Len(t, out.Blocks, 4)
	assert.Equal(t, "badverticaltab <em>ok</em>", out.Blocks[0].HTML)
	assert.Equal(t, []string{"one"}, out.Blocks[1].Items)
	assert.Equal(t, "x := 1", out.Blocks[2].HTML)
	assert.Equal(t, "Map", out.Blocks[3].Image.Alt)
	for _, b := range out.Blocks {
		for _, frag := range append([]string{b.HTML}, b.Items...) {
			assert.Equal(t, article.XMLSafe(frag), frag)
		}
	}

	twice := s.Sanitize(context.Background(), out.Article)
	assert.Equal(t, out, twice)
}

func TestSanitize_UnwrapsDisallowedBlocks(t *testing.T) {
	s := New(Options{AllowedTags: []string{"p", "em"}}, nil, zerolog.Nop())
	out := s.Sanitize(context.Background(), sample())

	for _, b := range out.Blocks {
		assert.Equal(t, article.KindParagraph, b.Kind)
		assert.NotContains(t, b.HTML, "<a ")
		assert.NotContains(t, b.HTML, "<span")
	}
	var texts []string
	for _, b := range out.Blocks {
		texts = append(texts, b.Text())
	}
	joined := strings.Join(texts, "|")
	assert.Contains(t, joined, "Drivers of flow")
	assert.Contains(t, joined, "one|two")
	assert.Contains(t, joined, "if a < b")
	assert.Contains(t, strings.Join(out.Warnings, "\n"), "images are not allowed")
}

func TestSanitize_InlineImages(t *testing.T) {
	small := []byte("small-png")
	big := bytes.Repeat([]byte{1}, 4096)
	assets := &fakeAssets{
		files: map[string][]byte{
			"https://example.com/small.png": small,
			"https://example.com/big.png":   big,
			"https://example.com/doc.svg":   []byte("<svg/>"),
		},
		types: map[string]string{
			"https://example.com/small.png": "image/png",
			"https://example.com/big.png":   "image/png",
			"https://example.com/doc.svg":   "image/svg+xml",
		},
	}
	a := article.Article{URL: "https://example.com/a", Blocks: []article.Block{
		{Kind: article.KindParagraph, HTML: "text"},
		{Kind: article.KindImage, Image: &article.Image{Src: "https://example.com/small.png"}},
		{Kind: article.KindImage, Image: &article.Image{Src: "https://example.com/big.png"}},
		{Kind: article.KindImage, Image: &article.Image{Src: "https://example.com/doc.svg"}},
		{Kind: article.KindImage, Image: &article.Image{Src: "https://example.com/missing.png"}},
	}}

	s := New(Options{ImageMode: ImagesInline, MaxInlineImageBytes: 1024}, assets, zerolog.Nop())
	out := s.Sanitize(context.Background(), a)

	imgs := out.Images()
	require.Len(t, imgs, 1)
	assert.Equal(t, small, imgs[0].Data)
	assert.Equal(t, "image/png", imgs[0].MediaType)
	require.Len(t, out.Warnings, 3)
	assert.Contains(t, out.Warnings[0], "big.png")
	assert.Contains(t, out.Warnings[1], "unsupported type")
	assert.Contains(t, out.Warnings[2], "missing.png")

	// the input article is not modified
	assert.False(t, a.Blocks[1].Image.Inlined())
}

func TestSanitize_ImageCapAndSchemes(t *testing.T) {
	a := article.Article{Blocks: []article.Block{
		{Kind: article.KindImage, Image: &article.Image{Src: "https://example.com/1.png"}},
		{Kind: article.KindImage, Image: &article.Image{Src: "ftp://example.com/2.png"}},
		{Kind: article.KindImage, Image: &article.Image{Src: "https://example.com/3.png"}},
		{Kind: article.KindImage, Image: &article.Image{Src: "https://example.com/4.png"}},
	}}
	s := New(Options{MaxImages: 2}, nil, zerolog.Nop())
	out := s.Sanitize(context.Background(), a)
	imgs := out.Images()
	require.Len(t, imgs, 2)
	assert.Equal(t, "https://example.com/3.png", imgs[1].Src)
	assert.Len(t, out.Warnings, 2)
}

func TestSanitize_KeepsExistingWarnings(t *testing.T) {
	a := article.Article{Warnings: []string{"character encoding guessed as windows-1252"}, Blocks: []article.Block{
		{Kind: article.KindParagraph, HTML: "plain <em>text</em>"},
	}}
	out := New(Options{}, nil, zerolog.Nop()).Sanitize(context.Background(), a)
	assert.Equal(t, a.Warnings, out.Warnings)
	assert.Equal(t, "plain <em>text</em>", out.Blocks[0].HTML)
}
