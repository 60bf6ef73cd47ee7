package article

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderHTML_WellFormedFragment(t *testing.T) {
	blocks := []Block{
		{Kind: KindHeading, Level: 2, HTML: "Section <em>one"},
		{Kind: KindParagraph, HTML: "Line<br>break &amp; more"},
		{Kind: KindList, Ordered: true, Items: []string{"first", "<strong>second</strong>"}},
		{Kind: KindImage, Image: &Image{Src: "https://example.com/a.png", Alt: "A"}},
		{Kind: KindCode, HTML: "if a < b {\n}"},
	}
	out := RenderHTML(blocks, nil)
	for _, want := range []string{
		"<h2>Section <em>one</em></h2>",
		"<br/>",
		"&amp; more",
		"<ol><li>first</li><li><strong>second</strong></li></ol>",
		`<img src="https://example.com/a.png" alt="A"/>`,
		"<pre><code>if a &lt; b {\n}</code></pre>",
	} {
		assert.Contains(t, out, want)
	}
}

func TestRenderHTML_DropsControlCharacters(t *testing.T) {
	blocks := []Block{
		{Kind: KindParagraph, HTML: "bad\x0bvertical\x01tab"},
		{Kind: KindCode, HTML: "x\x00 := 1"},
		{Kind: KindImage, Image: &Image{Src: "https://example.com/a.png", Alt: "Map\x07"}},
	}
	out := RenderHTML(blocks, nil)
	assert.Contains(t, out, "<p>badverticaltab</p>")
	assert.Contains(t, out, "x := 1")
	assert.Contains(t, out, `alt="Map"`)
	assert.Equal(t, XMLSafe(out), out)
}

func TestXMLSafe(t *testing.T) {
	cases := map[string]string{
		"plain":                 "plain",
		"tab\tnewline\ncr\r":    "tab\tnewline\ncr\r",
		"a\x00b\x01c\x0bd\x1fe": "abcde",
		"caf\u00e9 \U0001F30A":  "caf\u00e9 \U0001F30A",
		"nonchar\uFFFE\uFFFF":   "nonchar",
		"bad utf8 \xff end":     "bad utf8 \uFFFD end",
		"":                      "",
	}
	for in, want := range cases {
		assert.Equal(t, want, XMLSafe(in), "%q", in)
	}
}

func TestRenderHTML_ImageSrcFuncCanOmit(t *testing.T) {
	blocks := []Block{{Kind: KindImage, Image: &Image{Src: "https://example.com/a.png"}}}
	out := RenderHTML(blocks, func(*Image) string { return "" })
	assert.NotContains(t, out, "<img")
}

func TestStripTags_SkipsScript(t *testing.T) {
	assert.Equal(t, "Hello world", StripTags(`Hello <script>alert("x")</script><b>world</b>`))
}

func TestWordCount(t *testing.T) {
	a := Article{Blocks: []Block{
		{Kind: KindParagraph, HTML: "one two <a href='#'>three</a>"},
		{Kind: KindList, Items: []string{"four", "five six"}},
		{Kind: KindImage, Image: &Image{Alt: "not counted"}},
	}}
	assert.Equal(t, 6, a.WordCount())
}

func TestSourceUTF8_DecodesLatin1(t *testing.T) {
	src := Source{Body: []byte{'c', 'a', 'f', 0xe9}, Encoding: "windows-1252"}
	assert.Equal(t, "café", string(src.UTF8()))

	unknown := Source{Body: []byte("raw"), Encoding: "no-such-charset"}
	assert.Equal(t, "raw", string(unknown.UTF8()), "unknown label returns raw bytes")
}

func TestMarkdown_IncludesTitleAndBody(t *testing.T) {
	a := Article{Title: "Ocean Currents", Blocks: []Block{{Kind: KindParagraph, HTML: "Water <strong>moves</strong>."}}}
	out, err := Markdown(a)
	require.NoError(t, err)
	assert.Regexp(t, `^# Ocean Currents`, out)
	assert.Contains(t, out, "**moves**")
}
