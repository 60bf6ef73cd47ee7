package sanitize

import (
	"bytes"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// DefaultAllowedTags is the tag vocabulary used when none is configured.
var DefaultAllowedTags = []string{
	"p", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "li", "blockquote", "pre", "img",
	"a", "abbr", "b", "br", "cite", "code", "del", "em", "i", "ins", "kbd", "mark", "q",
	"s", "small", "span", "strong", "sub", "sup", "time", "u", "var",
}

// removedWithContent lists elements that are dropped together with
// everything inside them, whatever the allow-list says.
var removedWithContent = []string{
	"script", "style", "form", "iframe", "object", "embed", "noscript", "button",
	"input", "select", "textarea", "svg", "canvas", "template",
}

// blockTags are the tags a Block can render as.
var blockTags = map[string]bool{
	"p": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "blockquote": true, "pre": true, "img": true,
}

type vocabulary struct {
	blocks map[string]bool
	inline map[string]bool
	policy *bluemonday.Policy
}

func newVocabulary(allowed []string) vocabulary {
	if len(allowed) == 0 {
		allowed = DefaultAllowedTags
	}
	v := vocabulary{blocks: map[string]bool{"p": true}, inline: map[string]bool{}}
	forbidden := map[string]bool{}
	for _, t := range removedWithContent {
		forbidden[t] = true
	}
	for _, t := range allowed {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || forbidden[t] {
			continue
		}
		if blockTags[t] {
			v.blocks[t] = true
			continue
		}
		v.inline[t] = true
	}
	v.policy = inlinePolicy(v.inline)
	return v
}

func inlinePolicy(inline map[string]bool) *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.SkipElementsContent(removedWithContent...)
	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto")
	for tag := range inline {
		p.AllowElements(tag)
	}
	if inline["a"] {
		p.AllowAttrs("href").OnElements("a")
		p.AllowAttrs("title").OnElements("a")
	}
	if inline["abbr"] {
		p.AllowAttrs("title").OnElements("abbr")
	}
	if inline["time"] {
		p.AllowAttrs("datetime").OnElements("time")
	}
	return p
}

// allowsBlock reports whether a block rendered as tag may stay as is.
func (v vocabulary) allowsBlock(tag string) bool {
	switch tag {
	case "ul", "ol":
		return v.blocks[tag] && v.blocks["li"]
	}
	return v.blocks[tag]
}

// clean sanitizes inline markup and reports how many disallowed elements
// the input carried.
func (v vocabulary) clean(fragment string) (string, int) {
	if fragment == "" {
		return "", 0
	}
	out := strings.TrimSpace(v.policy.Sanitize(fragment))
	return out, v.countDisallowed(fragment)
}

func (v vocabulary) countDisallowed(fragment string) int {
	n := 0
	z := html.NewTokenizer(bytes.NewReader([]byte(fragment)))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return n
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if !v.inline[string(name)] {
				n++
			}
		}
	}
}
