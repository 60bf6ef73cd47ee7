package extract

import (
	"bytes"
	"math"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/hyperifyio/kindlesender/internal/article"
)

const (
	DefaultMinTextChars   = 250
	DefaultMaxLinkDensity = 0.5

	minParagraphChars = 25
)

var (
	unlikelyRe = regexp.MustCompile(`(?i)-ad-|ad-break|agegate|banner|breadcrumb|combx|comment|community|cover-wrap|disqus|extra|footer|gdpr|legends|menu|newsletter|pager|pagination|popup|promo|related|remark|replies|rss|share|shoutbox|sidebar|skyscraper|social|sponsor|subscribe|supplemental|yom-remote`)
	maybeRe    = regexp.MustCompile(`(?i)and|article|body|column|content|main|shadow`)
	positiveRe = regexp.MustCompile(`(?i)article|body|content|entry|hentry|h-entry|main|page|pagination|post|story|text|blog`)
	negativeRe = regexp.MustCompile(`(?i)-ad-|hidden|^hid$| hid$| hid |^hid |banner|combx|comment|com-|contact|foot|footer|footnote|gdpr|masthead|media|meta|outbrain|promo|related|scroll|share|shoutbox|sidebar|skyscraper|sponsor|shopping|tags|tool|widget`)
	titleSeps  = []string{" | ", " - ", " – ", " — ", " :: ", " » ", " / "}
)

// FromHTML extracts the main article from an HTML page using default
// thresholds. pageURL is used to resolve relative image references.
func FromHTML(input []byte, pageURL string) (article.Article, error) {
	return Heuristic{}.Extract(article.Source{URL: pageURL, Body: input, Encoding: "utf-8"})
}

// Extract isolates the main article of src. It scores candidate containers
// by text length, text-to-markup density and link density, keeps the best
// one plus closely related siblings, and converts it into ordered blocks.
// Inline markup is copied verbatim; sanitizing it is a later stage.
func (h Heuristic) Extract(src article.Source) (article.Article, error) {
	minChars := h.MinTextChars
	if minChars <= 0 {
		minChars = DefaultMinTextChars
	}
	maxLinks := h.MaxLinkDensity
	if maxLinks <= 0 {
		maxLinks = DefaultMaxLinkDensity
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(src.UTF8()))
	if err != nil {
		return article.Article{}, &Error{Kind: KindNoArticleFound, URL: src.URL, Err: err}
	}
	base, _ := url.Parse(src.BaseURL())

	meta := readMetadata(doc)
	prune(doc)

	top, score := pickCandidate(doc)
	if top == nil {
		return article.Article{}, &Error{Kind: KindNoArticleFound, URL: src.URL, Detail: "no candidate content"}
	}
	textLen := len(textOf(top))
	density := linkDensity(top)
	h.Logger.Debug().Str("url", src.URL).Str("tag", top.Data).Float64("score", score).
		Int("chars", textLen).Float64("link_density", density).Msg("selected article candidate")
	if textLen < minChars {
		return article.Article{}, &Error{Kind: KindNoArticleFound, URL: src.URL, Detail: "best candidate below text threshold"}
	}
	if density > maxLinks {
		return article.Article{}, &Error{Kind: KindNoArticleFound, URL: src.URL, Detail: "best candidate is mostly links"}
	}

	nodes := withSiblings(top, score)
	conv := &converter{base: base}
	for _, n := range nodes {
		conv.node(n)
	}
	conv.flush()

	a := article.Article{
		Title:    meta.title,
		Author:   meta.author,
		Language: meta.language,
		SiteName: meta.siteName,
		URL:      src.URL,
		Blocks:   conv.blocks,
	}
	if a.Title == "" {
		a.Title = firstHeading(doc)
	}
	a.Blocks = dropTitleHeading(a.Blocks, a.Title)
	if !hasText(a.Blocks) {
		return article.Article{}, &Error{Kind: KindNoArticleFound, URL: src.URL, Detail: "selected content has no text blocks"}
	}
	if !src.EncodingCertain && src.Encoding != "" {
		a.Warn("character encoding guessed as " + src.Encoding)
	}
	return a, nil
}

// prune drops elements that never hold article text.
func prune(doc *goquery.Document) {
	doc.Find("nav, footer, aside, iframe, noscript, template, object, embed, svg, canvas, dialog, button, select, textarea, input, link, meta").Remove()
	doc.Find("[hidden], [aria-hidden=true], [role=navigation], [role=complementary], [role=dialog]").Remove()
	var drop []*html.Node
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		n := s.Nodes[0]
		switch n.Data {
		case "body", "article", "main", "a", "table", "tbody", "tr", "td", "th", "code", "pre":
			return
		}
		if isBoilerplateContainer(n) {
			drop = append(drop, n)
			return
		}
		sig := attr(n, "class") + " " + attr(n, "id")
		if strings.TrimSpace(sig) == "" {
			return
		}
		if unlikelyRe.MatchString(sig) && !maybeRe.MatchString(sig) {
			drop = append(drop, n)
		}
	})
	for _, n := range drop {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

type candidate struct {
	node  *html.Node
	score float64
}

// pickCandidate returns the best-scoring container and its final score.
func pickCandidate(doc *goquery.Document) (*html.Node, float64) {
	scores := map[*html.Node]*candidate{}
	var order []*html.Node
	ensure := func(n *html.Node) *candidate {
		if c, ok := scores[n]; ok {
			return c
		}
		c := &candidate{node: n, score: tagWeight(n) + classWeight(n)}
		scores[n] = c
		order = append(order, n)
		return c
	}

	doc.Find("p, pre, td, blockquote, div, section").Each(func(_ int, s *goquery.Selection) {
		n := s.Nodes[0]
		if (n.Data == "div" || n.Data == "section") && hasBlockChild(n) {
			return
		}
		text := textOf(n)
		if len(text) < minParagraphChars {
			return
		}
		score := 1.0 + float64(strings.Count(text, ",")) + math.Min(float64(len(text))/100, 3)
		parent := n.Parent
		for level := 0; parent != nil && parent.Type == html.ElementNode && level < 3; level++ {
			if parent.Data == "html" {
				break
			}
			div := 1.0
			switch level {
			case 1:
				div = 2
			case 2:
				div = float64(level) * 3
			}
			ensure(parent).score += score / div
			parent = parent.Parent
		}
	})

	// Pages with no scorable paragraphs still get a chance through their
	// main landmarks.
	if len(order) == 0 {
		for _, sel := range []string{"article", "main", "[role=main]", "body"} {
			if s := doc.Find(sel).First(); s.Length() > 0 {
				ensure(s.Nodes[0])
				break
			}
		}
	}

	var best *candidate
	for _, n := range order {
		c := scores[n]
		c.score = c.score * (1 - linkDensity(n)) * (0.5 + math.Min(textDensity(n), 1))
		if best == nil || c.score > best.score {
			best = c
		}
	}
	if best == nil {
		return nil, 0
	}
	// A lone child of a container rarely is the whole article
	node := best.node
	for node.Parent != nil && node.Parent.Type == html.ElementNode && node.Parent.Data != "body" && node.Parent.Data != "html" && elementChildren(node.Parent) == 1 {
		node = node.Parent
	}
	return node, best.score
}

// withSiblings returns top plus siblings that look like continuation of the
// same article.
func withSiblings(top *html.Node, score float64) []*html.Node {
	if top.Parent == nil || top.Data == "body" {
		return []*html.Node{top}
	}
	threshold := math.Max(10, score*0.2)
	var out []*html.Node
	for s := top.Parent.FirstChild; s != nil; s = s.NextSibling {
		if s.Type != html.ElementNode {
			continue
		}
		if s == top {
			out = append(out, s)
			continue
		}
		if s.Data == "p" {
			text := textOf(s)
			ld := linkDensity(s)
			if (len(text) > 80 && ld < 0.25) || (len(text) > 0 && len(text) <= 80 && ld == 0 && strings.Contains(text, ". ")) {
				out = append(out, s)
			}
			continue
		}
		sibScore := (tagWeight(s) + classWeight(s) + paragraphScore(s)) * (1 - linkDensity(s))
		if sibScore >= threshold && classWeight(s) >= 0 {
			out = append(out, s)
		}
	}
	return out
}

func paragraphScore(n *html.Node) float64 {
	total := 0.0
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.ElementNode && c.Data == "p" {
			text := textOf(c)
			if len(text) >= minParagraphChars {
				total += 1 + float64(strings.Count(text, ",")) + math.Min(float64(len(text))/100, 3)
			}
			return
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return total
}

func tagWeight(n *html.Node) float64 {
	switch n.Data {
	case "article":
		return 10
	case "main":
		return 8
	case "div":
		return 5
	case "pre", "td", "blockquote":
		return 3
	case "address", "ol", "ul", "dl", "dd", "dt", "li", "form":
		return -3
	case "h1", "h2", "h3", "h4", "h5", "h6", "th":
		return -5
	}
	return 0
}

func classWeight(n *html.Node) float64 {
	w := 0.0
	for _, v := range []string{attr(n, "class"), attr(n, "id")} {
		if v == "" {
			continue
		}
		if negativeRe.MatchString(v) {
			w -= 25
		}
		if positiveRe.MatchString(v) {
			w += 25
		}
	}
	if attr(n, "role") == "main" || attr(n, "itemprop") == "articleBody" {
		w += 25
	}
	return w
}

// linkDensity is the share of text that sits inside links.
func linkDensity(n *html.Node) float64 {
	total := len(textOf(n))
	if total == 0 {
		return 0
	}
	linked := 0
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.ElementNode && c.Data == "a" {
			w := 1.0
			if strings.HasPrefix(strings.TrimSpace(attr(c, "href")), "#") {
				w = 0.3
			}
			linked += int(float64(len(textOf(c))) * w)
			return
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return float64(linked) / float64(total)
}

// textDensity is the ratio of visible text to serialized markup.
func textDensity(n *html.Node) float64 {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil || buf.Len() == 0 {
		return 0
	}
	return float64(len(textOf(n))) / float64(buf.Len())
}

func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.Data {
		case "p", "div", "section", "article", "table", "ul", "ol", "pre", "blockquote", "h1", "h2", "h3", "h4", "h5", "h6", "figure", "dl":
			return true
		}
	}
	return false
}

func elementChildren(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			count++
		}
	}
	return count
}

// textOf returns the visible text of n with whitespace collapsed. Script
// and style bodies are not visible text.
func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			b.WriteString(c.Data)
			b.WriteByte(' ')
			return
		case html.ElementNode:
			switch c.Data {
			case "script", "style", "noscript", "template":
				return
			}
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return collapseSpaces(strings.TrimSpace(b.String()))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// isBoilerplateContainer returns true if the element looks like a cookie/consent banner.
func isBoilerplateContainer(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	// Check id and class attributes for common markers
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		if key != "id" && key != "class" && !strings.HasPrefix(key, "data-") && key != "aria-label" && key != "role" {
			continue
		}
		val := strings.ToLower(a.Val)
		if containsAny(val, []string{"cookie", "consent", "gdpr", "paywall", "newsletter-signup"}) {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func collapseSpaces(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ' ' {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return b.String()
}

type metadata struct {
	title    string
	author   string
	language string
	siteName string
}

func readMetadata(doc *goquery.Document) metadata {
	var m metadata
	metaContent := func(selectors ...string) string {
		for _, sel := range selectors {
			if v, ok := doc.Find(sel).First().Attr("content"); ok {
				if v = collapseSpaces(strings.TrimSpace(v)); v != "" {
					return v
				}
			}
		}
		return ""
	}

	m.title = metaContent(`meta[property="og:title"]`, `meta[name="twitter:title"]`, `meta[property="twitter:title"]`, `meta[name="title"]`, `meta[name="dc.title"]`)
	if m.title == "" {
		m.title = cleanTitle(collapseSpaces(strings.TrimSpace(doc.Find("head title").First().Text())))
	}

	m.author = metaContent(`meta[name="author"]`, `meta[property="article:author"]`, `meta[name="dc.creator"]`, `meta[name="parsely-author"]`)
	if strings.HasPrefix(m.author, "http://") || strings.HasPrefix(m.author, "https://") {
		m.author = ""
	}
	if m.author == "" {
		for _, sel := range []string{`[rel="author"]`, `[itemprop="author"] [itemprop="name"]`, `[itemprop="author"]`, `.byline`, `.author`} {
			t := collapseSpaces(strings.TrimSpace(doc.Find(sel).First().Text()))
			if t != "" && len(t) < 100 {
				m.author = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(t, "By "), "by "))
				break
			}
		}
	}

	if lang, ok := doc.Find("html").First().Attr("lang"); ok && strings.TrimSpace(lang) != "" {
		m.language = strings.TrimSpace(lang)
	} else if v := metaContent(`meta[http-equiv="content-language"]`, `meta[property="og:locale"]`); v != "" {
		m.language = strings.ReplaceAll(v, "_", "-")
	}
	m.siteName = metaContent(`meta[property="og:site_name"]`, `meta[name="application-name"]`)
	return m
}

// cleanTitle strips the site name from a document title. Of the parts
// around the separator it keeps the one with more words, and gives up when
// that part is a single word.
func cleanTitle(t string) string {
	for _, sep := range titleSeps {
		first, last := strings.Index(t, sep), strings.LastIndex(t, sep)
		if first <= 0 {
			continue
		}
		head := strings.TrimSpace(t[:last])
		tail := strings.TrimSpace(t[first+len(sep):])
		pick := head
		if len(strings.Fields(tail)) > len(strings.Fields(head)) {
			pick = tail
		}
		if len(strings.Fields(pick)) >= 2 {
			return pick
		}
		return t
	}
	return t
}

func firstHeading(doc *goquery.Document) string {
	for _, tag := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		if t := collapseSpaces(strings.TrimSpace(doc.Find(tag).First().Text())); t != "" {
			return t
		}
	}
	return ""
}

func dropTitleHeading(blocks []article.Block, title string) []article.Block {
	norm := func(s string) string { return strings.ToLower(collapseSpaces(strings.TrimSpace(s))) }
	want := norm(title)
	if want == "" {
		return blocks
	}
	for i, b := range blocks {
		if b.Kind == article.KindImage {
			continue
		}
		if b.Kind == article.KindHeading && norm(b.Text()) == want {
			return append(blocks[:i:i], blocks[i+1:]...)
		}
		break
	}
	return blocks
}

func hasText(blocks []article.Block) bool {
	for _, b := range blocks {
		if b.Kind != article.KindImage && strings.TrimSpace(b.Text()) != "" {
			return true
		}
	}
	return false
}
