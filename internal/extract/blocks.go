package extract

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/hyperifyio/kindlesender/internal/article"
)

// converter turns the chosen container subtree into ordered blocks. Loose
// inline content between block elements is gathered into paragraphs.
type converter struct {
	base   *url.URL
	blocks []article.Block
	inline strings.Builder
}

func (c *converter) container(n *html.Node) {
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		c.node(ch)
	}
}

func (c *converter) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		c.inline.WriteString(html.EscapeString(n.Data))
		return
	case html.ElementNode:
	default:
		return
	}

	switch n.Data {
	case "script", "style", "noscript", "template", "head", "title", "form":
		return
	case "h1", "h2", "h3", "h4", "h5", "h6":
		c.flush()
		imgs := c.detachImages(n)
		if inner := c.innerHTML(n); strings.TrimSpace(article.StripTags(inner)) != "" {
			c.blocks = append(c.blocks, article.Block{Kind: article.KindHeading, Level: int(n.Data[1] - '0'), HTML: inner})
		}
		c.appendImages(imgs)
	case "p":
		c.flush()
		c.paragraph(n)
	case "ul", "ol":
		c.flush()
		c.list(n)
	case "img":
		c.flush()
		c.appendImages([]*html.Node{n})
	case "picture":
		c.flush()
		c.appendImages(c.detachImages(n))
	case "figure":
		c.flush()
		c.figure(n)
	case "blockquote":
		c.flush()
		c.quote(n)
	case "pre":
		c.flush()
		if text := codeText(n); strings.TrimSpace(text) != "" {
			c.blocks = append(c.blocks, article.Block{Kind: article.KindCode, HTML: text})
		}
	case "br", "hr":
		c.flush()
	case "table":
		c.flush()
		c.table(n)
	case "dl":
		c.flush()
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			if ch.Type == html.ElementNode && (ch.Data == "dt" || ch.Data == "dd") {
				c.paragraph(ch)
			}
		}
	case "div", "section", "article", "main", "header", "center", "details", "summary", "figcaption", "address", "li", "tbody", "thead", "tr", "td", "th", "dd", "dt", "body":
		if !hasBlockChild(n) && n.Data != "li" {
			// Leaf containers behave like paragraphs
			c.flush()
			c.paragraph(n)
			return
		}
		c.flush()
		c.container(n)
		c.flush()
	default:
		// Inline element: keep it in the running paragraph unless it hides
		// an image or a block element.
		if hasDescendant(n, "img") || hasBlockChild(n) {
			c.container(n)
			return
		}
		c.absolutize(n)
		var b strings.Builder
		_ = html.Render(&b, n)
		c.inline.WriteString(b.String())
	}
}

// flush turns buffered inline content into a paragraph.
func (c *converter) flush() {
	inner := strings.TrimSpace(c.inline.String())
	c.inline.Reset()
	if inner == "" || strings.TrimSpace(article.StripTags(inner)) == "" {
		return
	}
	c.blocks = append(c.blocks, article.Block{Kind: article.KindParagraph, HTML: inner})
}

func (c *converter) paragraph(n *html.Node) {
	imgs := c.detachImages(n)
	inner := strings.TrimSpace(c.innerHTML(n))
	if inner != "" && strings.TrimSpace(article.StripTags(inner)) != "" {
		c.blocks = append(c.blocks, article.Block{Kind: article.KindParagraph, HTML: inner})
	}
	c.appendImages(imgs)
}

func (c *converter) list(n *html.Node) {
	blk := article.Block{Kind: article.KindList, Ordered: n.Data == "ol"}
	var imgs []*html.Node
	for li := n.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.Data != "li" {
			continue
		}
		imgs = append(imgs, c.detachImages(li)...)
		inner := strings.TrimSpace(c.innerHTML(li))
		if strings.TrimSpace(article.StripTags(inner)) == "" {
			continue
		}
		blk.Items = append(blk.Items, inner)
	}
	if len(blk.Items) > 0 {
		c.blocks = append(c.blocks, blk)
	}
	c.appendImages(imgs)
}

func (c *converter) figure(n *html.Node) {
	caption := ""
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type == html.ElementNode && ch.Data == "figcaption" {
			caption = textOf(ch)
		}
	}
	imgs := c.detachImages(n)
	for _, img := range imgs {
		if strings.TrimSpace(attr(img, "alt")) == "" && caption != "" {
			setAttr(img, "alt", caption)
		}
	}
	c.appendImages(imgs)
	if caption != "" {
		c.blocks = append(c.blocks, article.Block{Kind: article.KindParagraph, HTML: html.EscapeString(caption)})
	}
}

// quote emits one quote block per paragraph of the blockquote.
func (c *converter) quote(n *html.Node) {
	emitted := false
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type != html.ElementNode || ch.Data != "p" {
			continue
		}
		if inner := strings.TrimSpace(c.innerHTML(ch)); strings.TrimSpace(article.StripTags(inner)) != "" {
			c.blocks = append(c.blocks, article.Block{Kind: article.KindQuote, HTML: inner})
			emitted = true
		}
	}
	if emitted {
		return
	}
	c.detachImages(n)
	if inner := strings.TrimSpace(c.innerHTML(n)); strings.TrimSpace(article.StripTags(inner)) != "" {
		c.blocks = append(c.blocks, article.Block{Kind: article.KindQuote, HTML: inner})
	}
}

// table flattens each row into a paragraph with cells separated by " | ".
func (c *converter) table(n *html.Node) {
	var rows []*html.Node
	var walk func(*html.Node)
	walk = func(x *html.Node) {
		for ch := x.FirstChild; ch != nil; ch = ch.NextSibling {
			if ch.Type != html.ElementNode {
				continue
			}
			if ch.Data == "tr" {
				rows = append(rows, ch)
				continue
			}
			if ch.Data == "table" {
				continue
			}
			walk(ch)
		}
	}
	walk(n)
	for _, tr := range rows {
		var cells []string
		for td := tr.FirstChild; td != nil; td = td.NextSibling {
			if td.Type == html.ElementNode && (td.Data == "td" || td.Data == "th") {
				if t := textOf(td); t != "" {
					cells = append(cells, html.EscapeString(t))
				}
			}
		}
		if len(cells) > 0 {
			c.blocks = append(c.blocks, article.Block{Kind: article.KindParagraph, HTML: strings.Join(cells, " | ")})
		}
	}
}

// innerHTML renders the children of n with links made absolute.
func (c *converter) innerHTML(n *html.Node) string {
	c.absolutize(n)
	var b strings.Builder
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		_ = html.Render(&b, ch)
	}
	return b.String()
}

func (c *converter) absolutize(n *html.Node) {
	if c.base == nil {
		return
	}
	var walk func(*html.Node)
	walk = func(x *html.Node) {
		if x.Type == html.ElementNode && x.Data == "a" {
			if href := strings.TrimSpace(attr(x, "href")); href != "" && !strings.HasPrefix(href, "#") {
				if u, err := c.base.Parse(href); err == nil {
					setAttr(x, "href", u.String())
				}
			}
		}
		for ch := x.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
}

// detachImages removes every img below n from the tree and returns them in
// document order.
func (c *converter) detachImages(n *html.Node) []*html.Node {
	var imgs []*html.Node
	var walk func(*html.Node)
	walk = func(x *html.Node) {
		for ch := x.FirstChild; ch != nil; {
			next := ch.NextSibling
			if ch.Type == html.ElementNode && ch.Data == "img" {
				x.RemoveChild(ch)
				imgs = append(imgs, ch)
			} else {
				walk(ch)
			}
			ch = next
		}
	}
	walk(n)
	return imgs
}

func (c *converter) appendImages(imgs []*html.Node) {
	for _, n := range imgs {
		src := c.imageURL(n)
		if src == "" {
			continue
		}
		c.blocks = append(c.blocks, article.Block{
			Kind:  article.KindImage,
			Image: &article.Image{Src: src, Alt: strings.TrimSpace(attr(n, "alt"))},
		})
	}
}

// imageURL picks the real image location, looking past lazy-loading
// placeholders, and resolves it against the page. Only http and https
// references are kept.
func (c *converter) imageURL(n *html.Node) string {
	candidates := []string{attr(n, "src")}
	for _, k := range []string{"data-src", "data-original", "data-lazy-src", "data-url"} {
		candidates = append(candidates, attr(n, k))
	}
	for _, k := range []string{"srcset", "data-srcset"} {
		candidates = append(candidates, srcsetBest(attr(n, k)))
	}
	for _, cand := range candidates {
		cand = strings.TrimSpace(cand)
		if cand == "" || strings.HasPrefix(strings.ToLower(cand), "data:") {
			continue
		}
		u, err := url.Parse(cand)
		if err != nil {
			continue
		}
		if c.base != nil {
			u = c.base.ResolveReference(u)
		}
		if u.Scheme == "http" || u.Scheme == "https" {
			return u.String()
		}
	}
	return ""
}

// srcsetBest returns the candidate with the largest width descriptor, or
// the last one when no widths are given.
func srcsetBest(srcset string) string {
	best, bestW := "", -1
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		w := 0
		if len(fields) > 1 && strings.HasSuffix(fields[1], "w") {
			for _, r := range strings.TrimSuffix(fields[1], "w") {
				if r < '0' || r > '9' {
					w = 0
					break
				}
				w = w*10 + int(r-'0')
			}
		}
		if w >= bestW {
			best, bestW = fields[0], w
		}
	}
	return best
}

func codeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(x *html.Node) {
		if x.Type == html.TextNode {
			b.WriteString(x.Data)
			return
		}
		if x.Type == html.ElementNode && x.Data == "br" {
			b.WriteByte('\n')
			return
		}
		for ch := x.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return strings.Trim(b.String(), "\n")
}

func hasDescendant(n *html.Node, tag string) bool {
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type == html.ElementNode && (ch.Data == tag || hasDescendant(ch, tag)) {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if strings.EqualFold(n.Attr[i].Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
