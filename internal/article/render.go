package article

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ImageSrcFunc maps an image to the src attribute written for it. Returning
// "" omits the image.
type ImageSrcFunc func(img *Image) string

// RemoteImageSrc keeps the original image URL.
func RemoteImageSrc(img *Image) string { return img.Src }

// RenderHTML renders blocks as a well-formed XHTML fragment suitable for an
// EPUB content document body. Inline markup is re-parsed so unbalanced tags
// are closed and void elements self-close.
func RenderHTML(blocks []Block, src ImageSrcFunc) string {
	if src == nil {
		src = RemoteImageSrc
	}
	var b strings.Builder
	for _, blk := range blocks {
		n := blockNode(blk, src)
		if n == nil {
			continue
		}
		_ = html.Render(&b, n)
		b.WriteByte('\n')
	}
	return XMLSafe(b.String())
}

// XMLSafe drops runes that XML 1.0 does not allow in documents, such as C0
// controls other than tab, newline and carriage return. Invalid UTF-8 bytes
// become U+FFFD.
func XMLSafe(s string) string {
	clean := true
	for _, r := range s {
		if !isXMLChar(r) {
			clean = false
			break
		}
	}
	if clean && utf8.ValidString(s) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isXMLChar(r) {
			return r
		}
		return -1
	}, s)
}

func isXMLChar(r rune) bool {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}

func blockNode(blk Block, src ImageSrcFunc) *html.Node {
	switch blk.Kind {
	case KindHeading, KindParagraph:
		if strings.TrimSpace(blk.HTML) == "" {
			return nil
		}
		n := element(blk.Tag())
		appendFragment(n, blk.HTML)
		return n
	case KindQuote:
		if strings.TrimSpace(blk.HTML) == "" {
			return nil
		}
		n := element("blockquote")
		p := element("p")
		appendFragment(p, blk.HTML)
		n.AppendChild(p)
		return n
	case KindCode:
		if blk.HTML == "" {
			return nil
		}
		n := element("pre")
		code := element("code")
		code.AppendChild(&html.Node{Type: html.TextNode, Data: blk.HTML})
		n.AppendChild(code)
		return n
	case KindList:
		if len(blk.Items) == 0 {
			return nil
		}
		n := element(blk.Tag())
		for _, it := range blk.Items {
			li := element("li")
			appendFragment(li, it)
			n.AppendChild(li)
		}
		return n
	case KindImage:
		if blk.Image == nil {
			return nil
		}
		s := src(blk.Image)
		if s == "" {
			return nil
		}
		p := element("p")
		p.Attr = []html.Attribute{{Key: "class", Val: "image"}}
		img := element("img")
		img.Attr = []html.Attribute{{Key: "src", Val: s}, {Key: "alt", Val: blk.Image.Alt}}
		p.AppendChild(img)
		return p
	}
	return nil
}

func element(tag string) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
}

func appendFragment(parent *html.Node, fragment string) {
	ctx := element(parent.Data)
	nodes, err := html.ParseFragment(strings.NewReader(fragment), ctx)
	if err != nil {
		parent.AppendChild(&html.Node{Type: html.TextNode, Data: StripTags(fragment)})
		return
	}
	for _, c := range nodes {
		if c.Parent != nil {
			c.Parent.RemoveChild(c)
		}
		parent.AppendChild(c)
	}
}

// StripTags returns the text content of an HTML fragment with whitespace
// runs collapsed. Script and style contents are not text.
func StripTags(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	var b strings.Builder
	skip := 0
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "li":
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li":
				b.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}
