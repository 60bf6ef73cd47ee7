package fetch

import (
	"bytes"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// Encoding is the outcome of character encoding detection.
type Encoding struct {
	// Label is the canonical WHATWG name, e.g. "utf-8".
	Label string
	// Certain is false when the label was guessed or defaulted.
	Certain bool
	// Source is one of bom, header, meta, sniff or default.
	Source string
}

const (
	prescanBytes  = 1024
	minConfidence = 50
)

var boms = []struct {
	bom   []byte
	label string
}{
	{[]byte{0xEF, 0xBB, 0xBF}, "utf-8"},
	{[]byte{0xFE, 0xFF}, "utf-16be"},
	{[]byte{0xFF, 0xFE}, "utf-16le"},
}

// DetectEncoding works out the character encoding of an HTML body. The
// Content-Type header wins unless a byte order mark says otherwise or the
// header claims UTF-8 for bytes that are not UTF-8. Without a usable
// header, <meta> declarations are honored, then the bytes are sniffed.
// It never fails: when nothing is conclusive it returns UTF-8 marked
// uncertain.
func DetectEncoding(body []byte, contentType string) Encoding {
	for _, b := range boms {
		if bytes.HasPrefix(body, b.bom) {
			return Encoding{Label: b.label, Certain: true, Source: "bom"}
		}
	}
	if label := headerCharset(contentType); label != "" && consistent(label, body) {
		return Encoding{Label: label, Certain: true, Source: "header"}
	}
	if label := metaCharset(body); label != "" && consistent(label, body) {
		return Encoding{Label: label, Certain: true, Source: "meta"}
	}
	if utf8.Valid(body) {
		// Pure ASCII decodes the same under every ASCII-compatible encoding
		return Encoding{Label: "utf-8", Certain: true, Source: "sniff"}
	}
	if label := sniffCharset(body); label != "" {
		return Encoding{Label: label, Certain: false, Source: "sniff"}
	}
	return Encoding{Label: "utf-8", Certain: false, Source: "default"}
}

func headerCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return canonical(params["charset"])
}

// metaCharset runs a small prescan over the document head looking for
// <meta charset> or <meta http-equiv="content-type">.
func metaCharset(body []byte) string {
	head := body
	if len(head) > prescanBytes {
		head = head[:prescanBytes]
	}
	z := html.NewTokenizer(bytes.NewReader(head))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "meta" || !hasAttr {
				continue
			}
			var cs, httpEquiv, content string
			for {
				k, v, more := z.TagAttr()
				switch strings.ToLower(string(k)) {
				case "charset":
					cs = string(v)
				case "http-equiv":
					httpEquiv = strings.ToLower(string(v))
				case "content":
					content = string(v)
				}
				if !more {
					break
				}
			}
			if label := canonical(cs); label != "" {
				return label
			}
			if httpEquiv == "content-type" {
				if label := headerCharset(content); label != "" {
					return label
				}
			}
		}
	}
}

func sniffCharset(body []byte) string {
	res, err := chardet.NewTextDetector().DetectBest(body)
	if err != nil || res == nil || res.Confidence < minConfidence {
		return ""
	}
	return canonical(res.Charset)
}

// canonical maps any encoding label to its WHATWG name, or "" when unknown.
func canonical(label string) string {
	label = strings.TrimSpace(strings.Trim(label, `"'`))
	if label == "" {
		return ""
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		return ""
	}
	return name
}

// consistent rejects a declared UTF-8 label for bytes that are not UTF-8.
func consistent(label string, body []byte) bool {
	if label == "utf-8" {
		return utf8.Valid(body)
	}
	return true
}
