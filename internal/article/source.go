package article

import (
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Source is the raw page as fetched. It is not modified after the fetch.
type Source struct {
	// URL is the address the user asked for.
	URL string
	// FinalURL is the address after redirects; relative links resolve against it.
	FinalURL    string
	Body        []byte
	ContentType string
	// Encoding is a WHATWG encoding label such as "utf-8" or "windows-1252".
	Encoding string
	// EncodingCertain is false when the encoding was guessed or defaulted.
	EncodingCertain bool
	// EncodingSource records where the encoding came from:
	// header, bom, meta, sniff or default.
	EncodingSource string
	FetchedAt      time.Time
}

// BaseURL returns FinalURL when known, otherwise URL.
func (s Source) BaseURL() string {
	if strings.TrimSpace(s.FinalURL) != "" {
		return s.FinalURL
	}
	return s.URL
}

// UTF8 returns Body decoded to UTF-8. An unknown label or a decoding error
// yields the raw bytes unchanged.
func (s Source) UTF8() []byte {
	label := strings.ToLower(strings.TrimSpace(s.Encoding))
	if label == "" || label == "utf-8" || label == "utf8" {
		return s.Body
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return s.Body
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), s.Body)
	if err != nil {
		return s.Body
	}
	return out
}
