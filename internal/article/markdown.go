package article

import (
	"fmt"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
)

// Markdown renders the article as Markdown with the title as a top-level
// heading. Images keep their remote URLs.
func Markdown(a Article) (string, error) {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	body, err := conv.ConvertString(RenderHTML(a.Blocks, RemoteImageSrc))
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	var b strings.Builder
	if t := strings.TrimSpace(a.Title); t != "" {
		b.WriteString("# ")
		b.WriteString(t)
		b.WriteString("\n\n")
	}
	if a.Author != "" {
		b.WriteString("_")
		b.WriteString(a.Author)
		b.WriteString("_\n\n")
	}
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n")
	return b.String(), nil
}

// Excerpt returns the first maxChars characters of the article's Markdown
// body, cut at a paragraph boundary when one is available.
func Excerpt(a Article, maxChars int) string {
	head := a
	head.Title = ""
	head.Author = ""
	out, err := Markdown(head)
	if err != nil {
		out = a.Text()
	}
	out = strings.TrimSpace(out)
	if maxChars <= 0 || len(out) <= maxChars {
		return out
	}
	for maxChars > 0 && !utf8.RuneStart(out[maxChars]) {
		maxChars--
	}
	cut := out[:maxChars]
	if i := strings.LastIndex(cut, "\n\n"); i > maxChars/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "\n\n…"
}
