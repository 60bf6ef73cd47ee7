package extract

import (
	"strings"
	"testing"
)

// Benchmark FromHTML on representative HTML sizes and structures.
func BenchmarkFromHTML(b *testing.B) {
	small := makeHTML(3, 0)
	medium := makeHTML(50, 60)
	large := makeHTML(200, 200)

	b.Run("small", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = FromHTML(small, "https://example.com/")
		}
	})
	b.Run("medium", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = FromHTML(medium, "https://example.com/")
		}
	})
	b.Run("large", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_, _ = FromHTML(large, "https://example.com/")
		}
	})
}

func makeHTML(paras int, itemsPerList int) []byte {
	builder := new(strings.Builder)
	builder.WriteString("<html><head><title>demo</title></head><body><nav><a href=\"/\">home</a></nav><article>")
	for i := 0; i < paras; i++ {
		builder.WriteString("<h2>Heading</h2><p>")
		builder.WriteString(sampleText)
		builder.WriteString("</p>")
	}
	if itemsPerList > 0 {
		builder.WriteString("<ul>")
		for i := 0; i < itemsPerList; i++ {
			builder.WriteString("<li>")
			builder.WriteString(sampleText)
			builder.WriteString("</li>")
		}
		builder.WriteString("</ul>")
	}
	builder.WriteString("</article></body></html>")
	return []byte(builder.String())
}

const sampleText = "Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua."
