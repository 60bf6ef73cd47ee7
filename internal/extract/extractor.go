package extract

import (
	"github.com/rs/zerolog"

	"github.com/hyperifyio/kindlesender/internal/article"
)

// Extractor defines a minimal interface for content extraction strategies.
// Implementations can swap readability tactics without changing callers.
type Extractor interface {
	// Extract isolates the main article of a fetched page. Implementations
	// should be deterministic and avoid side effects.
	Extract(src article.Source) (article.Article, error)
}

// Heuristic is the default readability-style extractor. Zero values fall
// back to DefaultMinTextChars and DefaultMaxLinkDensity.
type Heuristic struct {
	// MinTextChars is the least amount of visible text the chosen
	// container must hold.
	MinTextChars int
	// MaxLinkDensity rejects candidates where more than this share of the
	// text is link text.
	MaxLinkDensity float64
	Logger         zerolog.Logger
}

var _ Extractor = Heuristic{}
