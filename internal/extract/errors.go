package extract

import (
	"errors"
	"fmt"
)

// Kind classifies extraction failures.
type Kind int

const (
	KindNoArticleFound Kind = iota
)

func (k Kind) String() string {
	switch k {
	case KindNoArticleFound:
		return "no article found"
	}
	return "unknown"
}

// Error reports why no article could be isolated from a page.
type Error struct {
	Kind   Kind
	URL    string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("extract %s: %s", e.URL, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsNoArticle reports whether err means the page held no readable article.
func IsNoArticle(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Kind == KindNoArticleFound
}
