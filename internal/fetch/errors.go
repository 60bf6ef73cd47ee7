package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies fetch failures.
type Kind int

const (
	KindUnreachable Kind = iota
	KindStatus
	KindTimeout
	KindTooManyRedirects
	KindInvalidURL
	KindUnsupportedContent
	KindBodyTooLarge
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindStatus:
		return "bad status"
	case KindTimeout:
		return "timeout"
	case KindTooManyRedirects:
		return "too many redirects"
	case KindInvalidURL:
		return "invalid url"
	case KindUnsupportedContent:
		return "unsupported content"
	case KindBodyTooLarge:
		return "body too large"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// Error is the failure returned by Fetch and GetAsset.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus && e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s %d", e.URL, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a fetch Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

func classify(rawURL string, err error) *Error {
	switch {
	case errors.Is(err, errTooManyRedirects):
		return &Error{Kind: KindTooManyRedirects, URL: rawURL, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, URL: rawURL, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	return &Error{Kind: KindUnreachable, URL: rawURL, Err: err}
}
