package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/hyperifyio/kindlesender/internal/deliver"
	"github.com/hyperifyio/kindlesender/internal/ebook"
	"github.com/hyperifyio/kindlesender/internal/extract"
	"github.com/hyperifyio/kindlesender/internal/fetch"
)

// StatusFor maps a run failure to an HTTP status code and a short message
// for the person who submitted the URL.
func StatusFor(err error) (int, string) {
	var (
		fe *fetch.Error
		xe *extract.Error
		pe *ebook.PackagingError
		de *deliver.Error
	)
	switch {
	case errors.As(err, &fe):
		switch fe.Kind {
		case fetch.KindInvalidURL:
			return http.StatusBadRequest, "That does not look like a web address: " + fe.Error()
		case fetch.KindTimeout:
			return http.StatusGatewayTimeout, "The page took too long to load."
		case fetch.KindCanceled:
			return http.StatusServiceUnavailable, "The request was canceled."
		case fetch.KindUnsupportedContent:
			return http.StatusUnprocessableEntity, "The address does not point to a web page."
		}
		return http.StatusBadGateway, "Could not fetch the page: " + fe.Error()
	case errors.As(err, &xe):
		return http.StatusUnprocessableEntity, "No readable article was found on that page."
	case errors.As(err, &pe):
		return http.StatusInternalServerError, "The ebook could not be built: " + pe.Error()
	case errors.As(err, &de):
		switch de.Kind {
		case deliver.KindTransientSMTPFailure:
			return http.StatusServiceUnavailable, "The mail server is unavailable, try again later: " + de.Error()
		case deliver.KindRejected:
			return http.StatusBadGateway, "The mail server refused the ebook: " + de.Error()
		}
		return http.StatusInternalServerError, "Delivery failed: " + de.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Sending took too long."
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "The request was canceled."
	}
	return http.StatusInternalServerError, "Something went wrong: " + err.Error()
}
