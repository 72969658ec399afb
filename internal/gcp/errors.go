// ABOUTME: Classification of Google API errors onto the gateway error taxonomy
// ABOUTME: Produces human-readable messages without leaking upstream internals

package gcp

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/2389/bq-gateway/internal/apierr"
)

// Classify converts an error from a Google API call into an *apierr.Error.
// resource names the thing being accessed ("project my-proj") so the message
// tells the user what to fix. Already-classified errors pass through.
func Classify(err error, resource string) error {
	if err == nil {
		return nil
	}

	var classified *apierr.Error
	if errors.As(err, &classified) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindUpstreamUnavailable, "timed out waiting for Google API ("+resource+")", err)
	}
	if errors.Is(err, context.Canceled) {
		return apierr.Wrap(apierr.KindUpstreamUnavailable, "request cancelled", err)
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return apierr.Wrap(apierr.KindUpstreamUnavailable, "could not reach Google API ("+resource+")", err)
	}

	switch gerr.Code {
	case http.StatusUnauthorized:
		return apierr.Wrap(apierr.KindUnauthorized, "Google rejected the access token; sign in again", err)
	case http.StatusForbidden:
		return apierr.Wrap(apierr.KindUpstreamAuth, "permission denied on "+resource, err)
	case http.StatusNotFound:
		return apierr.Wrap(apierr.KindNotFound, resource+" not found", err)
	case http.StatusBadRequest:
		msg := gerr.Message
		if msg == "" {
			msg = "invalid request for " + resource
		}
		return apierr.Wrap(apierr.KindAgentExecution, msg, err)
	case http.StatusTooManyRequests:
		return apierr.Wrap(apierr.KindUpstreamUnavailable, "Google API rate limit exceeded; retry shortly", err)
	default:
		return apierr.Wrap(apierr.KindUpstreamUnavailable, "Google API unavailable ("+resource+")", err)
	}
}

// IsForbidden returns true if the error indicates insufficient permissions.
func IsForbidden(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusForbidden
	}
	return apierr.KindOf(err) == apierr.KindUpstreamAuth
}

// IsBadRequest reports whether Google rejected the request as malformed,
// e.g. a syntactically invalid project ID.
func IsBadRequest(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusBadRequest
}
