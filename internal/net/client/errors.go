package client

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	Source string `json:"source"`
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d %s", e.Source, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s: HTTP %d %s: %s", e.Source, e.Status, http.StatusText(e.Status), e.Body)
}

// IsAuth reports 401 and 403 responses.
func (e *HTTPError) IsAuth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsRateLimited reports 429 responses.
func (e *HTTPError) IsRateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// StatusOf extracts the HTTP status from err, if it wraps an *HTTPError.
func StatusOf(err error) (int, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status, true
	}
	return 0, false
}
