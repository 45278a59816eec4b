package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrRangeExhausted means the provider rejected even a single-year request.
	ErrRangeExhausted = errors.New("range too large at single-year granularity")

	// ErrProviderCode is an error object from the provider other than the
	// range-too-large marker.
	ErrProviderCode = errors.New("provider returned an error code")

	// ErrNoTemplate means the table has no URL for the requested artifact.
	ErrNoTemplate = errors.New("no url template")

	// ErrUnsupportedFormat means the data artifact is not declared as JSON.
	ErrUnsupportedFormat = errors.New("unsupported data format")

	// ErrInvalidRange is returned for a range with from > to.
	ErrInvalidRange = errors.New("invalid year range")
)

// HTTPError is a non-2xx response or a transport failure. URL never contains
// the auth key.
type HTTPError struct {
	URL        string
	StatusCode int // 0 for transport failures
	Err        error
}

func (e *HTTPError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// IsRunScoped reports whether err must abort the whole run rather than a
// single table.
func IsRunScoped(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) ||
		errors.Is(err, ErrRangeExhausted) ||
		errors.Is(err, ErrProviderCode)
}
