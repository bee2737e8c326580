// Package httpclient abstracts the HTTP transport used for token endpoint
// calls, so tests can substitute their own implementation.
package httpclient

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds a single token endpoint round trip. Once a request
// is in flight it runs to completion or network failure; there is no
// mid-flight cancellation beyond this deadline.
const DefaultTimeout = 30 * time.Second

// HTTPClient is the interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// New returns the default client with a sane timeout.
func New() HTTPClient {
	return &http.Client{
		Timeout: DefaultTimeout,
	}
}
