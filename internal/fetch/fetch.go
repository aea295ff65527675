// Package fetch owns all HTTP traffic against the board: one logged-in
// session, request spacing, bounded concurrency, cooldown backoff, and the
// headless-render fallback for script-built pages.
package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a fetch failure for retry and reporting decisions.
type Kind string

const (
	// KindNetwork covers connection and protocol failures.
	KindNetwork Kind = "network"
	// KindTimeout covers deadline expiry on a single request.
	KindTimeout Kind = "timeout"
	// KindHTTP covers non-2xx responses that made it back.
	KindHTTP Kind = "http"
	// KindCooldown means the site served its rate-limit interstitial and
	// retries within budget did not clear it.
	KindCooldown Kind = "cooldown"
)

// ErrAuth reports that login did not produce a recognized session. Callers
// decide whether to continue as guest or refuse.
var ErrAuth = errors.New("login did not establish a session")

// ErrStopPagination is returned by a FetchAll callback to mark the natural
// end of a page sequence. It stops remaining fetches without being an error.
var ErrStopPagination = errors.New("stop pagination")

// Error wraps a failed fetch with its classification.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from an error chain, or "" when the
// error did not come from this package.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Page is one fetched document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Rendered   bool
}

// HTML returns the body as a string for the parser.
func (p Page) HTML() string { return string(p.Body) }
