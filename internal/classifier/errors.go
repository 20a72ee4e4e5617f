package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrTransient marks failures worth retrying: network, timeout, 429, 5xx.
	ErrTransient = errors.New("transient provider error")
	// ErrMalformedOutput marks model answers that are not the expected JSON.
	ErrMalformedOutput = errors.New("malformed model output")
)

// ProviderError is returned by generator backends for failed API calls.
// StatusCode is zero for transport failures.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary reports whether a retry may succeed.
func (e *ProviderError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	}
	return false
}

// Is lets errors.Is(err, ErrTransient) match temporary provider errors.
func (e *ProviderError) Is(target error) bool {
	return target == ErrTransient && e.Temporary()
}

// IsTransient classifies err for the retry loop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
