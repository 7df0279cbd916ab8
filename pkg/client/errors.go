package client

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled while
	// waiting for the limiter or a retry backoff.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrClientRequest matches API errors the server rejected as a bad request.
	ErrClientRequest = errors.New("request rejected by API")

	// ErrServerThrottled matches 429 responses.
	ErrServerThrottled = errors.New("throttled by API")

	// ErrServerFault matches 5xx responses.
	ErrServerFault = errors.New("API server fault")

	// ErrNetwork matches transport failures.
	ErrNetwork = errors.New("network failure")
)

// ErrorClass classifies the outcome of a single request attempt.
type ErrorClass string

const (
	// ErrorClassNone marks a successful attempt.
	ErrorClassNone ErrorClass = "none"

	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 throttling.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

func (c ErrorClass) sentinel() error {
	switch c {
	case ErrorClassClient:
		return ErrClientRequest
	case ErrorClassServer:
		return ErrServerFault
	case ErrorClassRateLimit:
		return ErrServerThrottled
	case ErrorClassNetwork:
		return ErrNetwork
	default:
		return nil
	}
}

// APIError represents a failed API response with additional context.
type APIError struct {
	URL        string
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	// Body holds the start of the response body.
	Body string
	Err  error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GW2 API %s error (status %d) for %s: %s: %v",
			e.ErrorClass, e.StatusCode, e.URL, e.Message, e.Err)
	}
	return fmt.Sprintf("GW2 API %s error (status %d) for %s: %s",
		e.ErrorClass, e.StatusCode, e.URL, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for the error class,
// so errors.Is(err, ErrClientRequest) works without errors.As.
func (e *APIError) Is(target error) bool {
	s := e.ErrorClass.sentinel()
	return s != nil && target == s
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// 4xx are permanent; retrying them only burns quota
		return false
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
