package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed completion. The client retries on the kind,
// and the review runner turns it into the reason recorded on a failed task.
type ErrorKind int

const (
	// KindTransient covers rate limits, 5xx, network errors and truncated
	// bodies. The same endpoint is retried with backoff.
	KindTransient ErrorKind = iota

	// KindFatal covers auth failures, bad requests and unknown providers.
	// Nothing is retried and no fallback model is tried.
	KindFatal

	// KindContextLength means the prompt does not fit the model's context
	// window, usually because the contract is long. The endpoint is not
	// retried but the next model in the chain is.
	KindContextLength

	// KindMalformedOutput means the model kept answering with something that
	// is not the JSON a stage asked for.
	KindMalformedOutput
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindContextLength:
		return "context_length"
	case KindMalformedOutput:
		return "malformed_output"
	default:
		return "unknown"
	}
}

// Error is a classified completion error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &Error{Kind: KindFatal, Err: err}
}

// NewMalformedOutputError records that stage gave up on the model's replies.
func NewMalformedOutputError(stage string, err error) error {
	return &Error{Kind: KindMalformedOutput, Err: fmt.Errorf("%s: unusable model output: %w", stage, err)}
}

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func isKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool { return isKind(err, KindTransient) }

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool { return isKind(err, KindFatal) }

// IsContextLength returns true if the prompt was too long for the model.
func IsContextLength(err error) bool { return isKind(err, KindContextLength) }

// IsMalformedOutput returns true if a stage could not use the model's reply.
func IsMalformedOutput(err error) bool { return isKind(err, KindMalformedOutput) }

// contextLengthMarkers are lowercase fragments providers put in the error
// body when the prompt exceeds the context window.
var contextLengthMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"prompt is too long",
	"too many tokens",
	"input length",
}

// classifyHTTPError turns a non-200 provider response into a classified error.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusBadRequest,
		statusCode == http.StatusRequestEntityTooLarge:
		lower := strings.ToLower(string(body))
		for _, m := range contextLengthMarkers {
			if strings.Contains(lower, m) {
				return &Error{Kind: KindContextLength, Err: err}
			}
		}
		return NewFatalError(err)
	default:
		// 401, 403, 404 and anything unexpected.
		return NewFatalError(err)
	}
}
