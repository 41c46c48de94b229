// Package errclass maps raw failures from capture, recognition, enhancement
// and insertion backends into the closed taxonomy the workflow uses to pick
// between retry, degrade and abort.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

// Kind is a failure class.
type Kind string

const (
	KindTransient         Kind = "transient"
	KindRateLimited       Kind = "rate_limited"
	KindAuth              Kind = "auth"
	KindInvalidInput      Kind = "invalid_input"
	KindDeviceUnavailable Kind = "device_unavailable"
	KindFatal             Kind = "fatal"
	// KindCancelled marks user-initiated cancellation. It is not an error
	// condition and is never retried.
	KindCancelled Kind = "cancelled"
)

// Retryable reports whether the kind consumes retry budget instead of
// aborting the stage.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Category returns the human-readable label used in user feedback.
func (k Kind) Category() string {
	switch k {
	case KindTransient:
		return "Temporary service problem"
	case KindRateLimited:
		return "Service is rate limiting requests"
	case KindAuth:
		return "Credentials rejected, check your API keys"
	case KindInvalidInput:
		return "Nothing usable was captured"
	case KindDeviceUnavailable:
		return "Microphone unavailable"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unexpected error"
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an explicit kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// StatusError carries an HTTP-style status code from a backend that speaks
// plain HTTP (ollama, agents behind the bus).
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Sentinels backends can wrap when they detect a condition themselves.
var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrEmptyResult       = errors.New("empty result")
	ErrLowConfidence     = errors.New("confidence below minimum")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Classify returns the kind for err. Already-classified errors keep their
// kind. Unknown failures are treated as transient.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	switch {
	case errors.Is(err, ErrDeviceUnavailable):
		return KindDeviceUnavailable
	case errors.Is(err, ErrEmptyResult), errors.Is(err, ErrLowConfidence):
		return KindInvalidInput
	case errors.Is(err, ErrUnauthorized):
		return KindAuth
	}

	if code, ok := statusCode(err); ok {
		return FromStatus(code)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENODEV, syscall.ENXIO, syscall.EBUSY:
			return KindDeviceUnavailable
		case syscall.EACCES, syscall.EPERM:
			return KindDeviceUnavailable
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE:
			return KindTransient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		// Missing binaries do not fix themselves between attempts.
		return KindFatal
	}
	if errors.Is(err, os.ErrNotExist) {
		return KindFatal
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"):
		return KindAuth
	}
	return KindTransient
}

// FromStatus maps an HTTP status code to a kind.
func FromStatus(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 429:
		return KindRateLimited
	case code == 408:
		return KindTransient
	case code == 400 || code == 404 || code == 413 || code == 415 || code == 422:
		return KindInvalidInput
	case code >= 500:
		return KindTransient
	case code >= 400:
		return KindFatal
	default:
		return KindTransient
	}
}

// Wrap classifies err and returns it as an *Error tagged with op. Nil stays
// nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

func statusCode(err error) (int, bool) {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code, true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode, true
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) && anthropicErr.StatusCode != 0 {
		return anthropicErr.StatusCode, true
	}
	return 0, false
}
