package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

var (
	ErrTransient     = errors.New("transient failure")
	ErrValidation    = errors.New("validation error")
	ErrResource      = errors.New("resource error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// StatusError carries the HTTP status returned by a remote service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	text := strings.TrimSpace(e.Message)
	if text == "" {
		text = http.StatusText(e.Code)
	}
	return fmt.Sprintf("remote status %d: %s", e.Code, text)
}

// Kind is the retry classification of a failure.
type Kind int

const (
	// KindRetryable failures are retried under the backoff policy.
	KindRetryable Kind = iota
	// KindPermanent failures are recorded and never retried.
	KindPermanent
	// KindCanceled means the caller gave up; neither retried nor failed.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error onto a retry decision. Rules are evaluated in order:
// cancellation, explicit markers, remote HTTP status, transport failures, and
// finally a retryable default for anything unrecognised.
func Classify(err error) Kind {
	if err == nil {
		return KindRetryable
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrResource):
		return KindPermanent
	case errors.Is(err, ErrTransient):
		return KindRetryable
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.Code)
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return KindRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindRetryable
	}
	return KindRetryable
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return KindRetryable
	case code >= 400:
		return KindPermanent
	default:
		return KindRetryable
	}
}

// IsRetryable reports whether Classify treats err as retryable.
func IsRetryable(err error) bool {
	return Classify(err) == KindRetryable
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
