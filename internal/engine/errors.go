package engine

import (
	"context"
	"errors"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/ccbridge/ccbridge/internal/resilience"
	"github.com/ccbridge/ccbridge/internal/runtime/executor"
	"github.com/ccbridge/ccbridge/internal/translator"
	"github.com/ccbridge/ccbridge/internal/translator/openai"
)

// APIError is an engine failure mapped onto the OpenAI error envelope.
type APIError struct {
	Status  int
	Type    string
	Code    string
	Message string
	cause   error
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) Unwrap() error { return e.cause }

// Envelope returns the wire-format error body.
func (e *APIError) Envelope() openai.ErrorResponse {
	return openai.ErrorResponse{Error: openai.ErrorDetail{
		Message: e.Message,
		Type:    e.Type,
		Code:    e.Code,
	}}
}

// ErrRetryBudgetExhausted means too many concurrent retries are already in
// flight; the attempt is abandoned rather than queued.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// Classify maps any engine error onto an HTTP status and OpenAI error type.
// Request errors are the caller's fault; everything else reports the CLI or
// the bridge itself.
func Classify(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var valErr *translator.ValidationError
	if errors.As(err, &valErr) {
		return &APIError{Status: http.StatusBadRequest, Type: "invalid_request_error", Code: valErr.Field, Message: valErr.Error(), cause: err}
	}
	var toolErr *translator.ToolConversionError
	if errors.As(err, &toolErr) {
		return &APIError{Status: http.StatusBadRequest, Type: "invalid_request_error", Code: "tools", Message: toolErr.Error(), cause: err}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &APIError{Status: http.StatusServiceUnavailable, Type: "overloaded_error", Message: "backend temporarily unavailable, retry later", cause: err}
	}
	if errors.Is(err, ErrRetryBudgetExhausted) {
		return &APIError{Status: http.StatusServiceUnavailable, Type: "overloaded_error", Message: "too many retries in flight, retry later", cause: err}
	}

	var procErr *executor.ProcessError
	if errors.As(err, &procErr) {
		if procErr.Timeout {
			return &APIError{Status: http.StatusGatewayTimeout, Type: "timeout_error", Message: procErr.Error(), cause: err}
		}
		return &APIError{Status: http.StatusBadGateway, Type: "upstream_error", Message: procErr.Error(), cause: err}
	}
	if errors.Is(err, executor.ErrMissingTerminal) || errors.Is(err, translator.ErrNoTerminalEvent) {
		return &APIError{Status: http.StatusBadGateway, Type: "upstream_error", Message: err.Error(), cause: err}
	}

	if errors.Is(err, context.Canceled) {
		return &APIError{Status: 499, Type: "request_cancelled", Message: "request cancelled by client", cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Status: http.StatusGatewayTimeout, Type: "timeout_error", Message: err.Error(), cause: err}
	}

	return &APIError{Status: http.StatusInternalServerError, Type: "server_error", Message: err.Error(), cause: err}
}

func init() {
	// Caller mistakes must not trip the breaker; only CLI-side failures count.
	resilience.DefaultIsSuccessful = func(err error) bool {
		if err == nil {
			return true
		}
		var valErr *translator.ValidationError
		var toolErr *translator.ToolConversionError
		if errors.As(err, &valErr) || errors.As(err, &toolErr) {
			return true
		}
		return errors.Is(err, context.Canceled)
	}
}
