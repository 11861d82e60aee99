package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorReason categorizes why a provider request failed.
type ErrorReason string

const (
	ReasonRateLimit        ErrorReason = "rate_limit"
	ReasonAuth             ErrorReason = "auth"
	ReasonBilling          ErrorReason = "billing"
	ReasonTimeout          ErrorReason = "timeout"
	ReasonServerError      ErrorReason = "server_error"
	ReasonInvalidRequest   ErrorReason = "invalid_request"
	ReasonModelUnavailable ErrorReason = "model_unavailable"
	ReasonContentFilter    ErrorReason = "content_filter"
	ReasonUnknown          ErrorReason = "unknown"
)

// IsRetryable returns true if retrying the same request may succeed.
func (r ErrorReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from an LLM API.
type ProviderError struct {
	Reason    ErrorReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError classifies cause and wraps it.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a provider error code and reclassifies when it is known.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request id.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage overrides the message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error's text and returns its ErrorReason.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, "timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case containsAny(errStr, "rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case containsAny(errStr, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case containsAny(errStr, "billing", "insufficient_quota", "quota", "402"):
		return ReasonBilling
	case containsAny(errStr, "content_filter", "content policy"):
		return ReasonContentFilter
	case containsAny(errStr, "model not found", "model_not_found", "does not exist"):
		return ReasonModelUnavailable
	case containsAny(errStr, "internal server", "server error", "bad gateway", "service unavailable",
		"overloaded", "500", "502", "503", "504", "529", "connection reset", "connection refused"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyStatusCode(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) ErrorReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "not_found_error":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "api_error", "server_error", "overloaded_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// retryWithBackoff calls fn up to attempts times while it fails with a
// retryable error. delay returns the wait before the given retry (1-based).
func retryWithBackoff(ctx context.Context, attempts int, delay func(retry int) time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay(attempt)):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("max retries exceeded: %w", err)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
