package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/starry/internal/shared"
)

// ErrorClass categorizes provider errors for the message shown to the user.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassNetwork         ErrorClass = "NETWORK"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	// ErrorClassConfig means a provider setting is missing or invalid.
	ErrorClassConfig  ErrorClass = "CONFIG"
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// classPatterns are checked in order; the first class with a matching
// substring of the lowercased error text wins.
var classPatterns = []struct {
	class   ErrorClass
	needles []string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "invalid x-api-key"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "overloaded", "too many requests"}},
	{ErrorClassNetwork, []string{"deadline exceeded", "timeout", "timed out", "connection refused", "connection reset", "no such host", "eof"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "prompt is too long", "context window"}},
}

// ClassifyError categorizes a provider error. Sentinels from shared take
// precedence over message matching.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, shared.ErrInvalidConfiguration):
		return ErrorClassConfig
	case errors.Is(err, shared.ErrNetworkUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, p := range classPatterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return p.class
			}
		}
	}
	return ErrorClassUnknown
}

// describeError returns the redacted text recorded in the message log and
// shown to the user when a provider call fails.
func describeError(err error) string {
	detail := shared.UserMessage(err)
	switch ClassifyError(err) {
	case ErrorClassAuth:
		return "Authentication failed. Check the API key for the selected provider. (" + detail + ")"
	case ErrorClassRateLimit:
		return "The provider is rate limiting requests. Wait a moment and retry. (" + detail + ")"
	case ErrorClassNetwork:
		return "The provider could not be reached. (" + detail + ")"
	case ErrorClassBilling:
		return "The provider rejected the request for billing reasons. (" + detail + ")"
	case ErrorClassContextOverflow:
		return "The conversation exceeds the model's context window. Start a new task. (" + detail + ")"
	default:
		return detail
	}
}
