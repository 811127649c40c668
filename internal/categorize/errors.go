package categorize

import "fmt"

// AIErrorCode identifies the class of AI classification failure.
type AIErrorCode string

const (
	ErrAIUnavailable AIErrorCode = "AI_UNAVAILABLE"
	ErrAIRateLimited AIErrorCode = "AI_RATE_LIMITED"
	ErrAIBadResponse AIErrorCode = "AI_BAD_RESPONSE"
)

// AIError is a structured error for Tier-3 failures. The cascade treats any
// AIError as a degraded no-match; Retryable only controls the retry loop
// inside the tier.
type AIError struct {
	Code      AIErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *AIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AIError) Unwrap() error {
	return e.Cause
}
