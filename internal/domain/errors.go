package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNotRetryable  = errors.New("job is not in a retryable state")
	ErrNotRerunnable = errors.New("only completed jobs can be run again")
	ErrValidation    = errors.New("validation failed")
)

const (
	RefusalSoft = "POLICY_SOFT_REFUSAL"
	RefusalHard = "POLICY_HARD_REFUSAL"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// RefusalError is returned when the generation service declines a request on policy grounds.
type RefusalError struct {
	Reason  string
	Message string
}

func (e *RefusalError) Error() string {
	if e.Message == "" {
		return "generation refused: " + e.Reason
	}
	return e.Message
}

func IsRefusal(err error) bool {
	var refusal *RefusalError
	return errors.As(err, &refusal)
}

func describeFailure(err error) (message, reason string) {
	if err == nil {
		return "generation failed", ""
	}
	var refusal *RefusalError
	if errors.As(err, &refusal) {
		return refusal.Error(), refusal.Reason
	}
	message = strings.TrimSpace(err.Error())
	if message == "" {
		message = "generation failed"
	}
	return message, ""
}
