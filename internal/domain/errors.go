// Package domain defines the core entities, ports and error taxonomy for the
// Deepr research engine. It stays free of adapter concerns; repositories,
// providers and stores are expressed as interfaces implemented under
// internal/adapter.
package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrBudgetExceeded      = errors.New("budget exceeded")
	ErrRequiresElicitation = errors.New("requires elicitation")
	ErrProviderAuth        = errors.New("provider auth failed")
	ErrProviderLostJob     = errors.New("provider lost job")
	ErrUpstream5xx         = errors.New("provider 5xx")
	ErrNetwork             = errors.New("network error")
	ErrAlreadyTerminal     = errors.New("already terminal")
	ErrInternal            = errors.New("internal error")
)

// ErrorKind labels a job-level failure so retry policy and the API can act on
// it without string matching. Kinds mirror the sentinels above where both
// exist.
type ErrorKind string

const (
	ErrKindInvalidPrompt   ErrorKind = "invalid_prompt"
	ErrKindUnknownModel    ErrorKind = "unknown_model"
	ErrKindUnknownProvider ErrorKind = "unknown_provider"
	ErrKindBudgetTooLow    ErrorKind = "budget_too_low"
	ErrKindBudgetExceeded  ErrorKind = "budget_exceeded"
	ErrKindRateLimited     ErrorKind = "rate_limited"
	ErrKindProvider5xx     ErrorKind = "provider_5xx"
	ErrKindAuth            ErrorKind = "auth"
	ErrKindInvalidRequest  ErrorKind = "invalid_request"
	ErrKindProviderLostJob ErrorKind = "provider_lost_job"
	ErrKindNetwork         ErrorKind = "network"
	ErrKindSubmitTimeout   ErrorKind = "submit_timeout"
	ErrKindCancelled       ErrorKind = "cancelled"
)

// JobError is the persisted error of a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// Retryable reports whether a failure of this kind may be retried by the
// component that owns the call (poller, campaign engine).
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindRateLimited, ErrKindProvider5xx, ErrKindNetwork:
		return true
	}
	return false
}

// Context is an alias so signatures in this package read the same as
// everywhere else; adapters and usecases pass context.Context through.
type Context = context.Context
