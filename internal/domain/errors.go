package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Error kinds. Every error the service surfaces wraps exactly one of these so
// callers can branch with errors.Is regardless of how deep it was raised.
var (
	ErrValidation          = errors.New("validation error")
	ErrAuth                = errors.New("authentication error")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrProvider            = errors.New("provider error")
	ErrPersistence         = errors.New("persistence error")
	ErrRateLimited         = errors.New("rate limited")
)

var kinds = []error{
	ErrValidation,
	ErrAuth,
	ErrNotFound,
	ErrConflict,
	ErrInsufficientBalance,
	ErrProvider,
	ErrPersistence,
	ErrRateLimited,
}

// Error is a classified failure. Message is safe to show to API clients,
// Err carries the internal cause and is only ever logged.
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewValidationError(op, message string) error {
	return &Error{Kind: ErrValidation, Op: op, Message: message}
}

func NewAuthError(op, message string) error {
	return &Error{Kind: ErrAuth, Op: op, Message: message}
}

func NewNotFoundError(op, message string) error {
	return &Error{Kind: ErrNotFound, Op: op, Message: message}
}

func NewConflictError(op, message string) error {
	return &Error{Kind: ErrConflict, Op: op, Message: message}
}

// NewInsufficientBalanceError reports a freeze that would overdraw the account.
func NewInsufficientBalanceError(accountID uuid.UUID, requested, available int64) error {
	return &Error{
		Kind:    ErrInsufficientBalance,
		Op:      "ledger.freeze",
		Message: fmt.Sprintf("insufficient balance: requested %d Xu, available %d Xu", requested, available),
		Err:     fmt.Errorf("account %s", accountID),
	}
}

// NewProviderError wraps a failed outbound call. The cause stays internal.
func NewProviderError(op string, cause error) error {
	return &Error{Kind: ErrProvider, Op: op, Message: "upstream provider unavailable", Err: cause}
}

// NewPersistenceError wraps an aborted transaction. State is unchanged and the
// whole request may be retried.
func NewPersistenceError(op string, cause error) error {
	return &Error{Kind: ErrPersistence, Op: op, Message: "storage unavailable", Err: cause}
}

func NewRateLimitedError(op string, retryAfterSeconds int) error {
	return &Error{
		Kind:    ErrRateLimited,
		Op:      op,
		Message: fmt.Sprintf("too many requests, retry in %ds", retryAfterSeconds),
	}
}

// KindOf returns the kind sentinel err wraps, or nil for unclassified errors.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// PublicMessage returns the client-safe message of a classified error.
func PublicMessage(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return "An unexpected error occurred"
}

// IsClassified reports whether err already carries a kind.
func IsClassified(err error) bool {
	return KindOf(err) != nil
}
