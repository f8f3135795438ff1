package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrAuthorize indicates the acting user lacks the permission for an operation.
	ErrAuthorize = errors.New("not authorized")
	// ErrAudit indicates structural misuse of the audit ledger.
	ErrAudit = errors.New("audit misuse")
	// ErrIntegrity indicates corrupted data or an upstream logic bug.
	ErrIntegrity = errors.New("integrity violation")
	// ErrValidation indicates malformed configuration input.
	ErrValidation = errors.New("validation failed")
)

// AuthorizeError reports a denied read, write, create, delete or disposition.
type AuthorizeError struct {
	UserID int64
	Model  string
	Fields []string
	Reason string
}

func (e *AuthorizeError) Error() string {
	var b strings.Builder
	b.WriteString("authorize: ")
	if e.Reason != "" {
		b.WriteString(e.Reason)
	} else {
		b.WriteString("permission denied")
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " (model %s", e.Model)
		if len(e.Fields) > 0 {
			fmt.Fprintf(&b, ", fields %s", strings.Join(e.Fields, ","))
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *AuthorizeError) Unwrap() error { return ErrAuthorize }

// AuditError reports misuse of the ledger such as a double disposition.
type AuditError struct {
	AuditID int64
	Reason  string
}

func (e *AuditError) Error() string {
	if e.AuditID != 0 {
		return fmt.Sprintf("audit %d: %s", e.AuditID, e.Reason)
	}
	return "audit: " + e.Reason
}

func (e *AuditError) Unwrap() error { return ErrAudit }

// IntegrityError wraps a fatal consistency failure. Err may carry the driver error.
type IntegrityError struct {
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity: %s: %v", e.Reason, e.Err)
	}
	return "integrity: " + e.Reason
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

func (e *IntegrityError) Unwrap() error { return e.Err }

// ValidationError reports malformed permission or metric configuration.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
	}
	return "validation: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Integrityf builds an IntegrityError from a format string.
func Integrityf(format string, args ...any) error {
	return &IntegrityError{Reason: fmt.Sprintf(format, args...)}
}
