package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind separates failures a caller may retry from those it may not.
type ErrorKind int

const (
	KindTerminal ErrorKind = iota
	KindRetryable
)

func (k ErrorKind) String() string {
	if k == KindRetryable {
		return "retryable"
	}
	return "terminal"
}

// CodedError is implemented by every error in the taxonomy.
type CodedError interface {
	error
	Code() string
	Kind() ErrorKind
}

// KindOf classifies err. Errors outside the taxonomy are treated as retryable
// internal failures.
func KindOf(err error) ErrorKind {
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.Kind()
	}
	return KindRetryable
}

// CodeOf returns the taxonomy code for err, or "internal".
func CodeOf(err error) string {
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.Code()
	}
	return "internal"
}

// ValidationError is returned for malformed input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}
func (e *ValidationError) Code() string    { return "validation_error" }
func (e *ValidationError) Kind() ErrorKind { return KindTerminal }

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// DuplicateEvidenceKeyError is a validation failure: the key appears twice in
// one submission, or is already sealed under the dispatch reference.
type DuplicateEvidenceKeyError struct {
	DispatchReference string
	Key               string
	AlreadySealed     bool
}

func (e *DuplicateEvidenceKeyError) Error() string {
	if e.AlreadySealed {
		return fmt.Sprintf("evidence key %q already sealed under dispatch reference %q", e.Key, e.DispatchReference)
	}
	return fmt.Sprintf("evidence key %q appears more than once in submission", e.Key)
}
func (e *DuplicateEvidenceKeyError) Code() string    { return "duplicate_evidence_key" }
func (e *DuplicateEvidenceKeyError) Kind() ErrorKind { return KindTerminal }

// NotFoundError is returned when a referenced receipt, seal, certificate or
// agreement does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}
func (e *NotFoundError) Code() string    { return "not_found" }
func (e *NotFoundError) Kind() ErrorKind { return KindTerminal }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// InsufficientBalanceError is returned when a debit would take the agreement
// below its overdraft limit.
type InsufficientBalanceError struct {
	ServiceAgreementID uuid.UUID
	Balance            Tokens
	Delta              Tokens
	OverdraftLimit     Tokens
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: balance %d, change %d, overdraft limit %d",
		e.Balance, e.Delta, e.OverdraftLimit)
}
func (e *InsufficientBalanceError) Code() string    { return "insufficient_balance" }
func (e *InsufficientBalanceError) Kind() ErrorKind { return KindTerminal }

// AnchoringFailure records a batch whose anchoring retries were exhausted. It
// is surfaced to operators, never to the submitter.
type AnchoringFailure struct {
	BatchID  uuid.UUID
	SealIDs  []uuid.UUID
	Attempts int
	Err      error
}

func (e *AnchoringFailure) Error() string {
	return fmt.Sprintf("anchoring batch %s failed after %d attempts: %v", e.BatchID, e.Attempts, e.Err)
}
func (e *AnchoringFailure) Unwrap() error   { return e.Err }
func (e *AnchoringFailure) Code() string    { return "anchoring_failure" }
func (e *AnchoringFailure) Kind() ErrorKind { return KindRetryable }

// CertificateAlreadyFinalizedError is returned when a Final certificate's
// evidence set would be changed.
type CertificateAlreadyFinalizedError struct {
	CertificateID uuid.UUID
}

func (e *CertificateAlreadyFinalizedError) Error() string {
	return fmt.Sprintf("certificate %s is final and cannot be changed", e.CertificateID)
}
func (e *CertificateAlreadyFinalizedError) Code() string    { return "certificate_finalized" }
func (e *CertificateAlreadyFinalizedError) Kind() ErrorKind { return KindTerminal }

// DuplicateSubmissionError is returned when a client idempotency key is reused
// with different certificate content.
type DuplicateSubmissionError struct {
	IdempotencyKey string
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("idempotency key %q was already used with different content", e.IdempotencyKey)
}
func (e *DuplicateSubmissionError) Code() string    { return "duplicate_submission" }
func (e *DuplicateSubmissionError) Kind() ErrorKind { return KindTerminal }

// AnchoringPendingError refuses to finalize a certificate while some of its
// seals are not yet anchored.
type AnchoringPendingError struct {
	Pending int
}

func (e *AnchoringPendingError) Error() string {
	return fmt.Sprintf("%d evidence item(s) still awaiting anchoring; retry later", e.Pending)
}
func (e *AnchoringPendingError) Code() string    { return "anchoring_pending" }
func (e *AnchoringPendingError) Kind() ErrorKind { return KindRetryable }
