package tutor

import (
	"errors"
	"fmt"
)

// Sentinel tags. Use errors.Is against these; the concrete types below carry
// the detail.
var (
	// ErrProvider tags failures of an external model or speech service.
	// Provider errors are surfaced to the caller and never retried automatically.
	ErrProvider = errors.New("provider error")

	// ErrSchemaViolation tags model output that does not match its declared
	// structure. Such output is never defaulted or coerced into a valid record.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrStateViolation tags operations that are illegal in the session's
	// current lifecycle state.
	ErrStateViolation = errors.New("state violation")

	// ErrInvalidInput tags malformed requests (bad language tag, empty
	// transcript, unknown role, ...).
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound tags lookups of unknown sessions.
	ErrNotFound = errors.New("not found")
)

// ProviderError reports a failed call to an external service.
type ProviderError struct {
	// Provider names the backend (e.g. "openai", "azure").
	Provider string
	// Op names the pipeline operation (e.g. "classify", "pronunciation").
	Op  string
	Err error
}

// NewProviderError wraps err as a ProviderError. A nil err yields nil.
func NewProviderError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider %s: %v", e.Op, e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is reports whether target is ErrProvider.
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// SchemaViolation reports model output that failed structural validation.
type SchemaViolation struct {
	// Record names the wire record (e.g. "tutor_action").
	Record string
	// Reason describes the first detected problem.
	Reason string
	// Raw is the offending model output, truncated for logging.
	Raw string
	Err error
}

// NewSchemaViolation builds a SchemaViolation, truncating raw to 512 bytes.
func NewSchemaViolation(record, reason, raw string, err error) *SchemaViolation {
	if len(raw) > 512 {
		raw = raw[:512] + "…"
	}
	return &SchemaViolation{Record: record, Reason: reason, Raw: raw, Err: err}
}

func (e *SchemaViolation) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema violation in %s: %s: %v", e.Record, e.Reason, e.Err)
	}
	return fmt.Sprintf("schema violation in %s: %s", e.Record, e.Reason)
}

func (e *SchemaViolation) Unwrap() error { return e.Err }

// Is reports whether target is ErrSchemaViolation.
func (e *SchemaViolation) Is(target error) bool { return target == ErrSchemaViolation }

// StateViolation reports an operation that is illegal in the session's state.
type StateViolation struct {
	SessionID string
	State     State
	Op        string
	Reason    string
}

func (e *StateViolation) Error() string {
	return fmt.Sprintf("session %s: %s rejected in state %s: %s", e.SessionID, e.Op, e.State, e.Reason)
}

// Is reports whether target is ErrStateViolation.
func (e *StateViolation) Is(target error) bool { return target == ErrStateViolation }

// InvalidInput wraps a validation failure so it matches ErrInvalidInput.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
