// Package anchorerr provides the structured error taxonomy shared by every
// backup-core component: a fixed set of codes, retry/cancellation hints, and
// enough context to drive ledger updates and user-visible events without the
// caller needing to pattern-match on error strings.
package anchorerr

import (
	"encoding/json"
	"fmt"
	"time"
)

// Code identifies which branch of the error taxonomy an error belongs to.
type Code string

const (
	// Transient covers network resets, timeouts, and 5xx provider responses.
	// Retried implicitly on the next event/scan tick.
	Transient Code = "TRANSIENT"

	// Cancelled means the operation observed cancel_check() returning true.
	// Never counted as a failure and never shown to the user.
	Cancelled Code = "CANCELLED"

	// DiskFull means the local vault or the temp volume used for encryption
	// ran out of usable capacity. Fatal for the current file.
	DiskFull Code = "DISK_FULL"

	// InvalidPassword means the vault identity's verification token failed
	// to decrypt under the derived key.
	InvalidPassword Code = "INVALID_PASSWORD"

	// PermissionDenied means a vault or source bookmark could not be
	// re-opened.
	PermissionDenied Code = "PERMISSION_DENIED"

	// CorruptLedger means the ledger file failed its open-time self-check
	// and was reset.
	CorruptLedger Code = "CORRUPT_LEDGER"

	// ProviderError is the catch-all for vault-provider failures that do
	// not fit a more specific code; it carries a Cause when an underlying
	// error triggered it.
	ProviderError Code = "PROVIDER_ERROR"
)

// Error is the structured error type every backup-core package returns.
type Error struct {
	Code      Code
	Component string
	Operation string
	Message   string
	Context   map[string]string
	Cause     error
	Timestamp time.Time
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]string),
	}
}

func (e *Error) Error() string {
	if e.Component != "" && e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
	}
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Code, allowing errors.Is(err, anchorerr.New(anchorerr.DiskFull, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether pkg/retry retries an error with this code
// using backoff.
func (e *Error) Retryable() bool {
	return e.Code == Transient || e.Code == ProviderError
}

// UserFacing reports whether this error should surface as a notification.
func (e *Error) UserFacing() bool {
	switch e.Code {
	case DiskFull, InvalidPassword, PermissionDenied, CorruptLedger:
		return true
	default:
		return false
	}
}

// WithComponent sets the originating component (e.g. "ledger", "vault/s3").
func (e *Error) WithComponent(c string) *Error { e.Component = c; return e }

// WithOperation sets the operation name (e.g. "save_file", "rename").
func (e *Error) WithOperation(op string) *Error { e.Operation = op; return e }

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error { e.Cause = cause; return e }

// WithContext attaches a single contextual key/value pair.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// JSON renders the error for structured logging.
func (e *Error) JSON() string {
	data, err := json.Marshal(struct {
		Code      Code              `json:"code"`
		Component string            `json:"component,omitempty"`
		Operation string            `json:"operation,omitempty"`
		Message   string            `json:"message"`
		Context   map[string]string `json:"context,omitempty"`
		Cause     string            `json:"cause,omitempty"`
		Timestamp time.Time         `json:"timestamp"`
	}{
		Code:      e.Code,
		Component: e.Component,
		Operation: e.Operation,
		Message:   e.Message,
		Context:   e.Context,
		Cause:     causeString(e.Cause),
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal anchorerr.Error: %s"}`, err)
	}
	return string(data)
}

func causeString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
