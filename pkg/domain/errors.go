package domain

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Sentinel errors matched with errors.Is.
var (
	ErrConfiguration  = errors.New("configuration error")
	ErrNotFound       = errors.New("not found")
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrUnsupported    = errors.New("unsupported operation")
	ErrNoTransaction  = errors.New("no active transaction")
	ErrValidation     = errors.New("validation failed")
	ErrRegistryFrozen = errors.New("entity registry is frozen")
	ErrScopeClosed    = errors.New("scope is closed")
)

// ConfigError reports a composition-time mistake such as a duplicate DAO
// registration or a lookup of an unregistered entity type.
type ConfigError struct {
	Op     string
	Entity string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Entity != "" {
		fmt.Fprintf(&b, " %s", e.Entity)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Is matches ErrConfiguration.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

// Unwrap exposes the underlying cause, if any.
func (e *ConfigError) Unwrap() error { return e.Err }

// NotFoundError carries the entity and key values of a failed lookup.
type NotFoundError struct {
	Entity EntityType
	Key    []any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, formatKey(e.Key))
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DuplicateKeyError reports that a key is already staged or persisted.
type DuplicateKeyError struct {
	Entity EntityType
	Key    []any
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.Entity, formatKey(e.Key))
}

// Is matches ErrDuplicateKey.
func (e *DuplicateKeyError) Is(target error) bool { return target == ErrDuplicateKey }

// UnsupportedError reports an operation the receiver refuses, e.g. a
// mutation on a read-only DAO.
type UnsupportedError struct {
	Op     string
	Entity string
}

func (e *UnsupportedError) Error() string {
	if e.Entity == "" {
		return e.Op + ": unsupported"
	}
	return fmt.Sprintf("%s %s: unsupported", e.Op, e.Entity)
}

// Is matches ErrUnsupported.
func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupported }

// PropertyProblem lists the validation messages for a single property.
type PropertyProblem struct {
	Entity   EntityType
	Key      string
	Property string
	Messages []string
}

// ValidationError is returned by Save when staged entities are invalid.
type ValidationError struct {
	Problems []PropertyProblem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, fmt.Sprintf("%s.%s: %s", p.Entity, p.Property, strings.Join(p.Messages, ", ")))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ReportedError marks an error that has already been logged.
type ReportedError struct {
	Err error
}

func (e *ReportedError) Error() string { return e.Err.Error() }

// Unwrap returns the original error.
func (e *ReportedError) Unwrap() error { return e.Err }

// IsReported reports whether err (or anything it wraps) was already logged.
func IsReported(err error) bool {
	var r *ReportedError
	return errors.As(err, &r)
}

// Report logs err once. With throw set the marked error is returned so
// callers up the stack do not log it again; otherwise Report returns nil.
func Report(log *zap.SugaredLogger, err error, throw bool) error {
	if err == nil {
		return nil
	}
	if !IsReported(err) {
		if log != nil {
			log.Errorw("operation failed", "error", err)
		}
		err = &ReportedError{Err: err}
	}
	if throw {
		return err
	}
	return nil
}

func formatKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
