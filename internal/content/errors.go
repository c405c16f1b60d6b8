package content

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation matches every ValidationErrors value.
	ErrValidation = errors.New("validation failed")

	// ErrIncompatibleEnvironment matches ValidationErrors that reject a
	// challenge environment for its exercise category.
	ErrIncompatibleEnvironment = errors.New("execution environment is not compatible with exercise category")
)

// ErrorKind classifies a field violation.
type ErrorKind string

const (
	KindRequired                ErrorKind = "required"
	KindTooShort                ErrorKind = "too_short"
	KindOutOfRange              ErrorKind = "out_of_range"
	KindInvalid                 ErrorKind = "invalid"
	KindIncompatibleEnvironment ErrorKind = "incompatible_environment"
)

// FieldError describes why a single field was rejected.
type FieldError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ValidationErrors maps a field path (e.g. "steps[1].instructions") to its
// violation. A validation pass reports every violated field.
type ValidationErrors map[string]FieldError

func (v ValidationErrors) Error() string {
	fields := v.Fields()
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, v[field].Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is lets errors.Is match ErrValidation and, when an environment was
// rejected, ErrIncompatibleEnvironment.
func (v ValidationErrors) Is(target error) bool {
	switch target {
	case ErrValidation:
		return true
	case ErrIncompatibleEnvironment:
		for _, fe := range v {
			if fe.Kind == KindIncompatibleEnvironment {
				return true
			}
		}
	}
	return false
}

// Fields returns the violated field paths in sorted order.
func (v ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(v))
	for field := range v {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// Set records a violation for field.
func (v ValidationErrors) Set(field string, kind ErrorKind, message string) {
	v[field] = FieldError{Kind: kind, Message: message}
}

// OrNil returns v as an error, or nil when no field was rejected.
func (v ValidationErrors) OrNil() error {
	return v.err()
}

func (v ValidationErrors) add(field string, kind ErrorKind, format string, args ...any) {
	v[field] = FieldError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (v ValidationErrors) merge(prefix string, err error) {
	var nested ValidationErrors
	if !errors.As(err, &nested) {
		return
	}
	for field, fe := range nested {
		v[prefix+field] = fe
	}
}

func (v ValidationErrors) err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}
