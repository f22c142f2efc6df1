package core

import (
	"errors"
	"fmt"
	"strings"
)

// Input errors, returned by Parse before any session exists.
var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyFile         = errors.New("empty file")
	ErrHeaderRowMissing  = errors.New("header row missing")
	ErrTooManyRows       = errors.New("too many rows")
	ErrFileTooLarge      = errors.New("file too large")
)

// Lifecycle errors.
var (
	ErrSessionNotFound  = errors.New("import session not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrTooManyImports   = errors.New("too many concurrent imports, please try again later")
)

// Mapping errors. Execute returns these before any write.
var (
	ErrMissingRequiredField  = errors.New("missing required field")
	ErrDuplicateFieldMapping = errors.New("duplicate field mapping")
	ErrUnknownField          = errors.New("unknown target field")
	ErrUnknownHeader         = errors.New("unknown header")
)

// ErrSchemaEvolution wraps any failure to register extensible attributes.
var ErrSchemaEvolution = errors.New("schema evolution failed")

// ErrDuplicateSerial is returned by Tx.InsertEquipment on a natural key conflict.
var ErrDuplicateSerial = errors.New("duplicate serial number")

// MappingError describes one problem with an operator mapping.
// It unwraps to one of the mapping sentinels above.
type MappingError struct {
	Kind    error
	Field   string
	Headers []string
}

func (e *MappingError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrMissingRequiredField):
		return fmt.Sprintf("%v: no header is mapped to %q", e.Kind, e.Field)
	case errors.Is(e.Kind, ErrDuplicateFieldMapping):
		return fmt.Sprintf("%v: %q is mapped from %s", e.Kind, e.Field, quoteList(e.Headers))
	case errors.Is(e.Kind, ErrUnknownField):
		return fmt.Sprintf("%v: %q (header %s)", e.Kind, e.Field, quoteList(e.Headers))
	case errors.Is(e.Kind, ErrUnknownHeader):
		return fmt.Sprintf("%v: %s", e.Kind, quoteList(e.Headers))
	}
	return e.Kind.Error()
}

func (e *MappingError) Unwrap() error { return e.Kind }

// MappingErrors collects every problem found in one mapping.
// errors.Is matches the sentinel of any entry.
type MappingErrors []*MappingError

func (m MappingErrors) Error() string {
	parts := make([]string, len(m))
	for i, e := range m {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func (m MappingErrors) Unwrap() []error {
	out := make([]error, len(m))
	for i, e := range m {
		out[i] = e
	}
	return out
}

func quoteList(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(q, ", ")
}
