// Package ingest defines the ingestion error taxonomy shared by the validator,
// the ingestion service and the HTTP layer.
package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates ingestion failures. The zero value is not a valid kind.
type Kind int

const (
	KindUnknownRoute Kind = iota + 1
	KindMalformedBody
	KindMissingFields
	KindTypeMismatch
	KindBadTimestamp
	KindOutOfRange
	KindBodyTooLarge
	KindStoreError
)

// Kinds lists every kind, in declaration order.
var Kinds = []Kind{
	KindUnknownRoute, KindMalformedBody, KindMissingFields, KindTypeMismatch,
	KindBadTimestamp, KindOutOfRange, KindBodyTooLarge, KindStoreError,
}

func (k Kind) String() string {
	switch k {
	case KindUnknownRoute:
		return "unknown_route"
	case KindMalformedBody:
		return "malformed_body"
	case KindMissingFields:
		return "missing_fields"
	case KindTypeMismatch:
		return "type_mismatch"
	case KindBadTimestamp:
		return "bad_timestamp"
	case KindOutOfRange:
		return "out_of_range"
	case KindBodyTooLarge:
		return "body_too_large"
	case KindStoreError:
		return "store_error"
	default:
		return "unknown"
	}
}

// RangeViolation records one bounded field whose value fell outside its bounds.
type RangeViolation struct {
	Field string
	Value float64
	Min   float64
	Max   float64
	Unit  string
}

func (v RangeViolation) String() string {
	unit := ""
	if v.Unit != "" {
		unit = " " + v.Unit
	}
	return fmt.Sprintf("%s: %s -> %s%s (got %s%s)",
		v.Field, formatFloat(v.Min), formatFloat(v.Max), unit, formatFloat(v.Value), unit)
}

// Error is the single error type returned by every ingestion stage.
type Error struct {
	Kind       Kind
	Path       string
	Field      string           // TypeMismatch, BadTimestamp
	Missing    []string         // MissingFields, sorted
	Violations []RangeViolation // OutOfRange
	Limit      int64            // BodyTooLarge
	Err        error
}

// Error renders the human-readable diagnostic returned to the producer.
func (e *Error) Error() string {
	switch e.Kind {
	case KindUnknownRoute:
		return fmt.Sprintf("POST request to path %q not allowed", e.Path)
	case KindMalformedBody:
		return withCause("request body is not a JSON object", e.Err)
	case KindMissingFields:
		return "JSON does not contain all required fields. Missing field(s): " + strings.Join(e.Missing, ", ")
	case KindTypeMismatch:
		return withCause(fmt.Sprintf("field %q has the wrong datatype", e.Field), e.Err)
	case KindBadTimestamp:
		return withCause(fmt.Sprintf("field %q is not in the format YYYY-MM-DDTHH:MM:SSZ", e.Field), e.Err)
	case KindOutOfRange:
		lines := make([]string, 0, len(e.Violations)+1)
		lines = append(lines, "sensor values outside operational range:")
		for _, v := range e.Violations {
			lines = append(lines, v.String())
		}
		return strings.Join(lines, "\n")
	case KindBodyTooLarge:
		return fmt.Sprintf("request body exceeds limit of %d bytes", e.Limit)
	case KindStoreError:
		return "failed to save reading"
	default:
		return withCause("ingestion failed", e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err when it is (or wraps) an *Error, else 0.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return 0
}

func withCause(msg string, err error) string {
	if err == nil {
		return msg
	}
	return msg + ": " + err.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
