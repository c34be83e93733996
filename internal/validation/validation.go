package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/kjstillabower/telemetry-ingest-service/internal/ingest"
	"github.com/kjstillabower/telemetry-ingest-service/internal/models"
	"github.com/kjstillabower/telemetry-ingest-service/internal/schema"
)

// ErrNotObject is the cause of MalformedBody when the payload is valid JSON but not an object.
var ErrNotObject = errors.New("JSON value is not an object")

// ErrInvalidUTF8 is the cause of MalformedBody when the payload is not UTF-8.
var ErrInvalidUTF8 = errors.New("body is not valid UTF-8")

// ErrTrailingData is the cause of MalformedBody when bytes follow the JSON object.
var ErrTrailingData = errors.New("unexpected data after JSON object")

// Options tunes the pipeline.
type Options struct {
	// NormalizeSingleQuotes rewrites ' to " before parsing. Lossy; only for
	// producers that emit Python-style dict literals.
	NormalizeSingleQuotes bool
}

// Validator runs the ingestion pipeline against a route registry:
// path, parse, required fields, coercion, timestamp, range. Each stage
// short-circuits with an *ingest.Error of a distinct kind.
type Validator struct {
	registry *schema.Registry
	opts     Options
}

// New returns a Validator bound to registry.
func New(registry *schema.Registry, opts Options) *Validator {
	return &Validator{registry: registry, opts: opts}
}

// Validate runs the whole pipeline for one request.
func (v *Validator) Validate(path string, body []byte) (models.Reading, error) {
	rs, err := v.CheckPath(path)
	if err != nil {
		return models.Reading{}, err
	}
	return v.ValidateBody(rs, body)
}

// CheckPath is stage 1: the path must be a registered route.
func (v *Validator) CheckPath(path string) (schema.RouteSchema, error) {
	rs, ok := v.registry.Lookup(path)
	if !ok {
		return schema.RouteSchema{}, &ingest.Error{Kind: ingest.KindUnknownRoute, Path: path}
	}
	return rs, nil
}

// ValidateBody runs stages 2 to 6 for a route already accepted by CheckPath.
func (v *Validator) ValidateBody(rs schema.RouteSchema, body []byte) (models.Reading, error) {
	obj, err := v.parse(body)
	if err != nil {
		return models.Reading{}, &ingest.Error{Kind: ingest.KindMalformedBody, Path: rs.Path, Err: err}
	}

	if missing := MissingFields(rs.Required(), obj); len(missing) > 0 {
		return models.Reading{}, &ingest.Error{Kind: ingest.KindMissingFields, Path: rs.Path, Missing: missing}
	}

	values := make(map[string]any, len(rs.Fields))
	for _, f := range rs.Fields {
		coerce, _ := schema.CoercerFor(f.Type)
		cv, err := coerce(obj[f.Name])
		if err != nil {
			return models.Reading{}, &ingest.Error{Kind: ingest.KindTypeMismatch, Path: rs.Path, Field: f.Name, Err: err}
		}
		values[f.Name] = cv
	}

	reading := models.Reading{Route: rs.Path, Collection: rs.Collection}
	if name, ok := rs.TimeField(); ok {
		ts, err := ParseTimestamp(values[name].(string))
		if err != nil {
			return models.Reading{}, &ingest.Error{Kind: ingest.KindBadTimestamp, Path: rs.Path, Field: name, Err: err}
		}
		reading.TimeField = name
		reading.Time = ts
		delete(values, name)
	}

	if violations := checkRanges(rs, values); len(violations) > 0 {
		return models.Reading{}, &ingest.Error{Kind: ingest.KindOutOfRange, Path: rs.Path, Violations: violations}
	}

	reading.Fields = values
	return reading, nil
}

func (v *Validator) parse(body []byte) (map[string]any, error) {
	if !utf8.Valid(body) {
		return nil, ErrInvalidUTF8
	}
	if v.opts.NormalizeSingleQuotes {
		body = bytes.ReplaceAll(body, []byte("'"), []byte(`"`))
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrTrailingData
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

// MissingFields returns required minus the keys present in obj, sorted.
func MissingFields(required []string, obj map[string]any) []string {
	var missing []string
	for _, name := range required {
		if _, ok := obj[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// ParseTimestamp accepts exactly YYYY-MM-DDTHH:MM:SSZ and returns a UTC time
// truncated to whole seconds. Fractional seconds and offsets are rejected.
func ParseTimestamp(s string) (time.Time, error) {
	if len(s) != len(schema.TimeLayout) {
		return time.Time{}, fmt.Errorf("%q does not match layout %s", s, schema.TimeLayout)
	}
	ts, err := time.Parse(schema.TimeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC().Truncate(time.Second), nil
}

func checkRanges(rs schema.RouteSchema, values map[string]any) []ingest.RangeViolation {
	var out []ingest.RangeViolation
	for _, f := range rs.Bounded() {
		var n float64
		switch x := values[f.Name].(type) {
		case float64:
			n = x
		case int64:
			n = float64(x)
		default:
			continue
		}
		if !f.Bounds.Contains(n) {
			out = append(out, ingest.RangeViolation{
				Field: f.Name,
				Value: n,
				Min:   f.Bounds.Min,
				Max:   f.Bounds.Max,
				Unit:  f.Unit,
			})
		}
	}
	return out
}
