// Package schema holds the per-route ingestion schemas: which fields a route
// requires, how each field is coerced and which numeric bounds apply.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// FieldType names a coercion rule.
type FieldType string

const (
	TypeFloat     FieldType = "float"
	TypeInt       FieldType = "int"
	TypeString    FieldType = "string"
	TypeTimestamp FieldType = "timestamp"
)

// TimeLayout is the only accepted timestamp format: UTC, whole seconds, literal Z.
const TimeLayout = "2006-01-02T15:04:05Z"

// Bounds is an inclusive numeric range.
type Bounds struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within b, inclusive.
func (b Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// Field describes one required field of a route.
type Field struct {
	Name   string
	Type   FieldType
	Bounds *Bounds // nil means unbounded
	Unit   string
}

// RouteSchema binds an ingestion path to a collection and its field rules.
type RouteSchema struct {
	Path       string
	Collection string
	Fields     []Field
}

// Required returns the required field names in schema order.
func (s RouteSchema) Required() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the named field definition.
func (s RouteSchema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// TimeField returns the name of the route's timestamp field, if any.
func (s RouteSchema) TimeField() (string, bool) {
	for _, f := range s.Fields {
		if f.Type == TypeTimestamp {
			return f.Name, true
		}
	}
	return "", false
}

// Bounded returns the fields carrying range bounds, in schema order.
func (s RouteSchema) Bounded() []Field {
	var out []Field
	for _, f := range s.Fields {
		if f.Bounds != nil {
			out = append(out, f)
		}
	}
	return out
}

func (s RouteSchema) check() error {
	if s.Path == "" || !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("route path %q must start with /", s.Path)
	}
	if strings.TrimSpace(s.Collection) == "" {
		return fmt.Errorf("route %s: collection is required", s.Path)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("route %s: at least one field is required", s.Path)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	timestamps := 0
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("route %s: field name is required", s.Path)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("route %s: duplicate field %q", s.Path, f.Name)
		}
		seen[f.Name] = struct{}{}
		if _, ok := CoercerFor(f.Type); !ok {
			return fmt.Errorf("route %s: field %q has unknown type %q", s.Path, f.Name, f.Type)
		}
		if f.Type == TypeTimestamp {
			timestamps++
		}
		if f.Bounds != nil {
			if f.Type != TypeFloat && f.Type != TypeInt {
				return fmt.Errorf("route %s: field %q of type %s cannot carry bounds", s.Path, f.Name, f.Type)
			}
			if f.Bounds.Min > f.Bounds.Max {
				return fmt.Errorf("route %s: field %q has min %v > max %v", s.Path, f.Name, f.Bounds.Min, f.Bounds.Max)
			}
		}
	}
	if timestamps > 1 {
		return fmt.Errorf("route %s: at most one timestamp field allowed, got %d", s.Path, timestamps)
	}
	return nil
}

// LoftBME returns the schema of the BME680 loft sensor: time, temperature,
// pressure, humidity and gas resistance.
func LoftBME(path, collection string) RouteSchema {
	return RouteSchema{
		Path:       path,
		Collection: collection,
		Fields: []Field{
			{Name: "time", Type: TypeTimestamp},
			{Name: "temperature", Type: TypeFloat, Bounds: &Bounds{Min: -40, Max: 85}, Unit: "C"},
			{Name: "pressure", Type: TypeFloat, Bounds: &Bounds{Min: 300, Max: 1100}, Unit: "hPa"},
			{Name: "humidity", Type: TypeFloat, Bounds: &Bounds{Min: 0, Max: 100}, Unit: "%"},
			{Name: "gas", Type: TypeInt, Unit: "Ohms"},
		},
	}
}

// Registry is the read-only set of accepted routes. Safe for concurrent use
// because it is never mutated after NewRegistry returns.
type Registry struct {
	routes map[string]RouteSchema
}

// NewRegistry validates and indexes the given schemas by path.
func NewRegistry(schemas ...RouteSchema) (*Registry, error) {
	if len(schemas) == 0 {
		return nil, fmt.Errorf("schema registry: no routes")
	}
	routes := make(map[string]RouteSchema, len(schemas))
	for _, s := range schemas {
		if err := s.check(); err != nil {
			return nil, fmt.Errorf("schema registry: %w", err)
		}
		if _, dup := routes[s.Path]; dup {
			return nil, fmt.Errorf("schema registry: duplicate route %s", s.Path)
		}
		fields := make([]Field, len(s.Fields))
		copy(fields, s.Fields)
		s.Fields = fields
		routes[s.Path] = s
	}
	return &Registry{routes: routes}, nil
}

// Lookup returns the schema bound to path.
func (r *Registry) Lookup(path string) (RouteSchema, bool) {
	s, ok := r.routes[path]
	return s, ok
}

// Paths returns every registered path, sorted.
func (r *Registry) Paths() []string {
	out := make([]string, 0, len(r.routes))
	for p := range r.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Collections returns the distinct collections bound to registered routes, sorted.
func (r *Registry) Collections() []string {
	set := make(map[string]struct{}, len(r.routes))
	for _, s := range r.routes {
		set[s.Collection] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
