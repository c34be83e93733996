package models

import "time"

// Reading is one validated, normalized telemetry record bound for a route's collection.
// Fields holds the coerced non-time values keyed by field name (float64, int64 or string).
type Reading struct {
	Route      string         `json:"-"`
	Collection string         `json:"-"`
	TimeField  string         `json:"-"`
	Time       time.Time      `json:"time"`
	Fields     map[string]any `json:"fields"`
}

// Float returns the named field as float64.
func (r Reading) Float(name string) (float64, bool) {
	v, ok := r.Fields[name].(float64)
	return v, ok
}

// Int returns the named field as int64.
func (r Reading) Int(name string) (int64, bool) {
	v, ok := r.Fields[name].(int64)
	return v, ok
}

// String returns the named field as string.
func (r Reading) String(name string) (string, bool) {
	v, ok := r.Fields[name].(string)
	return v, ok
}

// Document returns the persisted shape: the time field plus every coerced field.
// The returned map is a fresh copy; callers may hand it to a driver.
func (r Reading) Document() map[string]any {
	doc := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		doc[k] = v
	}
	key := r.TimeField
	if key == "" {
		key = "time"
	}
	doc[key] = r.Time
	return doc
}
