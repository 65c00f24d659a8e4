package types

import (
	"encoding/json"
	"time"
)

// Record is the uniform shape returned by every adapter.
type Record struct {
	ID        string
	Fields    Fields
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Get returns the value of a field, resolving dotted paths.
func (r *Record) Get(path string) (Value, bool) {
	return r.Fields.Get(path)
}

// Map flattens the record into {id, ...fields, createdAt, updatedAt} with
// native Go values.
func (r *Record) Map() map[string]any {
	m := r.Fields.Interface()
	m[FieldID] = r.ID
	m[FieldCreatedAt] = r.CreatedAt
	m[FieldUpdatedAt] = r.UpdatedAt
	return m
}

// MarshalJSON encodes the flattened form.
func (r *Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		m[k] = v
	}
	m[FieldID] = r.ID
	m[FieldCreatedAt] = r.CreatedAt.UTC().Format(TimeLayout)
	m[FieldUpdatedAt] = r.UpdatedAt.UTC().Format(TimeLayout)
	return json.Marshal(m)
}

// Clone returns a copy of r that shares no field map with it.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = r.Fields.Clone()
	return &c
}
