package sqlstore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/mesh-intelligence/unidb/internal/record"
	"github.com/mesh-intelligence/unidb/internal/schema"
	"github.com/mesh-intelligence/unidb/pkg/types"
)

// row converts a record into bind arguments for m.writeColumns.
func (m *model) row(d dialect, r *types.Record) ([]any, error) {
	out := []any{r.ID}
	extra := make(types.Fields)
	for name, v := range r.Fields {
		if _, declared := m.byField[name]; !declared {
			extra[name] = v
		}
	}
	for _, c := range m.cols {
		if c.envelope {
			continue
		}
		v, ok := r.Fields[c.field]
		if !ok {
			out = append(out, nil)
			continue
		}
		arg, err := d.arg(c.def.Type, v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", c.field, err)
		}
		out = append(out, arg)
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, types.Malformed("encoding undeclared fields: %v", err)
	}
	created, err := d.arg(types.TypeDate, types.TimeValue(r.CreatedAt))
	if err != nil {
		return nil, err
	}
	updated, err := d.arg(types.TypeDate, types.TimeValue(r.UpdatedAt))
	if err != nil {
		return nil, err
	}
	return append(out, string(data), created, updated), nil
}

// scanDest returns one destination per selected column.
func (m *model) scanDest() []any {
	n := 4
	for _, c := range m.cols {
		if !c.envelope {
			n++
		}
	}
	dest := make([]any, n)
	for i := range dest {
		dest[i] = new(any)
	}
	return dest
}

// record rebuilds a record from the raw values of one selected row.
func (m *model) record(dest []any) (*types.Record, error) {
	raw := make([]any, len(dest))
	for i, p := range dest {
		raw[i] = *(p.(*any))
	}
	id, ok := asText(raw[0])
	if !ok {
		return nil, fmt.Errorf("unexpected id %T", raw[0])
	}
	r := &types.Record{ID: id, Fields: make(types.Fields)}

	i := 1
	for _, c := range m.cols {
		if c.envelope {
			continue
		}
		v, err := decodeColumn(c, raw[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.name, err)
		}
		if !v.IsNull() {
			r.Fields[c.field] = v
		}
		i++
	}

	if text, ok := asText(raw[i]); ok && text != "" {
		var extra map[string]types.Value
		if err := json.Unmarshal([]byte(text), &extra); err != nil {
			return nil, fmt.Errorf("column %s: %w", colExtra, err)
		}
		for k, v := range extra {
			r.Fields[k] = v
		}
	}

	var err error
	if r.CreatedAt, err = record.ParseTime(raw[i+1]); err != nil {
		return nil, fmt.Errorf("column %s: %w", colCreatedAt, err)
	}
	if r.UpdatedAt, err = record.ParseTime(raw[i+2]); err != nil {
		return nil, fmt.Errorf("column %s: %w", colUpdatedAt, err)
	}
	r.Fields = schema.Coerce(m.schema, r.Fields)
	return r, nil
}

func asText(x any) (string, bool) {
	switch v := x.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

// decodeColumn converts what the driver returned for a typed column.
// Drivers differ: sqlite hands back int64 for booleans and strings for
// dates, postgres returns bool, float64 and time.Time.
func decodeColumn(c *column, x any) (types.Value, error) {
	if x == nil {
		return types.NullValue(), nil
	}
	if c.json {
		text, ok := asText(x)
		if !ok {
			return types.ValueOf(x)
		}
		var v types.Value
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return types.Value{}, err
		}
		return v, nil
	}
	switch c.def.Type {
	case types.TypeBoolean:
		switch v := x.(type) {
		case bool:
			return types.BoolValue(v), nil
		case int64:
			return types.BoolValue(v != 0), nil
		}
	case types.TypeDate:
		t, err := record.ParseTime(x)
		if err != nil {
			return types.Value{}, err
		}
		return types.TimeValue(t), nil
	case types.TypeBuffer:
		if b, ok := x.([]byte); ok {
			return types.BytesValue(append([]byte(nil), b...)), nil
		}
	case types.TypeNumber:
		switch v := x.(type) {
		case int64:
			return types.IntValue(v), nil
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
				return types.IntValue(int64(v)), nil
			}
			return types.FloatValue(v), nil
		case string, []byte:
			s, _ := asText(v)
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return types.IntValue(i), nil
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return types.Value{}, err
			}
			return types.FloatValue(f), nil
		}
	default:
		if s, ok := asText(x); ok {
			return types.StringValue(s), nil
		}
	}
	if t, ok := x.(time.Time); ok {
		return types.TimeValue(t), nil
	}
	return types.ValueOf(x)
}
