// Package record holds the helpers adapters share when producing uniform
// records: id generation, the timestamp clock, and reshaping native maps.
package record

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/unidb/pkg/types"
)

// NewID generates a UUID v7 for record IDs.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to UUID v4 if v7 generation fails
		return uuid.New().String()
	}
	return id.String()
}

// Clock hands out millisecond timestamps that strictly increase, so an
// update stamped right after a create still has UpdatedAt > CreatedAt.
// Milliseconds are the finest precision every backend stores.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a Clock reading from now.
func NewClock(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the next timestamp.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Millisecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t
}

var defaultClock = NewClock(time.Now)

// Now returns the next timestamp from the process clock.
func Now() time.Time {
	return defaultClock.Now()
}

// New builds a record for create: fresh ID, CreatedAt == UpdatedAt.
func New(fields types.Fields) *types.Record {
	now := Now()
	return &types.Record{
		ID:        NewID(),
		Fields:    fields.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ParseTime accepts the shapes timestamps come back in from drivers and
// JSON documents: time.Time, TimeLayout or RFC 3339 strings, and epoch
// milliseconds.
func ParseTime(x any) (time.Time, error) {
	switch t := x.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		if ts, err := time.Parse(types.TimeLayout, t); err == nil {
			return ts.UTC(), nil
		}
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", t, err)
		}
		return ts.UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case types.Value:
		if ts, ok := t.AsTime(); ok {
			return ts.UTC(), nil
		}
		if i, ok := t.AsInt(); ok {
			return time.UnixMilli(i).UTC(), nil
		}
		if s, ok := t.AsString(); ok {
			return ParseTime(s)
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %T", x)
}

// FromMap reshapes a flat native document {id, ...fields, createdAt,
// updatedAt} into a record. idKey names the identity key used by the
// backend ("id" or "_id").
func FromMap(m map[string]any, idKey string) (*types.Record, error) {
	r := &types.Record{Fields: make(types.Fields, len(m))}
	for k, x := range m {
		switch k {
		case idKey, types.FieldID, types.FieldObjectID:
			if k != idKey {
				continue
			}
			r.ID = fmt.Sprint(x)
		case types.FieldCreatedAt:
			t, err := ParseTime(x)
			if err != nil {
				return nil, err
			}
			r.CreatedAt = t
		case types.FieldUpdatedAt:
			t, err := ParseTime(x)
			if err != nil {
				return nil, err
			}
			r.UpdatedAt = t
		default:
			v, err := types.ValueOf(x)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			r.Fields[k] = v
		}
	}
	return r, nil
}
