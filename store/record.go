package store

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

// TimeFormat is the layout of every timestamp written by a translator.
const TimeFormat = "2006-01-02T15:04:05.000Z"

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime reads a timestamp field. Absent values yield the zero time.
func ParseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case []byte:
		return ParseTime(string(t))
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		for _, layout := range parseLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// Record is one row: field name to scalar or JSON-serializable value.
type Record map[string]any

func (r Record) ID() string {
	switch v := r[FieldID].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Fields returns the record's field names in sorted order.
func (r Record) Fields() []string {
	fields := make([]string, 0, len(r))
	for k := range r {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Timestamp is the record's last-write time: updated_at, or created_at when
// updated_at is absent.
func (r Record) Timestamp() (time.Time, error) {
	if v, ok := r[FieldUpdatedAt]; ok && v != nil && v != "" {
		return ParseTime(v)
	}
	return ParseTime(r[FieldCreatedAt])
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

// canonicalTime rewrites a parseable timestamp in TimeFormat. Anything else
// is returned unchanged.
func canonicalTime(v any) any {
	if isBlank(v) {
		return v
	}
	t, err := ParseTime(v)
	if err != nil || t.IsZero() {
		return v
	}
	return FormatTime(t)
}

// PrepareInsert stamps a record about to be inserted. Fields the caller
// supplied are kept; supplied timestamps are rewritten in TimeFormat.
func PrepareInsert(rec Record, now string) Record {
	out := rec.Clone()
	if out == nil {
		out = Record{}
	}
	if isBlank(out[FieldID]) {
		out[FieldID] = uuid.NewString()
	}
	for _, f := range []string{FieldCreatedAt, FieldUpdatedAt} {
		if v, ok := out[f]; ok {
			out[f] = canonicalTime(v)
		}
	}
	if isBlank(out[FieldCreatedAt]) {
		out[FieldCreatedAt] = now
	}
	if isBlank(out[FieldUpdatedAt]) {
		out[FieldUpdatedAt] = now
	}
	return out
}

// PrepareUpdate stamps a partial record about to be written by Update.
// updated_at is always replaced and the id is never part of the set list.
func PrepareUpdate(rec Record, now string) Record {
	out := rec.Clone()
	if out == nil {
		out = Record{}
	}
	delete(out, FieldID)
	out[FieldUpdatedAt] = now
	return out
}

// SameFields reports whether two records hold the same values once backend
// specific value types are normalized.
func SameFields(a, b Record) bool {
	return cmp.Equal(normalizeRecord(a), normalizeRecord(b),
		cmp.Exporter(func(reflect.Type) bool { return true }))
}

func normalizeRecord(r Record) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		if k == FieldCreatedAt || k == FieldUpdatedAt {
			v = canonicalTime(v)
		}
		out[k] = NormalizeValue(v)
	}
	return out
}

// NormalizeValue maps driver value types onto a small common set so records
// read from different backends compare equal.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	case time.Time:
		return FormatTime(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = NormalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NormalizeValue(e)
		}
		return out
	}
	return v
}
