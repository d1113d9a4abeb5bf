package store

import (
	"fmt"
	"reflect"
	"regexp"

	"github.com/google/go-cmp/cmp"
)

// Operator is the closed set of comparisons a filter may use.
type Operator int

const (
	OpEq Operator = iota
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
	OpLike
	OpIn
)

func (o Operator) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpNeq:
		return "neq"
	case OpGt:
		return "gt"
	case OpGte:
		return "gte"
	case OpLt:
		return "lt"
	case OpLte:
		return "lte"
	case OpLike:
		return "like"
	case OpIn:
		return "in"
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// ParseOperator maps the short operator names used on the wire and in the
// CLI onto the enumeration.
func ParseOperator(s string) (Operator, error) {
	for op := OpEq; op <= OpIn; op++ {
		if op.String() == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, s)
}

// Condition is one (field, operator, value) predicate. For OpIn the value is
// a slice.
type Condition struct {
	Field string
	Op    Operator
	Value any
}

func Eq(field string, value any) Condition   { return Condition{Field: field, Op: OpEq, Value: value} }
func Neq(field string, value any) Condition  { return Condition{Field: field, Op: OpNeq, Value: value} }
func Gt(field string, value any) Condition   { return Condition{Field: field, Op: OpGt, Value: value} }
func Gte(field string, value any) Condition  { return Condition{Field: field, Op: OpGte, Value: value} }
func Lt(field string, value any) Condition   { return Condition{Field: field, Op: OpLt, Value: value} }
func Lte(field string, value any) Condition  { return Condition{Field: field, Op: OpLte, Value: value} }
func Like(field string, pattern string) Condition {
	return Condition{Field: field, Op: OpLike, Value: pattern}
}

// In accepts the set either as variadic values or as a single slice.
func In(field string, values ...any) Condition {
	if len(values) == 1 {
		if flat, err := InValues(values[0]); err == nil && values[0] != nil {
			return Condition{Field: field, Op: OpIn, Value: flat}
		}
	}
	return Condition{Field: field, Op: OpIn, Value: values}
}

// Filter holds at most one condition per field, in insertion order. The zero
// value matches everything.
type Filter struct {
	conds []Condition
}

func NewFilter(conds ...Condition) Filter {
	var f Filter
	for _, c := range conds {
		f = f.With(c)
	}
	return f
}

// With returns a copy of f with c added, replacing any condition already set
// on the same field.
func (f Filter) With(c Condition) Filter {
	conds := make([]Condition, 0, len(f.conds)+1)
	replaced := false
	for _, existing := range f.conds {
		if existing.Field == c.Field {
			conds = append(conds, c)
			replaced = true
			continue
		}
		conds = append(conds, existing)
	}
	if !replaced {
		conds = append(conds, c)
	}
	return Filter{conds: conds}
}

func (f Filter) Conditions() []Condition {
	return append([]Condition(nil), f.conds...)
}

func (f Filter) Len() int {
	return len(f.conds)
}

type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

type Order struct {
	Field     string
	Direction Direction
}

// Query describes one read. It is a value type: every builder method returns
// a modified copy and never touches the receiver.
type Query struct {
	filter Filter
	order  *Order
	limit  int
	offset int
}

func NewQuery() Query {
	return Query{}
}

func (q Query) Where(conds ...Condition) Query {
	for _, c := range conds {
		q.filter = q.filter.With(c)
	}
	return q
}

func (q Query) WithFilter(f Filter) Query {
	for _, c := range f.conds {
		q.filter = q.filter.With(c)
	}
	return q
}

func (q Query) OrderBy(field string, dir Direction) Query {
	q.order = &Order{Field: field, Direction: dir}
	return q
}

// Limit caps the number of rows. Zero means no limit.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

func (q Query) Offset(n int) Query {
	q.offset = n
	return q
}

func (q Query) Filter() Filter { return q.filter }

func (q Query) Order() (Order, bool) {
	if q.order == nil {
		return Order{}, false
	}
	return *q.order, true
}

func (q Query) LimitValue() int  { return q.limit }
func (q Query) OffsetValue() int { return q.offset }

// Equal reports whether two queries describe the same read.
func (q Query) Equal(other Query) bool {
	return q.limit == other.limit && q.offset == other.offset &&
		cmp.Equal(q.order, other.order) &&
		cmp.Equal(q.filter, other.filter, cmp.AllowUnexported(Filter{}))
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether name can be used as a table or column name.
func ValidIdent(name string) bool {
	return identPattern.MatchString(name)
}

// InValues flattens the value of an OpIn condition.
func InValues(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case nil:
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: in-set value must be a list, got %T", ErrInvalidQuery, v)
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, fmt.Errorf("%w: in-set value must be a list, got %T", ErrInvalidQuery, v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
