package store

import (
	"fmt"
	"strings"
)

// Dialect supplies the pieces of SQL syntax that differ between backends.
type Dialect interface {
	// Placeholder returns the marker for the n-th (1-based) parameter.
	Placeholder(n int) string
	QuoteIdent(name string) string
	// LimitOffset renders the pagination suffix, including its leading space.
	// Zero values mean "not set".
	LimitOffset(limit, offset int) string
}

// Statement is a parameterized SQL statement. Values are never interpolated
// into SQL.
type Statement struct {
	SQL  string
	Args []any
}

// SQLBuilder compiles store queries and writes into SQL for one dialect.
type SQLBuilder struct {
	dialect Dialect
}

func NewSQLBuilder(d Dialect) *SQLBuilder {
	return &SQLBuilder{dialect: d}
}

type argList struct {
	dialect Dialect
	args    []any
}

func (a *argList) add(v any) string {
	a.args = append(a.args, v)
	return a.dialect.Placeholder(len(a.args))
}

func (b *SQLBuilder) ident(name string) (string, error) {
	if !ValidIdent(name) {
		return "", fmt.Errorf("%w: invalid identifier %q", ErrInvalidQuery, name)
	}
	return b.dialect.QuoteIdent(name), nil
}

func (b *SQLBuilder) Select(table string, q Query) (Statement, error) {
	t, err := b.ident(table)
	if err != nil {
		return Statement{}, err
	}
	if q.limit < 0 || q.offset < 0 {
		return Statement{}, fmt.Errorf("%w: negative limit or offset", ErrInvalidQuery)
	}
	args := &argList{dialect: b.dialect}
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(t)
	where, err := b.where(q.filter, args)
	if err != nil {
		return Statement{}, err
	}
	sb.WriteString(where)
	if q.order != nil {
		col, err := b.ident(q.order.Field)
		if err != nil {
			return Statement{}, err
		}
		dir := q.order.Direction
		if dir == "" {
			dir = Asc
		}
		if dir != Asc && dir != Desc {
			return Statement{}, fmt.Errorf("%w: invalid order direction %q", ErrInvalidQuery, dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(col)
		sb.WriteString(" ")
		sb.WriteString(string(dir))
	}
	sb.WriteString(b.dialect.LimitOffset(q.limit, q.offset))
	return Statement{SQL: sb.String(), Args: args.args}, nil
}

func (b *SQLBuilder) Insert(table string, rec Record) (Statement, error) {
	t, err := b.ident(table)
	if err != nil {
		return Statement{}, err
	}
	if len(rec) == 0 {
		return Statement{}, fmt.Errorf("%w: empty record", ErrInvalidQuery)
	}
	args := &argList{dialect: b.dialect}
	fields := rec.Fields()
	cols := make([]string, len(fields))
	marks := make([]string, len(fields))
	for i, f := range fields {
		if cols[i], err = b.ident(f); err != nil {
			return Statement{}, err
		}
		marks[i] = args.add(rec[f])
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		t, strings.Join(cols, ", "), strings.Join(marks, ", "))
	return Statement{SQL: sql, Args: args.args}, nil
}

// Update sets every field of rec except the id on the rows matching filter.
func (b *SQLBuilder) Update(table string, rec Record, filter Filter) (Statement, error) {
	t, err := b.ident(table)
	if err != nil {
		return Statement{}, err
	}
	args := &argList{dialect: b.dialect}
	var sets []string
	for _, f := range rec.Fields() {
		if f == FieldID {
			continue
		}
		col, err := b.ident(f)
		if err != nil {
			return Statement{}, err
		}
		sets = append(sets, col+" = "+args.add(rec[f]))
	}
	if len(sets) == 0 {
		return Statement{}, fmt.Errorf("%w: nothing to update", ErrInvalidQuery)
	}
	where, err := b.where(filter, args)
	if err != nil {
		return Statement{}, err
	}
	sql := fmt.Sprintf("UPDATE %s SET %s%s RETURNING *", t, strings.Join(sets, ", "), where)
	return Statement{SQL: sql, Args: args.args}, nil
}

func (b *SQLBuilder) Delete(table string, filter Filter) (Statement, error) {
	t, err := b.ident(table)
	if err != nil {
		return Statement{}, err
	}
	args := &argList{dialect: b.dialect}
	where, err := b.where(filter, args)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: "DELETE FROM " + t + where, Args: args.args}, nil
}

// where renders the filter as " WHERE ..." or an empty string.
func (b *SQLBuilder) where(f Filter, args *argList) (string, error) {
	if len(f.conds) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(f.conds))
	for _, c := range f.conds {
		p, err := b.predicate(c, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func (b *SQLBuilder) predicate(c Condition, args *argList) (string, error) {
	col, err := b.ident(c.Field)
	if err != nil {
		return "", err
	}
	switch c.Op {
	case OpEq:
		if c.Value == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + args.add(c.Value), nil
	case OpNeq:
		if c.Value == nil {
			return col + " IS NOT NULL", nil
		}
		return col + " <> " + args.add(c.Value), nil
	case OpGt:
		return col + " > " + args.add(c.Value), nil
	case OpGte:
		return col + " >= " + args.add(c.Value), nil
	case OpLt:
		return col + " < " + args.add(c.Value), nil
	case OpLte:
		return col + " <= " + args.add(c.Value), nil
	case OpLike:
		return col + " LIKE " + args.add(c.Value), nil
	case OpIn:
		values, err := InValues(c.Value)
		if err != nil {
			return "", err
		}
		if len(values) == 0 {
			return "1 = 0", nil
		}
		marks := make([]string, len(values))
		for i, v := range values {
			marks[i] = args.add(v)
		}
		return col + " IN (" + strings.Join(marks, ", ") + ")", nil
	default:
		return "", fmt.Errorf("%w: unsupported operator %s on %q", ErrInvalidQuery, c.Op, c.Field)
	}
}
