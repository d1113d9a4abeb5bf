package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/billease/data-sync/store"
)

// queryParams is the textual form of a store.Query accepted by the CLI flags
// and the HTTP query string.
type queryParams struct {
	Filters []string `form:"filter"`
	Order   string   `form:"order"`
	Limit   int      `form:"limit"`
	Offset  int      `form:"offset"`
}

// parseCondition reads "field:op:value". Values of the in operator are
// separated by "|".
func parseCondition(expr string) (store.Condition, error) {
	parts := strings.SplitN(expr, ":", 3)
	if len(parts) != 3 {
		return store.Condition{}, fmt.Errorf("%w: filter %q is not field:op:value", store.ErrInvalidQuery, expr)
	}
	op, err := store.ParseOperator(parts[1])
	if err != nil {
		return store.Condition{}, err
	}
	if op == store.OpIn {
		var values []any
		for _, v := range strings.Split(parts[2], "|") {
			values = append(values, parseValue(v))
		}
		return store.In(parts[0], values), nil
	}
	if op == store.OpLike {
		return store.Like(parts[0], parts[2]), nil
	}
	return store.Condition{Field: parts[0], Op: op, Value: parseValue(parts[2])}, nil
}

func parseValue(s string) any {
	if s == "null" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// query builds the store query. Order is "field" or "field:asc|desc".
func (p queryParams) query() (store.Query, error) {
	q := store.NewQuery()
	for _, expr := range p.Filters {
		cond, err := parseCondition(expr)
		if err != nil {
			return q, err
		}
		q = q.Where(cond)
	}
	if p.Order != "" {
		field, dir, _ := strings.Cut(p.Order, ":")
		switch strings.ToLower(dir) {
		case "", "asc":
			q = q.OrderBy(field, store.Asc)
		case "desc":
			q = q.OrderBy(field, store.Desc)
		default:
			return q, fmt.Errorf("%w: unknown order direction %q", store.ErrInvalidQuery, dir)
		}
	}
	if p.Limit < 0 || p.Offset < 0 {
		return q, fmt.Errorf("%w: limit and offset must not be negative", store.ErrInvalidQuery)
	}
	if p.Limit > 0 {
		q = q.Limit(p.Limit)
	}
	if p.Offset > 0 {
		q = q.Offset(p.Offset)
	}
	return q, nil
}
