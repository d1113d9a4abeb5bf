package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueryBuildersDoNotMutate(t *testing.T) {
	base := NewQuery().Where(Eq("company", "c1"))
	paged := base.OrderBy("updated_at", Desc).Limit(10).Offset(5)
	narrowed := base.Where(Gt("tier", 3))

	require.Equal(t, 1, base.Filter().Len())
	_, ordered := base.Order()
	require.False(t, ordered)
	require.Zero(t, base.LimitValue())
	require.Zero(t, base.OffsetValue())

	order, ok := paged.Order()
	require.True(t, ok)
	require.Equal(t, Order{Field: "updated_at", Direction: Desc}, order)
	require.Equal(t, 10, paged.LimitValue())
	require.Equal(t, 5, paged.OffsetValue())
	require.Equal(t, 2, narrowed.Filter().Len())
}

func TestFilterReplacesSameField(t *testing.T) {
	f := NewFilter(Eq("company", "c1"), Gt("tier", 1), Eq("company", "c2"))
	conds := f.Conditions()
	require.Equal(t, []Condition{Eq("company", "c2"), Gt("tier", 1)}, conds)

	conds[0] = Eq("company", "mutated")
	require.Equal(t, "c2", f.Conditions()[0].Value, "Conditions must return a copy")
}

func TestFilterKeepsLastOperatorPerField(t *testing.T) {
	q := NewQuery().Where(Gt("tier", 1), Lte("tier", 3))
	require.Equal(t, []Condition{Lte("tier", 3)}, q.Filter().Conditions())

	q = q.Where(Gte("tier", 2))
	require.Equal(t, []Condition{Gte("tier", 2)}, q.Filter().Conditions())
}

func TestParseOperator(t *testing.T) {
	for op := OpEq; op <= OpIn; op++ {
		parsed, err := ParseOperator(op.String())
		require.NoError(t, err)
		require.Equal(t, op, parsed)
	}
	_, err := ParseOperator("between")
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestInValues(t *testing.T) {
	values, err := InValues([]string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, values)

	values, err = InValues(nil)
	require.NoError(t, err)
	require.Empty(t, values)

	_, err = InValues("a")
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = InValues([]byte("ab"))
	require.ErrorIs(t, err, ErrInvalidQuery)

	require.Equal(t, []any{1, 2}, In("tier", []int{1, 2}).Value)
	require.Equal(t, []any{1, 2}, In("tier", 1, 2).Value)
	require.Equal(t, []any{"solo"}, In("name", "solo").Value)
}

func TestValidIdent(t *testing.T) {
	require.True(t, ValidIdent("updated_at"))
	require.True(t, ValidIdent("_x1"))
	require.False(t, ValidIdent("1x"))
	require.False(t, ValidIdent("a b"))
	require.False(t, ValidIdent(`a"b`))
	require.False(t, ValidIdent(""))
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("remote")
	require.NoError(t, err)
	require.Equal(t, BackendRemote, b)
	b, err = ParseBackend("local")
	require.NoError(t, err)
	require.Equal(t, BackendLocal, b)
	_, err = ParseBackend("mysql")
	require.Error(t, err)
}

func TestQueryEqual(t *testing.T) {
	a := NewQuery().Where(Eq("company", "c1"), In("tier", 1, 2)).OrderBy("tier", Asc).Limit(3)
	b := NewQuery().Where(Eq("company", "c1"), In("tier", []int{1, 2})).OrderBy("tier", Asc).Limit(3)
	require.True(t, a.Equal(b))
	require.True(t, NewQuery().Equal(Query{}))
	require.False(t, a.Equal(b.Limit(4)))
	require.False(t, a.Equal(b.Where(Eq("company", "c2"))))
}
