package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// ManualClock is a clock tests can set and advance.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TranslatorTest is run by every backend against a "customers" table:
//
//	id TEXT PRIMARY KEY, company TEXT NOT NULL, name TEXT NOT NULL,
//	email TEXT UNIQUE, tier BIGINT, balance DOUBLE PRECISION,
//	created_at TEXT NOT NULL, updated_at TEXT NOT NULL
//
// Clock must be the clock the translator under test was built with.
type TranslatorTest struct {
	Clock *ManualClock
}

const testTable = "customers"

var testEpoch = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func (s *TranslatorTest) TestInsertSelect(t *testing.T, tr Translator) {
	ctx := context.Background()
	s.Clock.Set(testEpoch)
	company := uuid.NewString()

	rec, err := tr.Insert(ctx, testTable, Record{"company": company, "name": "Acme"})
	require.NoError(t, err, "failed to call Insert")
	id := rec.ID()
	require.NotEmpty(t, id, "insert should assign an id")
	require.Equal(t, "2025-01-01T10:00:00.000Z", rec[FieldCreatedAt])
	require.Equal(t, "2025-01-01T10:00:00.000Z", rec[FieldUpdatedAt])

	found, err := tr.SelectOne(ctx, testTable, NewQuery().Where(Eq(FieldID, id)))
	require.NoError(t, err, "failed to call SelectOne")
	require.NotNil(t, found)
	require.Equal(t, "Acme", found["name"])
	require.Equal(t, company, found["company"])

	missing, err := tr.SelectOne(ctx, testTable, NewQuery().Where(Eq(FieldID, uuid.NewString())))
	require.NoError(t, err, "SelectOne on a missing id should not fail")
	require.Nil(t, missing)

	empty, err := tr.Select(ctx, testTable, NewQuery().Where(Eq("company", uuid.NewString())))
	require.NoError(t, err, "Select with no matches should not fail")
	require.NotNil(t, empty)
	require.Len(t, empty, 0)
}

func (s *TranslatorTest) TestInsertKeepsSuppliedTimestamps(t *testing.T, tr Translator) {
	ctx := context.Background()
	s.Clock.Set(testEpoch)
	id := uuid.NewString()

	rec, err := tr.Insert(ctx, testTable, Record{
		FieldID:        id,
		"company":      uuid.NewString(),
		"name":         "Acme",
		FieldCreatedAt: "2024-12-31T00:00:00.000Z",
		FieldUpdatedAt: "2025-01-01T00:00:00.000Z",
	})
	require.NoError(t, err, "failed to call Insert")
	require.Equal(t, id, rec.ID())
	require.Equal(t, "2024-12-31T00:00:00.000Z", rec[FieldCreatedAt])
	require.Equal(t, "2025-01-01T00:00:00.000Z", rec[FieldUpdatedAt])
}

func (s *TranslatorTest) TestUpdateStampsTime(t *testing.T, tr Translator) {
	ctx := context.Background()
	s.Clock.Set(testEpoch)

	inserted, err := tr.Insert(ctx, testTable, Record{"company": uuid.NewString(), "name": "Acme"})
	require.NoError(t, err, "failed to call Insert")
	id := inserted.ID()

	s.Clock.Advance(time.Second)
	updated, err := tr.Update(ctx, testTable, Record{
		FieldID:        "forged",
		"name":         "Acme Corp",
		FieldUpdatedAt: "2000-01-01T00:00:00.000Z",
	}, NewFilter(Eq(FieldID, id)))
	require.NoError(t, err, "failed to call Update")
	require.Len(t, updated, 1)
	require.Equal(t, id, updated[0].ID(), "update must not reassign the id")
	require.Equal(t, "Acme Corp", updated[0]["name"])
	require.Equal(t, "2025-01-01T10:00:01.000Z", updated[0][FieldUpdatedAt], "caller supplied updated_at must be ignored")

	insertedAt, err := inserted.Timestamp()
	require.NoError(t, err)
	updatedAt, err := updated[0].Timestamp()
	require.NoError(t, err)
	require.False(t, updatedAt.Before(insertedAt))

	none, err := tr.Update(ctx, testTable, Record{"name": "nobody"}, NewFilter(Eq(FieldID, uuid.NewString())))
	require.NoError(t, err, "Update with no matches should not fail")
	require.Len(t, none, 0)
}

func (s *TranslatorTest) TestInSetFilter(t *testing.T, tr Translator) {
	ctx := context.Background()
	company := uuid.NewString()
	for tier := 1; tier <= 10; tier++ {
		_, err := tr.Insert(ctx, testTable, Record{"company": company, "name": fmt.Sprintf("c%d", tier), "tier": tier})
		require.NoError(t, err, "failed to call Insert")
	}

	records, err := tr.Select(ctx, testTable,
		NewQuery().Where(Eq("company", company), In("tier", 2, 5, 9)).OrderBy("tier", Asc))
	require.NoError(t, err, "failed to call Select")
	require.Equal(t, []float64{2, 5, 9}, tiers(records))

	records, err = tr.Select(ctx, testTable,
		NewQuery().Where(Eq("company", company), In("tier", []int{10})))
	require.NoError(t, err, "failed to call Select")
	require.Equal(t, []float64{10}, tiers(records))

	records, err = tr.Select(ctx, testTable, NewQuery().Where(Eq("company", company), In("tier")))
	require.NoError(t, err, "empty in-set should not fail")
	require.Len(t, records, 0)
}

func (s *TranslatorTest) TestOrderLimitOffset(t *testing.T, tr Translator) {
	ctx := context.Background()
	company := uuid.NewString()
	for tier := 1; tier <= 5; tier++ {
		_, err := tr.Insert(ctx, testTable, Record{"company": company, "name": fmt.Sprintf("c%d", tier), "tier": tier})
		require.NoError(t, err, "failed to call Insert")
	}
	base := NewQuery().Where(Eq("company", company))

	records, err := tr.Select(ctx, testTable, base.OrderBy("tier", Desc).Limit(2).Offset(1))
	require.NoError(t, err, "failed to call Select")
	require.Equal(t, []float64{4, 3}, tiers(records))

	records, err = tr.Select(ctx, testTable, base.OrderBy("tier", Asc).Offset(3))
	require.NoError(t, err, "failed to call Select")
	require.Equal(t, []float64{4, 5}, tiers(records))

	records, err = tr.Select(ctx, testTable, base.Where(Gt("tier", 1), Lte("tier", 3)).OrderBy("tier", Asc))
	require.NoError(t, err, "failed to call Select")
	require.Equal(t, []float64{1, 2, 3}, tiers(records), "the later condition on tier replaces the earlier one")

	records, err = tr.Select(ctx, testTable, base.Where(Gt("tier", 1), Neq("name", "c4")).OrderBy("tier", Asc))
	require.NoError(t, err, "failed to call Select")
	require.Equal(t, []float64{2, 3, 5}, tiers(records))

	records, err = tr.Select(ctx, testTable, base.Where(Like("name", "c%"), Neq("tier", 1)).OrderBy("tier", Asc))
	require.NoError(t, err, "failed to call Select")
	require.Equal(t, []float64{2, 3, 4, 5}, tiers(records))
}

func (s *TranslatorTest) TestDelete(t *testing.T, tr Translator) {
	ctx := context.Background()
	company := uuid.NewString()
	for tier := 1; tier <= 3; tier++ {
		_, err := tr.Insert(ctx, testTable, Record{"company": company, "name": fmt.Sprintf("c%d", tier), "tier": tier})
		require.NoError(t, err, "failed to call Insert")
	}

	deleted, err := tr.Delete(ctx, testTable, NewFilter(Eq("company", company), Lt("tier", 3)))
	require.NoError(t, err, "failed to call Delete")
	require.Equal(t, int64(2), deleted)

	records, err := tr.Select(ctx, testTable, NewQuery().Where(Eq("company", company)))
	require.NoError(t, err, "failed to call Select")
	require.Equal(t, []float64{3}, tiers(records))
}

func (s *TranslatorTest) TestConstraintViolation(t *testing.T, tr Translator) {
	ctx := context.Background()
	email := uuid.NewString() + "@example.com"
	_, err := tr.Insert(ctx, testTable, Record{"company": uuid.NewString(), "name": "a", "email": email})
	require.NoError(t, err, "failed to call Insert")

	_, err = tr.Insert(ctx, testTable, Record{"company": uuid.NewString(), "name": "b", "email": email})
	require.Error(t, err, "duplicate email should be rejected")
	require.ErrorIs(t, err, ErrConstraintViolation)
}

func (s *TranslatorTest) TestNullFilter(t *testing.T, tr Translator) {
	ctx := context.Background()
	company := uuid.NewString()
	_, err := tr.Insert(ctx, testTable, Record{"company": company, "name": "no email"})
	require.NoError(t, err, "failed to call Insert")
	_, err = tr.Insert(ctx, testTable, Record{"company": company, "name": "with email", "email": uuid.NewString()})
	require.NoError(t, err, "failed to call Insert")

	records, err := tr.Select(ctx, testTable, NewQuery().Where(Eq("company", company), Eq("email", nil)))
	require.NoError(t, err, "failed to call Select")
	require.Len(t, records, 1)
	require.Equal(t, "no email", records[0]["name"])

	records, err = tr.Select(ctx, testTable, NewQuery().Where(Eq("company", company), Neq("email", nil)))
	require.NoError(t, err, "failed to call Select")
	require.Len(t, records, 1)
	require.Equal(t, "with email", records[0]["name"])
}

func (s *TranslatorTest) TestReplaceKeepsTimestamps(t *testing.T, tr Translator) {
	ctx := context.Background()
	s.Clock.Set(testEpoch)
	inserted, err := tr.Insert(ctx, testTable, Record{"company": uuid.NewString(), "name": "Acme"})
	require.NoError(t, err, "failed to call Insert")

	copied := inserted.Clone()
	copied["name"] = "Acme Corp"
	copied[FieldUpdatedAt] = "2025-02-01T00:00:00.000Z"
	replaced, err := tr.Replace(ctx, testTable, copied)
	require.NoError(t, err, "failed to call Replace")
	require.Equal(t, "Acme Corp", replaced["name"])
	require.Equal(t, "2025-02-01T00:00:00.000Z", replaced[FieldUpdatedAt])

	_, err = tr.Replace(ctx, testTable, Record{FieldID: uuid.NewString(), "name": "ghost"})
	require.Error(t, err, "replacing a missing record should fail")
}

func (s *TranslatorTest) TestInvalidQuery(t *testing.T, tr Translator) {
	ctx := context.Background()
	_, err := tr.Select(ctx, testTable, NewQuery().Where(Condition{Field: "tier", Op: Operator(42), Value: 1}))
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = tr.Select(ctx, "customers; DROP TABLE customers", NewQuery())
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = tr.Select(ctx, testTable, NewQuery().Where(In("tier", "not-a-list-but-fine"), Eq("bad field", 1)))
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func tiers(records []Record) []float64 {
	out := make([]float64, 0, len(records))
	for _, r := range records {
		v, _ := NormalizeValue(r["tier"]).(float64)
		out = append(out, v)
	}
	return out
}
