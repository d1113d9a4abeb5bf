package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrepareInsert(t *testing.T) {
	now := "2025-01-01T10:00:00.000Z"
	in := Record{"name": "Acme"}
	out := PrepareInsert(in, now)

	require.NotEmpty(t, out.ID())
	require.Equal(t, now, out[FieldCreatedAt])
	require.Equal(t, now, out[FieldUpdatedAt])
	require.NotContains(t, in, FieldID, "input record must not be modified")

	kept := PrepareInsert(Record{FieldID: "c1", FieldUpdatedAt: "2024-06-01T00:00:00.000Z"}, now)
	require.Equal(t, "c1", kept.ID())
	require.Equal(t, "2024-06-01T00:00:00.000Z", kept[FieldUpdatedAt])
	require.Equal(t, now, kept[FieldCreatedAt])

	precise := PrepareInsert(Record{
		FieldCreatedAt: time.Date(2024, 6, 1, 2, 0, 0, 0, time.FixedZone("UTC+2", 2*60*60)),
		FieldUpdatedAt: "2024-06-01T00:00:00.123456Z",
	}, now)
	require.Equal(t, "2024-06-01T00:00:00.000Z", precise[FieldCreatedAt])
	require.Equal(t, "2024-06-01T00:00:00.123Z", precise[FieldUpdatedAt])

	odd := PrepareInsert(Record{FieldUpdatedAt: "yesterday"}, now)
	require.Equal(t, "yesterday", odd[FieldUpdatedAt], "unparseable timestamps are left to the store")
}

func TestPrepareUpdate(t *testing.T) {
	now := "2025-01-01T10:00:00.000Z"
	out := PrepareUpdate(Record{FieldID: "c1", "name": "x", FieldUpdatedAt: "1999-01-01T00:00:00.000Z"}, now)
	require.Equal(t, Record{"name": "x", FieldUpdatedAt: now}, out)
}

func TestTimestamp(t *testing.T) {
	ts, err := Record{FieldCreatedAt: "2025-01-01T09:00:00.000Z", FieldUpdatedAt: "2025-01-01T10:00:00.000Z"}.Timestamp()
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), ts)

	ts, err = Record{FieldCreatedAt: "2025-01-01T09:00:00.000Z"}.Timestamp()
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), ts)

	ts, err = Record{}.Timestamp()
	require.NoError(t, err)
	require.True(t, ts.IsZero())

	ts, err = Record{FieldUpdatedAt: "2025-01-01 10:00:00"}.Timestamp()
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), ts)

	_, err = Record{FieldUpdatedAt: "yesterday"}.Timestamp()
	require.Error(t, err)
}

func TestSameFields(t *testing.T) {
	a := Record{"id": "c1", "tier": int64(3), "balance": 2.5, "name": []byte("Acme")}
	b := Record{"id": "c1", "tier": 3.0, "balance": float32(2.5), "name": "Acme"}
	require.True(t, SameFields(a, b))

	b["name"] = "Acme Corp"
	require.False(t, SameFields(a, b))

	require.False(t, SameFields(Record{"id": "c1"}, Record{"id": "c1", "extra": nil}))
	require.True(t, SameFields(
		Record{FieldUpdatedAt: "2025-01-01T10:00:00.000400Z"},
		Record{FieldUpdatedAt: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)},
	), "timestamps compare at millisecond precision")
	require.True(t, SameFields(
		Record{"meta": map[string]any{"n": 1}},
		Record{"meta": map[string]any{"n": 1.0}},
	))
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	require.Equal(t, "2025-01-01T08:00:00.123Z", FormatTime(time.Date(2025, 1, 1, 10, 0, 0, 123456789, loc)))
}
