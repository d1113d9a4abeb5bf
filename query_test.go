package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/billease/data-sync/store"
	"github.com/billease/data-sync/syncer"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		expr string
		want store.Condition
	}{
		{"company:eq:co1", store.Eq("company", "co1")},
		{"tier:gte:2", store.Gte("tier", int64(2))},
		{"balance:lt:10.5", store.Lt("balance", 10.5)},
		{"email:eq:null", store.Eq("email", nil)},
		{"name:like:Ac%", store.Like("name", "Ac%")},
		{"name:like:42", store.Like("name", "42")},
		{"id:in:c1|c2|3", store.In("id", "c1", "c2", int64(3))},
		{"note:eq:a:b", store.Eq("note", "a:b")},
	}
	for _, tt := range tests {
		got, err := parseCondition(tt.expr)
		require.NoError(t, err, "failed to parse %s", tt.expr)
		require.Equal(t, tt.want, got, tt.expr)
	}

	for _, bad := range []string{"company", "company:eq", "company:between:1"} {
		_, err := parseCondition(bad)
		require.ErrorIs(t, err, store.ErrInvalidQuery, bad)
	}
}

func TestQueryParams(t *testing.T) {
	q, err := queryParams{
		Filters: []string{"company:eq:co1", "company:eq:co2"},
		Order:   "name:desc",
		Limit:   10,
		Offset:  20,
	}.query()
	require.NoError(t, err)
	want := store.NewQuery().Where(store.Eq("company", "co2")).OrderBy("name", store.Desc).Limit(10).Offset(20)
	require.True(t, want.Equal(q), "a repeated field keeps the last condition")

	q, err = queryParams{Order: "name"}.query()
	require.NoError(t, err)
	order, ok := q.Order()
	require.True(t, ok)
	require.Equal(t, store.Asc, order.Direction)

	_, err = queryParams{Order: "name:sideways"}.query()
	require.ErrorIs(t, err, store.ErrInvalidQuery)
	_, err = queryParams{Offset: -1}.query()
	require.ErrorIs(t, err, store.ErrInvalidQuery)
}

func runCLI(t *testing.T, args ...string) []byte {
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "pos.db"))
	t.Setenv("LOCAL_MIGRATIONS_PATH", "testdata/migrations")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), "failed to run %v", args)
	return out.Bytes()
}

func TestCLIStatusWithoutRemote(t *testing.T) {
	var status syncer.Status
	require.NoError(t, json.Unmarshal(runCLI(t, "status"), &status))
	require.False(t, status.IsOnline, "no remote URL means the engine starts offline")
	require.Zero(t, status.Queued)
}

func TestCLISelectLocal(t *testing.T) {
	var records []store.Record
	require.NoError(t, json.Unmarshal(runCLI(t, "select", "customers", "--filter", "company:eq:co1", "--limit", "5"), &records))
	require.Empty(t, records)
}

func TestCLIRejectsBadInput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	for _, args := range [][]string{
		{"pull", "customers; DROP TABLE x"},
		{"push", "customers", "--order", "name:sideways"},
		{"select"},
	} {
		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		require.Error(t, cmd.Execute(), "%v", args)
	}
}
