package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrConnection           = errors.New("connection error")
	ErrNotInitialized       = errors.New("not initialized")
	ErrAlreadyInitialized   = errors.New("already initialized")
	ErrConstraintViolation  = errors.New("constraint violation")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidQuery         = errors.New("invalid query")
	ErrTxDone               = errors.New("transaction already finished")
	ErrUnknownTx            = errors.New("unknown transaction handle")
)

// Backend names one of the two storage implementations.
type Backend string

const (
	BackendRemote Backend = "remote"
	BackendLocal  Backend = "local"
)

func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendRemote, BackendLocal:
		return Backend(s), nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

// RawResult is what RawQuery returns: rows for read statements, a mutation
// summary for everything else.
type RawResult struct {
	Rows         []Record `json:"rows,omitempty"`
	RowsAffected int64    `json:"rowsAffected"`
	LastInsertID int64    `json:"lastInsertId"`
}

// Translator turns store-agnostic calls into the native access pattern of
// one backend. Both backends implement the same contract so callers never
// branch on which one is active.
//
// Insert fills id, created_at and updated_at when the caller left them out.
// Update always overwrites updated_at with the translator's clock. Replace
// writes a record's full field set verbatim and is reserved for the sync
// engine copying a record between stores.
type Translator interface {
	Init(ctx context.Context) error
	Select(ctx context.Context, table string, q Query) ([]Record, error)
	SelectOne(ctx context.Context, table string, q Query) (Record, error)
	Insert(ctx context.Context, table string, rec Record) (Record, error)
	Update(ctx context.Context, table string, rec Record, filter Filter) ([]Record, error)
	Delete(ctx context.Context, table string, filter Filter) (int64, error)
	RawQuery(ctx context.Context, query string, args ...any) (*RawResult, error)
	BeginTransaction(ctx context.Context) (Tx, error)
	Commit(ctx context.Context, tx Tx) error
	Rollback(ctx context.Context, tx Tx) error
	Replace(ctx context.Context, table string, rec Record) (Record, error)
	Type() Backend
	Close() error
}

// Tx is the opaque handle returned by BeginTransaction. It must be passed to
// exactly one Commit or Rollback.
type Tx interface {
	ID() string
}

type txContextKey struct{}

// ContextWithTx returns a context whose translator calls run inside tx.
func ContextWithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(Tx)
	return tx, ok
}
