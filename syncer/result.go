package syncer

import "github.com/billease/data-sync/store"

type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// RecordError is one failure inside a pass. RecordID is empty when the
// whole pass failed.
type RecordError struct {
	RecordID string `json:"id"`
	Message  string `json:"error"`
}

// Result summarizes a single pull or push of one table.
type Result struct {
	Synced int           `json:"synced"`
	Errors []RecordError `json:"errors"`
	Queued bool          `json:"queued,omitempty"`
}

func newResult() Result {
	return Result{Errors: make([]RecordError, 0)}
}

func (r *Result) fail(id string, err error) {
	r.Errors = append(r.Errors, RecordError{RecordID: id, Message: err.Error()})
}

type TableResult struct {
	Table string `json:"table"`
	Pull  Result `json:"pull"`
	Push  Result `json:"push"`
}

// Report holds the per-table results of SyncAll in the order the tables were
// given.
type Report struct {
	Tables []TableResult `json:"tables"`
}

func (r *Report) Table(name string) (TableResult, bool) {
	for _, t := range r.Tables {
		if t.Table == name {
			return t, true
		}
	}
	return TableResult{}, false
}

type Status struct {
	Queued         int  `json:"queued"`
	IsOnline       bool `json:"isOnline"`
	SyncInProgress bool `json:"syncInProgress"`
}

// QueueEntry is a pending table-level operation waiting for connectivity.
type QueueEntry struct {
	Direction Direction
	Table     string
	Options   store.Query
}
