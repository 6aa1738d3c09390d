// Package audit stores the append-only record of eviction runs.
//
// The executor appends one entry per collection it evicted (or tried to),
// and one entry for every aborted run. Entries are never mutated; the only
// way to remove them is Clear, which backs the administrative clear-all
// action.
//
// Two backends are provided:
//
//   - MemoryLog keeps entries in memory, for tests and embedded use.
//   - SQLiteLog persists entries in a SQLite database.
//
// All returns entries in insertion order. Display code sorts them with
// SortByQueryTimeDesc.
package audit

import (
	"context"
	"slices"

	"tillpoint/evictor/pkg/retention"
)

// Log is the eviction audit log.
type Log interface {
	// Append records an entry. The entry must not be modified afterwards.
	Append(ctx context.Context, entry *retention.AuditEntry) error

	// All returns every recorded entry.
	All(ctx context.Context) ([]*retention.AuditEntry, error)

	// Clear removes every entry and returns how many were removed.
	Clear(ctx context.Context) (int64, error)

	// Close releases resources held by the log.
	Close() error
}

// SortByQueryTimeDesc orders entries newest first. Entries with the same
// query timestamp keep their relative order.
func SortByQueryTimeDesc(entries []*retention.AuditEntry) {
	slices.SortStableFunc(entries, func(a, b *retention.AuditEntry) int {
		return b.QueryTimestamp.Compare(a.QueryTimestamp)
	})
}

func cloneEntry(e *retention.AuditEntry) *retention.AuditEntry {
	out := *e
	out.AffectedDocumentIDs = slices.Clone(e.AffectedDocumentIDs)
	if e.Details != nil {
		out.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			out.Details[k] = v
		}
	}
	return &out
}
