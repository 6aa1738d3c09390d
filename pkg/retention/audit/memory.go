package audit

import (
	"context"
	"sync"

	"tillpoint/evictor/pkg/retention"
)

// MemoryLog implements Log in memory.
type MemoryLog struct {
	entries []*retention.AuditEntry
	mu      sync.RWMutex
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, entry *retention.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Store a copy so callers cannot mutate a recorded entry
	l.entries = append(l.entries, cloneEntry(entry))
	return nil
}

// All implements Log.
func (l *MemoryLog) All(ctx context.Context) ([]*retention.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*retention.AuditEntry, len(l.entries))
	for i, e := range l.entries {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// Clear implements Log.
func (l *MemoryLog) Clear(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := int64(len(l.entries))
	l.entries = nil
	return n, nil
}

// Close implements Log.
func (l *MemoryLog) Close() error {
	return nil
}
