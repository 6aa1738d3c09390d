package cli

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// RunProgress prints one line per collection of an eviction run.
type RunProgress struct {
	mu      sync.Mutex
	w       io.Writer
	total   int
	done    int
	evicted int
	failed  int
	started time.Time
}

// NewRunProgress creates a reporter for total collections. A nil w means
// os.Stdout.
func NewRunProgress(w io.Writer, total int) *RunProgress {
	if w == nil {
		w = os.Stdout
	}
	return &RunProgress{w: w, total: total, started: time.Now()}
}

// Step records a finished collection.
func (p *RunProgress) Step(collection string, evicted int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	if err != nil {
		p.failed++
		fmt.Fprintf(p.w, "[%d/%d] ✗ %s: %v\n", p.done, p.total, collection, err)
		return
	}
	p.evicted += evicted
	fmt.Fprintf(p.w, "[%d/%d] ✓ %s: %d evicted\n", p.done, p.total, collection, evicted)
}

// Finish prints the totals.
func (p *RunProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "%d documents evicted from %d collections (%d failed) in %s\n",
		p.evicted, p.done, p.failed, time.Since(p.started).Round(time.Millisecond))
}
