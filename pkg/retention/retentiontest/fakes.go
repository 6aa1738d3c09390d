// Package retentiontest provides in-memory fakes of the eviction
// collaborators for use in tests.
package retentiontest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"tillpoint/evictor/pkg/retention"
)

// FakeStore is a retention.Store that records every call. Execute is
// delegated to ExecuteFunc when set.
type FakeStore struct {
	ExecuteFunc func(query string, args map[string]any) (*retention.ExecuteResult, error)

	mu        sync.Mutex
	events    []string
	executed  []ExecutedQuery
	subs      map[string]*FakeSubscription
	nextSub   int
	docs      map[string][]retention.Document
	observers map[string]map[int]func([]retention.Document)
	nextObs   int
}

// ExecutedQuery is one recorded Execute call.
type ExecutedQuery struct {
	Query string
	Args  map[string]any
}

// NewFakeStore creates an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		subs:      make(map[string]*FakeSubscription),
		docs:      make(map[string][]retention.Document),
		observers: make(map[string]map[int]func([]retention.Document)),
	}
}

// Execute implements retention.Store.
func (s *FakeStore) Execute(ctx context.Context, query string, args map[string]any) (*retention.ExecuteResult, error) {
	s.mu.Lock()
	s.events = append(s.events, "execute:"+tableOf(query))
	s.executed = append(s.executed, ExecutedQuery{Query: query, Args: args})
	fn := s.ExecuteFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(query, args)
	}
	return &retention.ExecuteResult{AffectedDocumentIDs: []string{}}, nil
}

// Subscribe implements retention.Store.
func (s *FakeStore) Subscribe(ctx context.Context, collection, query string, args map[string]any) (retention.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSub++
	sub := &FakeSubscription{
		id:         fmt.Sprintf("sub-%d", s.nextSub),
		Collection: collection,
		Query:      query,
		Args:       args,
		store:      s,
	}
	s.subs[sub.id] = sub
	s.events = append(s.events, "subscribe:"+collection)
	return sub, nil
}

// OnCollectionChanged implements retention.Store.
func (s *FakeStore) OnCollectionChanged(collection string, fn func([]retention.Document)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	if s.observers[collection] == nil {
		s.observers[collection] = make(map[int]func([]retention.Document))
	}
	s.observers[collection][id] = fn
	docs := slices.Clone(s.docs[collection])
	s.mu.Unlock()

	fn(docs)

	return func() {
		s.mu.Lock()
		delete(s.observers[collection], id)
		s.mu.Unlock()
	}
}

// Upsert implements retention.Store.
func (s *FakeStore) Upsert(ctx context.Context, collection string, doc retention.Document) error {
	s.mu.Lock()
	docs := s.docs[collection]
	replaced := false
	for i := range docs {
		if docs[i].ID == doc.ID {
			docs[i] = doc
			replaced = true
		}
	}
	if !replaced {
		docs = append(docs, doc)
	}
	s.docs[collection] = docs
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// EngineVersion implements retention.Store.
func (s *FakeStore) EngineVersion() string { return "fake 1.0" }

// Documents returns the documents written to collection.
func (s *FakeStore) Documents(collection string) []retention.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.docs[collection])
}

// Events returns the ordered log of execute/subscribe/cancel calls,
// formatted as "op:collection".
func (s *FakeStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Executed returns every Execute call.
func (s *FakeStore) Executed() []ExecutedQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.executed)
}

// ActiveSubscriptions returns the live subscriptions sorted by collection.
func (s *FakeStore) ActiveSubscriptions() []*FakeSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*FakeSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	slices.SortFunc(out, func(a, b *FakeSubscription) int {
		return strings.Compare(a.Collection, b.Collection)
	})
	return out
}

func (s *FakeStore) notify(collection string) {
	s.mu.Lock()
	fns := make([]func([]retention.Document), 0, len(s.observers[collection]))
	for _, fn := range s.observers[collection] {
		fns = append(fns, fn)
	}
	docs := slices.Clone(s.docs[collection])
	s.mu.Unlock()

	for _, fn := range fns {
		fn(docs)
	}
}

func tableOf(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		if strings.EqualFold(f, "FROM") || strings.EqualFold(f, "UPDATE") || strings.EqualFold(f, "INTO") {
			if i+1 < len(fields) {
				return fields[i+1]
			}
		}
	}
	return ""
}

// FakeSubscription is returned by FakeStore.Subscribe.
type FakeSubscription struct {
	id         string
	Collection string
	Query      string
	Args       map[string]any
	store      *FakeStore
	once       sync.Once
}

// ID implements retention.Subscription.
func (s *FakeSubscription) ID() string { return s.id }

// Cancel implements retention.Subscription.
func (s *FakeSubscription) Cancel() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s.id)
		s.store.events = append(s.store.events, "cancel:"+s.Collection)
		s.store.mu.Unlock()
	})
}

// FakeHost is a retention.BackgroundScheduler whose jobs only run when a
// test calls Fire.
type FakeHost struct {
	mu       sync.Mutex
	handlers map[string]func(retention.BackgroundTask)
	pending  map[string][]time.Time
	submits  int
}

// NewFakeHost creates an empty FakeHost.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		handlers: make(map[string]func(retention.BackgroundTask)),
		pending:  make(map[string][]time.Time),
	}
}

// Register implements retention.BackgroundScheduler.
func (h *FakeHost) Register(jobID string, handler func(retention.BackgroundTask)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[jobID] = handler
	return nil
}

// Submit implements retention.BackgroundScheduler.
func (h *FakeHost) Submit(jobID string, earliestBegin time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers[jobID] == nil {
		return fmt.Errorf("job %q not registered", jobID)
	}
	h.pending[jobID] = append(h.pending[jobID], earliestBegin)
	h.submits++
	return nil
}

// CancelAll implements retention.BackgroundScheduler.
func (h *FakeHost) CancelAll(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, jobID)
}

// PendingRequests implements retention.BackgroundScheduler.
func (h *FakeHost) PendingRequests(jobID string) []retention.PendingRequest {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]retention.PendingRequest, 0, len(h.pending[jobID]))
	for _, t := range h.pending[jobID] {
		out = append(out, retention.PendingRequest{JobID: jobID, EarliestBegin: t})
	}
	return out
}

// Submits returns how many times Submit succeeded.
func (h *FakeHost) Submits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submits
}

// Fire dequeues the oldest pending request for jobID and runs its handler
// on a new goroutine. It returns nil when nothing is pending.
func (h *FakeHost) Fire(jobID string) *FakeTask {
	h.mu.Lock()
	handler := h.handlers[jobID]
	if handler == nil || len(h.pending[jobID]) == 0 {
		h.mu.Unlock()
		return nil
	}
	h.pending[jobID] = h.pending[jobID][1:]
	h.mu.Unlock()

	task := NewFakeTask(jobID)
	go handler(task)
	return task
}

// FakeTask is a retention.BackgroundTask controlled by the test.
type FakeTask struct {
	jobID string

	mu       sync.Mutex
	expire   []func()
	done     chan struct{}
	success  bool
	complete bool
}

// NewFakeTask creates a task for jobID.
func NewFakeTask(jobID string) *FakeTask {
	return &FakeTask{jobID: jobID, done: make(chan struct{})}
}

// JobID implements retention.BackgroundTask.
func (t *FakeTask) JobID() string { return t.jobID }

// MarkComplete implements retention.BackgroundTask.
func (t *FakeTask) MarkComplete(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.complete {
		return
	}
	t.complete = true
	t.success = success
	close(t.done)
}

// OnExpire implements retention.BackgroundTask.
func (t *FakeTask) OnExpire(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expire = append(t.expire, fn)
}

// Expire runs the registered expiration callbacks.
func (t *FakeTask) Expire() {
	t.mu.Lock()
	fns := slices.Clone(t.expire)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Wait blocks until MarkComplete was called or the timeout elapses, and
// returns the reported success.
func (t *FakeTask) Wait(timeout time.Duration) (success, completed bool) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.success, true
	case <-time.After(timeout):
		return false, false
	}
}

// RecordingObserver is a retention.Observer that keeps every event.
type RecordingObserver struct {
	mu        sync.Mutex
	Runs      []retention.Outcome
	Evictions map[string]int
	Errors    map[string]int
	Epochs    []time.Time
	Configs   []*retention.RetentionConfig
}

// NewRecordingObserver creates an empty RecordingObserver.
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{Evictions: map[string]int{}, Errors: map[string]int{}}
}

func (o *RecordingObserver) RunFinished(mode retention.Mode, outcome retention.Outcome, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Runs = append(o.Runs, outcome)
}

func (o *RecordingObserver) CollectionEvicted(collection string, evicted int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Evictions[collection] += evicted
	if err != nil {
		o.Errors[collection]++
	}
}

func (o *RecordingObserver) NextEpochScheduled(epoch time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Epochs = append(o.Epochs, epoch)
}

func (o *RecordingObserver) ConfigActivated(cfg *retention.RetentionConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Configs = append(o.Configs, cfg)
}
