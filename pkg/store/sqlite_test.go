package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tillpoint/evictor/pkg/retention"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "docs.db")})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_UpsertAndDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	docs := []retention.Document{
		{ID: "b", LocationID: "loc-1", CreatedOn: now, Body: []byte(`{"status":"open"}`)},
		{ID: "a", LocationID: "loc-1", CreatedOn: now.Add(-time.Hour)},
	}
	for _, d := range docs {
		if err := s.Upsert(ctx, "orders", d); err != nil {
			t.Fatalf("Upsert() failed: %v", err)
		}
	}

	got, err := s.Documents(ctx, "orders")
	if err != nil {
		t.Fatalf("Documents() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("expected documents ordered by createdOn, got %s, %s", got[0].ID, got[1].ID)
	}
	if !got[1].CreatedOn.Equal(now) {
		t.Errorf("CreatedOn = %v, want %v", got[1].CreatedOn, now)
	}
	if string(got[1].Body) != `{"status":"open"}` {
		t.Errorf("Body = %s", got[1].Body)
	}

	// Upsert replaces in place
	if err := s.Upsert(ctx, "orders", retention.Document{ID: "a", LocationID: "loc-2", CreatedOn: now}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	n, _ := s.Count(ctx, "orders")
	if n != 2 {
		t.Errorf("expected 2 documents after upsert, got %d", n)
	}
}

func TestSQLiteStore_ExecuteReturnsAffectedIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour} {
		doc := retention.Document{
			ID:         string(rune('a' + i)),
			LocationID: "loc-1",
			CreatedOn:  now.Add(-age),
			Body:       []byte(`{"status":"completed"}`),
		}
		if err := s.Upsert(ctx, "orders", doc); err != nil {
			t.Fatalf("Upsert() failed: %v", err)
		}
	}

	res, err := s.Execute(ctx,
		"DELETE FROM orders WHERE json_extract(body, '$.status') = 'completed' AND locationId = :locationId AND createdOn < :cutoff;",
		map[string]any{"locationId": "loc-1", "cutoff": now.Add(-24 * time.Hour), "unused": 1})
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if len(res.AffectedDocumentIDs) != 2 {
		t.Fatalf("expected 2 affected documents, got %v", res.AffectedDocumentIDs)
	}

	n, _ := s.Count(ctx, "orders")
	if n != 1 {
		t.Errorf("expected 1 remaining document, got %d", n)
	}
}

func TestSQLiteStore_ExecuteInvalidQuery(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Execute(context.Background(), "DELETE FROM no_such_collection WHERE", nil)
	if err == nil {
		t.Fatal("expected error for malformed query")
	}
}

func TestSQLiteStore_IngestRespectsSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	old := retention.Document{ID: "old", LocationID: "loc-1", CreatedOn: now.Add(-72 * time.Hour)}
	fresh := retention.Document{ID: "fresh", LocationID: "loc-1", CreatedOn: now.Add(-time.Hour)}
	foreign := retention.Document{ID: "foreign", LocationID: "loc-2", CreatedOn: now}

	// Without any subscription nothing is accepted
	ok, err := s.Ingest(ctx, "orders", fresh)
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if ok {
		t.Fatal("expected document to be rejected without a subscription")
	}

	sub, err := s.Subscribe(ctx, "orders",
		"SELECT * FROM orders WHERE locationId = :locationId AND createdOn >= :cutoff",
		map[string]any{"locationId": "loc-1", "cutoff": now.Add(-24 * time.Hour)})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	tests := []struct {
		doc  retention.Document
		want bool
	}{
		{old, false},
		{fresh, true},
		{foreign, false},
	}
	for _, tt := range tests {
		got, err := s.Ingest(ctx, "orders", tt.doc)
		if err != nil {
			t.Fatalf("Ingest(%s) failed: %v", tt.doc.ID, err)
		}
		if got != tt.want {
			t.Errorf("Ingest(%s) = %v, want %v", tt.doc.ID, got, tt.want)
		}
	}

	n, _ := s.Count(ctx, "orders")
	if n != 1 {
		t.Errorf("expected 1 stored document, got %d", n)
	}

	if len(s.Subscriptions("orders")) != 1 {
		t.Errorf("expected 1 subscription, got %d", len(s.Subscriptions("orders")))
	}
	sub.Cancel()
	sub.Cancel()
	if len(s.Subscriptions("orders")) != 0 {
		t.Errorf("expected no subscriptions after Cancel, got %d", len(s.Subscriptions("orders")))
	}
}

func TestSQLiteStore_SubscribeRejectsInvalidQuery(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Subscribe(context.Background(), "orders", "SELECT * FROM orders WHERE", nil)
	if err == nil {
		t.Fatal("expected error for malformed subscription query")
	}
}

func TestSQLiteStore_OnCollectionChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var deliveries [][]retention.Document
	cancel := s.OnCollectionChanged("evictionConfig", func(docs []retention.Document) {
		deliveries = append(deliveries, docs)
	})

	if len(deliveries) != 1 || len(deliveries[0]) != 0 {
		t.Fatalf("expected initial empty delivery, got %v", deliveries)
	}

	if err := s.Upsert(ctx, "evictionConfig", retention.Document{ID: "cfg", CreatedOn: time.Now()}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if len(deliveries) != 2 || len(deliveries[1]) != 1 {
		t.Fatalf("expected delivery with 1 document, got %v", deliveries)
	}

	// Other collections do not notify
	if err := s.Upsert(ctx, "orders", retention.Document{ID: "o1", CreatedOn: time.Now()}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if len(deliveries) != 2 {
		t.Errorf("unexpected delivery for unrelated collection")
	}

	cancel()
	_ = s.Upsert(ctx, "evictionConfig", retention.Document{ID: "cfg2", CreatedOn: time.Now()})
	if len(deliveries) != 2 {
		t.Errorf("delivery after cancel")
	}
}

func TestSQLiteStore_InvalidCollection(t *testing.T) {
	s := newTestStore(t)

	err := s.Upsert(context.Background(), "orders; DROP TABLE x", retention.Document{ID: "1"})
	if err == nil {
		t.Fatal("expected error for invalid collection name")
	}
}
