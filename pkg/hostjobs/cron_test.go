package hostjobs

import (
	"testing"
	"time"

	"tillpoint/evictor/pkg/retention"
)

func TestOneShotNext(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("future activation fires once", func(t *testing.T) {
		s := &oneShot{req: &request{at: base.Add(time.Minute)}}
		if got := s.Next(base); !got.Equal(base.Add(time.Minute)) {
			t.Fatalf("Next() = %v, want %v", got, base.Add(time.Minute))
		}
		if got := s.Next(base.Add(time.Minute)); !got.IsZero() {
			t.Errorf("Next() after activation = %v, want zero", got)
		}
	})

	t.Run("past due fires immediately", func(t *testing.T) {
		s := &oneShot{req: &request{at: base.Add(-time.Hour)}}
		if got := s.Next(base); !got.Equal(base) {
			t.Fatalf("Next() = %v, want %v", got, base)
		}
		if got := s.Next(base.Add(time.Millisecond)); !got.IsZero() {
			t.Errorf("Next() after activation = %v, want zero", got)
		}
	})

	t.Run("claimed never fires", func(t *testing.T) {
		req := &request{at: base.Add(time.Minute)}
		req.claimed.Store(true)
		s := &oneShot{req: req}
		if got := s.Next(base); !got.IsZero() {
			t.Errorf("Next() = %v, want zero", got)
		}
	})
}

func TestSubmitRequiresRegistration(t *testing.T) {
	h := NewCronHost(Options{})
	if err := h.Submit("missing", time.Now()); err == nil {
		t.Fatal("Submit() on unregistered job should fail")
	}
	if err := h.Register("", func(retention.BackgroundTask) {}); err == nil {
		t.Error("Register() with empty id should fail")
	}
}

func TestPendingAndCancel(t *testing.T) {
	h := NewCronHost(Options{})
	if err := h.Register("job", func(task retention.BackgroundTask) { task.MarkComplete(true) }); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	later := time.Now().Add(time.Hour)
	earlier := time.Now().Add(30 * time.Minute)
	if err := h.Submit("job", later); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := h.Submit("job", earlier); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	pending := h.PendingRequests("job")
	if len(pending) != 2 {
		t.Fatalf("PendingRequests() = %d, want 2", len(pending))
	}
	if !pending[0].EarliestBegin.Equal(earlier) {
		t.Errorf("first pending = %v, want %v", pending[0].EarliestBegin, earlier)
	}

	h.CancelAll("job")
	if got := h.PendingRequests("job"); len(got) != 0 {
		t.Errorf("PendingRequests() after CancelAll = %d, want 0", len(got))
	}
}

func TestFireRunsHandler(t *testing.T) {
	h := NewCronHost(Options{})
	ran := make(chan string, 1)
	if err := h.Register("job", func(task retention.BackgroundTask) {
		ran <- task.JobID()
		task.MarkComplete(true)
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	h.Start()
	defer h.Stop()

	if err := h.Submit("job", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case id := <-ran:
		if id != "job" {
			t.Errorf("JobID() = %q, want job", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not run")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if success, ok := h.LastCompletion("job"); ok {
			if !success {
				t.Error("LastCompletion() success = false, want true")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("completion not recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := h.PendingRequests("job"); len(got) != 0 {
		t.Errorf("PendingRequests() after fire = %d, want 0", len(got))
	}
}

func TestCancelledRequestDoesNotFire(t *testing.T) {
	h := NewCronHost(Options{})
	ran := make(chan struct{}, 1)
	if err := h.Register("job", func(task retention.BackgroundTask) {
		ran <- struct{}{}
		task.MarkComplete(true)
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := h.Submit("job", time.Now().Add(200*time.Millisecond)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.CancelAll("job")

	h.Start()
	defer h.Stop()

	select {
	case <-ran:
		t.Fatal("cancelled request fired")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestExpiryForcesCompletion(t *testing.T) {
	h := NewCronHost(Options{Budget: 50 * time.Millisecond})
	expired := make(chan struct{})
	release := make(chan struct{})
	if err := h.Register("job", func(task retention.BackgroundTask) {
		task.OnExpire(func() { close(expired) })
		<-release
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	h.Start()
	if err := h.Submit("job", time.Now()); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-expired:
	case <-time.After(3 * time.Second):
		t.Fatal("expiry handler not called")
	}
	close(release)
	h.Stop()

	success, ok := h.LastCompletion("job")
	if !ok {
		t.Fatal("completion not recorded")
	}
	if success {
		t.Error("expired task without completion should be marked failed")
	}
}
