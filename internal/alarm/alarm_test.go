package alarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/store"
)

func TestNameRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		wantID string
		wantOK bool
	}{
		{Name("42"), "42", true},
		{Name("schedule_x"), "schedule_x", true},
		{"resync", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		id, ok := IDFromName(tt.name)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("IDFromName(%q) = %q, %v; want %q, %v", tt.name, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

// recorder collects fired alarm names.
type recorder struct {
	mu    sync.Mutex
	names []string
	fired chan string
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan string, 16)}
}

func (r *recorder) handle(ctx context.Context, name string) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	r.fired <- name
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func TestTimerService_Fires(t *testing.T) {
	s := NewTimerService()
	defer s.Stop()
	rec := newRecorder()
	s.SetHandler(rec.handle)

	if err := s.Create(context.Background(), Name("1"), time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	select {
	case name := <-rec.fired:
		if name != "schedule_1" {
			t.Errorf("fired %q, want schedule_1", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}

	alarms, _ := s.List(context.Background())
	if len(alarms) != 0 {
		t.Errorf("fired alarm still listed: %+v", alarms)
	}
}

func TestTimerService_RecreateReplaces(t *testing.T) {
	s := NewTimerService()
	defer s.Stop()
	rec := newRecorder()
	s.SetHandler(rec.handle)
	ctx := context.Background()

	s.Create(ctx, Name("1"), time.Now().Add(10*time.Millisecond))
	s.Create(ctx, Name("1"), time.Now().Add(60*time.Millisecond))

	alarms, _ := s.List(ctx)
	if len(alarms) != 1 {
		t.Fatalf("expected 1 armed alarm, got %d", len(alarms))
	}

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}
	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("expected exactly one firing, got %d", n)
	}
}

func TestTimerService_Clear(t *testing.T) {
	s := NewTimerService()
	defer s.Stop()
	rec := newRecorder()
	s.SetHandler(rec.handle)
	ctx := context.Background()

	s.Create(ctx, Name("1"), time.Now().Add(30*time.Millisecond))
	if err := s.Clear(ctx, Name("1")); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := s.Clear(ctx, "unknown"); err != nil {
		t.Errorf("Clear of unknown alarm should not fail: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Errorf("cleared alarm fired %d times", n)
	}
}

func TestDurableService_PollFiresDueAlarms(t *testing.T) {
	repo := store.NewInMemoryStore()
	now := time.UnixMilli(1_700_000_000_000)
	s := NewDurableService(repo, WithNow(func() time.Time { return now }))
	rec := newRecorder()
	s.SetHandler(rec.handle)
	ctx := context.Background()

	s.Create(ctx, Name("late"), now.Add(-time.Second))
	s.Create(ctx, Name("early"), now.Add(-time.Minute))
	s.Create(ctx, Name("future"), now.Add(time.Hour))

	s.poll(ctx)

	if rec.count() != 2 {
		t.Fatalf("expected 2 firings, got %d", rec.count())
	}
	fired := map[string]bool{}
	for _, n := range rec.names {
		fired[n] = true
	}
	if !fired["schedule_early"] || !fired["schedule_late"] {
		t.Errorf("expected both due alarms to fire, got %v", rec.names)
	}

	// Already claimed alarms do not fire again
	s.poll(ctx)
	if rec.count() != 2 {
		t.Errorf("alarms fired twice: %v", rec.names)
	}

	alarms, _ := s.List(ctx)
	if len(alarms) != 1 || alarms[0].Name != "schedule_future" {
		t.Errorf("unexpected remaining alarms: %+v", alarms)
	}
}

func TestDurableService_SlowHandlerDoesNotBlockBatch(t *testing.T) {
	repo := store.NewInMemoryStore()
	now := time.UnixMilli(1_700_000_000_000)
	s := NewDurableService(repo, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	release := make(chan struct{})
	fast := make(chan struct{})
	s.SetHandler(func(ctx context.Context, name string) {
		switch name {
		case Name("slow"):
			<-release
		case Name("fast"):
			close(fast)
		}
	})

	// The slow alarm is due first, so it is claimed ahead of the fast one.
	s.Create(ctx, Name("slow"), now.Add(-time.Minute))
	s.Create(ctx, Name("fast"), now.Add(-time.Second))

	done := make(chan struct{})
	go func() {
		s.poll(ctx)
		close(done)
	}()

	select {
	case <-fast:
	case <-time.After(2 * time.Second):
		t.Fatal("fast alarm waited for the slow handler")
	}

	select {
	case <-done:
		t.Fatal("poll returned before the slow handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not return after handlers finished")
	}
}

func TestDurableService_ClearPreventsFiring(t *testing.T) {
	repo := store.NewInMemoryStore()
	s := NewDurableService(repo)
	rec := newRecorder()
	s.SetHandler(rec.handle)
	ctx := context.Background()

	s.Create(ctx, Name("1"), time.Now().Add(-time.Second))
	s.Clear(ctx, Name("1"))
	s.poll(ctx)

	if rec.count() != 0 {
		t.Errorf("cleared alarm fired: %v", rec.names)
	}
}

func TestDurableService_RunStopsOnCancel(t *testing.T) {
	repo := store.NewInMemoryStore()
	s := NewDurableService(repo, WithPollInterval(10*time.Millisecond))
	rec := newRecorder()
	s.SetHandler(rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Create(ctx, Name("1"), time.Now())
	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire from Run loop")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
