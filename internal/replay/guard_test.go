package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bulksms/internal/store"
)

type fakeEventStore struct {
	mu        sync.Mutex
	events    map[string]bool // key -> processed
	inserted  int
	processed int
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: map[string]bool{}}
}

func key(provider, eventID string) string { return provider + "/" + eventID }

func (f *fakeEventStore) InsertEvent(_ context.Context, in store.WebhookEventInsert) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(in.Provider, in.EventID)
	if _, ok := f.events[k]; ok {
		return false, nil
	}
	f.events[k] = false
	f.inserted++
	return true, nil
}

func (f *fakeEventStore) EventProcessed(_ context.Context, provider, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[key(provider, eventID)], nil
}

func (f *fakeEventStore) MarkEventProcessed(_ context.Context, provider, eventID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[key(provider, eventID)] = true
	f.processed++
	return nil
}

func TestProcessRunsOnce(t *testing.T) {
	g := New(newFakeEventStore())
	runs := 0
	proc := func(context.Context) error { runs++; return nil }

	ran, err := g.Process(context.Background(), "mitto", "evt_1", Meta{}, proc)
	if err != nil || !ran {
		t.Fatalf("first process: ran=%v err=%v", ran, err)
	}
	for i := 0; i < 3; i++ {
		ran, err = g.Process(context.Background(), "mitto", "evt_1", Meta{}, proc)
		if err != nil {
			t.Fatal(err)
		}
		if ran {
			t.Fatalf("replay %d invoked the processor", i)
		}
	}
	if runs != 1 {
		t.Fatalf("processor ran %d times, want 1", runs)
	}
}

func TestProcessDuplicateOfFailedRunDoesNotRetry(t *testing.T) {
	g := New(newFakeEventStore())
	runs := 0
	failing := func(context.Context) error { runs++; return errors.New("db down") }

	if _, err := g.Process(context.Background(), "mitto", "evt_2", Meta{}, failing); err == nil {
		t.Fatal("expected handler error")
	}

	// a redelivery is a duplicate even when the first run failed; the
	// unprocessed listing is the recovery path
	ok := func(context.Context) error { runs++; return nil }
	ran, err := g.Process(context.Background(), "mitto", "evt_2", Meta{}, ok)
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("duplicate of a failed run invoked the processor")
	}
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
}

func TestProcessConcurrentDuplicateRunsOnce(t *testing.T) {
	g := New(newFakeEventStore())

	var runs int32
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		close(started)
		<-release
		return nil
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := g.Process(context.Background(), "mitto", "evt_3", Meta{}, slow)
		firstDone <- err
	}()
	<-started

	// second delivery arrives while the first handler is still in flight
	ran, err := g.Process(context.Background(), "mitto", "evt_3", Meta{}, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("concurrent duplicate invoked the processor")
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("processor ran %d times, want 1", got)
	}
}

func TestProcessDistinctEvents(t *testing.T) {
	fs := newFakeEventStore()
	g := New(fs)
	proc := func(context.Context) error { return nil }

	for _, id := range []string{"a", "b", "c"} {
		if ran, err := g.Process(context.Background(), "mitto", id, Meta{}, proc); err != nil || !ran {
			t.Fatalf("event %s: ran=%v err=%v", id, ran, err)
		}
	}
	if fs.inserted != 3 || fs.processed != 3 {
		t.Fatalf("inserted=%d processed=%d, want 3/3", fs.inserted, fs.processed)
	}
}

func TestDeriveEventIDBuckets(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)

	a := DeriveEventID("prov_1", "DELIVRD", base, time.Minute)
	b := DeriveEventID("prov_1", "DELIVRD", base.Add(20*time.Second), time.Minute)
	if a != b {
		t.Fatal("same receipt inside one bucket must derive the same id")
	}

	c := DeriveEventID("prov_1", "DELIVRD", base.Add(2*time.Minute), time.Minute)
	if a == c {
		t.Fatal("receipts in different buckets must derive different ids")
	}

	d := DeriveEventID("prov_1", "UNDELIV", base, time.Minute)
	if a == d {
		t.Fatal("different status must derive a different id")
	}
}
