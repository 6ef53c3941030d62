package throttle

import (
	"context"
	"sync"
	"testing"
)

type fakeEndpointStore struct {
	mu            sync.Mutex
	maxInProgress map[string]int
	inProgress    map[string]int
}

func newFakeEndpointStore() *fakeEndpointStore {
	return &fakeEndpointStore{
		maxInProgress: make(map[string]int),
		inProgress:    make(map[string]int),
	}
}

func (f *fakeEndpointStore) UpsertEndpoint(ctx context.Context, name string, maxInProgress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxInProgress[name] = maxInProgress
	return nil
}

func (f *fakeEndpointStore) TryAcquireEndpoint(ctx context.Context, name string, n int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inProgress[name]+n > f.maxInProgress[name] {
		return false, nil
	}
	f.inProgress[name] += n
	return true, nil
}

func (f *fakeEndpointStore) ReleaseEndpoint(ctx context.Context, name string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inProgress[name] -= n
	if f.inProgress[name] < 0 {
		f.inProgress[name] = 0
	}
	return nil
}

func TestAcquireRespectsCapacity(t *testing.T) {
	store := newFakeEndpointStore()
	th := New(store, true)
	ctx := context.Background()

	if err := th.Bootstrap(ctx, "ep", 1, 1, 1.0); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	ok, err := th.Acquire(ctx, "ep", 1)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: ok=%v err=%v", ok, err)
	}

	ok, err = th.Acquire(ctx, "ep", 1)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail at capacity 1")
	}

	if err := th.Release(ctx, "ep", 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ok, err = th.Acquire(ctx, "ep", 1)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed after release: ok=%v err=%v", ok, err)
	}
}

func TestAcquireAlwaysSucceedsWhenDisabled(t *testing.T) {
	store := newFakeEndpointStore()
	th := New(store, false)
	ctx := context.Background()

	ok, err := th.Acquire(ctx, "ep", 1000)
	if err != nil || !ok {
		t.Fatalf("expected disabled throttle to always succeed: ok=%v err=%v", ok, err)
	}
}
