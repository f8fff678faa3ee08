package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bowerhall/medibuddy/internal/capture"
	"github.com/bowerhall/medibuddy/internal/playback"
	"github.com/bowerhall/medibuddy/internal/variant"
)

func newTestRegistry(t *testing.T, store *memStore, resume bool) (*Registry, *int) {
	t.Helper()
	builds := 0
	var mu sync.Mutex
	r := NewRegistry(func(ownerID string) (*Controller, error) {
		mu.Lock()
		builds++
		mu.Unlock()
		return New(Deps{
			Store:    store,
			Gateway:  &fakeGateway{},
			Uploader: &fakeUploader{},
			Capture:  capture.New(&fakePicker{}, &fakeMic{}),
			Playback: playback.NewManager(&fakePlayer{}),
		}, Options{OwnerID: ownerID, Variant: variant.Medical, Resume: resume}, Hooks{})
	})
	return r, &builds
}

func TestRegistryGetCreatesController(t *testing.T) {
	r, builds := newTestRegistry(t, newMemStore(), false)

	c1, err := r.Get(context.Background(), "telegram:123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// same owner should return same controller
	c2, _ := r.Get(context.Background(), "telegram:123")
	if c1 != c2 {
		t.Error("Get should return the same controller for the same owner")
	}
	if *builds != 1 {
		t.Errorf("expected one build, got %d", *builds)
	}
}

func TestRegistryGetDifferentOwners(t *testing.T) {
	r, _ := newTestRegistry(t, newMemStore(), false)
	ctx := context.Background()

	c1, _ := r.Get(ctx, "telegram:111")
	c2, _ := r.Get(ctx, "discord:222")
	if c1 == c2 {
		t.Fatal("different owners should get different controllers")
	}

	c1.SubmitText(ctx, "telegram message")
	c2.SubmitText(ctx, "discord message")

	if c1.SessionID() == c2.SessionID() {
		t.Error("owners should not share a session")
	}
	if t1 := c1.Transcript(); t1[2].Text != "telegram message" {
		t.Errorf("controller 1 transcript corrupted: %+v", t1)
	}
	if t2 := c2.Transcript(); t2[2].Text != "discord message" {
		t.Errorf("controller 2 transcript corrupted: %+v", t2)
	}
}

func TestRegistryConcurrentGet(t *testing.T) {
	r, builds := newTestRegistry(t, newMemStore(), false)
	var wg sync.WaitGroup
	controllers := make(chan *Controller, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _ := r.Get(context.Background(), "shared")
			controllers <- c
		}()
	}

	wg.Wait()
	close(controllers)

	var first *Controller
	for c := range controllers {
		if first == nil {
			first = c
		} else if c != first {
			t.Error("concurrent Get returned different controllers for the same owner")
		}
	}
	if *builds != 1 {
		t.Errorf("expected one build, got %d", *builds)
	}
}

func TestRegistryResumes(t *testing.T) {
	store := newMemStore()
	r, _ := newTestRegistry(t, store, true)
	ctx := context.Background()

	c, _ := r.Get(ctx, "owner")
	c.SubmitText(ctx, "hello")
	id := c.SessionID()

	r.Close()
	if r.Len() != 0 {
		t.Fatalf("expected empty registry after close, got %d", r.Len())
	}

	again, _ := r.Get(ctx, "owner")
	if again == c {
		t.Fatal("close should drop controllers")
	}
	if again.SessionID() != id {
		t.Errorf("expected resumed session %s, got %q", id, again.SessionID())
	}
}

func TestRegistryBuildError(t *testing.T) {
	r := NewRegistry(func(ownerID string) (*Controller, error) {
		return nil, errors.New("no store")
	})
	if _, err := r.Get(context.Background(), "x"); err == nil {
		t.Fatal("expected build error")
	}
	if r.Len() != 0 {
		t.Error("failed builds should not be cached")
	}
}
