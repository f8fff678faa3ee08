package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bowerhall/medibuddy/internal/capture"
	"github.com/bowerhall/medibuddy/internal/conversation"
	"github.com/bowerhall/medibuddy/internal/gateway"
	"github.com/bowerhall/medibuddy/internal/playback"
	"github.com/bowerhall/medibuddy/internal/storage"
	"github.com/bowerhall/medibuddy/internal/variant"
)

type memStore struct {
	mu        sync.Mutex
	sessions  map[string]conversation.Session
	order     []string
	turns     map[string][]conversation.Turn
	appendErr error
	createErr error
	appends   int
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]conversation.Session),
		turns:    make(map[string][]conversation.Turn),
	}
}

func (s *memStore) CreateSession(ctx context.Context, ownerID, v string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	id := fmt.Sprintf("s%d", len(s.order)+1)
	s.sessions[id] = conversation.Session{ID: id, OwnerID: ownerID, Variant: v}
	s.order = append(s.order, id)
	return id, nil
}

func (s *memStore) GetSession(ctx context.Context, id string) (*conversation.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return &sess, nil
}

func (s *memStore) AppendTurn(ctx context.Context, id string, turn conversation.Turn) (conversation.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return conversation.Turn{}, s.appendErr
	}
	if _, ok := s.sessions[id]; !ok {
		return conversation.Turn{}, conversation.ErrNotFound
	}
	s.appends++
	stored := turn
	stored.ClientID = turn.ID
	stored.ID = fmt.Sprintf("%s-%d", id, len(s.turns[id])+1)
	stored.SessionID = id
	s.turns[id] = append(s.turns[id], stored)
	return stored, nil
}

func (s *memStore) ListRecentSessions(ctx context.Context, ownerID, v string, limit int) ([]conversation.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []conversation.SessionSummary
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		sess := s.sessions[s.order[i]]
		if sess.OwnerID != ownerID || sess.Variant != v {
			continue
		}
		summary := conversation.SessionSummary{Session: sess}
		if turns := s.turns[sess.ID]; len(turns) > 0 {
			last := turns[len(turns)-1]
			summary.Last = &last
		}
		out = append(out, summary)
	}
	return out, nil
}

func (s *memStore) LoadSession(ctx context.Context, id string) ([]conversation.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return nil, conversation.ErrNotFound
	}
	out := make([]conversation.Turn, len(s.turns[id]))
	copy(out, s.turns[id])
	return out, nil
}

type fakeGateway struct {
	mu          sync.Mutex
	calls       []gateway.Request
	inflight    int
	maxInflight int
	reply       func(req gateway.Request) (*gateway.Reply, error)
	// entered and release make the next call block until release is closed.
	entered chan struct{}
	release chan struct{}
}

// blockNext makes the next Send wait. The returned channel is closed once it
// is waiting; closing release lets it finish.
func (g *fakeGateway) blockNext() (entered <-chan struct{}, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
	return g.entered, g.release
}

func (g *fakeGateway) Send(ctx context.Context, req gateway.Request) (*gateway.Reply, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.inflight++
	if g.inflight > g.maxInflight {
		g.maxInflight = g.inflight
	}
	entered, release := g.entered, g.release
	g.entered, g.release = nil, nil
	reply := g.reply
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.inflight--
		g.mu.Unlock()
	}()

	if entered != nil {
		close(entered)
		<-release
	}
	if reply != nil {
		return reply(req)
	}
	return &gateway.Reply{Text: "reply to " + req.Turn.Text}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []capture.LocalMedia
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, media capture.LocalMedia, ownerID string) (storage.RemoteRef, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, media)
	if u.err != nil {
		return storage.RemoteRef{}, u.err
	}
	path := fmt.Sprintf("%s/%ss/%d", ownerID, media.Kind, len(u.calls))
	return storage.RemoteRef{URL: "https://blobs.test/" + path, Path: path}, nil
}

func (u *fakeUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

type fakePicker struct {
	media capture.LocalMedia
	err   error
}

func (p *fakePicker) PickImage(ctx context.Context) (capture.LocalMedia, error) {
	return p.media, p.err
}

type fakeMic struct {
	startErr  error
	media     capture.LocalMedia
	stopErr   error
	discarded int
}

func (m *fakeMic) Start(ctx context.Context) (capture.Take, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	return &fakeTake{mic: m}, nil
}

type fakeTake struct {
	mic *fakeMic
}

func (t *fakeTake) Stop(ctx context.Context) (capture.LocalMedia, error) {
	return t.mic.media, t.mic.stopErr
}

func (t *fakeTake) Discard() error {
	t.mic.discarded++
	return nil
}

type fakeSound struct{}

func (fakeSound) Play(ctx context.Context, onFinish func()) error { return nil }
func (fakeSound) Stop() error                                     { return nil }
func (fakeSound) Unload() error                                   { return nil }

type fakePlayer struct {
	loaded []string
}

func (p *fakePlayer) Load(ctx context.Context, uri string) (playback.Sound, error) {
	p.loaded = append(p.loaded, uri)
	return fakeSound{}, nil
}

type change struct {
	turn  string
	state playback.State
}

// harness wires a controller to fakes and records what its hooks report.
type harness struct {
	store    *memStore
	gw       *fakeGateway
	uploader *fakeUploader
	picker   *fakePicker
	mic      *fakeMic
	player   *fakePlayer
	c        *Controller

	mu        sync.Mutex
	shown     []conversation.Turn
	retracted []string
	states    []State
	plays     []change
}

func newHarness(t *testing.T, key variant.Key) *harness {
	t.Helper()
	return newHarnessFor(t, key, "owner-1", newMemStore())
}

func newHarnessFor(t *testing.T, key variant.Key, owner string, store *memStore) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		gw:       &fakeGateway{},
		uploader: &fakeUploader{},
		picker:   &fakePicker{},
		mic:      &fakeMic{},
		player:   &fakePlayer{},
	}

	c, err := New(Deps{
		Store:    h.store,
		Gateway:  h.gw,
		Uploader: h.uploader,
		Capture:  capture.New(h.picker, h.mic),
		Playback: playback.NewManager(h.player),
		Catalog:  variant.DefaultCatalog(),
	}, Options{OwnerID: owner, Variant: key}, Hooks{
		OnTurn: func(turn conversation.Turn) {
			h.mu.Lock()
			h.shown = append(h.shown, turn)
			h.mu.Unlock()
		},
		OnRetract: func(id string) {
			h.mu.Lock()
			h.retracted = append(h.retracted, id)
			h.mu.Unlock()
		},
		OnState: func(s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
		OnPlayback: func(id string, s playback.State) {
			h.mu.Lock()
			h.plays = append(h.plays, change{id, s})
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	return h
}

// persisted returns the non-ephemeral transcript turn ids.
func persisted(turns []conversation.Turn) []string {
	var ids []string
	for _, t := range turns {
		if !t.Ephemeral {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
