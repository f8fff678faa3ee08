// Package playback plays assistant voice replies, one at a time.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bowerhall/medibuddy/internal/logger"
)

var ErrPlayback = errors.New("playback failed")

// Sound is one loaded audio resource. Implementations call onFinish from
// their own goroutine once playback ends on its own.
type Sound interface {
	Play(ctx context.Context, onFinish func()) error
	Stop() error
	Unload() error
}

type Player interface {
	Load(ctx context.Context, uri string) (Sound, error)
}

type State int

const (
	Stopped State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "stopped"
}

type active struct {
	turnID string
	sound  Sound
	once   sync.Once
}

// release stops and unloads the sound exactly once.
func (a *active) release(stop bool) {
	a.once.Do(func() {
		if stop {
			if err := a.sound.Stop(); err != nil {
				logger.Warn("stop sound failed", "turn", a.turnID, "error", err)
			}
		}
		if err := a.sound.Unload(); err != nil {
			logger.Warn("unload sound failed", "turn", a.turnID, "error", err)
		}
	})
}

// Manager keeps at most one sound playing. Starting a new one stops the
// previous one first.
type Manager struct {
	player Player

	mu       sync.Mutex
	current  *active
	onChange func(turnID string, state State)
}

func NewManager(player Player) *Manager {
	return &Manager{player: player}
}

// OnChange registers a callback for every state transition of a turn.
func (m *Manager) OnChange(fn func(turnID string, state State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Toggle stops turnID if it is playing, otherwise starts it.
func (m *Manager) Toggle(ctx context.Context, turnID, uri string) (State, error) {
	m.mu.Lock()
	notify := m.onChange

	var stopped string
	if cur := m.current; cur != nil {
		m.current = nil
		cur.release(true)
		stopped = cur.turnID
		if cur.turnID == turnID {
			m.mu.Unlock()
			emit(notify, turnID, Stopped)
			return Stopped, nil
		}
	}

	state, err := m.start(ctx, turnID, uri)
	m.mu.Unlock()

	if stopped != "" {
		emit(notify, stopped, Stopped)
	}
	if err != nil {
		return Stopped, err
	}
	emit(notify, turnID, state)
	return state, nil
}

// start loads and plays uri. Callers hold m.mu.
func (m *Manager) start(ctx context.Context, turnID, uri string) (State, error) {
	if uri == "" {
		return Stopped, fmt.Errorf("%w: turn %s has no voice reply", ErrPlayback, turnID)
	}

	sound, err := m.player.Load(ctx, uri)
	if err != nil {
		return Stopped, fmt.Errorf("%w: load %s: %v", ErrPlayback, uri, err)
	}

	a := &active{turnID: turnID, sound: sound}
	if err := sound.Play(ctx, func() { m.finished(a) }); err != nil {
		a.release(false)
		return Stopped, fmt.Errorf("%w: play %s: %v", ErrPlayback, uri, err)
	}
	m.current = a
	return Playing, nil
}

func emit(fn func(string, State), turnID string, state State) {
	if fn != nil {
		fn(turnID, state)
	}
}

func (m *Manager) finished(a *active) {
	m.mu.Lock()
	wasCurrent := m.current == a
	if wasCurrent {
		m.current = nil
	}
	notify := m.onChange
	m.mu.Unlock()

	a.release(false)
	if wasCurrent {
		emit(notify, a.turnID, Stopped)
	}
}

// Playing returns the turn currently playing, or "".
func (m *Manager) Playing() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.turnID
}

// Stop stops and unloads whatever is playing.
func (m *Manager) Stop() {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	notify := m.onChange
	m.mu.Unlock()
	if cur != nil {
		cur.release(true)
		emit(notify, cur.turnID, Stopped)
	}
}

// Close releases the player for good.
func (m *Manager) Close() {
	m.OnChange(nil)
	m.Stop()
}
