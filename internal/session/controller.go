// Package session runs the conversational state machine: capture, upload,
// persist, ask the assistant, append the reply.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bowerhall/medibuddy/internal/capture"
	"github.com/bowerhall/medibuddy/internal/conversation"
	"github.com/bowerhall/medibuddy/internal/gateway"
	"github.com/bowerhall/medibuddy/internal/logger"
	"github.com/bowerhall/medibuddy/internal/playback"
	"github.com/bowerhall/medibuddy/internal/variant"
)

// pending is the conversation a turn was started in.
type pending struct {
	epoch     uint64
	variant   variant.Variant
	sessionID string
}

func New(deps Deps, opts Options, hooks Hooks) (*Controller, error) {
	if deps.Store == nil || deps.Gateway == nil {
		return nil, errors.New("session: store and gateway are required")
	}
	if opts.OwnerID == "" {
		return nil, errors.New("session: owner id is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = variant.DefaultCatalog()
	}
	if opts.Variant == "" {
		opts.Variant = variant.Medical
	}

	v, err := deps.Catalog.Get(opts.Variant)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		deps:    deps,
		opts:    opts,
		hooks:   hooks,
		now:     time.Now,
		variant: v,
	}
	c.transcript = v.GreetingTurns(c.now())

	if deps.Playback != nil {
		deps.Playback.OnChange(c.playbackChanged)
	}
	return c, nil
}

func (c *Controller) log() *slog.Logger {
	return logger.With("owner", c.opts.OwnerID)
}

// SubmitText sends a typed message. It returns the turns it appended.
func (c *Controller) SubmitText(ctx context.Context, text string) ([]conversation.Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, conversation.ErrEmptyTurn
	}

	p, err := c.begin(AwaitingReply)
	if err != nil {
		return nil, err
	}
	defer c.finish(p.epoch)

	return c.dispatch(ctx, p, c.userTurn(text, nil), capture.LocalMedia{})
}

// SubmitImage picks an image, uploads it and sends it with an optional
// caption. A cancelled pick returns no turns and no error.
func (c *Controller) SubmitImage(ctx context.Context, caption string) ([]conversation.Turn, error) {
	p, err := c.begin(AwaitingCapture)
	if err != nil {
		return nil, err
	}
	defer c.finish(p.epoch)

	if !p.variant.AcceptsImages {
		return nil, c.fail(CaptureFailed, fmt.Errorf("%s does not accept images", p.variant.Name))
	}
	if c.deps.Capture == nil {
		return nil, c.fail(CaptureFailed, fmt.Errorf("%w: no image source", capture.ErrDevice))
	}

	media, err := c.deps.Capture.CaptureImage(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrCancelled) {
			c.log().Debug("image pick cancelled")
			return nil, nil
		}
		return nil, c.captureFailure(err)
	}

	return c.upload(ctx, p, strings.TrimSpace(caption), media)
}

// StartRecording acquires the recorder. Calling it while already recording
// does nothing.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.recording != nil {
		c.mu.Unlock()
		return nil
	}
	if !c.acquireLocked() {
		c.mu.Unlock()
		return ErrBusy
	}
	epoch := c.epoch
	c.mu.Unlock()

	if c.deps.Capture == nil {
		c.release(epoch)
		return c.fail(CaptureFailed, fmt.Errorf("%w: no microphone", capture.ErrDevice))
	}

	h, err := c.deps.Capture.StartRecording(ctx)
	if err != nil {
		c.release(epoch)
		return c.captureFailure(err)
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		c.deps.Capture.Abandon(h)
		c.release(epoch)
		return ErrDiscarded
	}
	c.recording = h
	c.state = Recording
	c.mu.Unlock()

	c.emitState(Recording)
	return nil
}

// StopRecording finishes the recording and sends it. Without a recording in
// progress it fails and produces no turn.
func (c *Controller) StopRecording(ctx context.Context) ([]conversation.Turn, error) {
	c.mu.Lock()
	h := c.recording
	c.recording = nil
	p := pending{epoch: c.epoch, variant: c.variant, sessionID: c.sessionID}
	c.mu.Unlock()

	if h == nil {
		return nil, c.fail(CaptureFailed, capture.ErrNotRecording)
	}
	defer c.finish(p.epoch)

	c.setState(p.epoch, Uploading)
	media, err := c.deps.Capture.StopRecording(ctx, h)
	if err != nil {
		return nil, c.captureFailure(err)
	}
	return c.upload(ctx, p, "", media)
}

// AbandonRecording drops the recording without producing a turn.
func (c *Controller) AbandonRecording() error {
	c.mu.Lock()
	h := c.recording
	c.recording = nil
	epoch := c.epoch
	c.mu.Unlock()

	if h == nil {
		return nil
	}
	defer c.finish(epoch)

	if err := c.deps.Capture.Abandon(h); err != nil {
		return c.fail(CaptureFailed, err)
	}
	return nil
}

func (c *Controller) upload(ctx context.Context, p pending, caption string, media capture.LocalMedia) ([]conversation.Turn, error) {
	c.setState(p.epoch, Uploading)

	ref, err := c.deps.Uploader.Upload(ctx, media, c.opts.OwnerID)
	if err != nil {
		return nil, c.fail(UploadFailed, err)
	}

	turn := c.userTurn(caption, &conversation.Media{
		Kind:       media.Kind,
		URI:        ref.URL,
		DurationMs: media.DurationMs,
	})
	return c.dispatch(ctx, p, turn, media)
}

// dispatch shows the user turn, persists it, asks the assistant and appends
// the reply. Callers hold the turn slot for p.epoch.
func (c *Controller) dispatch(ctx context.Context, p pending, turn conversation.Turn, local capture.LocalMedia) ([]conversation.Turn, error) {
	if !c.appendIfCurrent(p.epoch, turn) {
		return nil, ErrDiscarded
	}
	c.setState(p.epoch, AwaitingReply)

	stored, err := c.persistUser(ctx, &p, turn)
	if err != nil {
		c.retract(p.epoch, turn.ID)
		return nil, c.fail(PersistenceFailed, err)
	}
	c.replace(p.epoch, turn.ID, stored)

	reply, err := c.deps.Gateway.Send(ctx, gateway.Request{
		Variant:   p.variant,
		Turn:      stored,
		LocalPath: local.URI,
		MimeType:  local.MimeType,
		Lang:      c.opts.Lang,
	})
	if err != nil {
		failure := c.fail(GatewayFailed, err)
		notice := c.errorTurn(err)
		if !c.appendIfCurrent(p.epoch, notice) {
			return []conversation.Turn{stored}, ErrDiscarded
		}
		return []conversation.Turn{stored, notice}, failure
	}
	if reply.Transcription != "" {
		c.log().Debug("audio transcribed", "session", p.sessionID, "turn", stored.ID, "text", reply.Transcription)
	}

	replies := []conversation.Turn{c.assistantTurn(reply.Text, reply.VoiceURL)}
	if recs := gateway.Dedupe(reply.Recommendations); len(recs) > 0 {
		replies = append(replies, c.assistantTurn(gateway.Render(recs), ""))
	}

	out := []conversation.Turn{stored}
	var persistErr error
	for _, r := range replies {
		saved, err := c.deps.Store.AppendTurn(ctx, p.sessionID, r)
		if err != nil {
			if persistErr == nil {
				persistErr = c.fail(PersistenceFailed, err)
			}
			// Still show the reply, but mark it as not part of the stored log.
			r.Ephemeral = true
			saved = r
		}
		if !c.appendIfCurrent(p.epoch, saved) {
			c.log().Debug("discarding stale reply", "session", p.sessionID, "turn", saved.ID)
			return out, ErrDiscarded
		}
		out = append(out, saved)
	}
	return out, persistErr
}

func (c *Controller) persistUser(ctx context.Context, p *pending, turn conversation.Turn) (conversation.Turn, error) {
	if p.sessionID == "" {
		id, err := c.deps.Store.CreateSession(ctx, c.opts.OwnerID, string(p.variant.Key))
		if err != nil {
			return conversation.Turn{}, fmt.Errorf("create session: %w", err)
		}
		p.sessionID = id

		c.mu.Lock()
		if p.epoch == c.epoch && c.sessionID == "" {
			c.sessionID = id
		}
		c.mu.Unlock()
		c.log().Info("session created", "session", id, "variant", p.variant.Key)
	}

	stored, err := c.deps.Store.AppendTurn(ctx, p.sessionID, turn)
	if err != nil {
		return conversation.Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return stored, nil
}

// SwitchVariant starts a fresh transcript for key. Stored sessions are left
// untouched.
func (c *Controller) SwitchVariant(key variant.Key) error {
	v, err := c.deps.Catalog.Get(key)
	if err != nil {
		return err
	}
	epoch := c.navigate()
	c.install(epoch, v, v.GreetingTurns(c.now()), "")
	c.log().Info("variant selected", "variant", v.Key)
	return nil
}

// NewChat resets the transcript for the current variant. The next turn
// creates a new session.
func (c *Controller) NewChat() {
	c.mu.Lock()
	v := c.variant
	c.mu.Unlock()

	epoch := c.navigate()
	c.install(epoch, v, v.GreetingTurns(c.now()), "")
}

// Resume reopens the latest session for the current variant, if any.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	v := c.variant
	c.mu.Unlock()

	recent, err := c.deps.Store.ListRecentSessions(ctx, c.opts.OwnerID, string(v.Key), 1)
	if err != nil {
		return c.fail(PersistenceFailed, err)
	}
	if len(recent) == 0 {
		return nil
	}

	id := recent[0].Session.ID
	turns, err := c.deps.Store.LoadSession(ctx, id)
	if err != nil {
		return c.fail(PersistenceFailed, err)
	}

	epoch := c.navigate()
	if !c.install(epoch, v, append(v.GreetingTurns(c.now()), turns...), id) {
		return ErrDiscarded
	}
	c.log().Info("session resumed", "session", id, "variant", v.Key, "turns", len(turns))
	return nil
}

// RecentSessions lists the owner's latest sessions for the current variant,
// most recent first.
func (c *Controller) RecentSessions(ctx context.Context, limit int) ([]conversation.SessionSummary, error) {
	c.mu.Lock()
	v := c.variant
	c.mu.Unlock()

	summaries, err := c.deps.Store.ListRecentSessions(ctx, c.opts.OwnerID, string(v.Key), limit)
	if err != nil {
		return nil, c.fail(PersistenceFailed, err)
	}
	return summaries, nil
}

// OpenSession replaces the transcript with a stored session. The variant
// follows the session's variant.
func (c *Controller) OpenSession(ctx context.Context, sessionID string) ([]conversation.Turn, error) {
	epoch := c.navigate()
	c.setState(epoch, AwaitingCapture)

	turns, v, err := c.load(ctx, sessionID)
	if err != nil {
		c.setState(epoch, Idle)
		return nil, c.fail(PersistenceFailed, err)
	}

	if !c.install(epoch, v, turns, sessionID) {
		return nil, ErrDiscarded
	}
	c.log().Info("session opened", "session", sessionID, "variant", v.Key, "turns", len(turns))
	return turns, nil
}

func (c *Controller) load(ctx context.Context, sessionID string) ([]conversation.Turn, variant.Variant, error) {
	sess, err := c.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, variant.Variant{}, err
	}
	if sess.OwnerID != c.opts.OwnerID {
		return nil, variant.Variant{}, fmt.Errorf("%w: %s", conversation.ErrNotFound, sessionID)
	}

	v, err := c.deps.Catalog.Get(variant.Key(sess.Variant))
	if err != nil {
		return nil, variant.Variant{}, err
	}

	turns, err := c.deps.Store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, variant.Variant{}, err
	}
	return turns, v, nil
}

// navigate starts a new epoch and releases the recorder.
func (c *Controller) navigate() uint64 {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	h := c.recording
	c.recording = nil
	c.mu.Unlock()

	if h != nil {
		if err := c.deps.Capture.Abandon(h); err != nil {
			c.log().Warn("abandon recording failed", "error", err)
		}
	}
	if c.deps.Playback != nil {
		c.deps.Playback.Stop()
	}
	return epoch
}

func (c *Controller) install(epoch uint64, v variant.Variant, transcript []conversation.Turn, sessionID string) bool {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return false
	}
	c.variant = v
	c.sessionID = sessionID
	c.transcript = transcript
	c.state = Idle
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if c.hooks.OnReset != nil {
		c.hooks.OnReset(v, snapshot)
	}
	c.emitState(Idle)
	return true
}

// TogglePlayback starts or stops the audio of an audio turn in the
// transcript. Only one turn plays at a time.
func (c *Controller) TogglePlayback(ctx context.Context, turnID string) (playback.State, error) {
	var uri string
	c.mu.Lock()
	for _, t := range c.transcript {
		if t.ID == turnID && t.Media != nil && t.Media.Kind == conversation.MediaAudio {
			uri = t.Media.URI
			break
		}
	}
	c.mu.Unlock()

	if uri == "" {
		return playback.Stopped, c.fail(PlaybackFailed, fmt.Errorf("%w: %s", ErrNoAudio, turnID))
	}
	if c.deps.Playback == nil {
		return playback.Stopped, c.fail(PlaybackFailed, errors.New("no audio player"))
	}

	state, err := c.deps.Playback.Toggle(ctx, turnID, uri)
	if err != nil {
		return playback.Stopped, c.fail(PlaybackFailed, err)
	}
	return state, nil
}

func (c *Controller) playbackChanged(turnID string, state playback.State) {
	if c.hooks.OnPlayback != nil {
		c.hooks.OnPlayback(turnID, state)
	}
}

// Close releases the recorder and the audio player.
func (c *Controller) Close() {
	c.navigate()
	if c.deps.Playback != nil {
		c.deps.Playback.Close()
	}
}

func (c *Controller) Transcript() []conversation.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// AudioTurns lists transcript turns that carry audio, oldest first.
func (c *Controller) AudioTurns() []conversation.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []conversation.Turn
	for _, t := range c.transcript {
		if t.Media != nil && t.Media.Kind == conversation.MediaAudio {
			out = append(out, t)
		}
	}
	return out
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Variant() variant.Variant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variant
}

// SessionID is "" until the first turn of a conversation is stored.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) snapshotLocked() []conversation.Turn {
	out := make([]conversation.Turn, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// begin claims the turn slot for the current epoch.
func (c *Controller) begin(next State) (pending, error) {
	c.mu.Lock()
	if c.recording != nil || !c.acquireLocked() {
		c.mu.Unlock()
		return pending{}, ErrBusy
	}
	c.state = next
	p := pending{epoch: c.epoch, variant: c.variant, sessionID: c.sessionID}
	c.mu.Unlock()

	c.emitState(next)
	return p, nil
}

func (c *Controller) finish(epoch uint64) {
	c.release(epoch)
	c.setState(epoch, Idle)
}

// acquireLocked allows one turn in progress per epoch. Work left over from
// an older epoch does not block the current conversation.
func (c *Controller) acquireLocked() bool {
	if c.busy && c.busyEpoch == c.epoch {
		return false
	}
	c.busy = true
	c.busyEpoch = c.epoch
	return true
}

func (c *Controller) release(epoch uint64) {
	c.mu.Lock()
	if c.busy && c.busyEpoch == epoch {
		c.busy = false
	}
	c.mu.Unlock()
}

func (c *Controller) setState(epoch uint64, s State) {
	c.mu.Lock()
	if epoch != c.epoch || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emitState(s)
}

func (c *Controller) emitState(s State) {
	if c.hooks.OnState != nil {
		c.hooks.OnState(s)
	}
}

func (c *Controller) appendIfCurrent(epoch uint64, turn conversation.Turn) bool {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return false
	}
	c.transcript = append(c.transcript, turn)
	c.mu.Unlock()

	if c.hooks.OnTurn != nil {
		c.hooks.OnTurn(turn)
	}
	return true
}

func (c *Controller) retract(epoch uint64, turnID string) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	for i, t := range c.transcript {
		if t.ID == turnID {
			c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if c.hooks.OnRetract != nil {
		c.hooks.OnRetract(turnID)
	}
}

// replace swaps the optimistic turn for its stored copy.
func (c *Controller) replace(epoch uint64, clientID string, stored conversation.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	for i, t := range c.transcript {
		if t.ID == clientID {
			c.transcript[i] = stored
			return
		}
	}
}

func (c *Controller) userTurn(text string, media *conversation.Media) conversation.Turn {
	id := uuid.NewString()
	return conversation.Turn{
		ID:        id,
		ClientID:  id,
		Sender:    conversation.SenderUser,
		Text:      text,
		Media:     media,
		Timestamp: c.now(),
	}
}

func (c *Controller) assistantTurn(text, voiceURL string) conversation.Turn {
	t := c.userTurn(text, nil)
	t.Sender = conversation.SenderAssistant
	if voiceURL != "" {
		t.Media = &conversation.Media{Kind: conversation.MediaAudio, URI: voiceURL}
	}
	return t
}

func (c *Controller) errorTurn(err error) conversation.Turn {
	text := "Sorry, I couldn't get a reply right now. Please try again."
	if errors.Is(err, gateway.ErrTimeout) {
		text = "Sorry, the assistant took too long to answer. Please try again."
	}
	t := c.assistantTurn(text, "")
	t.Ephemeral = true
	return t
}

func (c *Controller) captureFailure(err error) error {
	if errors.Is(err, capture.ErrPermissionDenied) {
		return c.fail(PermissionDenied, err)
	}
	return c.fail(CaptureFailed, err)
}

func (c *Controller) fail(kind Kind, err error) error {
	c.log().Warn("turn failed", "kind", kind, "error", err)
	return &Failure{Kind: kind, Err: err}
}
