// Package stream runs lip-sync frame sequences as live sessions that deliver
// frames to a consumer at playback pace.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-lipsync/internal/eventstore"
	"github.com/loqalabs/loqa-lipsync/internal/observe"
	"github.com/loqalabs/loqa-lipsync/internal/sequencer"
)

// NoPacing disables the wait between frames.
const NoPacing time.Duration = -1

type Options struct {
	// MaxSessions caps concurrently registered sessions. Zero means no cap.
	MaxSessions int
	// Pacing is the wait between frames. Zero paces at one frame interval.
	Pacing         time.Duration
	SessionTimeout time.Duration
	Recorder       eventstore.Recorder
	Metrics        *observe.Metrics
	Logger         *slog.Logger
}

// Broker owns the registry of live sessions. Each session runs on its own
// goroutine; sessions share only the registry.
type Broker struct {
	seq    *sequencer.Sequencer
	opts   Options
	pacing time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewBroker(seq *sequencer.Sequencer, opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pacing := opts.Pacing
	switch {
	case pacing == 0:
		pacing = time.Second / time.Duration(seq.FrameRate())
	case pacing < 0:
		pacing = 0
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Broker{
		seq:      seq,
		opts:     opts,
		pacing:   pacing,
		logger:   logger.With(slog.String("component", "stream-broker")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

func (b *Broker) FrameRate() int { return b.seq.FrameRate() }

// StartSession validates req, registers a session and starts producing frames
// on a new goroutine. It returns as soon as the session is registered. ctx
// only scopes registration; the session runs until it completes, fails, is
// cancelled, times out or the broker closes.
func (b *Broker) StartSession(ctx context.Context, req Request, h Handlers) (string, error) {
	return b.start(ctx, req, func(context.Context) Handlers { return h })
}

func (b *Broker) start(ctx context.Context, req Request, bind func(sessionCtx context.Context) Handlers) (string, error) {
	if err := req.Audio.Validate(); err != nil {
		return "", err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	seq := b.seq.Sequence(req.Audio, req.Face)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrBrokerClosed
	}
	if _, exists := b.sessions[id]; exists {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if b.opts.MaxSessions > 0 && len(b.sessions) >= b.opts.MaxSessions {
		b.mu.Unlock()
		return "", ErrTooManySessions
	}
	sctx, cancel := context.WithCancelCause(b.ctx)
	s := &session{
		id:       id,
		avatarID: req.AvatarID,
		total:    seq.Total(),
		started:  time.Now(),
		state:    StateCreated,
		cancel:   cancel,
	}
	b.sessions[id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	runCtx, stop := sctx, context.CancelFunc(func() {})
	if b.opts.SessionTimeout > 0 {
		runCtx, stop = context.WithTimeoutCause(sctx, b.opts.SessionTimeout, ErrSessionTimeout)
	}
	h := bind(runCtx)
	if h.OnFrame == nil {
		h.OnFrame = func(FrameEvent) error { return nil }
	}

	b.opts.Metrics.SessionStarted(ctx)
	b.record(s, StateCreated, 0, nil)
	b.logger.Info("stream session started",
		slog.String("session_id", id),
		slog.String("avatar_id", req.AvatarID),
		slog.Int("total_frames", s.total))

	go func() {
		defer b.wg.Done()
		defer cancel(nil)
		defer stop()
		b.run(runCtx, s, seq, h)
	}()
	return id, nil
}

func (b *Broker) run(ctx context.Context, s *session, seq *sequencer.Sequence, h Handlers) {
	b.setState(s, StateRunning)
	b.record(s, StateRunning, 0, nil)

	var timer *time.Timer
	for {
		if ctx.Err() != nil {
			b.fail(s, h, context.Cause(ctx))
			return
		}
		frame, ok := seq.Next()
		if !ok {
			break
		}
		ev := FrameEvent{
			SessionID:   s.id,
			FrameIndex:  frame.Index,
			TotalFrames: s.total,
			TimeSec:     frame.TimeSec,
			Frame:       frame,
		}
		if err := deliver(h.OnFrame, ev); err != nil {
			if cause := context.Cause(ctx); cause != nil {
				err = cause
			}
			b.fail(s, h, err)
			return
		}
		b.mu.Lock()
		s.sent++
		b.mu.Unlock()
		b.opts.Metrics.FrameRendered(ctx, "stream")

		if b.pacing > 0 && seq.Remaining() > 0 {
			if timer == nil {
				timer = time.NewTimer(b.pacing)
			} else {
				timer.Reset(b.pacing)
			}
			select {
			case <-ctx.Done():
				timer.Stop()
				b.fail(s, h, context.Cause(ctx))
				return
			case <-timer.C:
			}
		}
	}
	b.complete(s, h)
}

func deliver(onFrame func(FrameEvent) error, ev FrameEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("frame handler panicked: %v", r)
		}
	}()
	return onFrame(ev)
}

func (b *Broker) complete(s *session, h Handlers) {
	if _, ok := b.finish(s, StateCompleted); !ok {
		return
	}
	b.record(s, StateCompleted, s.total, nil)
	b.logger.Info("stream session completed", slog.String("session_id", s.id), slog.Int("frames", s.total))
	if h.OnComplete != nil {
		b.callback(s.id, func() { h.OnComplete(s.id, s.total) })
	}
}

func (b *Broker) fail(s *session, h Handlers, err error) {
	if err == nil {
		err = errors.New("stream: session stopped")
	}
	sent, ok := b.finish(s, StateFailed)
	if !ok {
		return
	}
	b.record(s, StateFailed, sent, err)
	b.logger.Warn("stream session failed",
		slog.String("session_id", s.id),
		slog.Int("frames_sent", sent),
		slogError(err))
	if h.OnError != nil {
		b.callback(s.id, func() { h.OnError(s.id, err) })
	}
}

// finish moves s to a terminal state and removes it from the registry. It
// reports false when s had already finished.
func (b *Broker) finish(s *session, state State) (int, bool) {
	b.mu.Lock()
	if s.state.Terminal() {
		b.mu.Unlock()
		return 0, false
	}
	s.state = state
	sent := s.sent
	delete(b.sessions, s.id)
	b.mu.Unlock()
	b.opts.Metrics.SessionFinished(context.Background(), string(state))
	return sent, true
}

func (b *Broker) callback(id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("stream handler panicked", slog.String("session_id", id), slog.Any("panic", r))
		}
	}()
	fn()
}

func (b *Broker) setState(s *session, state State) {
	b.mu.Lock()
	if !s.state.Terminal() {
		s.state = state
	}
	b.mu.Unlock()
}

func (b *Broker) record(s *session, state State, frameIndex int, err error) {
	if b.opts.Recorder == nil {
		return
	}
	rec := eventstore.Session{
		ID:          s.id,
		AvatarID:    s.avatarID,
		Mode:        "stream",
		State:       string(state),
		TotalFrames: s.total,
		FrameIndex:  frameIndex,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rerr := b.opts.Recorder.RecordSession(context.Background(), rec); rerr != nil {
		b.logger.Warn("failed to record stream session", slog.String("session_id", s.id), slogError(rerr))
	}
}

// Lookup returns a snapshot of a registered session.
func (b *Broker) Lookup(id string) (Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return s.info(), nil
}

// Sessions lists registered sessions, oldest first.
func (b *Broker) Sessions() []Info {
	b.mu.Lock()
	infos := make([]Info, 0, len(b.sessions))
	for _, s := range b.sessions {
		infos = append(infos, s.info())
	}
	b.mu.Unlock()
	slices.SortFunc(infos, func(x, y Info) int { return x.StartedAt.Compare(y.StartedAt) })
	return infos
}

// Cancel stops a session. Its OnError handler receives ErrSessionCancelled.
func (b *Broker) Cancel(id string) error {
	b.mu.Lock()
	s, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.cancel(ErrSessionCancelled)
	return nil
}

// Close cancels every session and waits for their goroutines to exit.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel(ErrBrokerClosed)
	b.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
