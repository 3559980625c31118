package stream

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/audio"
	"github.com/loqalabs/loqa-lipsync/internal/render"
)

var (
	ErrSessionNotFound  = errors.New("stream: session not found")
	ErrSessionExists    = errors.New("stream: session id already in use")
	ErrTooManySessions  = errors.New("stream: too many active sessions")
	ErrSessionCancelled = errors.New("stream: session cancelled")
	ErrSessionTimeout   = errors.New("stream: session timed out")
	ErrBrokerClosed     = errors.New("stream: broker closed")
)

type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Request describes a streaming session. ID is optional; a uuid is assigned
// when empty.
type Request struct {
	ID       string
	AvatarID string
	Audio    audio.Buffer
	Face     render.FaceRegion
}

// FrameEvent is delivered once per frame, in strictly increasing FrameIndex
// order.
type FrameEvent struct {
	SessionID   string
	FrameIndex  int
	TotalFrames int
	TimeSec     float64
	Frame       render.Frame
}

// Handlers receive the output of one session. OnFrame is called from the
// session goroutine and never concurrently; returning an error ends the
// session. Exactly one of OnError or OnComplete is called at the end.
type Handlers struct {
	OnFrame    func(FrameEvent) error
	OnError    func(sessionID string, err error)
	OnComplete func(sessionID string, totalFrames int)
}

// Info is a snapshot of a registered session.
type Info struct {
	ID          string
	AvatarID    string
	State       State
	TotalFrames int
	FramesSent  int
	StartedAt   time.Time
}

type session struct {
	id       string
	avatarID string
	total    int
	started  time.Time
	state    State
	sent     int
	cancel   context.CancelCauseFunc
}

func (s *session) info() Info {
	return Info{
		ID:          s.id,
		AvatarID:    s.avatarID,
		State:       s.state,
		TotalFrames: s.total,
		FramesSent:  s.sent,
		StartedAt:   s.started,
	}
}
