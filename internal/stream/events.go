package stream

import (
	"context"
	"time"
)

// terminalGrace bounds how long a finished session waits for its consumer to
// take the terminal event before closing the channel without it.
var terminalGrace = 5 * time.Second

type EventKind int

const (
	EventFrame EventKind = iota
	EventComplete
	EventError
)

// Event is one item of a channel-bound session. Frame is set for EventFrame,
// Err for EventError and TotalFrames for EventComplete.
type Event struct {
	Kind        EventKind
	SessionID   string
	Frame       FrameEvent
	TotalFrames int
	Err         error
}

// Stream starts a session whose output is delivered on an unbuffered channel.
// The producer waits for the consumer before rendering the next frame. The
// channel carries at most one terminal event and is then closed. The terminal
// event is dropped when ctx is done, the broker closes, or the consumer does
// not take it within terminalGrace. Cancelling ctx fails the session.
func (b *Broker) Stream(ctx context.Context, req Request) (string, <-chan Event, error) {
	events := make(chan Event)
	id, err := b.start(ctx, req, func(sessionCtx context.Context) Handlers {
		terminal := func(ev Event) {
			defer close(events)
			select {
			case events <- ev:
				return
			default:
			}
			grace := time.NewTimer(terminalGrace)
			defer grace.Stop()
			select {
			case events <- ev:
			case <-ctx.Done():
			case <-b.ctx.Done():
			case <-grace.C:
			}
		}
		return Handlers{
			OnFrame: func(fe FrameEvent) error {
				select {
				case events <- Event{Kind: EventFrame, SessionID: fe.SessionID, Frame: fe}:
					return nil
				case <-sessionCtx.Done():
					return context.Cause(sessionCtx)
				case <-ctx.Done():
					return context.Cause(ctx)
				}
			},
			OnError: func(id string, err error) {
				terminal(Event{Kind: EventError, SessionID: id, Err: err})
			},
			OnComplete: func(id string, total int) {
				terminal(Event{Kind: EventComplete, SessionID: id, TotalFrames: total})
			},
		}
	})
	if err != nil {
		return "", nil, err
	}
	return id, events, nil
}
