package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/audio"
	"github.com/loqalabs/loqa-lipsync/internal/bus"
	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/protocol"
	"github.com/loqalabs/loqa-lipsync/internal/render"
	"github.com/nats-io/nats.go"
)

// AudioSource loads the audio for a session. Load failures degrade to silence.
type AudioSource interface {
	LoadOrSilence(ctx context.Context, path string) audio.Buffer
}

// FaceResolver maps an avatar id to its face region.
type FaceResolver interface {
	Lookup(avatarID string) render.FaceRegion
}

// Service exposes the broker on the bus: start and cancel requests come in,
// JPEG frames and terminal statuses go out.
type Service struct {
	cfg    config.StreamConfig
	bus    *bus.Client
	broker *Broker
	audio  AudioSource
	faces  FaceResolver
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.StreamConfig, busClient *bus.Client, broker *Broker, src AudioSource, faces FaceResolver, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		broker: broker,
		audio:  src,
		faces:  faces,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "stream-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	start, err := s.bus.Conn().Subscribe(protocol.SubjectStreamStart, s.handleStart)
	if err != nil {
		return err
	}
	cancel, err := s.bus.Conn().Subscribe(protocol.SubjectStreamCancel, s.handleCancel)
	if err != nil {
		_ = start.Unsubscribe()
		return err
	}
	s.subs = []*nats.Subscription{start, cancel}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) == 2 }

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StreamStart
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode stream start", slogError(err))
		s.reply(msg, protocol.StreamStarted{Error: err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := s.audio.LoadOrSilence(s.ctx, req.AudioPath)
		id, err := s.broker.StartSession(s.ctx, Request{
			ID:       req.SessionID,
			AvatarID: req.AvatarID,
			Audio:    buf,
			Face:     s.faces.Lookup(req.AvatarID),
		}, s.handlers())
		if err != nil {
			s.logger.Warn("stream start rejected", slog.String("session_id", req.SessionID), slogError(err))
			s.reply(msg, protocol.StreamStarted{SessionID: req.SessionID, Error: err.Error()})
			return
		}
		s.reply(msg, protocol.StreamStarted{
			SessionID:   id,
			TotalFrames: buf.FrameCount(s.broker.FrameRate()),
			FrameRate:   s.broker.FrameRate(),
		})
	}()
}

func (s *Service) handlers() Handlers {
	return Handlers{
		OnFrame: func(ev FrameEvent) error {
			var jpeg bytes.Buffer
			if err := render.EncodeJPEG(&jpeg, ev.Frame, s.cfg.FrameQuality); err != nil {
				return err
			}
			return s.bus.PublishJSON(protocol.FrameSubject(ev.SessionID), protocol.FrameEvent{
				SessionID:   ev.SessionID,
				FrameIndex:  ev.FrameIndex,
				TotalFrames: ev.TotalFrames,
				TimeSec:     ev.TimeSec,
				Fallback:    ev.Frame.Fallback,
				JPEG:        jpeg.Bytes(),
			})
		},
		OnError: func(id string, err error) {
			status := protocol.StreamStatus{SessionID: id, Error: err.Error(), Timestamp: time.Now().UTC()}
			if perr := s.bus.PublishJSON(protocol.SubjectStreamError, status); perr != nil {
				s.logger.Warn("failed to publish stream error", slog.String("session_id", id), slogError(perr))
			}
		},
		OnComplete: func(id string, total int) {
			status := protocol.StreamStatus{SessionID: id, TotalFrames: total, Completed: true, Timestamp: time.Now().UTC()}
			if perr := s.bus.PublishJSON(protocol.SubjectStreamDone, status); perr != nil {
				s.logger.Warn("failed to publish stream done", slog.String("session_id", id), slogError(perr))
			}
		},
	}
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.StreamCancel
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode stream cancel", slogError(err))
		return
	}
	status := protocol.StreamStatus{SessionID: req.SessionID, Timestamp: time.Now().UTC()}
	if err := s.broker.Cancel(req.SessionID); err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			s.logger.Warn("stream cancel failed", slog.String("session_id", req.SessionID), slogError(err))
		}
		status.Error = err.Error()
	}
	s.reply(msg, status)
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if err := s.bus.RespondJSON(msg, v); err != nil {
		s.logger.Warn("failed to reply", slog.String("subject", msg.Subject), slogError(err))
	}
}
