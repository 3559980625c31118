package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/bus"
	"github.com/loqalabs/loqa-lipsync/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers render requests on the bus.
type Service struct {
	bus       *bus.Client
	generator *Generator
	timeout   time.Duration
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewService creates a render service. A zero timeout leaves renders bounded
// only by the service lifetime.
func NewService(parent context.Context, busClient *bus.Client, generator *Generator, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:       busClient,
		generator: generator,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "render-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectRenderRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.RenderRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode render request", slogError(err))
		s.reply(msg, protocol.RenderResult{Error: err.Error(), Timestamp: time.Now().UTC()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx := s.ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		result := protocol.RenderResult{RequestID: req.RequestID}
		artifact, err := s.generator.Generate(ctx, Request{
			AudioPath:  req.AudioPath,
			AvatarID:   req.AvatarID,
			OutputPath: req.OutputPath,
		})
		if err != nil {
			s.logger.Warn("render request failed", slog.String("request_id", req.RequestID), slogError(err))
			result.Error = err.Error()
		} else {
			result.VideoPath = artifact.Path
			result.FrameCount = artifact.FrameCount
			result.Duration = artifact.Duration
			result.AudioDuration = artifact.AudioDuration
			result.AudioMerged = artifact.AudioMerged
			result.MergeError = artifact.MergeError
		}
		result.Timestamp = time.Now().UTC()
		s.reply(msg, result)
	}()
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if err := s.bus.RespondJSON(msg, v); err != nil {
		s.logger.Warn("failed to reply to render request", slogError(err))
	}
}
