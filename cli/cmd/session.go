package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/fluxbase-eu/realtime-go/internal/observability"
	"github.com/fluxbase-eu/realtime-go/internal/realtime"
)

// topicPrefix is added to bare channel names given on the command line
const topicPrefix = "realtime:"

// channelTopic returns name as a full topic
func channelTopic(name string) string {
	if strings.HasPrefix(name, topicPrefix) {
		return name
	}
	return topicPrefix + name
}

// session is a connected client plus its observability plumbing
type session struct {
	client    *realtime.Client
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	metricApp *fiber.App
}

// newSession connects a client using the loaded configuration. metricsAddr
// overrides metrics.address and enables the endpoint when set.
func newSession(ctx context.Context, metricsAddr string) (*session, error) {
	s := &session{}

	tracer, err := observability.NewTracer(ctx, cfg.Tracing.TracerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracer = tracer

	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = metricsAddr
	}
	if cfg.Metrics.Enabled {
		s.metrics = observability.NewMetrics()
		s.startMetricsServer()
	}

	dialer := realtime.DefaultWebsocketDialer()
	if cfg.Client.DialTimeout > 0 {
		dialer.HandshakeTimeout = cfg.Client.DialTimeout
	}

	heartbeat := cfg.Client.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = -1
	}

	s.client = realtime.NewClient(realtime.Options{
		URL:               cfg.Client.URL,
		APIKey:            cfg.Client.APIKey,
		AccessToken:       cfg.Client.AccessToken,
		HeartbeatInterval: heartbeat,
		EventsPerSecond:   cfg.Client.EventsPerSecond,
		Params:            cfg.Client.Params,
		Dialer:            dialer,
		Metrics:           s.metrics,
		Tracer:            tracer.Tracer(),
	})

	if err := s.connect(ctx); err != nil {
		s.close()
		return nil, err
	}
	log.Info().Str("url", cfg.Client.URL).Msg("Connected to realtime server")
	return s, nil
}

func (s *session) connect(ctx context.Context) error {
	ctx, span := s.tracer.StartSpan(ctx, "realtime.connect")
	err := s.client.Connect(ctx)
	observability.EndSpan(span, err)
	return err
}

func (s *session) startMetricsServer() {
	path := cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}

	s.metricApp = fiber.New(fiber.Config{DisableStartupMessage: true})
	s.metricApp.Get(path, s.metrics.Handler())

	go func() {
		log.Info().Str("address", cfg.Metrics.Address).Str("path", path).Msg("Serving metrics")
		if err := s.metricApp.Listen(cfg.Metrics.Address); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}

// join builds and subscribes a channel, then waits for the join reply
func (s *session) join(ctx context.Context, b *realtime.ChannelBuilder) (realtime.ChannelHandle, error) {
	handle, err := b.Build()
	if err != nil {
		return realtime.ChannelHandle{}, err
	}
	if err := handle.Subscribe(); err != nil {
		return realtime.ChannelHandle{}, err
	}

	joinCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := s.client.BlockUntilSubscribed(joinCtx, handle); err != nil {
		return realtime.ChannelHandle{}, fmt.Errorf("failed to join %s: %w", handle.Topic(), err)
	}

	log.Info().Str("topic", handle.Topic()).Str("channel_id", handle.ID()).Msg("Joined channel")
	return handle, nil
}

// pump drives NextMessage until ctx ends. A transport failure triggers a
// reconnect after a pause; channels are rejoined by the client.
func (s *session) pump(ctx context.Context) error {
	idle := time.NewTicker(10 * time.Millisecond)
	defer idle.Stop()

	for ctx.Err() == nil {
		_, err := s.client.NextMessage()
		switch {
		case err == nil:
			continue
		case errors.Is(err, realtime.ErrWouldBlock):
		case errors.Is(err, realtime.ErrClientClosed):
			return err
		default:
			var transportErr *realtime.TransportError
			if errors.As(err, &transportErr) {
				log.Warn().Err(err).Msg("Connection lost, reconnecting")
				s.reconnect(ctx)
			} else {
				log.Debug().Err(err).Msg("Inbound frame not dispatched")
			}
		}

		select {
		case <-ctx.Done():
		case <-idle.C:
		}
	}
	return nil
}

func (s *session) reconnect(ctx context.Context) {
	delay := time.Second
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := s.connect(ctx); err != nil {
			log.Warn().Err(err).Dur("retry_in", delay).Msg("Reconnect failed")
			if delay < 30*time.Second {
				delay *= 2
			}
			continue
		}
		log.Info().Msg("Reconnected to realtime server")
		return
	}
}

// close flushes pending writes and releases everything the session opened
func (s *session) close() {
	if s.client != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.client.Flush(flushCtx); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
			log.Debug().Err(err).Msg("Pending envelopes not flushed")
		}
		cancel()
		_ = s.client.Close()
	}
	if s.metricApp != nil {
		_ = s.metricApp.Shutdown()
	}
	if s.tracer != nil && s.tracer.IsEnabled() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
}
