package main

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/RecadoCampbell/fastotv/internal/events"
	"github.com/RecadoCampbell/fastotv/internal/protocol/session"
)

// supervisor reacts to handler events on behalf of the process: it asks for
// the initial server state once authorized and schedules reconnects. When no
// reconnect will follow a lost session it calls stop so the process exits.
type supervisor struct {
	post      func(func()) bool
	stop      func()
	connect   func() error
	bootstrap func() error
	after     func(time.Duration, func())

	backoff   *session.Backoff
	reconnect bool
	log       zerolog.Logger
}

func (s *supervisor) watch(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-evs:
			s.handle(ctx, ev)
		}
	}
}

func (s *supervisor) handle(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.ClientConnected:
		if e.Err() != nil {
			s.retry(ctx, e.Err())
			return
		}
		s.backoff.Reset()
	case events.ClientDisconnected:
		s.log.Info().Msgf("innerctl disconnected address=%s err=%v", e.Info.Address, e.Err())
		s.retry(ctx, e.Err())
	case events.ClientAuthorized:
		if e.Err() != nil {
			s.log.Error().Msgf("innerctl authorization refused login=%s reason=%v", e.Auth.Login, e.Err())
			return
		}
		s.log.Info().Msgf("innerctl authorized login=%s", e.Auth.Login)
		s.post(func() {
			if err := s.bootstrap(); err != nil {
				s.log.Warn().Msgf("innerctl bootstrap failed err=%v", err)
			}
		})
	case events.BandwidthEstimation:
		if e.Err() != nil {
			s.log.Warn().Msgf("innerctl bandwidth probe failed host=%s role=%s err=%v", e.Info.Host, e.Info.Role, e.Err())
			return
		}
		s.log.Info().Msgf("innerctl bandwidth host=%s role=%s bytes_per_second=%d", e.Info.Host, e.Info.Role, e.Info.BytesPerSecond)
	case events.ReceiveChannels:
		s.log.Info().Msgf("innerctl channels received count=%d", len(e.Channels.Channels))
	case events.ReceiveChatMessage:
		s.log.Info().Msgf("innerctl chat channel=%s login=%s", e.Message.ChannelID, e.Message.Login)
	default:
		s.log.Debug().Msgf("innerctl event kind=%s", ev.Kind())
	}
}

func (s *supervisor) retry(ctx context.Context, cause error) {
	if ctx.Err() != nil {
		return
	}
	if !s.reconnect {
		s.log.Info().Msgf("innerctl reconnect disabled, stopping err=%v", cause)
		s.stop()
		return
	}
	delay, ok := s.backoff.Next()
	if !ok {
		s.log.Error().Msgf("innerctl reconnect attempts exhausted attempts=%d err=%v", s.backoff.Attempts()-1, cause)
		s.stop()
		return
	}
	s.log.Info().Msgf("innerctl reconnect scheduled attempt=%d delay=%s", s.backoff.Attempts(), delay)
	s.after(delay, func() {
		if ctx.Err() != nil {
			return
		}
		s.post(func() {
			if err := s.connect(); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Debug().Msgf("innerctl reconnect attempt failed err=%v", err)
			}
		})
	})
}
