package client

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/scenecast/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const DefaultTickRate = 60

// Run connects, ticks at tickRate and reconnects with backoff whenever the
// stream closes, until ctx is done. onTick, when set, runs after every
// tick while connected.
func (s *Session) Run(ctx context.Context, tickRate int, onTick func(*Session)) error {
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	defer s.Close()
	retry := session.NewRetrier(s.cfg.Session.Backoff, time.Now().UnixNano())
	for {
		if err := s.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Int("attempt", retry.Attempts()+1).Msg("client.Session connect failed")
			if err := retry.Wait(ctx); err != nil {
				return nil
			}
			continue
		}
		retry.Reset()
		err := s.stream(ctx, tickRate, onTick)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrNoConsumer) {
			return err
		}
		log.Info().Err(err).Msg("client.Session reconnecting")
		if err := retry.Wait(ctx); err != nil {
			return nil
		}
	}
}

func (s *Session) stream(ctx context.Context, tickRate int, onTick func(*Session)) error {
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			err := s.Tick(now)
			if s.state == StateDisconnected {
				return err
			}
			if onTick != nil {
				onTick(s)
			}
		}
	}
}
