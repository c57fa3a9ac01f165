package pipeline

import (
	"fmt"

	"code.hybscloud.com/iox"
	"github.com/rs/zerolog/log"
)

// Consumer receives one payload. Returning iox.ErrWouldBlock keeps the
// payload for the next tick; any other error drops it.
type Consumer func(payload []byte) error

// Target hands queued payloads to an external consumer such as a video
// decoder, an audio device, or the control message handler.
type Target struct {
	name    string
	input   *Queue
	consume Consumer
	held    []byte
	hasHeld bool
}

func NewTarget(name string) *Target {
	return &Target{name: name}
}

func (t *Target) Configure(input *Queue, consume Consumer) error {
	if input == nil || consume == nil {
		return fmt.Errorf("%w: %s: input and consumer are required", ErrInvalidConfig, t.name)
	}
	t.input = input
	t.consume = consume
	t.held = nil
	t.hasHeld = false
	return nil
}

func (t *Target) Name() string { return t.name }

func (t *Target) Process() error {
	if t.input == nil {
		return fmt.Errorf("%w: %s", ErrNotConfigured, t.name)
	}
	for {
		var payload []byte
		if t.hasHeld {
			payload = t.held
		} else {
			p, err := t.input.Pop()
			if err != nil {
				return nil
			}
			payload = p
		}
		err := t.consume(payload)
		if iox.IsWouldBlock(err) {
			t.held, t.hasHeld = payload, true
			return nil
		}
		t.held, t.hasHeld = nil, false
		if err != nil {
			log.Warn().Err(err).Str("node", t.name).Int("bytes", len(payload)).Msg("consumer rejected payload")
		}
	}
}

func (t *Target) Deconfigure() error {
	t.input = nil
	t.consume = nil
	t.held = nil
	t.hasHeld = false
	return nil
}
