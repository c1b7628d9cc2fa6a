// Package sim is an in-process automation-channel driver for local runs and
// demos. It mimics the remote platform's timing: a pairing artifact shortly
// after connect, authentication a few seconds later, and a configurable
// failure ratio on delivery.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"zapsend/internal/channel"
	logx "zapsend/pkg/logx"
)

type Config struct {
	// PairingDelay and AuthDelay shape the connect sequence.
	PairingDelay time.Duration
	AuthDelay    time.Duration
	// DeliverLatency is the simulated per-delivery round trip.
	DeliverLatency time.Duration
	// FailureRatio in [0,1): fraction of deliveries reported unreachable.
	FailureRatio float64
}

func (c Config) withDefaults() Config {
	if c.PairingDelay <= 0 {
		c.PairingDelay = 2 * time.Second
	}
	if c.AuthDelay <= 0 {
		c.AuthDelay = 5 * time.Second
	}
	if c.DeliverLatency <= 0 {
		c.DeliverLatency = 300 * time.Millisecond
	}
	if c.FailureRatio < 0 || c.FailureRatio >= 1 {
		c.FailureRatio = 0.2
	}
	return c
}

type Sim struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	closed bool
	rng    *rand.Rand
}

func New(cfg Config, log logx.Logger) *Sim {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sim{
		cfg: cfg.withDefaults(),
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Factory adapts New to the channel.Factory signature.
func Factory(cfg Config, log logx.Logger) channel.Factory {
	return func(ctx context.Context) (channel.Channel, error) {
		return New(cfg, log), nil
	}
}

func (s *Sim) Connect(ctx context.Context) (<-chan channel.ConnectEvent, error) {
	if s.isClosed() {
		return nil, &channel.Error{Op: "connect", Err: errClosed}
	}
	out := make(chan channel.ConnectEvent, 4)
	go func() {
		defer close(out)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PairingDelay):
		}
		out <- channel.ConnectEvent{
			Kind:     channel.EventPairing,
			Artifact: fmt.Sprintf("sim-pairing-%06d", s.randIntn(1000000)),
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.AuthDelay):
		}
		out <- channel.ConnectEvent{Kind: channel.EventAuthenticated}
	}()
	return out, nil
}

func (s *Sim) Deliver(ctx context.Context, recipient, attachmentPath, caption string) error {
	if s.isClosed() {
		return &channel.Error{Op: "deliver", Err: errClosed}
	}
	select {
	case <-ctx.Done():
		return &channel.Error{Op: "deliver", Err: ctx.Err()}
	case <-time.After(s.cfg.DeliverLatency):
	}
	if s.randFloat64() < s.cfg.FailureRatio {
		return channel.ErrRecipientUnreachable
	}
	s.log.Debug("sim delivery", logx.String("recipient", recipient), logx.String("attachment", attachmentPath), logx.Int("caption_len", len(caption)))
	return nil
}

func (s *Sim) ResetHome(ctx context.Context) error { return nil }

func (s *Sim) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Sim) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Sim) randFloat64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Sim) randIntn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

var errClosed = fmt.Errorf("channel closed")
