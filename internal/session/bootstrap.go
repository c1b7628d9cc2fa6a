package session

import (
	"context"
	"sync"
	"time"

	"zapsend/internal/channel"
	"zapsend/internal/progress"
	"zapsend/internal/runtime/supervisor"
	logx "zapsend/pkg/logx"
)

const defaultReadyTimeout = 2 * time.Minute

// Bootstrapper establishes the automation channel for a session in the
// background and relays pairing artifacts to subscribers while it waits for
// the authenticated signal.
type Bootstrapper struct {
	reg *Registry
	pub *progress.Publisher
	sup *supervisor.Supervisor
	log logx.Logger

	mu           sync.Mutex
	factory      channel.Factory
	readyTimeout time.Duration
}

func NewBootstrapper(reg *Registry, pub *progress.Publisher, factory channel.Factory, sup *supervisor.Supervisor, readyTimeout time.Duration, log logx.Logger) *Bootstrapper {
	if readyTimeout <= 0 {
		readyTimeout = defaultReadyTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bootstrapper{
		reg:          reg,
		pub:          pub,
		factory:      factory,
		sup:          sup,
		log:          log,
		readyTimeout: readyTimeout,
	}
}

// SetFactory swaps the channel driver. Sessions already connected keep their
// current handle; only subsequent bootstraps use the new driver.
func (b *Bootstrapper) SetFactory(f channel.Factory) {
	b.mu.Lock()
	b.factory = f
	b.mu.Unlock()
}

// SetReadyTimeout changes the bound for subsequent bootstraps.
func (b *Bootstrapper) SetReadyTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultReadyTimeout
	}
	b.mu.Lock()
	b.readyTimeout = d
	b.mu.Unlock()
}

func (b *Bootstrapper) snapshot() (channel.Factory, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.factory, b.readyTimeout
}

// Connect starts the bootstrap for the session, creating it on first
// contact. Returns immediately; progress arrives through the publisher.
// Idempotent: a session that is Ready or already bootstrapping is untouched.
func (b *Bootstrapper) Connect(key string) {
	s := b.reg.Create(key)

	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		b.log.Info("bootstrap skipped, channel already live", logx.String("session", key))
		b.pub.Publish(key, progress.Event{Kind: progress.KindConnected})
		return
	case StateAwaiting:
		s.mu.Unlock()
		b.log.Debug("bootstrap already in flight", logx.String("session", key))
		return
	}
	s.state = StateAwaiting
	s.touchedAt = time.Now()
	s.mu.Unlock()

	b.sup.Go0("bootstrap."+key, func(ctx context.Context) {
		b.run(ctx, s)
	})
}

func (b *Bootstrapper) run(ctx context.Context, s *Session) {
	fail := func(msg string, err error) {
		s.SetState(StateUninitialized)
		b.log.Warn("bootstrap failed", logx.String("session", s.Key), logx.String("reason", msg), logx.Err(err))
		b.pub.Publish(s.Key, progress.Event{Kind: progress.KindError, Message: msg})
	}

	factory, readyTimeout := b.snapshot()

	ch, err := factory(ctx)
	if err != nil {
		fail("channel open failed", err)
		return
	}

	events, err := ch.Connect(ctx)
	if err != nil {
		_ = ch.Close()
		fail("channel connect failed", err)
		return
	}

	deadline := time.NewTimer(readyTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			s.SetState(StateUninitialized)
			return
		case <-deadline.C:
			_ = ch.Close()
			fail("channel ready timeout", nil)
			return
		case ev, ok := <-events:
			if !ok {
				_ = ch.Close()
				fail("channel connect stream ended before authentication", nil)
				return
			}
			switch ev.Kind {
			case channel.EventPairing:
				// Relayed verbatim; the artifact is opaque at this layer.
				b.pub.Publish(s.Key, progress.Event{Kind: progress.KindPairing, Artifact: ev.Artifact})
			case channel.EventAuthenticated:
				s.AttachChannel(ch)
				b.log.Info("channel ready", logx.String("session", s.Key))
				b.pub.Publish(s.Key, progress.Event{Kind: progress.KindConnected})
				return
			case channel.EventFailed:
				_ = ch.Close()
				fail("channel authentication failed", ev.Err)
				return
			}
		}
	}
}
