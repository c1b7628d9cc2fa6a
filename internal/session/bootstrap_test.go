package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"zapsend/internal/channel"
	"zapsend/internal/progress"
	"zapsend/internal/runtime/supervisor"
	logx "zapsend/pkg/logx"
)

func collectUntil(t *testing.T, ch <-chan progress.Event, kind progress.Kind) []progress.Event {
	t.Helper()
	var got []progress.Event
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			got = append(got, e)
			if e.Kind == kind {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %+v", kind, got)
		}
	}
}

func TestBootstrapPairingThenReady(t *testing.T) {
	t.Parallel()
	pub := progress.NewPublisher()
	reg := NewRegistry(pub, logx.Nop())
	sup := supervisor.New(context.Background())
	defer sup.Cancel()

	fc := newFakeChannel()
	factory := func(ctx context.Context) (channel.Channel, error) { return fc, nil }
	b := NewBootstrapper(reg, pub, factory, sup, time.Second, logx.Nop())

	ch, unsub := pub.Subscribe("user-1", 8)
	defer unsub()

	b.Connect("user-1")
	fc.events <- channel.ConnectEvent{Kind: channel.EventPairing, Artifact: "qr-123"}
	fc.events <- channel.ConnectEvent{Kind: channel.EventAuthenticated}

	got := collectUntil(t, ch, progress.KindConnected)
	if got[0].Kind != progress.KindPairing || got[0].Artifact != "qr-123" {
		t.Fatalf("expected verbatim pairing artifact first, got %+v", got[0])
	}

	s, _ := reg.Get("user-1")
	waitState(t, s, StateReady)
	if s.Channel() == nil {
		t.Fatal("session should own the channel handle")
	}
}

func TestBootstrapIdempotentWhenReady(t *testing.T) {
	t.Parallel()
	pub := progress.NewPublisher()
	reg := NewRegistry(pub, logx.Nop())
	sup := supervisor.New(context.Background())
	defer sup.Cancel()

	calls := 0
	factory := func(ctx context.Context) (channel.Channel, error) {
		calls++
		return newFakeChannel(), nil
	}
	b := NewBootstrapper(reg, pub, factory, sup, time.Second, logx.Nop())

	s := reg.Create("user-1")
	s.AttachChannel(newFakeChannel())

	b.Connect("user-1")
	if calls != 0 {
		t.Fatal("Connect on a Ready session must not open a new channel")
	}
	if s.State() != StateReady {
		t.Fatalf("State = %q, want %q", s.State(), StateReady)
	}
}

func TestBootstrapFailure(t *testing.T) {
	t.Parallel()
	pub := progress.NewPublisher()
	reg := NewRegistry(pub, logx.Nop())
	sup := supervisor.New(context.Background())
	defer sup.Cancel()

	fc := newFakeChannel()
	factory := func(ctx context.Context) (channel.Channel, error) { return fc, nil }
	b := NewBootstrapper(reg, pub, factory, sup, time.Second, logx.Nop())

	ch, unsub := pub.Subscribe("user-1", 8)
	defer unsub()

	b.Connect("user-1")
	fc.events <- channel.ConnectEvent{Kind: channel.EventFailed, Err: errors.New("denied")}

	collectUntil(t, ch, progress.KindError)

	s, _ := reg.Get("user-1")
	waitState(t, s, StateUninitialized)
	if fc.closes.Load() != 1 {
		t.Fatal("failed bootstrap should close the channel")
	}
}

func TestBootstrapReadyTimeout(t *testing.T) {
	t.Parallel()
	pub := progress.NewPublisher()
	reg := NewRegistry(pub, logx.Nop())
	sup := supervisor.New(context.Background())
	defer sup.Cancel()

	fc := newFakeChannel() // never emits authenticated
	factory := func(ctx context.Context) (channel.Channel, error) { return fc, nil }
	b := NewBootstrapper(reg, pub, factory, sup, 50*time.Millisecond, logx.Nop())

	ch, unsub := pub.Subscribe("user-1", 8)
	defer unsub()

	b.Connect("user-1")
	got := collectUntil(t, ch, progress.KindError)
	if got[len(got)-1].Message == "" {
		t.Fatal("timeout error event should carry a message")
	}

	s, _ := reg.Get("user-1")
	waitState(t, s, StateUninitialized)
}

func waitState(t *testing.T, s *Session, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State = %q, want %q", s.State(), want)
}
