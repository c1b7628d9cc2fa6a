package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"zapsend/internal/channel"
	"zapsend/internal/progress"
	"zapsend/internal/session"
	logx "zapsend/pkg/logx"
)

type idleChannel struct {
	closes atomic.Int32
}

func (c *idleChannel) Connect(ctx context.Context) (<-chan channel.ConnectEvent, error) {
	ch := make(chan channel.ConnectEvent)
	close(ch)
	return ch, nil
}

func (c *idleChannel) Deliver(ctx context.Context, recipient, attachmentPath, caption string) error {
	return nil
}
func (c *idleChannel) ResetHome(ctx context.Context) error { return nil }
func (c *idleChannel) Close() error                        { c.closes.Add(1); return nil }

func touchOld(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return path
}

func TestSweepPrunesOldUploads(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	reg := session.NewRegistry(progress.NewPublisher(), logx.Nop())

	stale := touchOld(t, dir, "stale.jpg", 48*time.Hour)
	fresh := touchOld(t, dir, "fresh.jpg", time.Minute)
	kept := touchOld(t, dir, "kept.jpg", 48*time.Hour)

	s := reg.Create("user-1")
	s.SetPayload(&session.Payload{AttachmentPath: kept})

	svc := New(Config{Enabled: true, UploadDir: dir, UploadTTL: 24 * time.Hour}, reg, logx.Nop())
	svc.Sweep()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale upload should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh upload should survive")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Fatal("referenced upload should survive regardless of age")
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(progress.NewPublisher(), logx.Nop())

	reg.Create("idle")
	busy := reg.Create("busy")
	if !busy.TryAcquireJob() {
		t.Fatal("acquire")
	}
	active := reg.Create("active")

	ch := &idleChannel{}
	reg.Create("connected").AttachChannel(ch)
	reg.Create("pairing").SetState(session.StateAwaiting)
	gone := reg.Create("gone")
	gone.AttachChannel(&idleChannel{})
	gone.ReleaseChannel()

	svc := New(Config{Enabled: true, SessionIdleTTL: 10 * time.Millisecond}, reg, logx.Nop())
	time.Sleep(30 * time.Millisecond)
	active.Touch()
	svc.Sweep()

	if _, ok := reg.Get("idle"); ok {
		t.Fatal("idle session should be evicted")
	}
	if _, ok := reg.Get("gone"); ok {
		t.Fatal("idle disconnected session should be evicted")
	}
	if _, ok := reg.Get("busy"); !ok {
		t.Fatal("session with active job must never be evicted")
	}
	if _, ok := reg.Get("active"); !ok {
		t.Fatal("recently touched session should survive")
	}

	// Live channels are torn down only on explicit logout.
	if _, ok := reg.Get("connected"); !ok {
		t.Fatal("ready session with a live channel must never be evicted")
	}
	if n := ch.closes.Load(); n != 0 {
		t.Fatalf("live channel closed %d times by the sweep", n)
	}
	if _, ok := reg.Get("pairing"); !ok {
		t.Fatal("session with a connect in flight must never be evicted")
	}
}

func TestApplyRestartsSchedule(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(progress.NewPublisher(), logx.Nop())
	svc := New(Config{Enabled: true, Schedule: "@every 1h"}, reg, logx.Nop())

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	if err := svc.Apply(Config{Enabled: true, Schedule: "@every 30m"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := svc.Apply(Config{Enabled: false}); err != nil {
		t.Fatalf("Apply disable: %v", err)
	}

	if err := svc.Apply(Config{Enabled: true, Schedule: "not a schedule"}); err == nil {
		t.Fatal("bad schedule should fail")
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry(progress.NewPublisher(), logx.Nop())
	svc := New(Config{Enabled: false}, reg, logx.Nop())
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop()
}
