package dispatch

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"zapsend/internal/channel"
	"zapsend/internal/progress"
	"zapsend/internal/runtime/supervisor"
	"zapsend/internal/session"
	logx "zapsend/pkg/logx"
)

// scriptedChannel returns a fixed outcome per recipient and can invoke a
// hook after each attempt so tests can inject control signals at exact
// points in the pass.
type scriptedChannel struct {
	mu        sync.Mutex
	script    map[string]error
	panicOn   map[string]bool
	delivered []string
	closes    int

	afterSend func(recipient string)
}

func (f *scriptedChannel) Connect(ctx context.Context) (<-chan channel.ConnectEvent, error) {
	ch := make(chan channel.ConnectEvent, 1)
	ch <- channel.ConnectEvent{Kind: channel.EventAuthenticated}
	close(ch)
	return ch, nil
}

func (f *scriptedChannel) Deliver(ctx context.Context, recipient, attachmentPath, caption string) error {
	f.mu.Lock()
	f.delivered = append(f.delivered, recipient)
	err := f.script[recipient]
	doPanic := f.panicOn[recipient]
	hook := f.afterSend
	f.mu.Unlock()

	if hook != nil {
		hook(recipient)
	}
	if doPanic {
		panic("scripted delivery fault")
	}
	return err
}

func (f *scriptedChannel) ResetHome(ctx context.Context) error { return nil }

func (f *scriptedChannel) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *scriptedChannel) attempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

type fixture struct {
	reg  *session.Registry
	pub  *progress.Publisher
	sup  *supervisor.Supervisor
	ctrl *Controller
	sess *session.Session
	ch   *scriptedChannel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub := progress.NewPublisher()
	reg := session.NewRegistry(pub, logx.Nop())
	sup := supervisor.New(context.Background())
	t.Cleanup(sup.Cancel)

	ctrl := NewController(reg, pub, sup, Pacing{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, logx.Nop())

	ch := &scriptedChannel{script: map[string]error{}, panicOn: map[string]bool{}}
	s := reg.Create("user-1")
	s.AttachChannel(ch)
	s.SetPayload(&session.Payload{AttachmentPath: "/tmp/pic.jpg", Caption: "hi"})

	return &fixture{reg: reg, pub: pub, sup: sup, ctrl: ctrl, sess: s, ch: ch}
}

func waitTerminal(t *testing.T, events <-chan progress.Event) (progress.Kind, *progress.Snapshot) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == progress.KindComplete || e.Kind == progress.KindStopped {
				return e.Kind, e.Snapshot
			}
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
}

func TestMixedOutcomesCompleteJob(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.ch.script["B"] = channel.ErrRecipientUnreachable

	events, unsub := fx.pub.Subscribe("user-1", 32)
	defer unsub()

	if err := fx.ctrl.Start("user-1", []string{"A", "B", "C"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	kind, snap := waitTerminal(t, events)
	if kind != progress.KindComplete {
		t.Fatalf("terminal = %q, want complete", kind)
	}
	if !reflect.DeepEqual(snap.SentIDs, []string{"A", "C"}) {
		t.Fatalf("SentIDs = %v, want [A C]", snap.SentIDs)
	}
	if !reflect.DeepEqual(snap.FailedIDs, []string{"B"}) {
		t.Fatalf("FailedIDs = %v, want [B]", snap.FailedIDs)
	}
	if len(snap.PendingIDs) != 0 {
		t.Fatalf("PendingIDs = %v, want empty", snap.PendingIDs)
	}

	// Completion keeps the channel connected and clears the payload.
	if fx.sess.State() != session.StateReady {
		t.Fatalf("State = %q, want ready", fx.sess.State())
	}
	if fx.sess.Payload() != nil {
		t.Fatal("payload should be cleared after completion")
	}
	if fx.sess.JobActive() {
		t.Fatal("job slot should be released")
	}
}

func TestSnapshotsAreCumulative(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	events, unsub := fx.pub.Subscribe("user-1", 32)
	defer unsub()

	if err := fx.ctrl.Start("user-1", []string{"A", "B"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var snaps []*progress.Snapshot
	deadline := time.After(5 * time.Second)
	for len(snaps) < 2 {
		select {
		case e := <-events:
			if e.Kind == progress.KindSnapshot {
				snaps = append(snaps, e.Snapshot)
			}
		case <-deadline:
			t.Fatalf("got %d snapshots, want 2", len(snaps))
		}
	}

	first, second := snaps[0], snaps[1]
	if !reflect.DeepEqual(first.SentIDs, []string{"A"}) || !reflect.DeepEqual(first.PendingIDs, []string{"B"}) {
		t.Fatalf("first snapshot wrong: %+v", first)
	}
	if !reflect.DeepEqual(second.SentIDs, []string{"A", "B"}) || len(second.PendingIDs) != 0 {
		t.Fatalf("second snapshot not cumulative: %+v", second)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	paused := make(chan struct{})
	var once sync.Once
	fx.ch.afterSend = func(recipient string) {
		if recipient == "A" {
			once.Do(func() {
				fx.ctrl.Pause("user-1")
				close(paused)
			})
		}
	}

	events, unsub := fx.pub.Subscribe("user-1", 32)
	defer unsub()

	if err := fx.ctrl.Start("user-1", []string{"A", "B", "C"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-paused
	time.Sleep(100 * time.Millisecond)
	if got := fx.ch.attempts(); len(got) != 1 {
		t.Fatalf("attempts while paused = %v, want just [A]", got)
	}
	if got := fx.ctrl.PendingIDs("user-1"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Fatalf("PendingIDs = %v, want [B C]", got)
	}

	fx.ctrl.Resume("user-1")
	kind, snap := waitTerminal(t, events)
	if kind != progress.KindComplete {
		t.Fatalf("terminal = %q, want complete", kind)
	}
	if !reflect.DeepEqual(snap.SentIDs, []string{"A", "B", "C"}) {
		t.Fatalf("SentIDs = %v", snap.SentIDs)
	}
}

func TestStopWhilePaused(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	paused := make(chan struct{})
	var once sync.Once
	fx.ch.afterSend = func(recipient string) {
		if recipient == "A" {
			once.Do(func() {
				fx.ctrl.Pause("user-1")
				close(paused)
			})
		}
	}

	events, unsub := fx.pub.Subscribe("user-1", 32)
	defer unsub()

	if err := fx.ctrl.Start("user-1", []string{"A", "B", "C"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-paused
	fx.ctrl.Stop("user-1")

	kind, snap := waitTerminal(t, events)
	if kind != progress.KindStopped {
		t.Fatalf("terminal = %q, want stopped", kind)
	}
	if got := len(snap.SentIDs) + len(snap.FailedIDs); got != 1 {
		t.Fatalf("processed = %d, want 1 (no progress past last completed attempt)", got)
	}
	if !reflect.DeepEqual(snap.PendingIDs, []string{"B", "C"}) {
		t.Fatalf("PendingIDs = %v, want [B C]", snap.PendingIDs)
	}

	// Stop tears the channel down and returns the session to a pristine state.
	if fx.sess.State() != session.StateUninitialized {
		t.Fatalf("State = %q, want uninitialized", fx.sess.State())
	}
	if fx.sess.Channel() != nil {
		t.Fatal("channel should be released after stop")
	}
	if fx.sess.Payload() != nil {
		t.Fatal("payload should be cleared after stop")
	}
	fx.ch.mu.Lock()
	closes := fx.ch.closes
	fx.ch.mu.Unlock()
	if closes == 0 {
		t.Fatal("channel Close not called on stop")
	}
}

func TestStopRightAfterStart(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(release)
	fx.ch.afterSend = func(string) { <-gate }

	events, unsub := fx.pub.Subscribe("user-1", 32)
	defer unsub()

	recipients := []string{"A", "B", "C"}
	if err := fx.ctrl.Start("user-1", recipients); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fx.ctrl.Stop("user-1")
	release()

	kind, snap := waitTerminal(t, events)
	if kind != progress.KindStopped {
		t.Fatalf("terminal = %q, want stopped", kind)
	}
	// At most the attempt already in flight completes; the stop lands at the
	// very next boundary.
	processed := len(snap.SentIDs) + len(snap.FailedIDs)
	if processed > 1 {
		t.Fatalf("processed = %d, want at most the in-flight attempt", processed)
	}
	if !reflect.DeepEqual(snap.PendingIDs, recipients[processed:]) {
		t.Fatalf("PendingIDs = %v, want %v", snap.PendingIDs, recipients[processed:])
	}
	if fx.sess.State() != session.StateUninitialized || fx.sess.Payload() != nil {
		t.Fatalf("stop must reset the session, state = %q", fx.sess.State())
	}
	if fx.sess.Channel() != nil {
		t.Fatal("channel should be released after stop")
	}
}

func TestControlSignalsAreIdempotent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	paused := make(chan struct{})
	var pauseOnce, stopOnce sync.Once
	fx.ch.afterSend = func(recipient string) {
		switch recipient {
		case "A":
			pauseOnce.Do(func() {
				fx.ctrl.Pause("user-1")
				fx.ctrl.Pause("user-1")
				close(paused)
			})
		case "B":
			stopOnce.Do(func() {
				fx.ctrl.Stop("user-1")
				fx.ctrl.Stop("user-1")
			})
		}
	}

	events, unsub := fx.pub.Subscribe("user-1", 32)
	defer unsub()

	if err := fx.ctrl.Start("user-1", []string{"A", "B", "C"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-paused
	time.Sleep(50 * time.Millisecond)
	if got := fx.ch.attempts(); len(got) != 1 {
		t.Fatalf("attempts after double pause = %v, want just [A]", got)
	}

	fx.ctrl.Resume("user-1")
	fx.ctrl.Resume("user-1")

	var resumed int
	var kind progress.Kind
	var snap *progress.Snapshot
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case e := <-events:
			switch e.Kind {
			case progress.KindResumed:
				resumed++
			case progress.KindComplete, progress.KindStopped:
				kind, snap = e.Kind, e.Snapshot
				break collect
			}
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}

	if kind != progress.KindStopped {
		t.Fatalf("terminal = %q, want stopped", kind)
	}
	if resumed != 1 {
		t.Fatalf("resumed events = %d, want 1 (second resume is a no-op)", resumed)
	}
	if !reflect.DeepEqual(snap.SentIDs, []string{"A", "B"}) || !reflect.DeepEqual(snap.PendingIDs, []string{"C"}) {
		t.Fatalf("stop boundary wrong: %+v", snap)
	}

	select {
	case e := <-events:
		if e.Kind == progress.KindStopped || e.Kind == progress.KindComplete {
			t.Fatalf("duplicate terminal event %q", e.Kind)
		}
	case <-time.After(50 * time.Millisecond):
	}
	fx.ch.mu.Lock()
	closes := fx.ch.closes
	fx.ch.mu.Unlock()
	if closes != 1 {
		t.Fatalf("channel closes = %d, want exactly one teardown", closes)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	hold := make(chan struct{})
	release := sync.OnceFunc(func() { close(hold) })
	t.Cleanup(release)
	fx.ch.afterSend = func(string) { <-hold }

	events, unsub := fx.pub.Subscribe("user-1", 32)
	defer unsub()

	if err := fx.ctrl.Start("user-1", []string{"A", "B"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitAttempts(t, fx.ch, 1)

	if err := fx.ctrl.Start("user-1", []string{"X"}); err != ErrInvalidState {
		t.Fatalf("second Start = %v, want ErrInvalidState", err)
	}

	release()
	_, snap := waitTerminal(t, events)
	if !reflect.DeepEqual(snap.SentIDs, []string{"A", "B"}) {
		t.Fatalf("running job was disturbed: %+v", snap)
	}
}

func TestStartPreconditions(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	if err := fx.ctrl.Start("nobody", []string{"A"}); err != ErrInvalidState {
		t.Fatalf("missing session: %v", err)
	}
	if err := fx.ctrl.Start("user-1", nil); err != ErrInvalidState {
		t.Fatalf("empty recipients: %v", err)
	}

	fx.sess.SetPayload(nil)
	if err := fx.ctrl.Start("user-1", []string{"A"}); err != ErrInvalidState {
		t.Fatalf("missing payload: %v", err)
	}

	fx.sess.SetPayload(&session.Payload{AttachmentPath: "/tmp/pic.jpg"})
	fx.sess.ReleaseChannel()
	if err := fx.ctrl.Start("user-1", []string{"A"}); err != ErrInvalidState {
		t.Fatalf("disconnected session: %v", err)
	}
}

func TestControlSignalsWithoutJobAreNoops(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	fx.ctrl.Pause("user-1")
	fx.ctrl.Resume("user-1")
	fx.ctrl.Stop("user-1")

	if fx.sess.State() != session.StateReady {
		t.Fatalf("signals without a job must not touch the session, State = %q", fx.sess.State())
	}
}

func TestDeliveryPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.ch.panicOn["B"] = true

	events, unsub := fx.pub.Subscribe("user-1", 32)
	defer unsub()

	if err := fx.ctrl.Start("user-1", []string{"A", "B", "C"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	kind, snap := waitTerminal(t, events)
	if kind != progress.KindComplete {
		t.Fatalf("terminal = %q, want complete despite panic", kind)
	}
	if !reflect.DeepEqual(snap.FailedIDs, []string{"B"}) {
		t.Fatalf("FailedIDs = %v, want [B]", snap.FailedIDs)
	}
	if !reflect.DeepEqual(snap.SentIDs, []string{"A", "C"}) {
		t.Fatalf("SentIDs = %v, want [A C]", snap.SentIDs)
	}
}

func TestReportRecorded(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.ch.script["B"] = channel.ErrRecipientUnreachable

	rec := &captureRecorder{done: make(chan Report, 1)}
	fx.ctrl.SetRecorder(rec)

	events, unsub := fx.pub.Subscribe("user-1", 32)
	defer unsub()

	if err := fx.ctrl.Start("user-1", []string{"A", "B"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTerminal(t, events)

	select {
	case rep := <-rec.done:
		if rep.Outcome != JobCompleted || rep.Total != 2 {
			t.Fatalf("unexpected report: %+v", rep)
		}
		if len(rep.SentIDs) != 1 || len(rep.FailedIDs) != 1 {
			t.Fatalf("report lists wrong: %+v", rep)
		}
		if rep.ID == "" || rep.FinishedAt.Before(rep.StartedAt) {
			t.Fatalf("report metadata wrong: %+v", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("report not recorded")
	}
}

type captureRecorder struct {
	done chan Report
}

func (r *captureRecorder) RecordJob(ctx context.Context, rep Report) {
	select {
	case r.done <- rep:
	default:
	}
}

func waitAttempts(t *testing.T, ch *scriptedChannel, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ch.attempts()) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("attempts = %v, want at least %d", ch.attempts(), n)
}
