// Package progress fans session lifecycle and progress events out to
// subscribers.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers lose the oldest event first; every snapshot carries
//     the full cumulative state, so the next event makes them whole.
package progress

import (
	"sync"
	"time"
)

type Kind string

const (
	// KindPairing carries an out-of-band credential artifact that must be
	// shown to the user verbatim.
	KindPairing Kind = "pairing"
	// KindConnected means the automation channel is authenticated and ready.
	KindConnected Kind = "connected"
	// KindSnapshot is the cumulative send-job state after an attempt.
	KindSnapshot Kind = "progress"
	KindPaused   Kind = "paused"
	KindResumed  Kind = "resumed"
	KindStopped  Kind = "stopped"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// Snapshot is the full current state of a send job, never a delta.
type Snapshot struct {
	SentIDs       []string  `json:"sent_ids"`
	FailedIDs     []string  `json:"failed_ids"`
	PendingIDs    []string  `json:"pending_ids"`
	TotalSelected int       `json:"total_selected"`
	LastUpdated   time.Time `json:"last_updated"`
}

type Event struct {
	Session string    `json:"session"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`

	Artifact string    `json:"artifact,omitempty"` // KindPairing
	Snapshot *Snapshot `json:"snapshot,omitempty"` // KindSnapshot, terminal kinds
	Message  string    `json:"message,omitempty"`  // KindError
}

// Publisher is an in-memory per-session fanout. It owns no background
// goroutines; Publish runs inline on the caller.
type Publisher struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	mu   sync.Mutex
	subs map[uint64]chan Event
	seq  uint64
}

func NewPublisher() *Publisher {
	return &Publisher{topics: map[string]*topic{}}
}

// Publish delivers e to every subscriber of the session. When a subscriber's
// buffer is full the oldest queued event is dropped to make room, so the
// freshest state always lands.
func (p *Publisher) Publish(sessionKey string, e Event) {
	e.Session = sessionKey
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	p.mu.RLock()
	t := p.topics[sessionKey]
	p.mu.RUnlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	chs := make([]chan Event, 0, len(t.subs))
	for _, ch := range t.subs {
		chs = append(chs, ch)
	}
	t.mu.Unlock()

	for _, ch := range chs {
		// A subscriber may unsubscribe concurrently and close its channel;
		// recover from the resulting send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- e:
				default:
				}
			}
		}()
	}
}

// Subscribe attaches a buffered listener to a session's event stream. The
// returned cancel func is idempotent and closes the channel.
func (p *Publisher) Subscribe(sessionKey string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	p.mu.Lock()
	t := p.topics[sessionKey]
	if t == nil {
		t = &topic{subs: map[uint64]chan Event{}}
		p.topics[sessionKey] = t
	}
	p.mu.Unlock()

	ch := make(chan Event, buffer)
	t.mu.Lock()
	t.seq++
	id := t.seq
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Drop closes every subscriber of the session and forgets the topic. Called
// when the session is disposed.
func (p *Publisher) Drop(sessionKey string) {
	p.mu.Lock()
	t := p.topics[sessionKey]
	delete(p.topics, sessionKey)
	p.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	subs := t.subs
	t.subs = map[uint64]chan Event{}
	t.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// Subscribers reports the current listener count for a session.
func (p *Publisher) Subscribers(sessionKey string) int {
	p.mu.RLock()
	t := p.topics[sessionKey]
	p.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
