// Package session holds the per-user session records and the registry that
// owns them. A session outlives any single transport connection: it keeps
// the automation channel alive across client reconnects and is removed only
// on explicit disconnect.
package session

import (
	"sync"
	"time"

	"zapsend/internal/channel"
)

// ConnState tracks the automation channel lifecycle for a session.
type ConnState string

const (
	StateUninitialized ConnState = "uninitialized"
	StateAwaiting      ConnState = "awaiting_channel_ready"
	StateReady         ConnState = "ready"
	StateDisconnected  ConnState = "disconnected"
)

// Payload is the attachment plus caption queued for the next send job.
type Payload struct {
	AttachmentPath string `json:"attachment_path"`
	Caption        string `json:"caption"`
}

// Progress is the session-scoped counters. Lists are cumulative within one
// job; they are reset when a new job starts, not when the previous one ends.
type Progress struct {
	SentIDs       []string  `json:"sent_ids"`
	FailedIDs     []string  `json:"failed_ids"`
	TotalSelected int       `json:"total_selected"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Session is the durable per-user record. All fields behind mu; accessors
// copy state out so callers never hold references into the guarded data.
type Session struct {
	Key string

	mu        sync.Mutex
	state     ConnState
	ch        channel.Channel
	payload   *Payload
	progress  Progress
	jobActive bool
	touchedAt time.Time
}

func newSession(key string) *Session {
	return &Session{
		Key:       key,
		state:     StateUninitialized,
		touchedAt: time.Now(),
	}
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.touchedAt = time.Now()
	s.mu.Unlock()
}

// AttachChannel stores the live channel handle and marks the session Ready.
// Any previously held handle is closed first so a re-bootstrap cannot leak.
func (s *Session) AttachChannel(ch channel.Channel) {
	s.mu.Lock()
	old := s.ch
	s.ch = ch
	s.state = StateReady
	s.touchedAt = time.Now()
	s.mu.Unlock()
	if old != nil && old != ch {
		_ = old.Close()
	}
}

func (s *Session) Channel() channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// ReleaseChannel closes and forgets the channel handle. Safe to call twice.
func (s *Session) ReleaseChannel() {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.state = StateDisconnected
	s.touchedAt = time.Now()
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

func (s *Session) SetPayload(p *Payload) {
	s.mu.Lock()
	s.payload = p
	s.touchedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) Payload() *Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payload == nil {
		return nil
	}
	cp := *s.payload
	return &cp
}

// TryAcquireJob claims the single-active-job slot. It fails while another
// job is running or paused on this session.
func (s *Session) TryAcquireJob() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobActive {
		return false
	}
	s.jobActive = true
	s.touchedAt = time.Now()
	return true
}

func (s *Session) ReleaseJob() {
	s.mu.Lock()
	s.jobActive = false
	s.touchedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) JobActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobActive
}

// ResetProgress seeds fresh counters at job start.
func (s *Session) ResetProgress(totalSelected int) {
	s.mu.Lock()
	s.progress = Progress{
		SentIDs:       []string{},
		FailedIDs:     []string{},
		TotalSelected: totalSelected,
		LastUpdated:   time.Now(),
	}
	s.touchedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) RecordSent(id string) {
	s.mu.Lock()
	s.progress.SentIDs = append(s.progress.SentIDs, id)
	s.progress.LastUpdated = time.Now()
	s.touchedAt = s.progress.LastUpdated
	s.mu.Unlock()
}

func (s *Session) RecordFailed(id string) {
	s.mu.Lock()
	s.progress.FailedIDs = append(s.progress.FailedIDs, id)
	s.progress.LastUpdated = time.Now()
	s.touchedAt = s.progress.LastUpdated
	s.mu.Unlock()
}

// ProgressCopy returns an independent copy of the counters.
func (s *Session) ProgressCopy() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	p.SentIDs = append([]string(nil), s.progress.SentIDs...)
	p.FailedIDs = append([]string(nil), s.progress.FailedIDs...)
	return p
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.touchedAt = time.Now()
	s.mu.Unlock()
}

// IdleSince reports the last time anything happened on the session.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchedAt
}
