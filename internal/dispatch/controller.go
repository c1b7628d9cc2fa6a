// Package dispatch runs send jobs: one sequential delivery pass over a
// recipient list per session, driven by pause/resume/stop signals that take
// effect at iteration boundaries.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"zapsend/internal/progress"
	"zapsend/internal/runtime/supervisor"
	"zapsend/internal/session"
	logx "zapsend/pkg/logx"
)

// Pacing bounds the inter-attempt delay and the global attempt rate.
type Pacing struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	RatePerMin int
	ResetHome  bool
}

func (p Pacing) withDefaults() Pacing {
	if p.MinDelay <= 0 {
		p.MinDelay = 2 * time.Second
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	return p
}

// Controller owns all active jobs and the single-writer discipline around
// each session's channel handle.
type Controller struct {
	reg *session.Registry
	pub *progress.Publisher
	sup *supervisor.Supervisor
	log logx.Logger

	recorder Recorder // optional

	mu      sync.Mutex
	jobs    map[string]*job
	pacing  Pacing
	limiter *rate.Limiter // nil when unlimited
}

func NewController(reg *session.Registry, pub *progress.Publisher, sup *supervisor.Supervisor, pacing Pacing, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		reg:  reg,
		pub:  pub,
		sup:  sup,
		log:  log,
		jobs: map[string]*job{},
	}
	c.SetPacing(pacing)
	return c
}

// SetRecorder attaches the job-history sink. Must be called before Start.
func (c *Controller) SetRecorder(r Recorder) { c.recorder = r }

// SetPacing swaps delay and rate settings. Running jobs pick the new values
// up at their next iteration.
func (c *Controller) SetPacing(p Pacing) {
	p = p.withDefaults()
	c.mu.Lock()
	c.pacing = p
	if p.RatePerMin > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(p.RatePerMin)/60.0), 1)
	} else {
		c.limiter = nil
	}
	c.mu.Unlock()
}

func (c *Controller) currentPacing() (Pacing, *rate.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pacing, c.limiter
}

// Start begins a send pass over recipients on the session's channel. It
// validates preconditions, seeds fresh progress counters and returns
// immediately; the pass runs in the background.
func (c *Controller) Start(sessionKey string, recipients []string) error {
	s, ok := c.reg.Get(sessionKey)
	if !ok {
		return ErrInvalidState
	}
	if s.State() != session.StateReady || s.Channel() == nil {
		return ErrInvalidState
	}
	payload := s.Payload()
	if payload == nil || payload.AttachmentPath == "" {
		return ErrInvalidState
	}
	if len(recipients) == 0 {
		return ErrInvalidState
	}
	if !s.TryAcquireJob() {
		return ErrInvalidState
	}

	j := &job{
		id:         uuid.NewString(),
		sessionKey: sessionKey,
		recipients: append([]string(nil), recipients...),
		startedAt:  time.Now(),
		wake:       make(chan struct{}, 1),
	}
	s.ResetProgress(len(j.recipients))

	c.mu.Lock()
	c.jobs[sessionKey] = j
	c.mu.Unlock()

	c.log.Info("send job started",
		logx.String("session", sessionKey),
		logx.String("job", j.id),
		logx.Int("recipients", len(j.recipients)))

	c.sup.Go0("dispatch."+j.id, func(ctx context.Context) {
		c.run(ctx, s, j, *payload)
	})
	return nil
}

// Pause flags the session's job; the in-flight attempt always finishes
// first. No-op without a running job.
func (c *Controller) Pause(sessionKey string) {
	if j := c.jobFor(sessionKey); j != nil {
		j.signal(func(j *job) { j.paused = true })
		c.pub.Publish(sessionKey, progress.Event{Kind: progress.KindPaused})
		c.log.Info("send job paused", logx.String("session", sessionKey), logx.String("job", j.id))
	}
}

// Resume clears the pause flag. No-op if not paused or no job.
func (c *Controller) Resume(sessionKey string) {
	j := c.jobFor(sessionKey)
	if j == nil {
		return
	}
	var was bool
	j.signal(func(j *job) { was = j.paused; j.paused = false })
	if was {
		c.pub.Publish(sessionKey, progress.Event{Kind: progress.KindResumed})
		c.log.Info("send job resumed", logx.String("session", sessionKey), logx.String("job", j.id))
	}
}

// Stop requests termination at the next iteration boundary. Terminal: the
// job cannot be resumed, the channel is torn down and the payload cleared.
func (c *Controller) Stop(sessionKey string) {
	if j := c.jobFor(sessionKey); j != nil {
		j.signal(func(j *job) { j.stop = true })
		c.log.Info("send job stop requested", logx.String("session", sessionKey), logx.String("job", j.id))
	}
}

// Active reports whether the session has a running or paused job.
func (c *Controller) Active(sessionKey string) bool {
	return c.jobFor(sessionKey) != nil
}

// PendingIDs returns the recipients the active job has not recorded an
// outcome for yet, in dispatch order. Nil without a running job.
func (c *Controller) PendingIDs(sessionKey string) []string {
	j := c.jobFor(sessionKey)
	if j == nil {
		return nil
	}
	s, ok := c.reg.Get(sessionKey)
	if !ok {
		return nil
	}
	p := s.ProgressCopy()
	processed := len(p.SentIDs) + len(p.FailedIDs)
	if processed >= len(j.recipients) {
		return []string{}
	}
	return append([]string(nil), j.recipients[processed:]...)
}

func (c *Controller) jobFor(sessionKey string) *job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[sessionKey]
}

func (c *Controller) forget(sessionKey string, j *job) {
	c.mu.Lock()
	if c.jobs[sessionKey] == j {
		delete(c.jobs, sessionKey)
	}
	c.mu.Unlock()
}
