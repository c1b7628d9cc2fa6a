package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"zapsend/internal/progress"
	"zapsend/internal/session"
	logx "zapsend/pkg/logx"
)

// run is the dispatch loop: strictly sequential, one attempt per recipient,
// control flags checked only at iteration boundaries so an in-flight attempt
// always finishes.
func (c *Controller) run(ctx context.Context, s *session.Session, j *job, payload session.Payload) {
	outcome := JobCompleted
	defer func() {
		if r := recover(); r != nil {
			// A loop-level fault is a programming error; end the job with
			// stop-style cleanup rather than leak a claimed session.
			c.log.Error("dispatch loop fault", logx.String("job", j.id), logx.Any("panic", r))
			outcome = JobStopped
		}
		c.finalize(ctx, s, j, outcome)
	}()

loop:
	for cursor := 0; cursor < len(j.recipients); cursor++ {
		paused, stop := j.flags()
		if stop || ctx.Err() != nil {
			outcome = JobStopped
			break
		}
		for paused {
			select {
			case <-ctx.Done():
				outcome = JobStopped
				break loop
			case <-j.wake:
			}
			paused, stop = j.flags()
			if stop {
				outcome = JobStopped
				break loop
			}
		}

		pacing, limiter := c.currentPacing()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				outcome = JobStopped
				break
			}
		}

		recipient := j.recipients[cursor]
		ch := s.Channel()
		if ch == nil {
			// Channel vanished under the job (external disconnect); nothing
			// left to deliver on.
			outcome = JobStopped
			break
		}
		if pacing.ResetHome {
			// Defensive re-home; its own failure is ignored.
			_ = ch.ResetHome(ctx)
		}

		if err := c.attempt(ctx, s, recipient, payload); err != nil {
			s.RecordFailed(recipient)
			c.log.Warn("delivery failed",
				logx.String("session", j.sessionKey),
				logx.String("recipient", recipient),
				logx.Err(err))
		} else {
			s.RecordSent(recipient)
			c.log.Debug("delivered",
				logx.String("session", j.sessionKey),
				logx.String("recipient", recipient))
		}

		c.publishSnapshot(s, j, cursor+1)

		if cursor+1 < len(j.recipients) {
			if _, stop := j.flags(); stop {
				continue
			}
			select {
			case <-ctx.Done():
			case <-j.wake:
				// A control signal arrived mid-delay; the loop head applies it.
			case <-time.After(interAttemptDelay(pacing)):
			}
		}
	}
}

// attempt converts any channel fault, panics included, into a per-recipient
// error. Failures never escape to end the loop.
func (c *Controller) attempt(ctx context.Context, s *session.Session, recipient string, p session.Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during delivery: %v", r)
		}
	}()
	ch := s.Channel()
	if ch == nil {
		return fmt.Errorf("channel not available")
	}
	return ch.Deliver(ctx, recipient, p.AttachmentPath, p.Caption)
}

func (c *Controller) publishSnapshot(s *session.Session, j *job, next int) {
	p := s.ProgressCopy()
	pending := []string{}
	if next < len(j.recipients) {
		pending = append(pending, j.recipients[next:]...)
	}
	c.pub.Publish(j.sessionKey, progress.Event{
		Kind: progress.KindSnapshot,
		Snapshot: &progress.Snapshot{
			SentIDs:       p.SentIDs,
			FailedIDs:     p.FailedIDs,
			PendingIDs:    pending,
			TotalSelected: p.TotalSelected,
			LastUpdated:   p.LastUpdated,
		},
	})
}

func (c *Controller) finalize(ctx context.Context, s *session.Session, j *job, outcome JobState) {
	p := s.ProgressCopy()
	processed := len(p.SentIDs) + len(p.FailedIDs)
	pending := []string{}
	if processed < len(j.recipients) {
		pending = append(pending, j.recipients[processed:]...)
	}
	snap := &progress.Snapshot{
		SentIDs:       p.SentIDs,
		FailedIDs:     p.FailedIDs,
		PendingIDs:    pending,
		TotalSelected: p.TotalSelected,
		LastUpdated:   p.LastUpdated,
	}

	// Payload is consumed by the job either way; only stop tears the channel
	// down. Completion leaves it connected for the next job.
	s.SetPayload(nil)
	kind := progress.KindComplete
	if outcome == JobStopped {
		kind = progress.KindStopped
		s.ReleaseChannel()
		s.SetState(session.StateUninitialized)
	}

	c.forget(j.sessionKey, j)
	s.ReleaseJob()

	c.pub.Publish(j.sessionKey, progress.Event{Kind: kind, Snapshot: snap})
	c.log.Info("send job finished",
		logx.String("session", j.sessionKey),
		logx.String("job", j.id),
		logx.String("outcome", string(outcome)),
		logx.Int("sent", len(p.SentIDs)),
		logx.Int("failed", len(p.FailedIDs)))

	if c.recorder != nil {
		c.recorder.RecordJob(context.WithoutCancel(ctx), Report{
			ID:         j.id,
			SessionKey: j.sessionKey,
			Outcome:    outcome,
			Total:      p.TotalSelected,
			SentIDs:    p.SentIDs,
			FailedIDs:  p.FailedIDs,
			StartedAt:  j.startedAt,
			FinishedAt: time.Now(),
		})
	}
}

func interAttemptDelay(p Pacing) time.Duration {
	if p.MaxDelay <= p.MinDelay {
		return p.MinDelay
	}
	span := int64(p.MaxDelay - p.MinDelay)
	return p.MinDelay + time.Duration(rand.Int63n(span+1))
}
