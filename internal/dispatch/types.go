package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInvalidState rejects a control request whose preconditions do not hold:
// session missing or not ready, no payload attached, or a job already
// running. The running job, if any, is never altered by a rejected call.
var ErrInvalidState = errors.New("invalid session state for request")

// JobState is the send-job lifecycle. Idle is implicit (no job record).
type JobState string

const (
	JobRunning   JobState = "running"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobStopped   JobState = "stopped"
)

// job is one in-flight send pass. controlFlags are mutated only from
// outside the dispatch loop; the loop reads them at iteration boundaries.
type job struct {
	id         string
	sessionKey string
	recipients []string
	startedAt  time.Time

	mu     sync.Mutex
	paused bool
	stop   bool
	// wake nudges a paused loop so it re-checks flags without polling.
	wake chan struct{}
}

func (j *job) signal(mutate func(*job)) {
	j.mu.Lock()
	mutate(j)
	j.mu.Unlock()
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *job) flags() (paused, stop bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.paused, j.stop
}

// Report summarizes one finished job for the history layer.
type Report struct {
	ID         string
	SessionKey string
	Outcome    JobState
	Total      int
	SentIDs    []string
	FailedIDs  []string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists job reports. Implementations must tolerate being called
// from the dispatch goroutine and should not block for long.
type Recorder interface {
	RecordJob(ctx context.Context, rep Report)
}
