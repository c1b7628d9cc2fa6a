// Package history bridges finished send jobs into the storage layer and
// serves read queries for the gateway.
package history

import (
	"context"
	"time"

	"zapsend/internal/dispatch"
	"zapsend/internal/storage"
	logx "zapsend/pkg/logx"
)

// Recorder implements dispatch.Recorder on top of a storage.Store. A nil
// store turns every call into a no-op so wiring stays unconditional.
type Recorder struct {
	store storage.Store
	log   logx.Logger
}

func NewRecorder(store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log}
}

func (r *Recorder) RecordJob(ctx context.Context, rep dispatch.Report) {
	if r == nil || r.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.store.AppendJob(wctx, storage.JobReport{
		ID:         rep.ID,
		SessionKey: rep.SessionKey,
		Outcome:    string(rep.Outcome),
		Total:      rep.Total,
		SentIDs:    rep.SentIDs,
		FailedIDs:  rep.FailedIDs,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
	})
	if err != nil {
		// History is best-effort; the job outcome already reached subscribers.
		r.log.Warn("job report not persisted", logx.String("job", rep.ID), logx.Err(err))
	}
}

// Recent returns the latest reports for a session, newest first. With no
// store configured it reports storage.ErrDisabled.
func (r *Recorder) Recent(ctx context.Context, sessionKey string, limit int) ([]storage.JobReport, error) {
	if r == nil || r.store == nil {
		return nil, storage.ErrDisabled
	}
	return r.store.RecentJobs(ctx, sessionKey, limit)
}

// Enabled reports whether a backing store is configured.
func (r *Recorder) Enabled() bool { return r != nil && r.store != nil }
