package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"zapsend/internal/dispatch"
	"zapsend/internal/storage"
	logx "zapsend/pkg/logx"
)

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "zapsend.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	rec := NewRecorder(st, logx.Nop())
	if !rec.Enabled() {
		t.Fatal("recorder should be enabled with a store")
	}

	now := time.Now()
	rec.RecordJob(context.Background(), dispatch.Report{
		ID:         "job-1",
		SessionKey: "u1",
		Outcome:    dispatch.JobCompleted,
		Total:      3,
		SentIDs:    []string{"A", "C"},
		FailedIDs:  []string{"B"},
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
	})

	got, err := rec.Recent(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].ID != "job-1" || got[0].Outcome != "completed" {
		t.Fatalf("Recent = %+v", got)
	}
	if len(got[0].SentIDs) != 2 || len(got[0].FailedIDs) != 1 {
		t.Fatalf("lists not persisted: %+v", got[0])
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	t.Parallel()
	rec := NewRecorder(nil, logx.Nop())
	if rec.Enabled() {
		t.Fatal("recorder without store should be disabled")
	}

	rec.RecordJob(context.Background(), dispatch.Report{ID: "x"})
	if _, err := rec.Recent(context.Background(), "u1", 5); err != storage.ErrDisabled {
		t.Fatalf("Recent = %v, want ErrDisabled", err)
	}
}
