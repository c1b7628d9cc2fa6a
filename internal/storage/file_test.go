package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "zapsend/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("disabled storage should be (nil, nil), got (%v, %v)", st, err)
	}
	if _, err := Open(Config{Driver: "bogus", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestFileAppendAndRecent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "zapsend.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	base := time.Now()
	for i, key := range []string{"u1", "u2", "u1"} {
		rep := JobReport{
			ID:         string(rune('a' + i)),
			SessionKey: key,
			Outcome:    "completed",
			Total:      2,
			SentIDs:    []string{"A"},
			FailedIDs:  []string{"B"},
			StartedAt:  base,
			FinishedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := st.AppendJob(ctx, rep); err != nil {
			t.Fatalf("AppendJob: %v", err)
		}
	}

	got, err := st.RecentJobs(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RecentJobs: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("RecentJobs(u1) = %+v, want newest first [c a]", got)
	}

	all, err := st.RecentJobs(ctx, "", 2)
	if err != nil || len(all) != 2 {
		t.Fatalf("RecentJobs limit: %v, %v", all, err)
	}
}

func TestFileReplayAfterReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "zapsend.db")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rep := JobReport{ID: "j1", SessionKey: "u1", Outcome: "stopped", Total: 3}
	if err := st.AppendJob(context.Background(), rep); err != nil {
		t.Fatalf("AppendJob: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, err := st2.RecentJobs(context.Background(), "u1", 5)
	if err != nil || len(got) != 1 || got[0].ID != "j1" || got[0].Outcome != "stopped" {
		t.Fatalf("replay failed: %+v, %v", got, err)
	}
}
