package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "zapsend/pkg/logx"
)

// maxResident bounds how many reports the file backend keeps in memory for
// RecentJobs. The jsonl file itself is append-only and unbounded.
const maxResident = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.jsonl (append-only JSON Lines)
//
// Reports are replayed into memory at open so RecentJobs never rescans the
// file on the hot path.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	jobsFile *os.File
	resident []JobReport // newest last
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jobsPath := prefix + ".jobs.jsonl"
	resident, err := replayJobs(jobsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job log replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(jobsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:      log,
		jobsFile: jf,
		resident: resident,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return nil
	}
	err := s.jobsFile.Close()
	s.jobsFile = nil
	return err
}

func (s *fileStore) AppendJob(ctx context.Context, rep JobReport) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return errors.New("job log closed")
	}
	if err := json.NewEncoder(s.jobsFile).Encode(rep); err != nil {
		return err
	}
	s.resident = append(s.resident, rep)
	if len(s.resident) > maxResident {
		s.resident = append([]JobReport(nil), s.resident[len(s.resident)-maxResident:]...)
	}
	return nil
}

func (s *fileStore) RecentJobs(ctx context.Context, sessionKey string, limit int) ([]JobReport, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobReport, 0, limit)
	for i := len(s.resident) - 1; i >= 0 && len(out) < limit; i-- {
		if sessionKey != "" && s.resident[i].SessionKey != sessionKey {
			continue
		}
		out = append(out, s.resident[i])
	}
	return out, nil
}

func replayJobs(path string) ([]JobReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []JobReport
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r JobReport
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		out = append(out, r)
	}
	if len(out) > maxResident {
		out = append([]JobReport(nil), out[len(out)-maxResident:]...)
	}
	return out, sc.Err()
}
