package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"adsync/internal/config"
	"adsync/internal/workflow"
	logx "adsync/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <path>                       (runs, append-only JSON Lines; last write per ID wins)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// Both journals are periodically compacted.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath  string
	runsFile  *os.File
	runs      map[string]*workflow.Run
	runWrites int

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

const compactEvery = 500

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg config.StorageConfig, log logx.Logger) (Store, error) {
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

	runs := map[string]*workflow.Run{}
	if err := replayRuns(path, runs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	rf, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("path", path), logx.Int("runs", len(runs)))
	return &fileStore{
		log:               log,
		runsPath:          path,
		runsFile:          rf,
		runs:              runs,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) SaveRun(ctx context.Context, run *workflow.Run) error {
	_ = ctx
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	c := run.Clone()
	if err := json.NewEncoder(s.runsFile).Encode(c); err != nil {
		return err
	}
	s.runs[c.ID] = c
	s.runWrites++
	if s.runWrites%compactEvery == 0 {
		if err := s.compactRunsLocked(); err != nil {
			s.log.Debug("runs compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

func (s *fileStore) ListRuns(ctx context.Context, limit int) ([]*workflow.Run, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]*workflow.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.Clone())
	}
	s.mu.Unlock()

	sortNewestFirst(out)
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func sortNewestFirst(runs []*workflow.Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].QueuedAt.Equal(runs[j].QueuedAt) {
			return runs[i].QueuedAt.After(runs[j].QueuedAt)
		}
		return runs[i].ID > runs[j].ID
	})
}

// compactRunsLocked rewrites the journal with one line per run.
func (s *fileStore) compactRunsLocked() error {
	runs := make([]*workflow.Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sortNewestFirst(runs)

	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for i := len(runs) - 1; i >= 0; i-- {
		if err := enc.Encode(runs[i]); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}
	_ = s.runsFile.Close()
	s.runsFile, err = os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	return err
}

func replayRuns(path string, out map[string]*workflow.Run) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r workflow.Run
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		out[r.ID] = &r
	}
	return sc.Err()
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return ErrClosed
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%compactEvery == 0 {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactDedupLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
