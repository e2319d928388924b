package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// Store performs every mutation as a full read-modify-write cycle against
// the crontab. There is no cache: the crontab is re-read on each call so
// external edits (crontab -e, other tools) are always picked up.
type Store struct {
	tab  Crontab
	mu   sync.Mutex
	lock *flock.Flock
	log  zerolog.Logger
	now  func() time.Time
}

// NewStore wraps a crontab with a process-local mutex and an advisory file
// lock at lockPath serializing cycles across processes on this host.
// Concurrent writers elsewhere still race at whole-file granularity
// (last writer wins).
func NewStore(tab Crontab, lockPath string, logger zerolog.Logger) *Store {
	return &Store{
		tab:  tab,
		lock: flock.New(lockPath),
		log:  logger.With().Str("component", "cron-store").Logger(),
		now:  time.Now,
	}
}

// Load reads and decodes the current crontab.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	lines, err := s.tab.Read(ctx)
	if err != nil {
		return nil, err
	}
	snap := DecodeLines(lines, s.now())
	for _, msg := range snap.Errors {
		s.log.Warn().Str("error", msg).Msg("skipping malformed crontab entry")
	}
	return snap, nil
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range snap.Jobs {
		if job.ID == id {
			return job, nil
		}
	}
	return nil, fmt.Errorf("job not found: %s", id)
}

// Mutate runs one locked read-modify-write cycle: re-read the crontab,
// apply fn to the decoded snapshot, recompute next-run state, and rewrite
// the whole file. Unmanaged lines survive verbatim.
func (s *Store) Mutate(ctx context.Context, fn func(snap *Snapshot) error) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire crontab lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("crontab lock busy")
	}
	defer s.lock.Unlock()

	lines, err := s.tab.Read(ctx)
	if err != nil {
		return nil, err
	}
	snap := DecodeLines(lines, s.now())
	if err := fn(snap); err != nil {
		return nil, err
	}

	now := s.now()
	for _, job := range snap.Jobs {
		job.State.NextRunAtMs = ComputeNextRunAt(job, now)
	}

	content, err := RenderCrontab(snap.Lines, snap.Jobs)
	if err != nil {
		return nil, err
	}
	if err := s.tab.Write(ctx, content); err != nil {
		return nil, err
	}
	s.log.Debug().Int("jobs", len(snap.Jobs)).Msg("crontab rewritten")
	return snap, nil
}
