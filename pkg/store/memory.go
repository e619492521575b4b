package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oversight-labs/phasegate/pkg/errdefs"
	"github.com/oversight-labs/phasegate/pkg/phase"
)

// MemoryStore implements PhaseStore in memory. Thread-safe via RWMutex; every
// read returns a copy so callers can never race on a stored record.
type MemoryStore struct {
	mu      sync.RWMutex
	txMu    sync.Mutex
	records map[Key]*PhaseRecord
	states  map[stateKey]*CycleState
	clock   func() time.Time
}

type stateKey struct {
	cycleID  int64
	reportID int64
}

// NewMemoryStore creates an empty in-memory phase store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]*PhaseRecord),
		states:  make(map[stateKey]*CycleState),
		clock:   time.Now,
	}
}

// WithClock overrides the store's time source. Used by tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (*PhaseRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, key Key, patch Patch) (*PhaseRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	now := s.clock().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[key]
	if !ok {
		if !versionMatches(patch.ExpectedVersion, 0) {
			return nil, ErrVersionConflict
		}
		rec := newRecord(key, patch, now)
		s.records[key] = rec
		return rec.Clone(), nil
	}

	if !versionMatches(patch.ExpectedVersion, existing.Version) {
		return nil, ErrVersionConflict
	}
	rec := existing.Clone()
	applyPatch(rec, patch)
	rec.Version = existing.Version + 1
	rec.UpdatedAt = now
	s.records[key] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) All(ctx context.Context, cycleID, reportID int64) ([]*PhaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PhaseRecord, 0, len(phase.Names()))
	for key, rec := range s.records {
		if key.CycleID == cycleID && key.ReportID == reportID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Phase.Order() < out[j].Phase.Order()
	})
	return out, nil
}

func (s *MemoryStore) ListInProgress(ctx context.Context) ([]*PhaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PhaseRecord, 0)
	for _, rec := range s.records {
		if rec.Status == phase.StatusInProgress {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ListCreatedBetween(ctx context.Context, from, to time.Time, only *phase.Name) ([]*PhaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PhaseRecord, 0)
	for _, rec := range s.records {
		if rec.CreatedAt.Before(from) || rec.CreatedAt.After(to) {
			continue
		}
		if only != nil && rec.Phase != *only {
			continue
		}
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) CycleState(ctx context.Context, cycleID, reportID int64) (*CycleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[stateKey{cycleID, reportID}]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	v := *st
	return &v, nil
}

func (s *MemoryStore) SetCurrentPhase(ctx context.Context, cycleID, reportID int64, current phase.Name, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey{cycleID, reportID}] = &CycleState{
		CycleID:      cycleID,
		ReportID:     reportID,
		CurrentPhase: current,
		UpdatedAt:    at.UTC(),
	}
	return nil
}

// WithinTx serializes transactional scopes and restores a snapshot when fn
// fails, so the memory store matches the SQL store's commit-or-rollback
// behavior.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(PhaseStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	records, states := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(records, states)
		return err
	}
	return nil
}

func (s *MemoryStore) snapshot() (map[Key]*PhaseRecord, map[stateKey]*CycleState) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make(map[Key]*PhaseRecord, len(s.records))
	for k, rec := range s.records {
		records[k] = rec.Clone()
	}
	states := make(map[stateKey]*CycleState, len(s.states))
	for k, st := range s.states {
		v := *st
		states[k] = &v
	}
	return records, states
}

func (s *MemoryStore) restore(records map[Key]*PhaseRecord, states map[stateKey]*CycleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	s.states = states
}

func sortRecords(recs []*PhaseRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CycleID != recs[j].CycleID {
			return recs[i].CycleID < recs[j].CycleID
		}
		if recs[i].ReportID != recs[j].ReportID {
			return recs[i].ReportID < recs[j].ReportID
		}
		return recs[i].Phase.Order() < recs[j].Phase.Order()
	})
}
