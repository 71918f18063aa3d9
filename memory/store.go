package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"student_insights/internal/logger"
	"student_insights/internal/persist"
)

// Store serializes per-entity memory operations over a Backend. Save and
// archive failures are logged and reported as persist results, never raised.
type Store struct {
	backend      Backend
	historyLimit int
	log          *logger.Logger

	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func NewStore(backend Backend, historyLimit int, log *logger.Logger) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Store{backend: backend, historyLimit: historyLimit, log: log, locks: make(map[string]*entityLock)}
}

func (s *Store) Close() error { return s.backend.Close() }

// HistoryLimit is the configured history cap.
func (s *Store) HistoryLimit() int { return s.historyLimit }

func (s *Store) lock(kind Kind, entityID string) func() {
	key := string(kind) + "/" + entityID
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &entityLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Load returns the stored snapshot merged over the default. A missing or
// malformed record yields the default; only backend I/O failures error.
func (s *Store) Load(ctx context.Context, kind Kind, entityID string) (Snapshot, error) {
	unlock := s.lock(kind, entityID)
	defer unlock()
	return s.load(ctx, kind, entityID)
}

func (s *Store) load(ctx context.Context, kind Kind, entityID string) (Snapshot, error) {
	data, err := s.backend.ReadSnapshot(ctx, kind, entityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Default(kind, entityID), nil
		}
		return Default(kind, entityID), fmt.Errorf("load %s %s: %w", kind, entityID, err)
	}
	snap, clean := decodeSnapshot(data, kind, entityID, s.historyLimit)
	if !clean {
		s.log.Warn("memory snapshot partially malformed; defaults merged", "kind", kind, "entity_id", entityID)
	}
	return snap, nil
}

// Exists reports whether a snapshot has been stored for the entity.
func (s *Store) Exists(ctx context.Context, kind Kind, entityID string) (bool, error) {
	_, err := s.backend.ReadSnapshot(ctx, kind, entityID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Save overwrites the entity's snapshot.
func (s *Store) Save(ctx context.Context, snap Snapshot) persist.Result {
	unlock := s.lock(snap.Kind, snap.EntityID)
	defer unlock()
	return s.save(ctx, snap)
}

func (s *Store) save(ctx context.Context, snap Snapshot) persist.Result {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err == nil {
		err = s.backend.WriteSnapshot(ctx, snap.Kind, snap.EntityID, data)
	}
	res := persist.FromError("memory.save", err)
	if !res.OK() {
		s.log.Error("memory save failed", "kind", snap.Kind, "entity_id", snap.EntityID, "error", err)
	}
	return res
}

// Archive writes the run-scoped immutable record.
func (s *Store) Archive(ctx context.Context, rec ArchiveRecord) persist.Result {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err == nil {
		err = s.backend.WriteArchive(ctx, rec.RunID, rec.Kind, rec.EntityID, data)
	}
	res := persist.FromError("memory.archive", err)
	if !res.OK() {
		s.log.Error("memory archive failed", "run_id", rec.RunID, "kind", rec.Kind, "entity_id", rec.EntityID, "error", err)
	}
	return res
}

// LoadArchive reads back an archive record.
func (s *Store) LoadArchive(ctx context.Context, runID string, kind Kind, entityID string) (ArchiveRecord, error) {
	data, err := s.backend.ReadArchive(ctx, runID, kind, entityID)
	if err != nil {
		return ArchiveRecord{}, err
	}
	var rec ArchiveRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ArchiveRecord{}, fmt.Errorf("decode archive: %w", err)
	}
	return rec, nil
}

// Apply runs load, update, save and archive for one entity under its lock.
// The archive is written even when the save fails. The returned result is
// the first failure, or success.
func (s *Store) Apply(ctx context.Context, kind Kind, entityID string, c Contribution) (Snapshot, persist.Result) {
	unlock := s.lock(kind, entityID)
	defer unlock()

	prev, err := s.load(ctx, kind, entityID)
	if err != nil {
		s.log.Error("memory load failed; snapshot left untouched", "kind", kind, "entity_id", entityID, "error", err)
		return prev, persist.FromError("memory.load", err)
	}
	next := Update(prev, c, s.historyLimit)
	saved := s.save(ctx, next)
	archived := s.Archive(ctx, ArchiveOf(next, c.RunID, c.UsedFallback))
	if !saved.OK() {
		return next, saved
	}
	return next, archived
}
