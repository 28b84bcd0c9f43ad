package registry

import (
	"errors"
	"sync"
)

// ErrRevisionNotFound is returned by RevisionStore.Get for an unknown
// revision number.
var ErrRevisionNotFound = errors.New("registry: revision not found")

// RevisionStore is the append-only history of description blobs a worker
// keeps for a job it has committed to, needed to answer
// QUERY_JOB_DESCRIPTION and to chain SEND_JOB_DESCRIPTION revisions (spec
// §4.F). It is raft.LogStore/raft.MemoryLogStore repurposed: index -> entry
// becomes revision number -> description blob, with the consensus-specific
// term field and DeleteRange/vote bookkeeping dropped since a single worker
// owns its own committed jobs and never needs to truncate a replicated log.
type RevisionStore interface {
	// Append records description for revision. Revisions must be appended
	// in non-decreasing order; a lower revision than the last one recorded
	// is rejected.
	Append(revision int32, description []byte) error

	// Get returns the description blob for revision, if this store has it.
	Get(revision int32) ([]byte, bool)

	// LastRevision returns the highest revision number recorded, or -1 if
	// none has been recorded yet.
	LastRevision() int32
}

// MemoryRevisionStore is the only RevisionStore implementation: a worker's
// revision history for a single job never needs to survive process
// restart (spec §6, "no persisted state is required to restart a run from
// scratch").
type MemoryRevisionStore struct {
	mu        sync.RWMutex
	revisions map[int32][]byte
	last      int32
}

// NewMemoryRevisionStore creates an empty store.
func NewMemoryRevisionStore() *MemoryRevisionStore {
	return &MemoryRevisionStore{
		revisions: make(map[int32][]byte),
		last:      -1,
	}
}

func (m *MemoryRevisionStore) Append(revision int32, description []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if revision < m.last {
		return errors.New("registry: revision out of order")
	}
	cp := make([]byte, len(description))
	copy(cp, description)
	m.revisions[revision] = cp
	if revision > m.last {
		m.last = revision
	}
	return nil
}

func (m *MemoryRevisionStore) Get(revision int32) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.revisions[revision]
	return blob, ok
}

func (m *MemoryRevisionStore) LastRevision() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
