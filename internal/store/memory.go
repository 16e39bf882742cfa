package store

import (
	"sort"
	"sync"

	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

// memoryPartition indexes one partition's records.
type memoryPartition struct {
	resolved map[uint64]*raft.LogEntry // id -> latest record
	maxID    uint64
	maxTerm  uint64
}

func newMemoryPartition() *memoryPartition {
	return &memoryPartition{resolved: make(map[uint64]*raft.LogEntry)}
}

func (p *memoryPartition) put(entry *raft.LogEntry) {
	p.resolved[entry.ID] = entry.Clone()
	if entry.ID > p.maxID {
		p.maxID = entry.ID
	}
	if entry.Term > p.maxTerm {
		p.maxTerm = entry.Term
	}
}

// ascending returns the resolved entries with id >= startID in id order.
func (p *memoryPartition) ascending(startID uint64) []*raft.LogEntry {
	entries := make([]*raft.LogEntry, 0, len(p.resolved))
	for id, entry := range p.resolved {
		if id >= startID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// lastCheckpoint returns the id of the highest committed checkpoint, or 0.
func (p *memoryPartition) lastCheckpoint() uint64 {
	var last uint64
	for id, entry := range p.resolved {
		if entry.Type == raft.LogCommittedCheckpoint && id > last {
			last = id
		}
	}
	return last
}

// MemoryStore is an in-memory LogStore used in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[uint32]*memoryPartition
	closed     bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: make(map[uint32]*memoryPartition)}
}

func (s *MemoryStore) partition(id uint32) *memoryPartition {
	p, ok := s.partitions[id]
	if !ok {
		p = newMemoryPartition()
		s.partitions[id] = p
	}
	return p
}

// ReadLogs implements raft.LogStore.
func (s *MemoryStore) ReadLogs(partition uint32) ([]*raft.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.partitions[partition]
	if !ok {
		return nil, nil
	}
	return p.ascending(p.lastCheckpoint() + 1), nil
}

// ReadLogsRange implements raft.LogStore.
func (s *MemoryStore) ReadLogsRange(partition uint32, startID uint64) ([]*raft.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.partitions[partition]
	if !ok {
		return nil, nil
	}
	return p.ascending(startID), nil
}

// Propose implements raft.LogStore.
func (s *MemoryStore) Propose(partition uint32, entry *raft.LogEntry) error {
	return s.put(partition, entry)
}

// Commit implements raft.LogStore.
func (s *MemoryStore) Commit(partition uint32, entry *raft.LogEntry) error {
	return s.put(partition, entry)
}

func (s *MemoryStore) put(partition uint32, entry *raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.partition(partition).put(entry)
	return nil
}

// GetMaxLog implements raft.LogStore.
func (s *MemoryStore) GetMaxLog(partition uint32) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	p, ok := s.partitions[partition]
	if !ok {
		return 0, nil
	}
	return p.maxID, nil
}

// GetCurrentTerm implements raft.LogStore.
func (s *MemoryStore) GetCurrentTerm(partition uint32) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	p, ok := s.partitions[partition]
	if !ok {
		return 0, nil
	}
	return p.maxTerm, nil
}

// Exists implements raft.LogStore.
func (s *MemoryStore) Exists(partition uint32, id uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	p, ok := s.partitions[partition]
	if !ok {
		return false, nil
	}
	_, ok = p.resolved[id]
	return ok, nil
}

// Close implements raft.LogStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
