package raft

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/hlc"
	"github.com/KilimcininKorOglu/kervan/internal/logging"
)

// testLogStore is a minimal in-memory LogStore for unit tests.
type testLogStore struct {
	mu       sync.Mutex
	resolved map[uint32]map[uint64]*LogEntry
	failPut  bool
}

func newTestLogStore() *testLogStore {
	return &testLogStore{resolved: make(map[uint32]map[uint64]*LogEntry)}
}

func (s *testLogStore) partition(id uint32) map[uint64]*LogEntry {
	p, ok := s.resolved[id]
	if !ok {
		p = make(map[uint64]*LogEntry)
		s.resolved[id] = p
	}
	return p
}

// seed installs an entry directly, bypassing the store interface.
func (s *testLogStore) seed(partition uint32, entry *LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition(partition)[entry.ID] = entry.Clone()
}

func (s *testLogStore) ascending(partition uint32, startID uint64) []*LogEntry {
	entries := make([]*LogEntry, 0)
	for id, e := range s.partition(partition) {
		if id >= startID {
			entries = append(entries, e.Clone())
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

func (s *testLogStore) ReadLogs(partition uint32) ([]*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var checkpoint uint64
	for id, e := range s.partition(partition) {
		if e.Type == LogCommittedCheckpoint && id > checkpoint {
			checkpoint = id
		}
	}
	return s.ascending(partition, checkpoint+1), nil
}

func (s *testLogStore) ReadLogsRange(partition uint32, startID uint64) ([]*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ascending(partition, startID), nil
}

func (s *testLogStore) Propose(partition uint32, entry *LogEntry) error {
	return s.put(partition, entry)
}

func (s *testLogStore) Commit(partition uint32, entry *LogEntry) error {
	return s.put(partition, entry)
}

func (s *testLogStore) put(partition uint32, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return ErrLogCorrupted
	}
	s.partition(partition)[entry.ID] = entry.Clone()
	return nil
}

func (s *testLogStore) GetMaxLog(partition uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	for id := range s.partition(partition) {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *testLogStore) GetCurrentTerm(partition uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	for _, e := range s.partition(partition) {
		if e.Term > max {
			max = e.Term
		}
	}
	return max, nil
}

func (s *testLogStore) Exists(partition uint32, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.partition(partition)[id]
	return ok, nil
}

func (s *testLogStore) Close() error { return nil }

// recordingEvents captures replication callbacks.
type recordingEvents struct {
	mu       sync.Mutex
	received []string
	restored []string
	errored  int
	fail     bool
}

func (r *recordingEvents) ReplicationReceived(tag string, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, tag)
	return !r.fail
}

func (r *recordingEvents) ReplicationRestored(tag string, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restored = append(r.restored, tag)
	return !r.fail
}

func (r *recordingEvents) ReplicationError(entry *LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errored++
}

func (r *recordingEvents) receivedTags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.received...)
}

func (r *recordingEvents) restoredTags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.restored...)
}

// harness wires one partition's actors for direct-drive tests. The state
// machine is not started; tests call handle on the test goroutine and
// inspect the responder mailbox. The WAL worker runs for real.
type harness struct {
	sm     *stateMachine
	wal    *walWorker
	out    *responder
	store  *testLogStore
	events *recordingEvents
	nowMS  *atomic.Int64
	peers  []string
}

const testEndpoint = "localhost:8001"

func testOptions() Options {
	return Options{
		Endpoint:                      testEndpoint,
		MaxPartitions:                 1,
		StartElectionTimeout:          100 * time.Millisecond,
		EndElectionTimeout:            100 * time.Millisecond,
		StartElectionTimeoutIncrement: 50 * time.Millisecond,
		EndElectionTimeoutIncrement:   50 * time.Millisecond,
		HeartbeatInterval:             50 * time.Millisecond,
		VotingTimeout:                 300 * time.Millisecond,
		CheckLeaderInterval:           20 * time.Millisecond,
	}
}

func newHarness(t *testing.T, peers []string) *harness {
	t.Helper()

	h := &harness{
		store:  newTestLogStore(),
		events: &recordingEvents{},
		nowMS:  &atomic.Int64{},
		peers:  peers,
	}
	h.nowMS.Store(1000)

	logger := logging.NewNop()
	clock := hlc.NewClockAt(h.nowMS.Load)

	h.wal = newWALWorker(0, h.store, h.events, logger)
	h.wal.start()
	t.Cleanup(h.wal.stop)

	h.out = newResponder(0, nil, logger)
	h.sm = newStateMachine(0, testOptions(), clock, h.wal, h.out, func() []string { return h.peers }, logger)

	return h
}

// advance moves the fake wall clock forward.
func (h *harness) advance(d time.Duration) {
	h.nowMS.Add(d.Milliseconds())
}

// outbound drains and returns all pending responder messages.
func (h *harness) outbound() []outbound {
	var msgs []outbound
	for {
		select {
		case msg := <-h.out.mailbox:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

// tick delivers a CheckLeader message.
func (h *harness) tick() {
	h.sm.handle(checkLeaderMsg{})
}

// appendLogs delivers an AppendLogs and returns the reply.
func (h *harness) appendLogs(from string, term uint64, ts hlc.Timestamp, logs []*LogEntry) appendLogsResult {
	reply := make(chan appendLogsResult, 1)
	h.sm.handle(&appendLogsMsg{from: from, term: term, ts: ts, logs: logs, reply: reply})
	return <-reply
}

// replicate delivers a ReplicateLogs and returns the reply.
func (h *harness) replicate(entries ...*LogEntry) replicateResult {
	reply := make(chan replicateResult, 1)
	h.sm.handle(&replicateMsg{logs: entries, reply: reply})
	return <-reply
}

// ticketState polls a ticket.
func (h *harness) ticketState(ts hlc.Timestamp) TicketState {
	reply := make(chan TicketState, 1)
	h.sm.handle(&getTicketStateMsg{ts: ts, reply: reply})
	return <-reply
}
