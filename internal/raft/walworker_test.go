package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/kervan/internal/hlc"
	"github.com/KilimcininKorOglu/kervan/internal/logging"
)

func newTestWAL(t *testing.T) (*walWorker, *testLogStore, *recordingEvents) {
	t.Helper()
	store := newTestLogStore()
	events := &recordingEvents{}
	wal := newWALWorker(0, store, events, logging.NewNop())
	wal.start()
	t.Cleanup(wal.stop)
	return wal, store, events
}

func TestWALRecoverEmpty(t *testing.T) {
	wal, _, _ := newTestWAL(t)

	idx, err := wal.Recover()
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)
	require.Equal(t, uint64(1), wal.proposeIndex)
}

func TestWALRecoverReplaysCommitted(t *testing.T) {
	wal, store, events := newTestWAL(t)
	store.seed(0, &LogEntry{ID: 1, Term: 1, Type: LogCommitted, Tag: "a", Data: []byte("1")})
	store.seed(0, &LogEntry{ID: 2, Term: 1, Type: LogCommitted, Tag: "b", Data: []byte("2")})
	store.seed(0, &LogEntry{ID: 3, Term: 1, Type: LogProposed, Tag: "c", Data: []byte("3")})

	idx, err := wal.Recover()
	require.NoError(t, err)
	require.Equal(t, uint64(3), idx, "commit index stops after the last committed entry")
	require.Equal(t, []string{"a", "b"}, events.restoredTags())
	require.Equal(t, uint64(3), wal.proposeIndex, "propose index equals commit index after recovery")
}

func TestWALRecoverIdempotent(t *testing.T) {
	wal, store, events := newTestWAL(t)
	store.seed(0, &LogEntry{ID: 1, Term: 1, Type: LogCommitted, Tag: "a"})

	first, err := wal.Recover()
	require.NoError(t, err)
	second, err := wal.Recover()
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, []string{"a"}, events.restoredTags(), "callbacks fire once")
}

func TestWALRecoverCallbackFailureReported(t *testing.T) {
	wal, store, events := newTestWAL(t)
	events.fail = true
	store.seed(0, &LogEntry{ID: 1, Term: 1, Type: LogCommitted, Tag: "a"})
	store.seed(0, &LogEntry{ID: 2, Term: 1, Type: LogCommitted, Tag: "b"})

	idx, err := wal.Recover()
	require.NoError(t, err, "callback failures do not stop recovery")
	require.Equal(t, uint64(3), idx)
	require.Equal(t, 2, events.errored)
}

func TestWALProposeAssignsSequentialIDs(t *testing.T) {
	wal, store, _ := newTestWAL(t)
	_, err := wal.Recover()
	require.NoError(t, err)

	ts := hlc.Timestamp{Physical: 100}
	batch := []*LogEntry{{Tag: "a"}, {Tag: "b"}, {Tag: "c"}}

	idx, err := wal.Propose(3, ts, batch)
	require.NoError(t, err)
	require.Equal(t, uint64(4), idx)

	for i, entry := range batch {
		require.Equal(t, uint64(i+1), entry.ID)
		require.Equal(t, uint64(3), entry.Term)
		require.Equal(t, LogProposed, entry.Type)
		require.Equal(t, ts, entry.Time)
	}

	max, err := store.GetMaxLog(0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), max)
}

func TestWALCommitFlipsEntries(t *testing.T) {
	wal, store, _ := newTestWAL(t)
	_, err := wal.Recover()
	require.NoError(t, err)

	ts := hlc.Timestamp{Physical: 100}
	batch := []*LogEntry{{Tag: "a"}}
	_, err = wal.Propose(1, ts, batch)
	require.NoError(t, err)

	idx, err := wal.Commit(1, ts, batch)
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx)

	entries, err := store.ReadLogsRange(0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, LogCommitted, entries[0].Type)
}

func TestWALCheckpointLifecycle(t *testing.T) {
	wal, store, _ := newTestWAL(t)
	_, err := wal.Recover()
	require.NoError(t, err)

	ts := hlc.Timestamp{Physical: 100}
	batch := []*LogEntry{{Type: LogProposedCheckpoint, Tag: "checkpoint"}}

	_, err = wal.Propose(1, ts, batch)
	require.NoError(t, err)
	require.Equal(t, LogProposedCheckpoint, batch[0].Type)

	_, err = wal.Commit(1, ts, batch)
	require.NoError(t, err)
	require.Equal(t, LogCommittedCheckpoint, batch[0].Type)

	// Recovery resumes after the committed checkpoint
	logs, err := store.ReadLogs(0)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestWALProposeOrCommitStrictSequence(t *testing.T) {
	wal, _, events := newTestWAL(t)
	_, err := wal.Recover()
	require.NoError(t, err)

	ts := hlc.Timestamp{Physical: 100}

	// Out-of-sequence batch is a no-op
	idx, err := wal.ProposeOrCommit(1, ts, []*LogEntry{{ID: 5, Term: 1, Type: LogProposed, Tag: "x"}})
	require.NoError(t, err)
	require.Equal(t, int64(-1), idx)

	// In-sequence proposals advance the propose index only
	idx, err = wal.ProposeOrCommit(1, ts, []*LogEntry{
		{ID: 1, Term: 1, Type: LogProposed, Tag: "a"},
		{ID: 2, Term: 1, Type: LogProposed, Tag: "b"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), idx)
	require.Equal(t, uint64(3), wal.proposeIndex)

	// Commits advance the commit index and fire the apply callback
	idx, err = wal.ProposeOrCommit(1, ts, []*LogEntry{
		{ID: 1, Term: 1, Type: LogCommitted, Tag: "a"},
		{ID: 2, Term: 1, Type: LogCommitted, Tag: "b"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), idx)
	require.Equal(t, []string{"a", "b"}, events.receivedTags())

	// Re-sending already applied entries is a no-op
	idx, err = wal.ProposeOrCommit(1, ts, []*LogEntry{
		{ID: 1, Term: 1, Type: LogCommitted, Tag: "a"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(-1), idx)
	require.Equal(t, []string{"a", "b"}, events.receivedTags())
}

func TestWALProposeOrCommitMixedBatch(t *testing.T) {
	wal, _, _ := newTestWAL(t)
	_, err := wal.Recover()
	require.NoError(t, err)

	ts := hlc.Timestamp{Physical: 100}

	// A batch carrying commit for id 1 and proposal for id 2, unsorted
	idx, err := wal.ProposeOrCommit(1, ts, []*LogEntry{
		{ID: 2, Term: 1, Type: LogProposed, Tag: "b"},
		{ID: 1, Term: 1, Type: LogCommitted, Tag: "a"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), idx)
	require.Equal(t, uint64(3), wal.proposeIndex)
	require.Equal(t, uint64(2), wal.commitIndex)
}

func TestWALProposeFailureSurfaces(t *testing.T) {
	wal, store, _ := newTestWAL(t)
	_, err := wal.Recover()
	require.NoError(t, err)

	store.mu.Lock()
	store.failPut = true
	store.mu.Unlock()

	_, err = wal.Propose(1, hlc.Timestamp{Physical: 100}, []*LogEntry{{Tag: "a"}})
	require.Error(t, err)
}
