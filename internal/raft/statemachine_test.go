package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/kervan/internal/hlc"
)

func TestFollowerStartsElectionAfterTimeout(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002", "localhost:8003"})

	// Within the election timeout nothing happens
	h.tick()
	require.Equal(t, RoleFollower, h.sm.role)
	require.Empty(t, h.outbound())

	h.advance(150 * time.Millisecond)
	h.tick()

	require.Equal(t, RoleCandidate, h.sm.role)
	require.Equal(t, uint64(1), h.sm.currentTerm)

	msgs := h.outbound()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		require.Equal(t, outRequestVotes, msg.kind)
		require.Equal(t, uint64(1), msg.vote.Term)
		require.Equal(t, testEndpoint, msg.vote.Endpoint)
	}
}

func TestCandidateBecomesLeaderOnQuorum(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002", "localhost:8003"})

	h.advance(150 * time.Millisecond)
	h.tick()
	h.outbound()

	// One vote plus the self-vote reaches quorum for three nodes
	h.sm.handle(&receiveVoteMsg{from: "localhost:8002", term: 1, maxLogID: 0})

	require.Equal(t, RoleLeader, h.sm.role)
	require.Equal(t, testEndpoint, h.sm.leaderEndpoint)
	require.True(t, h.sm.quickRole() == RoleLeader)

	// Leadership is announced with an immediate heartbeat round
	msgs := h.outbound()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		require.Equal(t, outAppendLogs, msg.kind)
		require.Empty(t, msg.append.Logs)
	}
}

func TestCandidateIgnoresVoteFromStaleTerm(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002", "localhost:8003"})

	h.advance(150 * time.Millisecond)
	h.tick()
	h.advance(400 * time.Millisecond)
	h.tick() // candidacy times out, back to follower
	require.Equal(t, RoleFollower, h.sm.role)

	h.advance(300 * time.Millisecond)
	h.tick() // second candidacy, term 2
	require.Equal(t, RoleCandidate, h.sm.role)
	require.Equal(t, uint64(2), h.sm.currentTerm)

	h.sm.handle(&receiveVoteMsg{from: "localhost:8002", term: 1, maxLogID: 0})
	require.Equal(t, RoleCandidate, h.sm.role)
}

func TestCandidateTimeoutIncreasesElectionTimeout(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002"})

	before := h.sm.electionTimeout
	h.advance(150 * time.Millisecond)
	h.tick()
	require.Equal(t, RoleCandidate, h.sm.role)

	h.advance(400 * time.Millisecond)
	h.tick()

	require.Equal(t, RoleFollower, h.sm.role)
	require.Equal(t, before+50*time.Millisecond, h.sm.electionTimeout)
	require.Empty(t, h.sm.expectedLeaderByTerm)
	require.Zero(t, h.sm.tickets.Len())
}

func TestCandidateRefusesLeadershipBehindVoter(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002", "localhost:8003"})

	h.advance(150 * time.Millisecond)
	h.tick()
	h.outbound()

	// The voter's log is ahead of ours: do not take leadership
	h.sm.handle(&receiveVoteMsg{from: "localhost:8002", term: 1, maxLogID: 9})
	require.Equal(t, RoleCandidate, h.sm.role)
}

func TestRequestVoteGranted(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002"})

	ts := hlc.Timestamp{Physical: 2000, Counter: 0}
	h.sm.handle(&requestVoteMsg{from: "localhost:8002", term: 1, maxLogID: 0, ts: ts})

	require.Equal(t, "localhost:8002", h.sm.expectedLeaderByTerm[1])
	require.Equal(t, "localhost:8002", h.sm.votedByTerm[1])

	msgs := h.outbound()
	require.Len(t, msgs, 1)
	require.Equal(t, outVote, msgs[0].kind)
	require.Equal(t, "localhost:8002", msgs[0].target)
	require.Equal(t, uint64(1), msgs[0].vote.Term)
}

func TestRequestVoteRejections(t *testing.T) {
	tt := []struct {
		name    string
		prepare func(h *harness)
		msg     *requestVoteMsg
	}{
		{
			name: "already voted in term",
			prepare: func(h *harness) {
				h.sm.votedByTerm[1] = "localhost:8003"
			},
			msg: &requestVoteMsg{from: "localhost:8002", term: 1},
		},
		{
			name: "expected leader recorded for term",
			prepare: func(h *harness) {
				h.sm.expectedLeaderByTerm[1] = "localhost:8003"
			},
			msg: &requestVoteMsg{from: "localhost:8002", term: 1},
		},
		{
			name: "own term higher",
			prepare: func(h *harness) {
				h.sm.currentTerm = 5
			},
			msg: &requestVoteMsg{from: "localhost:8002", term: 3},
		},
		{
			name: "not follower in same term",
			prepare: func(h *harness) {
				h.advance(150 * time.Millisecond)
				h.tick() // become candidate in term 1
				h.outbound()
			},
			msg: &requestVoteMsg{from: "localhost:8002", term: 1},
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, []string{"localhost:8002"})
			h.tick() // trigger recovery
			tc.prepare(h)
			h.outbound()

			h.sm.handle(tc.msg)
			require.Empty(t, h.outbound(), "no vote must be sent")
		})
	}
}

func TestRequestVoteFromNodeBehindBumpsTerm(t *testing.T) {
	h := newHarness(t, nil)
	h.store.seed(0, &LogEntry{ID: 1, Term: 1, Type: LogCommitted, Tag: "a"})
	h.store.seed(0, &LogEntry{ID: 2, Term: 1, Type: LogCommitted, Tag: "b"})

	h.tick() // recovery picks up term 1

	h.sm.handle(&requestVoteMsg{from: "localhost:8002", term: 2, maxLogID: 1})

	require.Empty(t, h.outbound(), "no vote for a requester behind our log")
	require.Equal(t, uint64(2), h.sm.currentTerm, "term bumped to contest leadership")
	require.Empty(t, h.sm.votedByTerm)
}

func TestReplicateRejectedOnFollower(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002"})

	res := h.replicate(&LogEntry{Tag: "x", Data: []byte("y")})
	require.Equal(t, StatusNodeIsNotLeader, res.status)

	max, err := h.store.GetMaxLog(0)
	require.NoError(t, err)
	require.Zero(t, max, "no entry must be appended")
}

func TestReplicateErroredWithoutPeers(t *testing.T) {
	h := newHarness(t, nil)
	h.sm.role = RoleLeader

	res := h.replicate(&LogEntry{Tag: "x"})
	require.Equal(t, StatusErrored, res.status)
}

// electLeader drives the harness state machine to leadership over its
// two peers.
func electLeader(t *testing.T, h *harness) {
	t.Helper()
	h.advance(150 * time.Millisecond)
	h.tick()
	h.sm.handle(&receiveVoteMsg{from: "localhost:8002", term: h.sm.currentTerm, maxLogID: 0})
	require.Equal(t, RoleLeader, h.sm.role)
	h.outbound()
}

func TestLeaderReplicateAndCommit(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002", "localhost:8003"})
	electLeader(t, h)

	res := h.replicate(&LogEntry{Tag: "Greeting", Data: []byte("hi")})
	require.Equal(t, StatusSuccess, res.status)
	require.False(t, res.ticket.IsZero())

	// The entry is proposed durably with id 1
	entries, err := h.store.ReadLogsRange(0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(1), entries[0].ID)
	require.Equal(t, LogProposed, entries[0].Type)
	require.Equal(t, uint64(1), entries[0].Term)

	// One AppendLogs per peer carrying the batch
	msgs := h.outbound()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		require.Equal(t, outAppendLogs, msg.kind)
		require.Len(t, msg.append.Logs, 1)
		require.Equal(t, res.ticket.Physical, msg.append.TSPhysical)
	}

	require.Equal(t, TicketProposed, h.ticketState(res.ticket).Status)

	// First acknowledgment reaches quorum (2 of 3 with the leader's own)
	h.sm.handle(&completeAppendLogsMsg{from: "localhost:8002", ts: res.ticket, status: StatusSuccess, committedIndex: 1})

	state := h.ticketState(res.ticket)
	require.Equal(t, TicketCommitted, state.Status)
	require.Equal(t, uint64(1), state.LastIndex)

	// The committed record superseded the proposed one
	entries, err = h.store.ReadLogsRange(0, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, LogCommitted, entries[0].Type)

	// Participants are re-sent the batch so they observe the commit
	msgs = h.outbound()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		require.Equal(t, outAppendLogs, msg.kind)
	}
}

func TestCompleteAppendLogsIgnoresFailures(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002", "localhost:8003"})
	electLeader(t, h)

	res := h.replicate(&LogEntry{Tag: "x"})
	h.outbound()

	h.sm.handle(&completeAppendLogsMsg{from: "localhost:8002", ts: res.ticket, status: StatusErrored, committedIndex: -1})
	require.Equal(t, TicketProposed, h.ticketState(res.ticket).Status)

	// An unexpected sender cannot contribute to quorum
	h.sm.handle(&completeAppendLogsMsg{from: "localhost:9999", ts: res.ticket, status: StatusSuccess, committedIndex: 1})
	require.Equal(t, TicketProposed, h.ticketState(res.ticket).Status)
}

func TestCompleteAppendLogsUpdatesMatchIndex(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002", "localhost:8003"})
	electLeader(t, h)

	h.sm.handle(&completeAppendLogsMsg{from: "localhost:8002", ts: hlc.Timestamp{Physical: 1}, status: StatusSuccess, committedIndex: 7})
	require.Equal(t, uint64(7), h.sm.matchIndex["localhost:8002"])
}

func TestFollowerAppendLogsHeartbeat(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002"})

	ts := hlc.Timestamp{Physical: 5000}
	res := h.appendLogs("localhost:8002", 1, ts, nil)

	require.Equal(t, StatusSuccess, res.status)
	require.Equal(t, int64(-1), res.committedIndex)
	require.Equal(t, "localhost:8002", h.sm.leaderEndpoint)
	require.Equal(t, uint64(1), h.sm.currentTerm)
	require.Equal(t, "localhost:8002", h.sm.expectedLeaderByTerm[1])
}

func TestFollowerAppendLogsRejectsOldTerm(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002"})
	h.sm.currentTerm = 5
	h.sm.recovered = true

	res := h.appendLogs("localhost:8002", 3, hlc.Timestamp{Physical: 5000}, nil)
	require.Equal(t, StatusLeaderInOldTerm, res.status)
}

func TestFollowerAppendLogsRejectsRivalLeader(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002", "localhost:8003"})

	res := h.appendLogs("localhost:8002", 1, hlc.Timestamp{Physical: 5000}, nil)
	require.Equal(t, StatusSuccess, res.status)

	// A different endpoint claiming the same term is rejected
	res = h.appendLogs("localhost:8003", 1, hlc.Timestamp{Physical: 5001}, nil)
	require.Equal(t, StatusLeaderInOutdatedTerm, res.status)
}

func TestLeaderStepsDownOnAppendLogsFromNewerLeader(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002", "localhost:8003"})
	electLeader(t, h)
	h.replicate(&LogEntry{Tag: "x"})
	h.outbound()

	res := h.appendLogs("localhost:8002", h.sm.currentTerm+1, hlc.Timestamp{Physical: 9000}, nil)

	require.Equal(t, StatusSuccess, res.status)
	require.Equal(t, RoleFollower, h.sm.role)
	require.Equal(t, "localhost:8002", h.sm.leaderEndpoint)
	require.Zero(t, h.sm.tickets.Len(), "tickets cleared on step-down")
	require.Empty(t, h.sm.matchIndex)
}

func TestFollowerAppendLogsAppliesEntries(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002"})

	ts := hlc.Timestamp{Physical: 5000}
	proposed := []*LogEntry{
		{ID: 1, Term: 1, Type: LogProposed, Tag: "Greeting", Data: []byte("hi")},
	}
	res := h.appendLogs("localhost:8002", 1, ts, proposed)
	require.Equal(t, StatusSuccess, res.status)
	require.Equal(t, int64(1), res.committedIndex)

	committed := []*LogEntry{
		{ID: 1, Term: 1, Type: LogCommitted, Tag: "Greeting", Data: []byte("hi")},
	}
	res = h.appendLogs("localhost:8002", 1, hlc.Timestamp{Physical: 5001}, committed)
	require.Equal(t, StatusSuccess, res.status)
	require.Equal(t, int64(2), res.committedIndex)

	require.Equal(t, []string{"Greeting"}, h.events.receivedTags())
}

func TestNodeStateSnapshot(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002"})

	reply := make(chan NodeState, 1)
	h.sm.handle(&getNodeStateMsg{reply: reply})
	state := <-reply

	require.Equal(t, RoleFollower, state.Role)
	require.True(t, state.Recovered)
	require.Zero(t, state.Term)
}

func TestTicketStateNotFound(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, TicketNotFound, h.ticketState(hlc.Timestamp{Physical: 1}).Status)
}

func TestLeaderReapsOldCommittedTickets(t *testing.T) {
	h := newHarness(t, []string{"localhost:8002", "localhost:8003"})
	electLeader(t, h)

	res := h.replicate(&LogEntry{Tag: "x"})
	h.sm.handle(&completeAppendLogsMsg{from: "localhost:8002", ts: res.ticket, status: StatusSuccess, committedIndex: 1})
	require.Equal(t, TicketCommitted, h.ticketState(res.ticket).Status)

	h.advance(6 * time.Minute)
	h.tick()

	require.Equal(t, TicketNotFound, h.ticketState(res.ticket).Status)
}
