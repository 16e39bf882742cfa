package raft

import "github.com/KilimcininKorOglu/kervan/internal/hlc"

// smMessage is a message consumed by a partition's state machine actor.
// Requests that need an answer carry a buffered one-shot reply channel;
// fire-and-forget messages do not.
type smMessage interface {
	isSMMessage()
}

// checkLeaderMsg advances election and heartbeat timers. Posted by the
// periodic tick.
type checkLeaderMsg struct{}

// getNodeStateMsg asks for a snapshot of the replica state.
type getNodeStateMsg struct {
	reply chan NodeState
}

// getTicketStateMsg polls a proposal ticket.
type getTicketStateMsg struct {
	ts    hlc.Timestamp
	reply chan TicketState
}

// requestVoteMsg is an incoming RequestVotes from a candidate.
type requestVoteMsg struct {
	from     string
	term     uint64
	maxLogID uint64
	ts       hlc.Timestamp
}

// receiveVoteMsg is an incoming granted vote.
type receiveVoteMsg struct {
	from     string
	term     uint64
	maxLogID uint64
}

// appendLogsMsg is an incoming AppendLogs. The reply carries the
// follower's status and resulting commit index (-1 when unchanged).
type appendLogsMsg struct {
	from  string
	term  uint64
	ts    hlc.Timestamp
	logs  []*LogEntry
	reply chan appendLogsResult
}

type appendLogsResult struct {
	status         Status
	committedIndex int64
}

// completeAppendLogsMsg is an incoming follower acknowledgment.
type completeAppendLogsMsg struct {
	from           string
	ts             hlc.Timestamp
	status         Status
	committedIndex int64
}

// replicateMsg proposes a batch on the leader.
type replicateMsg struct {
	logs       []*LogEntry
	checkpoint bool
	reply      chan replicateResult
}

type replicateResult struct {
	status Status
	ticket hlc.Timestamp
}

func (checkLeaderMsg) isSMMessage()         {}
func (*getNodeStateMsg) isSMMessage()       {}
func (*getTicketStateMsg) isSMMessage()     {}
func (*requestVoteMsg) isSMMessage()        {}
func (*receiveVoteMsg) isSMMessage()        {}
func (*appendLogsMsg) isSMMessage()         {}
func (*completeAppendLogsMsg) isSMMessage() {}
func (*replicateMsg) isSMMessage()          {}
