package raft

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/hlc"
	"github.com/KilimcininKorOglu/kervan/internal/logging"
)

// mailboxCapacity bounds every actor mailbox.
const mailboxCapacity = 1024

// ticketRetention is how long a committed ticket keeps answering polls
// before it is reaped.
const ticketRetention = 5 * time.Minute

// stateMachine owns the Raft role, term and election state of one
// partition. It is the only mutator of that state; everything arrives
// through its mailbox and is processed serially.
type stateMachine struct {
	partition uint32
	opts      Options
	clock     *hlc.Clock
	wal       *walWorker
	out       *responder
	peers     func() []string
	logger    logging.Logger

	role           Role
	currentTerm    uint64
	leaderEndpoint string

	lastHeartbeat hlc.Timestamp
	lastVote      hlc.Timestamp
	votingStarted hlc.Timestamp

	electionTimeout time.Duration

	votesByTerm          map[uint64]map[string]struct{}
	votedByTerm          map[uint64]string
	expectedLeaderByTerm map[uint64]string
	matchIndex           map[string]uint64
	tickets              *ticketMap
	recovered            bool

	// roleCell publishes the role for non-blocking reads.
	roleCell atomic.Uint32

	mailbox chan smMessage
	stopCh  chan struct{}
}

func newStateMachine(partition uint32, opts Options, clock *hlc.Clock, wal *walWorker, out *responder, peers func() []string, logger logging.Logger) *stateMachine {
	m := &stateMachine{
		partition:            partition,
		opts:                 opts,
		clock:                clock,
		wal:                  wal,
		out:                  out,
		peers:                peers,
		logger:               logger.WithSource("raft").WithFields("partition", partition),
		role:                 RoleFollower,
		electionTimeout:      randomBetween(opts.StartElectionTimeout, opts.EndElectionTimeout),
		votesByTerm:          make(map[uint64]map[string]struct{}),
		votedByTerm:          make(map[uint64]string),
		expectedLeaderByTerm: make(map[uint64]string),
		matchIndex:           make(map[string]uint64),
		tickets:              newTicketMap(),
		mailbox:              make(chan smMessage, mailboxCapacity),
		stopCh:               make(chan struct{}),
	}
	m.roleCell.Store(uint32(RoleFollower))
	return m
}

// randomBetween draws a duration uniformly from [low, high].
func randomBetween(low, high time.Duration) time.Duration {
	if high <= low {
		return low
	}
	return low + time.Duration(rand.Int63n(int64(high-low)+1))
}

func (m *stateMachine) start() {
	go m.run()
}

func (m *stateMachine) stop() {
	close(m.stopCh)
}

func (m *stateMachine) run() {
	for {
		select {
		case <-m.stopCh:
			return
		case msg := <-m.mailbox:
			m.handle(msg)
		}
	}
}

// handle processes one message. A panic in a handler is logged and the
// state machine continues with the next message.
func (m *stateMachine) handle(msg smMessage) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state machine handler panic", "panic", r)
		}
		if d := time.Since(start); m.opts.SlowStateMachineLog > 0 && d > m.opts.SlowStateMachineLog {
			m.logger.Warn("slow state machine message", "elapsed", d.String())
		}
	}()

	m.ensureRecovered()

	switch msg := msg.(type) {
	case checkLeaderMsg:
		m.onCheckLeader()
	case *getNodeStateMsg:
		msg.reply <- NodeState{
			Partition: m.partition,
			Role:      m.role,
			Term:      m.currentTerm,
			Leader:    m.leaderEndpoint,
			Recovered: m.recovered,
		}
	case *getTicketStateMsg:
		if t := m.tickets.Get(msg.ts); t != nil {
			msg.reply <- t.State()
		} else {
			msg.reply <- TicketState{Status: TicketNotFound}
		}
	case *requestVoteMsg:
		m.onRequestVote(msg)
	case *receiveVoteMsg:
		m.onReceiveVote(msg)
	case *appendLogsMsg:
		m.onAppendLogs(msg)
	case *completeAppendLogsMsg:
		m.onCompleteAppendLogs(msg)
	case *replicateMsg:
		m.onReplicate(msg)
	}
}

// ensureRecovered replays the WAL on the first message. Runs at most
// once per lifetime.
func (m *stateMachine) ensureRecovered() {
	if m.recovered {
		return
	}

	if _, err := m.wal.Recover(); err != nil {
		m.logger.Error("recovery failed", "error", err)
	}
	term, err := m.wal.CurrentTerm()
	if err != nil {
		m.logger.Error("reading current term failed", "error", err)
	}
	m.currentTerm = term
	m.lastHeartbeat = m.clock.Now()
	m.recovered = true
}

// onCheckLeader advances timers. Driven by the periodic tick.
func (m *stateMachine) onCheckLeader() {
	now := m.clock.Now()

	switch m.role {
	case RoleLeader:
		if elapsedMillis(m.lastHeartbeat, now) >= m.opts.HeartbeatInterval.Milliseconds() {
			m.lastHeartbeat = now
			m.broadcastHeartbeat()
		}
		cutoff := hlc.Timestamp{Physical: now.Physical - ticketRetention.Milliseconds()}
		if reaped := m.tickets.ReapCommittedBefore(cutoff); reaped > 0 {
			m.logger.Debug("reaped tickets", "count", reaped)
		}

	case RoleCandidate:
		if elapsedMillis(m.votingStarted, now) < m.opts.VotingTimeout.Milliseconds() {
			return
		}
		// Candidacy failed; back off and retry later as a follower
		m.becomeFollower("")
		m.electionTimeout += randomBetween(m.opts.StartElectionTimeoutIncrement, m.opts.EndElectionTimeoutIncrement)
		m.lastHeartbeat = now
		m.logger.Info("candidacy timed out", "term", m.currentTerm, "electionTimeout", m.electionTimeout.String())

	case RoleFollower:
		if elapsedMillis(m.lastHeartbeat, now) < m.electionTimeout.Milliseconds() {
			return
		}
		if !m.lastVote.IsZero() && elapsedMillis(m.lastVote, now) < 2*m.electionTimeout.Milliseconds() {
			return
		}
		m.startElection(now)
	}
}

func elapsedMillis(since, now hlc.Timestamp) int64 {
	return now.Physical - since.Physical
}

// startElection transitions to candidate and solicits votes.
func (m *stateMachine) startElection(now hlc.Timestamp) {
	m.role = RoleCandidate
	m.currentTerm++
	m.votingStarted = now
	m.publishRole()

	maxID, err := m.wal.MaxLog()
	if err != nil {
		m.logger.Error("reading max log failed", "error", err)
	}

	// Vote for self
	votes := m.votesFor(m.currentTerm)
	votes[m.opts.Endpoint] = struct{}{}
	m.votedByTerm[m.currentTerm] = m.opts.Endpoint

	m.logger.Info("starting election", "term", m.currentTerm, "maxLogId", maxID)

	for _, peer := range m.peers() {
		m.out.enqueue(outbound{
			kind:   outRequestVotes,
			target: peer,
			vote: &VoteRequest{
				Partition:  m.partition,
				Term:       m.currentTerm,
				MaxLogID:   maxID,
				TSPhysical: now.Physical,
				TSCounter:  now.Counter,
				Endpoint:   m.opts.Endpoint,
			},
		})
	}
}

// onRequestVote handles an incoming vote solicitation. Rejections are
// silent; the candidate only learns about them through its timeout.
func (m *stateMachine) onRequestVote(msg *requestVoteMsg) {
	if _, voted := m.votedByTerm[msg.term]; voted {
		return
	}
	if m.role != RoleFollower && msg.term == m.currentTerm {
		return
	}
	if m.currentTerm > msg.term {
		return
	}
	if _, ok := m.expectedLeaderByTerm[msg.term]; ok {
		return
	}

	maxID, err := m.wal.MaxLog()
	if err != nil {
		m.logger.Error("reading max log failed", "error", err)
		return
	}
	if maxID > msg.maxLogID {
		// Our log is ahead of the requester: refuse the vote and bump the
		// term so the next timeout makes this node seek leadership
		m.currentTerm++
		m.logger.Debug("refusing vote to node behind our log", "candidate", msg.from, "term", msg.term)
		return
	}

	m.votedByTerm[msg.term] = msg.from
	m.expectedLeaderByTerm[msg.term] = msg.from

	now := m.clock.Receive(msg.ts)
	m.lastHeartbeat = now
	m.lastVote = now

	send := m.clock.Send()
	m.out.enqueue(outbound{
		kind:   outVote,
		target: msg.from,
		vote: &VoteRequest{
			Partition:  m.partition,
			Term:       msg.term,
			MaxLogID:   maxID,
			TSPhysical: send.Physical,
			TSCounter:  send.Counter,
			Endpoint:   m.opts.Endpoint,
		},
	})
}

// onReceiveVote tallies a granted vote.
func (m *stateMachine) onReceiveVote(msg *receiveVoteMsg) {
	if m.role == RoleFollower {
		return
	}
	if msg.term < m.currentTerm {
		return
	}
	if m.role == RoleLeader {
		m.matchIndex[msg.from] = msg.maxLogID
		return
	}

	maxID, err := m.wal.MaxLog()
	if err != nil {
		m.logger.Error("reading max log failed", "error", err)
		return
	}
	if maxID < msg.maxLogID {
		// Refuse leadership behind a voter's log
		return
	}

	votes := m.votesFor(msg.term)
	votes[msg.from] = struct{}{}
	m.matchIndex[msg.from] = msg.maxLogID

	if len(votes) < QuorumSize(len(m.peers())) {
		return
	}

	m.role = RoleLeader
	m.leaderEndpoint = m.opts.Endpoint
	m.expectedLeaderByTerm[m.currentTerm] = m.opts.Endpoint
	m.lastHeartbeat = m.clock.Now()
	m.publishRole()
	m.logger.Info("became leader", "term", m.currentTerm)
	m.broadcastHeartbeat()
}

// onReplicate proposes a batch on the leader and answers with a ticket.
func (m *stateMachine) onReplicate(msg *replicateMsg) {
	if m.role != RoleLeader {
		msg.reply <- replicateResult{status: StatusNodeIsNotLeader}
		return
	}
	peers := m.peers()
	if len(peers) == 0 {
		m.logger.Error("no peers known, cannot replicate")
		msg.reply <- replicateResult{status: StatusErrored}
		return
	}

	ts := m.clock.Now()
	for _, entry := range msg.logs {
		if msg.checkpoint {
			entry.Type = LogProposedCheckpoint
		} else {
			entry.Type = LogProposed
		}
		entry.Time = ts
		entry.Term = m.currentTerm
	}

	if _, err := m.wal.Propose(m.currentTerm, ts, msg.logs); err != nil {
		m.logger.Error("propose failed", "error", err)
		msg.reply <- replicateResult{status: StatusErrored}
		return
	}

	ticket := newTicket(ts, msg.logs, peers)
	m.tickets.Insert(ticket)

	for _, peer := range peers {
		m.sendEntries(peer, ts)
	}

	msg.reply <- replicateResult{status: StatusSuccess, ticket: ts}
}

// onCompleteAppendLogs processes a follower acknowledgment and commits
// the ticket's batch once quorum is reached.
func (m *stateMachine) onCompleteAppendLogs(msg *completeAppendLogsMsg) {
	if msg.committedIndex > 0 {
		m.matchIndex[msg.from] = uint64(msg.committedIndex)
	}
	if msg.status != StatusSuccess {
		m.logger.Debug("append logs rejected", "follower", msg.from, "status", msg.status.String())
		return
	}

	ticket := m.tickets.Get(msg.ts)
	if ticket == nil {
		return
	}
	ticket.Acknowledge(msg.from)
	if ticket.committed || !ticket.Satisfied() {
		return
	}

	if _, err := m.wal.Commit(m.currentTerm, ticket.ts, ticket.logs); err != nil {
		m.logger.Error("commit failed", "error", err)
		return
	}
	ticket.committed = true
	m.logger.Debug("batch committed", "ticket", ticket.ts.String(), "lastIndex", ticket.maxID)

	// Let every participant observe the commit on its next round
	for peer := range ticket.expected {
		m.sendEntries(peer, ticket.ts)
	}
}

// onAppendLogs handles replication traffic from the partition leader.
func (m *stateMachine) onAppendLogs(msg *appendLogsMsg) {
	if m.currentTerm > msg.term {
		msg.reply <- appendLogsResult{status: StatusLeaderInOldTerm, committedIndex: -1}
		return
	}
	if expected, ok := m.expectedLeaderByTerm[msg.term]; ok && expected != msg.from {
		// A different leader was already accepted for this term
		msg.reply <- appendLogsResult{status: StatusLeaderInOutdatedTerm, committedIndex: -1}
		return
	}

	if m.leaderEndpoint != msg.from {
		m.becomeFollower(msg.from)
		m.currentTerm = msg.term
		m.expectedLeaderByTerm[msg.term] = msg.from
		m.logger.Info("accepted leader", "leader", msg.from, "term", msg.term)
	} else if msg.term > m.currentTerm {
		m.currentTerm = msg.term
		m.expectedLeaderByTerm[msg.term] = msg.from
	}

	m.lastHeartbeat = m.clock.Receive(msg.ts)

	if len(msg.logs) == 0 {
		msg.reply <- appendLogsResult{status: StatusSuccess, committedIndex: -1}
		return
	}

	idx, err := m.wal.ProposeOrCommit(msg.term, msg.ts, msg.logs)
	if err != nil {
		m.logger.Error("propose or commit failed", "error", err)
		msg.reply <- appendLogsResult{status: StatusErrored, committedIndex: -1}
		return
	}
	msg.reply <- appendLogsResult{status: StatusSuccess, committedIndex: idx}
}

// becomeFollower transitions to follower. leader is the endpoint that
// induced the transition, or empty when stepping down on timeout.
func (m *stateMachine) becomeFollower(leader string) {
	m.role = RoleFollower
	m.leaderEndpoint = leader
	m.expectedLeaderByTerm = make(map[uint64]string)
	m.matchIndex = make(map[string]uint64)
	m.tickets.Clear()
	m.publishRole()
}

// broadcastHeartbeat sends an empty AppendLogs to every peer.
func (m *stateMachine) broadcastHeartbeat() {
	send := m.clock.Send()
	for _, peer := range m.peers() {
		m.out.enqueue(outbound{
			kind:   outAppendLogs,
			target: peer,
			append: &AppendLogsRequest{
				Partition:  m.partition,
				Term:       m.currentTerm,
				TSPhysical: send.Physical,
				TSCounter:  send.Counter,
				Endpoint:   m.opts.Endpoint,
			},
		})
	}
}

// sendEntries sends the follower everything since its match index,
// rewound by a few entries to tolerate lost acknowledgments. The
// follower's index check makes the rewind a no-op when unneeded.
func (m *stateMachine) sendEntries(peer string, ts hlc.Timestamp) {
	fromID := m.matchIndex[peer]
	if fromID >= matchIndexRewind {
		fromID -= matchIndexRewind
	} else {
		fromID = 0
	}

	logs, err := m.wal.Range(fromID + 1)
	if err != nil {
		m.logger.Error("reading log range failed", "error", err)
		return
	}

	m.out.enqueue(outbound{
		kind:   outAppendLogs,
		target: peer,
		append: &AppendLogsRequest{
			Partition:  m.partition,
			Term:       m.currentTerm,
			TSPhysical: ts.Physical,
			TSCounter:  ts.Counter,
			Endpoint:   m.opts.Endpoint,
			Logs:       ToWireLogs(logs),
		},
	})
}

// matchIndexRewind is how many entries before the follower's match index
// every AppendLogs restarts from.
const matchIndexRewind = 3

func (m *stateMachine) votesFor(term uint64) map[string]struct{} {
	votes, ok := m.votesByTerm[term]
	if !ok {
		votes = make(map[string]struct{})
		m.votesByTerm[term] = votes
	}
	return votes
}

func (m *stateMachine) publishRole() {
	m.roleCell.Store(uint32(m.role))
}

// quickRole returns the last published role without touching the mailbox.
// The answer may be stale.
func (m *stateMachine) quickRole() Role {
	return Role(m.roleCell.Load())
}

// enqueue posts a message without blocking. Inbound wire messages are
// dropped when the mailbox is full; the protocol tolerates the loss.
func (m *stateMachine) enqueue(msg smMessage) bool {
	select {
	case m.mailbox <- msg:
		return true
	case <-m.stopCh:
		return false
	default:
		m.logger.Warn("state machine mailbox full, dropping message")
		return false
	}
}

// ask posts a message and waits for the reply channel to be served.
func (m *stateMachine) ask(msg smMessage) bool {
	select {
	case m.mailbox <- msg:
		return true
	case <-m.stopCh:
		return false
	}
}
