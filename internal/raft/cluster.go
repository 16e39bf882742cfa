package raft

import (
	"context"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/hlc"
	"github.com/KilimcininKorOglu/kervan/internal/logging"
)

// Member identifies a node registered with discovery.
type Member struct {
	ID       string
	Endpoint string
}

// Discovery enumerates the cluster's peer endpoints. Implementations
// live outside the core.
type Discovery interface {
	// Register announces the local member.
	Register(member Member) error

	// GetNodes returns all known endpoints, the local one included.
	GetNodes() ([]string, error)
}

// Cluster hosts one replica per partition and routes inbound wire
// messages to the owning partition's state machine. It implements
// Inbound for transport servers.
type Cluster struct {
	opts      Options
	clock     *hlc.Clock
	store     LogStore
	transport Transport
	discovery Discovery
	events    EventHandler
	logger    logging.Logger

	partitions []*partition

	peersMu sync.RWMutex
	peers   []string

	mu      sync.Mutex
	joined  bool
	stopped bool
	stopCh  chan struct{}
}

// partition bundles the three actors of one replication group.
type partition struct {
	id  uint32
	sm  *stateMachine
	wal *walWorker
	out *responder
}

// NewCluster creates a cluster hosting opts.MaxPartitions partitions.
func NewCluster(opts Options, clock *hlc.Clock, store LogStore, transport Transport, discovery Discovery, events EventHandler, logger logging.Logger) (*Cluster, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		events = NopEvents{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	c := &Cluster{
		opts:      opts,
		clock:     clock,
		store:     store,
		transport: transport,
		discovery: discovery,
		events:    events,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}

	c.partitions = make([]*partition, opts.MaxPartitions)
	for i := range c.partitions {
		id := uint32(i)
		wal := newWALWorker(id, store, events, logger)
		out := newResponder(id, transport, logger)
		sm := newStateMachine(id, opts, clock, wal, out, c.Peers, logger)
		out.deliver = func(msg *completeAppendLogsMsg) {
			sm.enqueue(msg)
		}
		c.partitions[i] = &partition{id: id, sm: sm, wal: wal, out: out}
	}

	return c, nil
}

// JoinCluster registers the local endpoint with discovery and starts all
// partitions.
func (c *Cluster) JoinCluster() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.joined {
		return nil
	}

	if c.discovery != nil {
		// Discovery assigns the member id on registration
		if err := c.discovery.Register(Member{Endpoint: c.opts.Endpoint}); err != nil {
			return err
		}
	}

	for _, p := range c.partitions {
		p.wal.start()
		p.out.start()
		p.sm.start()
	}
	go c.tickLoop()

	c.joined = true
	c.logger.WithSource("cluster").Info("joined cluster", "endpoint", c.opts.Endpoint, "partitions", len(c.partitions))
	return nil
}

// UpdateNodes re-reads discovery and updates the peer list. The local
// endpoint is excluded.
func (c *Cluster) UpdateNodes() error {
	if c.discovery == nil {
		return nil
	}
	nodes, err := c.discovery.GetNodes()
	if err != nil {
		return err
	}

	peers := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n != c.opts.Endpoint {
			peers = append(peers, n)
		}
	}

	c.peersMu.Lock()
	c.peers = peers
	c.peersMu.Unlock()

	c.logger.WithSource("cluster").Info("peer list updated", "peers", len(peers))
	return nil
}

// Peers returns a snapshot of the current peer endpoints.
func (c *Cluster) Peers() []string {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	peers := make([]string, len(c.peers))
	copy(peers, c.peers)
	return peers
}

// Stop shuts the cluster down. Safe to call more than once.
func (c *Cluster) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)

	if c.joined {
		for _, p := range c.partitions {
			p.sm.stop()
			p.out.stop()
			p.wal.stop()
		}
	}
}

// tickLoop posts CheckLeader to every partition on the configured period.
func (c *Cluster) tickLoop() {
	ticker := time.NewTicker(c.opts.CheckLeaderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, p := range c.partitions {
				p.sm.enqueue(checkLeaderMsg{})
			}
		}
	}
}

// Endpoint returns the local endpoint.
func (c *Cluster) Endpoint() string {
	return c.opts.Endpoint
}

// MaxPartitions returns the number of hosted partitions.
func (c *Cluster) MaxPartitions() int {
	return len(c.partitions)
}

func (c *Cluster) partitionFor(id uint32) (*partition, error) {
	if int(id) >= len(c.partitions) {
		return nil, ErrPartitionOutOfRange
	}
	return c.partitions[id], nil
}

// AmILeader reports whether this node leads the partition. It waits for
// the state machine to answer.
func (c *Cluster) AmILeader(partitionID uint32) bool {
	state, err := c.NodeState(partitionID)
	if err != nil {
		return false
	}
	return state.Role == RoleLeader
}

// AmILeaderQuick reports the last published role without blocking. The
// answer may be stale.
func (c *Cluster) AmILeaderQuick(partitionID uint32) bool {
	p, err := c.partitionFor(partitionID)
	if err != nil {
		return false
	}
	return p.sm.quickRole() == RoleLeader
}

// NodeState returns a snapshot of the partition's replica state.
func (c *Cluster) NodeState(partitionID uint32) (NodeState, error) {
	p, err := c.partitionFor(partitionID)
	if err != nil {
		return NodeState{}, err
	}
	reply := make(chan NodeState, 1)
	if !p.sm.ask(&getNodeStateMsg{reply: reply}) {
		return NodeState{}, ErrStopped
	}
	select {
	case state := <-reply:
		return state, nil
	case <-p.sm.stopCh:
		return NodeState{}, ErrStopped
	}
}

// ReplicateLogs proposes a single tagged payload on the partition and
// returns the ticket timestamp to poll. Commit is asynchronous.
func (c *Cluster) ReplicateLogs(partitionID uint32, tag string, data []byte) (hlc.Timestamp, Status, error) {
	return c.ReplicateBatch(partitionID, []*LogEntry{{Tag: tag, Data: data}})
}

// ReplicateBatch proposes a batch of entries as one ticket.
func (c *Cluster) ReplicateBatch(partitionID uint32, batch []*LogEntry) (hlc.Timestamp, Status, error) {
	return c.replicate(partitionID, batch, false)
}

// ReplicateCheckpoint proposes a checkpoint entry marking a recovery
// boundary for the partition.
func (c *Cluster) ReplicateCheckpoint(partitionID uint32) (hlc.Timestamp, Status, error) {
	return c.replicate(partitionID, []*LogEntry{{Tag: "checkpoint"}}, true)
}

func (c *Cluster) replicate(partitionID uint32, batch []*LogEntry, checkpoint bool) (hlc.Timestamp, Status, error) {
	p, err := c.partitionFor(partitionID)
	if err != nil {
		return hlc.Timestamp{}, StatusErrored, err
	}
	reply := make(chan replicateResult, 1)
	if !p.sm.ask(&replicateMsg{logs: batch, checkpoint: checkpoint, reply: reply}) {
		return hlc.Timestamp{}, StatusErrored, ErrStopped
	}
	select {
	case res := <-reply:
		return res.ticket, res.status, nil
	case <-p.sm.stopCh:
		return hlc.Timestamp{}, StatusErrored, ErrStopped
	}
}

// GetTicketState polls a proposal ticket.
func (c *Cluster) GetTicketState(partitionID uint32, ts hlc.Timestamp) (TicketState, error) {
	p, err := c.partitionFor(partitionID)
	if err != nil {
		return TicketState{}, err
	}
	reply := make(chan TicketState, 1)
	if !p.sm.ask(&getTicketStateMsg{ts: ts, reply: reply}) {
		return TicketState{}, ErrStopped
	}
	select {
	case state := <-reply:
		return state, nil
	case <-p.sm.stopCh:
		return TicketState{}, ErrStopped
	}
}

// HandleRequestVote implements Inbound.
func (c *Cluster) HandleRequestVote(req *VoteRequest) {
	p, err := c.partitionFor(req.Partition)
	if err != nil {
		return
	}
	p.sm.enqueue(&requestVoteMsg{
		from:     req.Endpoint,
		term:     req.Term,
		maxLogID: req.MaxLogID,
		ts:       req.Timestamp(),
	})
}

// HandleVote implements Inbound.
func (c *Cluster) HandleVote(req *VoteRequest) {
	p, err := c.partitionFor(req.Partition)
	if err != nil {
		return
	}
	p.sm.enqueue(&receiveVoteMsg{
		from:     req.Endpoint,
		term:     req.Term,
		maxLogID: req.MaxLogID,
	})
}

// HandleAppendLogs implements Inbound. The reply is produced by the
// partition's state machine; ctx bounds the wait.
func (c *Cluster) HandleAppendLogs(ctx context.Context, req *AppendLogsRequest) *AppendLogsResponse {
	p, err := c.partitionFor(req.Partition)
	if err != nil {
		return &AppendLogsResponse{Status: StatusErrored, CommittedIndex: -1}
	}

	reply := make(chan appendLogsResult, 1)
	msg := &appendLogsMsg{
		from:  req.Endpoint,
		term:  req.Term,
		ts:    req.Timestamp(),
		logs:  ToEntries(req.Logs),
		reply: reply,
	}
	if !p.sm.enqueue(msg) {
		return &AppendLogsResponse{Status: StatusErrored, CommittedIndex: -1}
	}

	select {
	case res := <-reply:
		return &AppendLogsResponse{Status: res.status, CommittedIndex: res.committedIndex}
	case <-ctx.Done():
		return &AppendLogsResponse{Status: StatusErrored, CommittedIndex: -1}
	case <-p.sm.stopCh:
		return &AppendLogsResponse{Status: StatusErrored, CommittedIndex: -1}
	}
}

// HandleCompleteAppendLogs implements Inbound.
func (c *Cluster) HandleCompleteAppendLogs(req *CompleteAppendLogsRequest) {
	p, err := c.partitionFor(req.Partition)
	if err != nil {
		return
	}
	p.sm.enqueue(&completeAppendLogsMsg{
		from:           req.Endpoint,
		ts:             req.Timestamp(),
		status:         req.Status,
		committedIndex: req.CommittedIndex,
	})
}
