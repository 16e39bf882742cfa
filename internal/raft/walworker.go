package raft

import (
	"sort"

	"github.com/KilimcininKorOglu/kervan/internal/hlc"
	"github.com/KilimcininKorOglu/kervan/internal/logging"
)

// walMessage is a message consumed by a partition's WAL worker actor.
type walMessage interface {
	isWALMessage()
}

type walIndexReply struct {
	index uint64
	err   error
}

type walRecoverMsg struct {
	reply chan walIndexReply
}

type walMaxLogMsg struct {
	reply chan walIndexReply
}

type walCurrentTermMsg struct {
	reply chan walIndexReply
}

type walProposeMsg struct {
	term  uint64
	ts    hlc.Timestamp
	logs  []*LogEntry
	reply chan walIndexReply
}

type walCommitMsg struct {
	term  uint64
	ts    hlc.Timestamp
	logs  []*LogEntry
	reply chan walIndexReply
}

type walProposeOrCommitMsg struct {
	term  uint64
	ts    hlc.Timestamp
	logs  []*LogEntry
	reply chan walApplyReply
}

type walApplyReply struct {
	commitIndex int64
	err         error
}

type walRangeMsg struct {
	fromID uint64
	reply  chan walRangeReply
}

type walRangeReply struct {
	logs []*LogEntry
	err  error
}

func (*walRecoverMsg) isWALMessage()         {}
func (*walMaxLogMsg) isWALMessage()          {}
func (*walCurrentTermMsg) isWALMessage()     {}
func (*walProposeMsg) isWALMessage()         {}
func (*walCommitMsg) isWALMessage()          {}
func (*walProposeOrCommitMsg) isWALMessage() {}
func (*walRangeMsg) isWALMessage()           {}

// walWorker owns a partition's propose and commit indices and serializes
// every access to the log store. It is the only writer of durable state
// for its partition.
type walWorker struct {
	partition uint32
	store     LogStore
	events    EventHandler
	logger    logging.Logger

	proposeIndex uint64 // next id to assign on proposal
	commitIndex  uint64 // next id to commit
	recovered    bool

	mailbox chan walMessage
	stopCh  chan struct{}
}

func newWALWorker(partition uint32, store LogStore, events EventHandler, logger logging.Logger) *walWorker {
	return &walWorker{
		partition: partition,
		store:     store,
		events:    events,
		logger:    logger.WithSource("wal").WithFields("partition", partition),
		mailbox:   make(chan walMessage, mailboxCapacity),
		stopCh:    make(chan struct{}),
	}
}

func (w *walWorker) start() {
	go w.run()
}

func (w *walWorker) stop() {
	close(w.stopCh)
}

func (w *walWorker) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case msg := <-w.mailbox:
			w.handle(msg)
		}
	}
}

func (w *walWorker) handle(msg walMessage) {
	switch msg := msg.(type) {
	case *walRecoverMsg:
		idx, err := w.recover()
		msg.reply <- walIndexReply{index: idx, err: err}
	case *walMaxLogMsg:
		idx, err := w.store.GetMaxLog(w.partition)
		msg.reply <- walIndexReply{index: idx, err: err}
	case *walCurrentTermMsg:
		term, err := w.store.GetCurrentTerm(w.partition)
		msg.reply <- walIndexReply{index: term, err: err}
	case *walProposeMsg:
		idx, err := w.propose(msg.term, msg.ts, msg.logs)
		msg.reply <- walIndexReply{index: idx, err: err}
	case *walCommitMsg:
		idx, err := w.commit(msg.logs)
		msg.reply <- walIndexReply{index: idx, err: err}
	case *walProposeOrCommitMsg:
		idx, err := w.proposeOrCommit(msg.term, msg.ts, msg.logs)
		msg.reply <- walApplyReply{commitIndex: idx, err: err}
	case *walRangeMsg:
		logs, err := w.store.ReadLogsRange(w.partition, msg.fromID)
		msg.reply <- walRangeReply{logs: logs, err: err}
	}
}

// recover replays the partition's log and rebuilds the indices. Runs at
// most once; later calls return the current commit index.
func (w *walWorker) recover() (uint64, error) {
	if w.recovered {
		return w.commitIndex, nil
	}

	w.proposeIndex = 1
	w.commitIndex = 1

	logs, err := w.store.ReadLogs(w.partition)
	if err != nil {
		return 0, err
	}

	for _, entry := range logs {
		if !entry.Type.IsCommitted() {
			// Not yet committed; the leader re-replicates it
			continue
		}
		w.commitIndex = entry.ID + 1
		w.proposeIndex = entry.ID + 1
		if !w.events.ReplicationRestored(entry.Tag, entry.Data) {
			w.events.ReplicationError(entry)
			w.logger.Warn("restore callback failed", "id", entry.ID, "tag", entry.Tag)
		}
	}

	if len(logs) == 0 {
		maxID, err := w.store.GetMaxLog(w.partition)
		if err != nil {
			return 0, err
		}
		w.commitIndex = maxID + 1
		w.proposeIndex = maxID + 1
	}

	w.recovered = true
	w.logger.Info("recovered", "commitIndex", w.commitIndex, "entries", len(logs))
	return w.commitIndex, nil
}

// propose assigns ids to the batch and appends it durably.
func (w *walWorker) propose(term uint64, ts hlc.Timestamp, logs []*LogEntry) (uint64, error) {
	for _, entry := range logs {
		entry.ID = w.proposeIndex
		entry.Term = term
		entry.Time = ts
		if !entry.Type.IsCheckpoint() {
			entry.Type = LogProposed
		} else {
			entry.Type = LogProposedCheckpoint
		}
		if err := w.store.Propose(w.partition, entry); err != nil {
			return w.proposeIndex, err
		}
		w.proposeIndex++
	}
	return w.proposeIndex, nil
}

// commit flips each proposed entry of the batch to committed durably.
func (w *walWorker) commit(logs []*LogEntry) (uint64, error) {
	for _, entry := range logs {
		entry.Type = entry.Type.Committed()
		if err := w.store.Commit(w.partition, entry); err != nil {
			return w.commitIndex, err
		}
		w.commitIndex = entry.ID + 1
	}
	return w.commitIndex, nil
}

// proposeOrCommit applies a replicated batch on a follower. Entries out
// of sequence are skipped; if no entry is acceptable the call is a no-op
// and returns -1.
func (w *walWorker) proposeOrCommit(term uint64, ts hlc.Timestamp, logs []*LogEntry) (int64, error) {
	sorted := make([]*LogEntry, len(logs))
	copy(sorted, logs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	// First pass: select entries that extend the strict id sequence
	pi, ci := w.proposeIndex, w.commitIndex
	accepted := sorted[:0]
	for _, entry := range sorted {
		if entry.Type.IsCommitted() {
			if entry.ID != ci {
				continue
			}
			ci = entry.ID + 1
			if ci > pi {
				pi = ci
			}
		} else {
			if entry.ID != pi {
				continue
			}
			pi = entry.ID + 1
		}
		accepted = append(accepted, entry)
	}

	if len(accepted) == 0 {
		return -1, nil
	}

	// Second pass: apply the accepted entries durably
	for _, entry := range accepted {
		entry.Time = ts
		if entry.Type.IsCommitted() {
			if err := w.store.Commit(w.partition, entry); err != nil {
				return int64(w.commitIndex), err
			}
			w.commitIndex = entry.ID + 1
			if w.proposeIndex < w.commitIndex {
				w.proposeIndex = w.commitIndex
			}
			if !w.events.ReplicationReceived(entry.Tag, entry.Data) {
				w.events.ReplicationError(entry)
				w.logger.Warn("apply callback failed", "id", entry.ID, "tag", entry.Tag)
			}
		} else {
			if err := w.store.Propose(w.partition, entry); err != nil {
				return int64(w.commitIndex), err
			}
			w.proposeIndex = entry.ID + 1
		}
	}

	return int64(w.commitIndex), nil
}

// The methods below are ask-style wrappers used by the state machine.
// Each sends a message and waits for the worker to answer or stop.

func (w *walWorker) Recover() (uint64, error) {
	reply := make(chan walIndexReply, 1)
	if !w.send(&walRecoverMsg{reply: reply}) {
		return 0, ErrStopped
	}
	return w.awaitIndex(reply)
}

func (w *walWorker) MaxLog() (uint64, error) {
	reply := make(chan walIndexReply, 1)
	if !w.send(&walMaxLogMsg{reply: reply}) {
		return 0, ErrStopped
	}
	return w.awaitIndex(reply)
}

func (w *walWorker) CurrentTerm() (uint64, error) {
	reply := make(chan walIndexReply, 1)
	if !w.send(&walCurrentTermMsg{reply: reply}) {
		return 0, ErrStopped
	}
	return w.awaitIndex(reply)
}

func (w *walWorker) Propose(term uint64, ts hlc.Timestamp, logs []*LogEntry) (uint64, error) {
	reply := make(chan walIndexReply, 1)
	if !w.send(&walProposeMsg{term: term, ts: ts, logs: logs, reply: reply}) {
		return 0, ErrStopped
	}
	return w.awaitIndex(reply)
}

func (w *walWorker) Commit(term uint64, ts hlc.Timestamp, logs []*LogEntry) (uint64, error) {
	reply := make(chan walIndexReply, 1)
	if !w.send(&walCommitMsg{term: term, ts: ts, logs: logs, reply: reply}) {
		return 0, ErrStopped
	}
	return w.awaitIndex(reply)
}

func (w *walWorker) ProposeOrCommit(term uint64, ts hlc.Timestamp, logs []*LogEntry) (int64, error) {
	reply := make(chan walApplyReply, 1)
	if !w.send(&walProposeOrCommitMsg{term: term, ts: ts, logs: logs, reply: reply}) {
		return -1, ErrStopped
	}
	select {
	case r := <-reply:
		return r.commitIndex, r.err
	case <-w.stopCh:
		return -1, ErrStopped
	}
}

func (w *walWorker) Range(fromID uint64) ([]*LogEntry, error) {
	reply := make(chan walRangeReply, 1)
	if !w.send(&walRangeMsg{fromID: fromID, reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case r := <-reply:
		return r.logs, r.err
	case <-w.stopCh:
		return nil, ErrStopped
	}
}

func (w *walWorker) awaitIndex(reply chan walIndexReply) (uint64, error) {
	select {
	case r := <-reply:
		return r.index, r.err
	case <-w.stopCh:
		return 0, ErrStopped
	}
}

func (w *walWorker) send(msg walMessage) bool {
	select {
	case w.mailbox <- msg:
		return true
	case <-w.stopCh:
		return false
	}
}
