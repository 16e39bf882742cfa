package raft

import (
	"sort"

	"github.com/KilimcininKorOglu/kervan/internal/hlc"
)

// ProposalTicket tracks one replication batch from proposal to commit.
// Tickets are keyed by the HLC timestamp assigned to the batch, which is
// strictly increasing on the leader.
type ProposalTicket struct {
	ts        hlc.Timestamp
	logs      []*LogEntry
	expected  map[string]struct{}
	acked     map[string]struct{}
	maxID     uint64
	committed bool
}

// newTicket creates a ticket for a proposed batch awaiting
// acknowledgment from the given peers.
func newTicket(ts hlc.Timestamp, logs []*LogEntry, peers []string) *ProposalTicket {
	t := &ProposalTicket{
		ts:       ts,
		logs:     logs,
		expected: make(map[string]struct{}, len(peers)),
		acked:    make(map[string]struct{}),
	}
	for _, p := range peers {
		t.expected[p] = struct{}{}
	}
	for _, e := range logs {
		if e.ID > t.maxID {
			t.maxID = e.ID
		}
	}
	return t
}

// Acknowledge records a follower acknowledgment. Unexpected senders are
// ignored.
func (t *ProposalTicket) Acknowledge(endpoint string) {
	if _, ok := t.expected[endpoint]; !ok {
		return
	}
	t.acked[endpoint] = struct{}{}
}

// Satisfied reports whether acknowledgments reached quorum, counting the
// leader's own implicit acknowledgment.
func (t *ProposalTicket) Satisfied() bool {
	return len(t.acked)+1 >= QuorumSize(len(t.expected))
}

// State returns the client-visible state of the ticket.
func (t *ProposalTicket) State() TicketState {
	status := TicketProposed
	if t.committed {
		status = TicketCommitted
	}
	return TicketState{Status: status, LastIndex: t.maxID}
}

// ticketMap is an ordered map of in-flight tickets keyed by HLC
// timestamp, so expiration can walk the oldest-first prefix.
type ticketMap struct {
	order []hlc.Timestamp
	byTS  map[hlc.Timestamp]*ProposalTicket
}

func newTicketMap() *ticketMap {
	return &ticketMap{byTS: make(map[hlc.Timestamp]*ProposalTicket)}
}

// Insert adds a ticket. Leader timestamps are strictly increasing, so
// insertion is an append in the common case.
func (m *ticketMap) Insert(t *ProposalTicket) {
	if _, ok := m.byTS[t.ts]; ok {
		return
	}
	m.byTS[t.ts] = t

	if n := len(m.order); n == 0 || m.order[n-1].Before(t.ts) {
		m.order = append(m.order, t.ts)
		return
	}
	i := sort.Search(len(m.order), func(i int) bool {
		return !m.order[i].Before(t.ts)
	})
	m.order = append(m.order, hlc.Timestamp{})
	copy(m.order[i+1:], m.order[i:])
	m.order[i] = t.ts
}

// Get returns the ticket for ts, or nil.
func (m *ticketMap) Get(ts hlc.Timestamp) *ProposalTicket {
	return m.byTS[ts]
}

// Len returns the number of in-flight tickets.
func (m *ticketMap) Len() int {
	return len(m.order)
}

// Clear drops all tickets.
func (m *ticketMap) Clear() {
	m.order = nil
	m.byTS = make(map[hlc.Timestamp]*ProposalTicket)
}

// ReapCommittedBefore walks the oldest-first prefix and drops committed
// tickets whose timestamp is before the cutoff. The walk stops at the
// first ticket that is still pending or too recent.
func (m *ticketMap) ReapCommittedBefore(cutoff hlc.Timestamp) int {
	reaped := 0
	for len(m.order) > 0 {
		ts := m.order[0]
		t := m.byTS[ts]
		if !t.committed || !ts.Before(cutoff) {
			break
		}
		delete(m.byTS, ts)
		m.order = m.order[1:]
		reaped++
	}
	return reaped
}
