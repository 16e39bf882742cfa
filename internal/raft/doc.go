// Package raft implements a partitioned Raft replication core.
//
// A process hosts one replica per partition. Each partition is an
// independent Raft group: it elects its own leader, maintains its own
// term, and replicates its own write-ahead log. A node may be leader of
// some partitions and follower of others at the same time.
//
// # Architecture
//
// Per partition the core runs three long-lived single-consumer actors
// that communicate only by messages:
//
//   - The state machine owns the role (follower, candidate, leader), the
//     current term, election timers, the expected-leader map, per-follower
//     match indices and the in-flight proposal tickets.
//   - The WAL worker owns the propose and commit indices and serializes
//     every read and write against the log store.
//   - The responder performs outbound transport calls so that state
//     machine latency is bounded by local work.
//
// Inbound wire messages are demultiplexed by partition and enqueued onto
// the target state machine's mailbox. A periodic tick posts a CheckLeader
// message to every partition to advance timers; there are no blocking
// waits anywhere in the core.
//
// # Tickets
//
// A leader answers a replication call immediately with a ticket keyed by
// the hybrid logical clock timestamp assigned to the batch. Commit is
// asynchronous: the ticket reaches quorum as follower acknowledgments
// arrive, the batch is committed durably, and clients observe the result
// by polling the ticket.
//
// # Usage
//
//	cluster, err := raft.NewCluster(opts, clock, store, transport, discovery, events, logger)
//	if err != nil {
//	    ...
//	}
//	if err := cluster.JoinCluster(); err != nil {
//	    ...
//	}
//	cluster.UpdateNodes()
//
//	if cluster.AmILeader(0) {
//	    ticket, status, _ := cluster.ReplicateLogs(0, "Greeting", []byte("hi"))
//	    state, _ := cluster.GetTicketState(0, ticket)
//	}
//
// # References
//
//   - Raft paper: https://raft.github.io/raft.pdf
package raft
