package raft

import (
	"context"
	"errors"
	"sync"
)

// Transport errors shared by implementations.
var (
	// ErrTransportClosed is returned when the transport is closed.
	ErrTransportClosed = errors.New("raft: transport closed")

	// ErrUnknownPeer is returned when the target endpoint is not reachable.
	ErrUnknownPeer = errors.New("raft: unknown peer")
)

// InMemoryNetwork connects transports in-process for testing.
type InMemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[string]Inbound
}

// NewInMemoryNetwork creates an empty in-memory network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{nodes: make(map[string]Inbound)}
}

// Register attaches a node's inbound surface under its endpoint.
func (n *InMemoryNetwork) Register(endpoint string, inbound Inbound) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[endpoint] = inbound
}

// Unregister detaches a node, simulating its disappearance.
func (n *InMemoryNetwork) Unregister(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, endpoint)
}

// Transport returns a Transport view of the network for one node.
func (n *InMemoryNetwork) Transport() *InMemoryTransport {
	return &InMemoryTransport{network: n}
}

func (n *InMemoryNetwork) lookup(endpoint string) (Inbound, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	inbound, ok := n.nodes[endpoint]
	return inbound, ok
}

// InMemoryTransport implements Transport against an InMemoryNetwork.
type InMemoryTransport struct {
	network *InMemoryNetwork

	mu     sync.RWMutex
	closed bool
}

// Close shuts down the transport.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *InMemoryTransport) target(endpoint string) (Inbound, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrTransportClosed
	}
	inbound, ok := t.network.lookup(endpoint)
	if !ok {
		return nil, ErrUnknownPeer
	}
	return inbound, nil
}

// RequestVotes implements Transport.
func (t *InMemoryTransport) RequestVotes(_ context.Context, endpoint string, req *VoteRequest) error {
	inbound, err := t.target(endpoint)
	if err != nil {
		return err
	}
	inbound.HandleRequestVote(req)
	return nil
}

// Vote implements Transport.
func (t *InMemoryTransport) Vote(_ context.Context, endpoint string, req *VoteRequest) error {
	inbound, err := t.target(endpoint)
	if err != nil {
		return err
	}
	inbound.HandleVote(req)
	return nil
}

// AppendLogs implements Transport.
func (t *InMemoryTransport) AppendLogs(ctx context.Context, endpoint string, req *AppendLogsRequest) (*AppendLogsResponse, error) {
	inbound, err := t.target(endpoint)
	if err != nil {
		return nil, err
	}
	return inbound.HandleAppendLogs(ctx, req), nil
}

// CompleteAppendLogs implements Transport.
func (t *InMemoryTransport) CompleteAppendLogs(_ context.Context, endpoint string, req *CompleteAppendLogsRequest) error {
	inbound, err := t.target(endpoint)
	if err != nil {
		return err
	}
	inbound.HandleCompleteAppendLogs(req)
	return nil
}
