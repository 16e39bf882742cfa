package raft

import "errors"

// Raft errors.
var (
	// ErrStopped is returned when an operation is attempted on a stopped cluster.
	ErrStopped = errors.New("raft: cluster stopped")

	// ErrNotJoined is returned when an operation is attempted before JoinCluster.
	ErrNotJoined = errors.New("raft: cluster not joined")

	// ErrPartitionOutOfRange is returned for a partition id outside [0, MaxPartitions).
	ErrPartitionOutOfRange = errors.New("raft: partition out of range")

	// ErrLogCorrupted is returned when a serialized log entry cannot be decoded.
	ErrLogCorrupted = errors.New("raft: log corrupted")

	// ErrMailboxFull is returned when a partition mailbox rejects a message.
	ErrMailboxFull = errors.New("raft: mailbox full")

	// ErrInvalidOptions is returned when options fail validation.
	ErrInvalidOptions = errors.New("raft: invalid options")
)
