package raft

import (
	"encoding/binary"

	"github.com/KilimcininKorOglu/kervan/internal/hlc"
)

// Log entry types. A Proposed entry is durably appended but not yet
// replicated to a quorum; a Committed entry supersedes it under the same
// id once quorum is reached. Checkpoint entries mark recovery boundaries
// and follow the same lifecycle.
const (
	LogProposed LogType = iota
	LogCommitted
	LogProposedCheckpoint
	LogCommittedCheckpoint
)

// LogType represents the lifecycle state of a log entry.
type LogType uint8

// String returns the string representation of a log type.
func (t LogType) String() string {
	switch t {
	case LogProposed:
		return "proposed"
	case LogCommitted:
		return "committed"
	case LogProposedCheckpoint:
		return "proposedCheckpoint"
	case LogCommittedCheckpoint:
		return "committedCheckpoint"
	default:
		return "unknown"
	}
}

// IsCommitted returns true for Committed and CommittedCheckpoint.
func (t LogType) IsCommitted() bool {
	return t == LogCommitted || t == LogCommittedCheckpoint
}

// IsCheckpoint returns true for ProposedCheckpoint and CommittedCheckpoint.
func (t LogType) IsCheckpoint() bool {
	return t == LogProposedCheckpoint || t == LogCommittedCheckpoint
}

// Committed returns the committed counterpart of the type.
func (t LogType) Committed() LogType {
	switch t {
	case LogProposed:
		return LogCommitted
	case LogProposedCheckpoint:
		return LogCommittedCheckpoint
	default:
		return t
	}
}

// Operation statuses surfaced by replication calls and carried on the wire.
const (
	StatusSuccess Status = iota
	StatusErrored
	StatusNodeIsNotLeader
	StatusLeaderInOldTerm
	StatusLeaderInOutdatedTerm
)

// Status represents the outcome of a replication operation.
type Status uint8

// String returns the string representation of a status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusErrored:
		return "errored"
	case StatusNodeIsNotLeader:
		return "nodeIsNotLeader"
	case StatusLeaderInOldTerm:
		return "leaderInOldTerm"
	case StatusLeaderInOutdatedTerm:
		return "leaderInOutdatedTerm"
	default:
		return "unknown"
	}
}

// LogEntry represents a single entry in a partition's log.
type LogEntry struct {
	ID   uint64        // monotonic per partition, starting at 1
	Term uint64        // term under which the entry was proposed
	Type LogType       // lifecycle state
	Tag  string        // opaque user tag
	Data []byte        // opaque payload
	Time hlc.Timestamp // proposal time on the leader, receive time on followers
}

// Clone returns a deep copy of the entry.
func (e *LogEntry) Clone() *LogEntry {
	clone := *e
	if e.Data != nil {
		clone.Data = make([]byte, len(e.Data))
		copy(clone.Data, e.Data)
	}
	return &clone
}

// Serialize encodes the log entry to bytes.
// Format: [ID:8][Term:8][Type:1][Physical:8][Counter:4][TagLen:2][Tag:N][DataLen:4][Data:M]
func (e *LogEntry) Serialize() []byte {
	size := 8 + 8 + 1 + 8 + 4 + 2 + len(e.Tag) + 4 + len(e.Data)
	buf := make([]byte, size)

	binary.LittleEndian.PutUint64(buf[0:8], e.ID)
	binary.LittleEndian.PutUint64(buf[8:16], e.Term)
	buf[16] = byte(e.Type)
	binary.LittleEndian.PutUint64(buf[17:25], uint64(e.Time.Physical))
	binary.LittleEndian.PutUint32(buf[25:29], e.Time.Counter)
	binary.LittleEndian.PutUint16(buf[29:31], uint16(len(e.Tag)))
	offset := 31 + copy(buf[31:], e.Tag)
	binary.LittleEndian.PutUint32(buf[offset:offset+4], uint32(len(e.Data)))
	copy(buf[offset+4:], e.Data)

	return buf
}

// DeserializeLogEntry decodes a log entry from bytes.
func DeserializeLogEntry(data []byte) (*LogEntry, error) {
	if len(data) < 31 {
		return nil, ErrLogCorrupted
	}

	tagLen := int(binary.LittleEndian.Uint16(data[29:31]))
	if len(data) < 31+tagLen+4 {
		return nil, ErrLogCorrupted
	}
	dataLen := int(binary.LittleEndian.Uint32(data[31+tagLen : 35+tagLen]))
	if len(data) < 35+tagLen+dataLen {
		return nil, ErrLogCorrupted
	}

	entry := &LogEntry{
		ID:   binary.LittleEndian.Uint64(data[0:8]),
		Term: binary.LittleEndian.Uint64(data[8:16]),
		Type: LogType(data[16]),
		Time: hlc.Timestamp{
			Physical: int64(binary.LittleEndian.Uint64(data[17:25])),
			Counter:  binary.LittleEndian.Uint32(data[25:29]),
		},
		Tag: string(data[31 : 31+tagLen]),
	}
	if dataLen > 0 {
		entry.Data = make([]byte, dataLen)
		copy(entry.Data, data[35+tagLen:35+tagLen+dataLen])
	}

	return entry, nil
}

// LogStore is the durable ordered store behind the WAL worker. A single
// physical store may back many partitions; records are keyed by
// (partition, id) and a superseding record for an id replaces the
// earlier one at read time. Propose and Commit must be synchronously
// durable when they return.
type LogStore interface {
	// ReadLogs returns the resolved entries of the partition in ascending
	// id order, starting after the last committed checkpoint.
	ReadLogs(partition uint32) ([]*LogEntry, error)

	// ReadLogsRange returns the resolved entries with id >= startID in
	// ascending id order.
	ReadLogsRange(partition uint32, startID uint64) ([]*LogEntry, error)

	// Propose durably appends a proposed record.
	Propose(partition uint32, entry *LogEntry) error

	// Commit durably appends the committed record superseding the
	// proposed one under the same id.
	Commit(partition uint32, entry *LogEntry) error

	// GetMaxLog returns the highest id persisted for the partition, or 0.
	GetMaxLog(partition uint32) (uint64, error)

	// GetCurrentTerm returns the highest term persisted for the partition, or 0.
	GetCurrentTerm(partition uint32) (uint64, error)

	// Exists reports whether any record exists for (partition, id).
	Exists(partition uint32, id uint64) (bool, error)

	// Close releases the store.
	Close() error
}
