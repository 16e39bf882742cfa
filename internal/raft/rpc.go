package raft

import (
	"context"

	"github.com/KilimcininKorOglu/kervan/internal/hlc"
)

// VoteRequest is the body of both RequestVotes and Vote calls. A
// candidate broadcasts it to gather votes; a granting follower sends the
// same shape back as its vote.
type VoteRequest struct {
	Partition  uint32 `json:"partition"`
	Term       uint64 `json:"term"`
	MaxLogID   uint64 `json:"maxLogId"`
	TSPhysical int64  `json:"tsPhysical"`
	TSCounter  uint32 `json:"tsCounter"`
	Endpoint   string `json:"endpoint"`
}

// Timestamp returns the embedded HLC timestamp.
func (r *VoteRequest) Timestamp() hlc.Timestamp {
	return hlc.Timestamp{Physical: r.TSPhysical, Counter: r.TSCounter}
}

// WireLog is the wire representation of a log entry.
type WireLog struct {
	ID         uint64 `json:"id"`
	Type       uint8  `json:"type"`
	Term       uint64 `json:"term"`
	TSPhysical int64  `json:"tsPhysical"`
	TSCounter  uint32 `json:"tsCounter"`
	LogType    string `json:"logType"`
	Data       []byte `json:"data"`
}

// ToEntry converts the wire form to a LogEntry.
func (w *WireLog) ToEntry() *LogEntry {
	return &LogEntry{
		ID:   w.ID,
		Term: w.Term,
		Type: LogType(w.Type),
		Tag:  w.LogType,
		Data: w.Data,
		Time: hlc.Timestamp{Physical: w.TSPhysical, Counter: w.TSCounter},
	}
}

// ToWireLog converts a LogEntry to its wire form.
func ToWireLog(e *LogEntry) WireLog {
	return WireLog{
		ID:         e.ID,
		Type:       uint8(e.Type),
		Term:       e.Term,
		TSPhysical: e.Time.Physical,
		TSCounter:  e.Time.Counter,
		LogType:    e.Tag,
		Data:       e.Data,
	}
}

// ToWireLogs converts a batch of entries to wire form.
func ToWireLogs(entries []*LogEntry) []WireLog {
	logs := make([]WireLog, len(entries))
	for i, e := range entries {
		logs[i] = ToWireLog(e)
	}
	return logs
}

// ToEntries converts a batch of wire logs to entries.
func ToEntries(logs []WireLog) []*LogEntry {
	entries := make([]*LogEntry, len(logs))
	for i := range logs {
		entries[i] = logs[i].ToEntry()
	}
	return entries
}

// AppendLogsRequest replicates entries to a follower. An empty Logs
// slice is a heartbeat.
type AppendLogsRequest struct {
	Partition  uint32    `json:"partition"`
	Term       uint64    `json:"term"`
	TSPhysical int64     `json:"tsPhysical"`
	TSCounter  uint32    `json:"tsCounter"`
	Endpoint   string    `json:"endpoint"`
	Logs       []WireLog `json:"logs"`
}

// Timestamp returns the embedded HLC timestamp.
func (r *AppendLogsRequest) Timestamp() hlc.Timestamp {
	return hlc.Timestamp{Physical: r.TSPhysical, Counter: r.TSCounter}
}

// AppendLogsResponse is the synchronous reply to AppendLogs.
// CommittedIndex is -1 when the call did not advance the commit index.
type AppendLogsResponse struct {
	Status         Status `json:"status"`
	CommittedIndex int64  `json:"committedIndex"`
}

// CompleteAppendLogsRequest is the reverse acknowledgment a follower
// sends after applying an AppendLogs batch. Synchronous transports carry
// the same information in AppendLogsResponse instead.
type CompleteAppendLogsRequest struct {
	Partition      uint32 `json:"partition"`
	Endpoint       string `json:"endpoint"`
	TSPhysical     int64  `json:"tsPhysical"`
	TSCounter      uint32 `json:"tsCounter"`
	Status         Status `json:"status"`
	CommittedIndex int64  `json:"committedIndex"`
}

// Timestamp returns the embedded HLC timestamp.
func (r *CompleteAppendLogsRequest) Timestamp() hlc.Timestamp {
	return hlc.Timestamp{Physical: r.TSPhysical, Counter: r.TSCounter}
}

// Transport is the outbound wire client consumed by the responder. The
// four RPCs mirror the inbound surface every node serves.
type Transport interface {
	// RequestVotes asks the target to vote for the local candidate.
	RequestVotes(ctx context.Context, target string, req *VoteRequest) error

	// Vote delivers a granted vote to the candidate.
	Vote(ctx context.Context, target string, req *VoteRequest) error

	// AppendLogs replicates entries and returns the follower's reply.
	AppendLogs(ctx context.Context, target string, req *AppendLogsRequest) (*AppendLogsResponse, error)

	// CompleteAppendLogs delivers an asynchronous acknowledgment to the leader.
	CompleteAppendLogs(ctx context.Context, target string, req *CompleteAppendLogsRequest) error
}

// Inbound is the demultiplexing surface a transport server calls for
// messages arriving off the wire. Implemented by Cluster.
type Inbound interface {
	// HandleRequestVote enqueues an incoming vote request.
	HandleRequestVote(req *VoteRequest)

	// HandleVote enqueues an incoming granted vote.
	HandleVote(req *VoteRequest)

	// HandleAppendLogs applies an incoming batch and returns the reply.
	HandleAppendLogs(ctx context.Context, req *AppendLogsRequest) *AppendLogsResponse

	// HandleCompleteAppendLogs enqueues an incoming acknowledgment.
	HandleCompleteAppendLogs(req *CompleteAppendLogsRequest)
}
