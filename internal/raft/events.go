package raft

// EventHandler receives replication callbacks from the WAL worker. The
// boolean return reports whether the application applied the payload; a
// false return is surfaced through ReplicationError and does not stop
// replication or recovery.
type EventHandler interface {
	// ReplicationReceived is invoked on a follower when an entry commits.
	ReplicationReceived(tag string, data []byte) bool

	// ReplicationRestored is invoked for every committed entry replayed
	// during recovery.
	ReplicationRestored(tag string, data []byte) bool

	// ReplicationError is invoked when applying or restoring an entry failed.
	ReplicationError(entry *LogEntry)
}

// NopEvents is an EventHandler that ignores all callbacks.
type NopEvents struct{}

// ReplicationReceived implements EventHandler.
func (NopEvents) ReplicationReceived(string, []byte) bool { return true }

// ReplicationRestored implements EventHandler.
func (NopEvents) ReplicationRestored(string, []byte) bool { return true }

// ReplicationError implements EventHandler.
func (NopEvents) ReplicationError(*LogEntry) {}
