package config

import "time"

// Default configuration values.
const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 8001
	DefaultMaxPartitions = 1

	DefaultStartElectionTimeout          = 1500 * time.Millisecond
	DefaultEndElectionTimeout            = 4000 * time.Millisecond
	DefaultStartElectionTimeoutIncrement = 500 * time.Millisecond
	DefaultEndElectionTimeoutIncrement   = 1500 * time.Millisecond
	DefaultHeartbeatInterval             = 1000 * time.Millisecond
	DefaultVotingTimeout                 = 3000 * time.Millisecond
	DefaultCheckLeaderInterval           = 500 * time.Millisecond
	DefaultSlowStateMachineLog           = 200 * time.Millisecond

	DefaultDataDir = "data"
)

// DefaultConfig returns a configuration populated with default values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Raft: RaftConfig{
			MaxPartitions:                 DefaultMaxPartitions,
			StartElectionTimeout:          Duration(DefaultStartElectionTimeout),
			EndElectionTimeout:            Duration(DefaultEndElectionTimeout),
			StartElectionTimeoutIncrement: Duration(DefaultStartElectionTimeoutIncrement),
			EndElectionTimeoutIncrement:   Duration(DefaultEndElectionTimeoutIncrement),
			HeartbeatInterval:             Duration(DefaultHeartbeatInterval),
			VotingTimeout:                 Duration(DefaultVotingTimeout),
			CheckLeaderInterval:           Duration(DefaultCheckLeaderInterval),
			SlowStateMachineLog:           Duration(DefaultSlowStateMachineLog),
		},
		Storage: StorageConfig{
			DataDir: DefaultDataDir,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}
