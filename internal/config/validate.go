package config

import "fmt"

// ValidateConfig checks the configuration for errors and returns a list of
// human-readable messages. An empty list means the configuration is valid.
func ValidateConfig(cfg *Config) []string {
	var errs []string

	if cfg.Node.Host == "" {
		errs = append(errs, "node.host must not be empty")
	}
	if cfg.Node.Port <= 0 || cfg.Node.Port > 65535 {
		errs = append(errs, fmt.Sprintf("node.port %d is out of range", cfg.Node.Port))
	}

	if cfg.Raft.MaxPartitions <= 0 {
		errs = append(errs, "raft.maxPartitions must be positive")
	}
	if cfg.Raft.StartElectionTimeout <= 0 {
		errs = append(errs, "raft.startElectionTimeout must be positive")
	}
	if cfg.Raft.EndElectionTimeout < cfg.Raft.StartElectionTimeout {
		errs = append(errs, "raft.endElectionTimeout must be >= raft.startElectionTimeout")
	}
	if cfg.Raft.StartElectionTimeoutIncrement < 0 {
		errs = append(errs, "raft.startElectionTimeoutIncrement must not be negative")
	}
	if cfg.Raft.EndElectionTimeoutIncrement < cfg.Raft.StartElectionTimeoutIncrement {
		errs = append(errs, "raft.endElectionTimeoutIncrement must be >= raft.startElectionTimeoutIncrement")
	}
	if cfg.Raft.HeartbeatInterval <= 0 {
		errs = append(errs, "raft.heartbeatInterval must be positive")
	}
	if cfg.Raft.HeartbeatInterval.Std() >= cfg.Raft.StartElectionTimeout.Std() {
		errs = append(errs, "raft.heartbeatInterval must be smaller than raft.startElectionTimeout")
	}
	if cfg.Raft.VotingTimeout <= 0 {
		errs = append(errs, "raft.votingTimeout must be positive")
	}
	if cfg.Raft.CheckLeaderInterval <= 0 {
		errs = append(errs, "raft.checkLeaderInterval must be positive")
	}

	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.dataDir must not be empty")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not recognized", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not recognized", cfg.Logging.Format))
	}

	return errs
}
