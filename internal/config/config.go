// Package config provides configuration parsing and management for the
// kervan replication node.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Raft      RaftConfig      `yaml:"raft"`
	Storage   StorageConfig   `yaml:"storage"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   LogConfig       `yaml:"logging"`
}

// NodeConfig holds the local endpoint configuration.
type NodeConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Endpoint returns the local endpoint in host:port form.
func (c NodeConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RaftConfig holds the per-partition replication engine configuration.
type RaftConfig struct {
	MaxPartitions int `yaml:"maxPartitions"`

	StartElectionTimeout          Duration `yaml:"startElectionTimeout"`
	EndElectionTimeout            Duration `yaml:"endElectionTimeout"`
	StartElectionTimeoutIncrement Duration `yaml:"startElectionTimeoutIncrement"`
	EndElectionTimeoutIncrement   Duration `yaml:"endElectionTimeoutIncrement"`
	HeartbeatInterval             Duration `yaml:"heartbeatInterval"`
	VotingTimeout                 Duration `yaml:"votingTimeout"`
	CheckLeaderInterval           Duration `yaml:"checkLeaderInterval"`
	SlowStateMachineLog           Duration `yaml:"slowRaftStateMachineLog"`
}

// StorageConfig holds log store configuration.
type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
}

// DiscoveryConfig holds peer discovery configuration.
type DiscoveryConfig struct {
	Seeds []string `yaml:"seeds"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("1500ms") or a bare integer interpreted as milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
