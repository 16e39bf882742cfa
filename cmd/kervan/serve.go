// Package main provides the serve command for the kervan replication node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/config"
	"github.com/KilimcininKorOglu/kervan/internal/discovery"
	"github.com/KilimcininKorOglu/kervan/internal/hlc"
	"github.com/KilimcininKorOglu/kervan/internal/logging"
	"github.com/KilimcininKorOglu/kervan/internal/raft"
	"github.com/KilimcininKorOglu/kervan/internal/store"
	"github.com/KilimcininKorOglu/kervan/internal/transport"
)

// Node bundles the components of one running replication node.
type Node struct {
	config  *config.Config
	logger  logging.Logger
	store   *store.FileStore
	cluster *raft.Cluster
	server  *transport.Server
}

// NewNode builds a node from the configuration.
func NewNode(cfg *config.Config) (*Node, error) {
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	fileStore, err := store.OpenFileStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open log store: %w", err)
	}

	opts := raft.Options{
		Endpoint:                      cfg.Node.Endpoint(),
		MaxPartitions:                 cfg.Raft.MaxPartitions,
		StartElectionTimeout:          cfg.Raft.StartElectionTimeout.Std(),
		EndElectionTimeout:            cfg.Raft.EndElectionTimeout.Std(),
		StartElectionTimeoutIncrement: cfg.Raft.StartElectionTimeoutIncrement.Std(),
		EndElectionTimeoutIncrement:   cfg.Raft.EndElectionTimeoutIncrement.Std(),
		HeartbeatInterval:             cfg.Raft.HeartbeatInterval.Std(),
		VotingTimeout:                 cfg.Raft.VotingTimeout.Std(),
		CheckLeaderInterval:           cfg.Raft.CheckLeaderInterval.Std(),
		SlowStateMachineLog:           cfg.Raft.SlowStateMachineLog.Std(),
	}

	disco := discovery.NewStatic(cfg.Discovery.Seeds)
	httpTransport := transport.NewHTTPTransport(0, 0)
	events := &replicationLogger{logger: logger.WithSource("replication")}

	cluster, err := raft.NewCluster(opts, hlc.NewClock(), fileStore, httpTransport, disco, events, logger)
	if err != nil {
		fileStore.Close()
		return nil, fmt.Errorf("failed to create cluster: %w", err)
	}

	server := transport.NewServer(cfg.Node.Endpoint(), cluster, cluster, logger)

	return &Node{
		config:  cfg,
		logger:  logger,
		store:   fileStore,
		cluster: cluster,
		server:  server,
	}, nil
}

// Start joins the cluster and begins serving.
func (n *Node) Start() error {
	if err := n.server.Start(); err != nil {
		return err
	}
	if err := n.cluster.JoinCluster(); err != nil {
		return err
	}
	return n.cluster.UpdateNodes()
}

// Stop shuts the node down gracefully.
func (n *Node) Stop(ctx context.Context) error {
	err := n.server.Stop(ctx)
	n.cluster.Stop()
	if cerr := n.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	n.logger.WithSource("system").Info("node stopped")
	return err
}

// replicationLogger is an EventHandler that logs replication callbacks.
// Embedders replace it with their own handler.
type replicationLogger struct {
	logger logging.Logger
}

func (r *replicationLogger) ReplicationReceived(tag string, data []byte) bool {
	r.logger.Info("replication received", "tag", tag, "bytes", len(data))
	return true
}

func (r *replicationLogger) ReplicationRestored(tag string, data []byte) bool {
	r.logger.Info("replication restored", "tag", tag, "bytes", len(data))
	return true
}

func (r *replicationLogger) ReplicationError(entry *raft.LogEntry) {
	r.logger.Error("replication error", "id", entry.ID, "tag", entry.Tag)
}

// serveCmd handles the serve command.
func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	host := fs.String("host", "", "Advertised host (overrides config)")
	port := fs.Int("port", 0, "Listen port (overrides config)")
	dataDir := fs.String("data-dir", "", "Data directory path (overrides config)")
	peers := fs.String("peers", "", "Comma-separated seed endpoints (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printServeUsage(os.Stdout)
		return 0
	}

	// Load configuration
	var cfg *config.Config
	var err error

	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply command-line overrides (higher priority than config file)
	if *host != "" {
		cfg.Node.Host = *host
	}
	if *port != 0 {
		cfg.Node.Port = *port
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *peers != "" {
		cfg.Discovery.Seeds = strings.Split(*peers, ",")
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Validate configuration
	errs := config.ValidateConfig(cfg)
	if len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "Configuration errors:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return 1
	}

	node, err := NewNode(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create node: %v\n", err)
		return 1
	}

	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start node: %v\n", err)
		return 1
	}
	node.logger.WithSource("system").Info("node started",
		"endpoint", cfg.Node.Endpoint(),
		"partitions", cfg.Raft.MaxPartitions,
		"seeds", len(cfg.Discovery.Seeds),
	)

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	node.logger.WithSource("system").Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := node.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		return 1
	}
	return 0
}
