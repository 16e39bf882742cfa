package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information to the given writer.
func printUsage(w io.Writer) {
	fmt.Fprint(w, `kervan - partitioned Raft replication node

Usage:
  kervan <command> [options]

Commands:
  serve       Start the replication node
  version     Show version information

Use "kervan <command> -h" for more information about a command.
`)
}

// printServeUsage prints the serve command usage.
func printServeUsage(w io.Writer) {
	fmt.Fprint(w, `Start the replication node

Usage:
  kervan serve [options]

Options:
  -config string
        Path to configuration file
  -host string
        Advertised host (overrides config, default "127.0.0.1")
  -port int
        Listen port (overrides config, default 8001)
  -data-dir string
        Data directory path (overrides config, default "data")
  -peers string
        Comma-separated seed endpoints (overrides config)
  -log-level string
        Log level: debug, info, warn, error (overrides config)
  -h, -help
        Show this help message
`)
}

// printVersionUsage prints the version command usage.
func printVersionUsage(w io.Writer) {
	fmt.Fprint(w, `Show version information

Usage:
  kervan version [options]

Options:
  -short
        Show only version number
  -h, -help
        Show this help message
`)
}
