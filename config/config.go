// Package config holds the server configuration surface.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// Version is the released server version, reported by --version and in the
// Server response header.
const Version = "1.0.0"

// DefaultListen is used when no --listen flag is given.
const DefaultListen = "0.0.0.0:5000"

// Config holds all server configuration.
type Config struct {
	// Listen endpoints: TCP host:port, or a path for a UNIX socket.
	Listen []string

	Workers     int
	MaxRequests int

	// Accepted but not enforced by the core loop.
	Timeout          int
	KeepAliveTimeout int
	ReadTimeout      int

	DisableKeepAlive bool
	Backlog          int

	User  string
	Group string

	PIDFile  string
	ErrorLog string

	Daemonize    bool
	SetProcTitle bool

	// CtlSock is the optional admin socket path for preforkctl.
	CtlSock string

	ShowVersion bool
}

// New loads configuration from the process arguments. Parse errors and
// --version are handled here and terminate the process.
func New() *Config {
	cfg, err := FromArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Printf("prefork %s\n", Version)
		os.Exit(0)
	}
	return cfg
}

// FromArgs parses the given argument list into a Config.
func FromArgs(args []string) (*Config, error) {
	cfg := &Config{}
	fs := pflag.NewFlagSet("prefork", pflag.ContinueOnError)

	fs.StringArrayVarP(&cfg.Listen, "listen", "l", nil,
		"listen on a TCP host:port or a UNIX socket path (repeatable)")
	fs.IntVarP(&cfg.Workers, "workers", "w", 5, "number of worker processes")
	fs.IntVar(&cfg.MaxRequests, "max-requests", 1000,
		"connections a worker serves before it is replaced")
	fs.IntVar(&cfg.Timeout, "timeout", 30, "worker timeout in seconds")
	fs.IntVar(&cfg.KeepAliveTimeout, "keepalive-timeout", 5, "keep-alive connection timeout")
	fs.IntVar(&cfg.ReadTimeout, "read-timeout", 5, "timeout for reading a request")
	fs.BoolVar(&cfg.DisableKeepAlive, "disable-keepalive", false, "serve one request per connection")
	fs.IntVar(&cfg.Backlog, "backlog", 1024, "listen backlog size")
	fs.StringVar(&cfg.User, "user", "", "switch to user after binding")
	fs.StringVar(&cfg.Group, "group", "", "switch to group after binding")
	fs.StringVar(&cfg.PIDFile, "pid", "", "path to PID file")
	fs.StringVar(&cfg.ErrorLog, "error-log", "", "path to error log file")
	fs.BoolVar(&cfg.Daemonize, "daemonize", false, "detach and run in the background")
	fs.BoolVar(&cfg.SetProcTitle, "set-proctitle", true, "set worker process titles")
	fs.StringVar(&cfg.CtlSock, "ctl-sock", "", "admin socket path for preforkctl")
	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{DefaultListen}
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.MaxRequests < 1 {
		return nil, fmt.Errorf("max-requests must be >= 1, got %d", cfg.MaxRequests)
	}
	return cfg, nil
}

// ServerToken is the identity written into the Server response header.
func (c *Config) ServerToken() string {
	return "prefork/" + Version
}
