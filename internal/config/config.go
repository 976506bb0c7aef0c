// Package config defines the CLI-driven configuration record consumed by
// the proxy core, and the flag parsing that produces it. The flag.FlagSet
// plumbing below follows the same shape as the resolver pool's own CLI
// tool (cmd/resolve/main.go): a ContinueOnError FlagSet with output
// captured to a buffer, so -h can be handled distinctly from a hard
// parse error.
package config

import (
	"bytes"
	"flag"
	"fmt"
	"net"
	"time"
)

// Defaults for the CLI flags below.
const (
	DefaultListenAddress   = "127.0.0.1"
	DefaultListenPort      = 9000
	DefaultRequestTimeout  = 15 * time.Second
	DefaultMaxRequests     = 250
	DefaultMaxPorts        = 50
	DefaultMaxPortLifetime = 10
	DefaultMinGCTime       = 5 * time.Second
	DefaultUpstreamPort    = 53
)

// MaxQueryIDs is the number of distinct 16-bit transaction IDs, and thus
// the hard ceiling on MaxRequests regardless of what is configured.
const MaxQueryIDs = 1 << 16

// Config is the configuration record the proxy core consumes; it has no
// notion of flags or CLI syntax.
type Config struct {
	ListenAddress    net.IP
	ListenPort       int
	UpstreamAddress  net.IP
	UpstreamPort     int
	RequestTimeout   time.Duration // 0 disables expiration
	MaxRequests      int           // 0 = unlimited (up to MaxQueryIDs)
	MaxPorts         int           // 0 = uncapped
	MaxPortLifetime  int           // 0 = never retire
	MinGCTime        time.Duration // 0 = exact timing
	RNGSeed          int64         // 0 = seed from wall clock
	Debug            bool
}

// Validate checks the semantic constraints of a Config beyond what flag
// parsing alone can catch: unparsable address, port out of range, missing
// upstream.
func (c *Config) Validate() error {
	if c.ListenAddress == nil {
		return fmt.Errorf("invalid listen address")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen port %d out of range", c.ListenPort)
	}
	if c.UpstreamAddress == nil {
		return fmt.Errorf("upstream address is required")
	}
	if c.UpstreamPort <= 0 || c.UpstreamPort > 65535 {
		return fmt.Errorf("upstream port %d out of range", c.UpstreamPort)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request-timeout must be >= 0")
	}
	if c.MaxRequests < 0 || c.MaxRequests > MaxQueryIDs {
		return fmt.Errorf("max-requests must be between 0 and %d", MaxQueryIDs)
	}
	if c.MaxPorts < 0 {
		return fmt.Errorf("max-ports must be >= 0")
	}
	if c.MaxPortLifetime < 0 {
		return fmt.Errorf("max-port-lifetime must be >= 0")
	}
	if c.MinGCTime < 0 {
		return fmt.Errorf("min-gc-time must be >= 0")
	}
	return nil
}

// Parsed holds the outcome of Parse: either a ready Config, a help
// request (Help true, Usage populated), or an error.
type Parsed struct {
	Config Config
	Help   bool
	Usage  string
}

// Parse builds a Config from CLI-style arguments (excluding argv[0]).
func Parse(args []string) (*Parsed, error) {
	var (
		listenAddress   string
		listenPort      int
		requestTimeout  int
		maxRequests     int
		maxPorts        int
		maxPortLifetime int
		minGCTime       int
		rngSeed         int64
		debug           bool
	)

	buf := new(bytes.Buffer)
	fs := flag.NewFlagSet("dnsproxy", flag.ContinueOnError)
	fs.SetOutput(buf)

	fs.StringVar(&listenAddress, "listen-address", DefaultListenAddress, "IPv4 bind `address`")
	fs.IntVar(&listenPort, "listen-port", DefaultListenPort, "UDP bind `port`")
	fs.IntVar(&requestTimeout, "request-timeout", int(DefaultRequestTimeout/time.Second), "seconds before an in-flight request expires; 0 disables expiration")
	fs.IntVar(&maxRequests, "max-requests", DefaultMaxRequests, "cap on in-flight requests; 0 = unlimited up to 65536")
	fs.IntVar(&maxPorts, "max-ports", DefaultMaxPorts, "cap on upstream sockets; 0 = uncapped")
	fs.IntVar(&maxPortLifetime, "max-port-lifetime", DefaultMaxPortLifetime, "query count before an upstream socket is retired; 0 = never")
	fs.IntVar(&minGCTime, "min-gc-time", int(DefaultMinGCTime/time.Second), "seconds of GC coalescing; 0 = exact timing")
	fs.Int64Var(&rngSeed, "rng-seed", 0, "RNG seed for reproducibility; 0 seeds from wall-clock microseconds")
	fs.BoolVar(&debug, "debug", false, "enable verbose logs and extra internal checks")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &Parsed{Help: true, Usage: buf.String()}, nil
		}
		return nil, fmt.Errorf("%s", buf.String())
	}

	rest := fs.Args()
	if len(rest) < 1 {
		return nil, fmt.Errorf("missing required positional argument: <upstream-address>")
	}
	upstreamPort := DefaultUpstreamPort
	if len(rest) >= 2 {
		p, err := parsePort(rest[1])
		if err != nil {
			return nil, fmt.Errorf("invalid upstream port %q: %v", rest[1], err)
		}
		upstreamPort = p
	}

	cfg := Config{
		ListenAddress:   parseIPv4(listenAddress),
		ListenPort:      listenPort,
		UpstreamAddress: parseIPv4(rest[0]),
		UpstreamPort:    upstreamPort,
		RequestTimeout:  time.Duration(requestTimeout) * time.Second,
		MaxRequests:     maxRequests,
		MaxPorts:        maxPorts,
		MaxPortLifetime: maxPortLifetime,
		MinGCTime:       time.Duration(minGCTime) * time.Second,
		RNGSeed:         rngSeed,
		Debug:           debug,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Parsed{Config: cfg}, nil
}

func parseIPv4(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

func parsePort(s string) (int, error) {
	var p int
	if _, err := fmt.Sscanf(s, "%d", &p); err != nil {
		return 0, err
	}
	if p <= 0 || p > 65535 {
		return 0, fmt.Errorf("out of range")
	}
	return p, nil
}
