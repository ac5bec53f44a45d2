package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const envPrefix = "CALLFILES_"

// ServerConfig holds configuration for the room server binary.
type ServerConfig struct {
	Addr            string
	LogLevel        string
	SessionTTL      time.Duration
	MaxMessageBytes int
	MsgRatePerSec   float64 // per connection, 0 disables the limit
	MsgBurst        int
}

// TransferConfig holds the file transfer tuning shared by all transports.
type TransferConfig struct {
	Enabled bool

	// Direct channel.
	DirectChunkSize uint32
	LowWaterMark    uint64
	DirectMaxBytes  uint64
	DirectChunkCRC  bool

	// Broadcast relay over the messaging channel.
	RelayChunkSize    uint32
	RelayPacing       time.Duration
	RelayMaxBytes     uint64
	RelayChunkCRC     bool
	SettleDelay       time.Duration
	ListRequestDelays []time.Duration

	// Storage fallback.
	FallbackEnabled  bool
	FallbackEncrypt  bool
	FallbackMaxBytes uint64
}

// ClientConfig holds configuration for the participant binary.
type ClientConfig struct {
	ServerURL   string
	LogLevel    string
	LogFormat   string
	PeerID      string
	JoinCode    string
	OutDir      string
	APIBase     string
	AccessToken string
	ICEServers  []string
	Caller      bool     // create the offer instead of waiting for one
	Send        []string // files to send once connected
	Transfer    TransferConfig
}

// DefaultTransferConfig returns the transfer defaults.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		Enabled:           true,
		DirectChunkSize:   32 * 1024,
		LowWaterMark:      1_000_000,
		DirectMaxBytes:    64 << 20,
		RelayChunkSize:    2250, // 3000 base64 characters per chunk
		RelayPacing:       8 * time.Millisecond,
		RelayMaxBytes:     10 << 20,
		RelayChunkCRC:     true,
		SettleDelay:       time.Second,
		ListRequestDelays: []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
		FallbackEncrypt:   true,
		FallbackMaxBytes:  100 << 20,
	}
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:            ":8080",
		LogLevel:        "info",
		SessionTTL:      2 * time.Hour,
		MaxMessageBytes: 256 * 1024,
		MsgRatePerSec:   400,
		MsgBurst:        100,
	}

	if addr := os.Getenv(envPrefix + "ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv(envPrefix + "LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL)

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "room lifetime")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "largest accepted websocket message")
	fs.Float64Var(&cfg.MsgRatePerSec, "msg-rate", cfg.MsgRatePerSec, "messages per second per connection (0 = unlimited)")
	fs.IntVar(&cfg.MsgBurst, "msg-burst", cfg.MsgBurst, "message burst per connection")
	fs.Parse(args)

	if cfg.MsgBurst < 1 {
		cfg.MsgBurst = 1
	}
	return cfg
}

// ParseClientConfig parses participant configuration from flags and environment variables.
// Flags take precedence over environment variables.
func ParseClientConfig() ClientConfig {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) ClientConfig {
	cfg := ClientConfig{
		ServerURL:  "http://localhost:8080",
		LogLevel:   "info",
		LogFormat:  "text",
		PeerID:     generatePeerID(),
		OutDir:     ".",
		ICEServers: []string{"stun:stun.l.google.com:19302"},
		Transfer:   DefaultTransferConfig(),
	}
	t := &cfg.Transfer

	if v := os.Getenv(envPrefix + "SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "PEER_ID"); v != "" {
		cfg.PeerID = v
	}
	if v := os.Getenv(envPrefix + "JOIN_CODE"); v != "" {
		cfg.JoinCode = v
	}
	if v := os.Getenv(envPrefix + "API_BASE"); v != "" {
		cfg.APIBase = v
	}
	if v := os.Getenv(envPrefix + "ACCESS_TOKEN"); v != "" {
		cfg.AccessToken = v
	}
	if v := os.Getenv(envPrefix + "ICE_SERVERS"); v != "" {
		cfg.ICEServers = splitList(v)
	}
	t.Enabled = envBool("FILE_TRANSFER_ENABLED", t.Enabled)
	t.RelayMaxBytes = envUint("FILE_TRANSFER_MAX_BYTES", t.RelayMaxBytes)
	t.FallbackEnabled = envBool("BIG_FILES_ENABLED", t.FallbackEnabled)

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "room server URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	fs.StringVar(&cfg.PeerID, "peer-id", cfg.PeerID, "participant identifier")
	fs.StringVar(&cfg.JoinCode, "join-code", cfg.JoinCode, "room join code")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "directory for received files")
	fs.StringVar(&cfg.APIBase, "api-base", cfg.APIBase, "storage/audit API base URL (empty disables fallback and audit)")
	fs.BoolVar(&cfg.Caller, "caller", false, "create the peer connection offer")
	fs.Var((*stringSlice)(&cfg.Send), "send", "file to send (repeatable)")
	fs.Var((*listValue)(&cfg.ICEServers), "ice-server", "comma separated STUN/TURN URLs")

	fs.BoolVar(&t.Enabled, "file-transfer", t.Enabled, "enable file transfer")
	fs.Func("chunk-size", "direct channel chunk size in bytes", uintSetter32(&t.DirectChunkSize))
	fs.Func("low-water-mark", "direct channel buffered bytes before waiting for drain", uintSetter64(&t.LowWaterMark))
	fs.Func("direct-max-bytes", "largest file sent over the direct channel", uintSetter64(&t.DirectMaxBytes))
	fs.Func("relay-chunk-size", "relay chunk size in raw bytes", uintSetter32(&t.RelayChunkSize))
	fs.DurationVar(&t.RelayPacing, "relay-pacing", t.RelayPacing, "delay between relay chunks (0 disables)")
	fs.Func("relay-max-bytes", "largest file sent over the relay", uintSetter64(&t.RelayMaxBytes))
	fs.DurationVar(&t.SettleDelay, "sync-settle", t.SettleDelay, "delay before syncing history to a new participant")
	fs.Var((*durationList)(&t.ListRequestDelays), "list-request-delays", "comma separated delays for file list requests")
	fs.BoolVar(&t.FallbackEnabled, "big-files", t.FallbackEnabled, "allow the encrypted storage fallback")
	fs.BoolVar(&t.FallbackEncrypt, "encrypt-fallback", t.FallbackEncrypt, "encrypt fallback uploads client side")
	fs.Func("fallback-max-bytes", "largest file sent through the storage fallback", uintSetter64(&t.FallbackMaxBytes))

	fs.Parse(args)

	return cfg
}

// Validate checks values that flags cannot express.
func (c ClientConfig) Validate() error {
	if c.PeerID == "" {
		return errors.New("peer id is required")
	}
	if err := ValidateICEServers(c.ICEServers); err != nil {
		return err
	}
	t := c.Transfer
	if t.DirectChunkSize == 0 || t.RelayChunkSize == 0 {
		return errors.New("chunk sizes must be positive")
	}
	if t.FallbackEnabled && c.APIBase == "" {
		return errors.New("big files require -api-base")
	}
	return nil
}

// ValidateICEServers rejects malformed STUN/TURN URLs.
func ValidateICEServers(urls []string) error {
	for _, raw := range urls {
		if _, err := stun.ParseURI(raw); err != nil {
			return fmt.Errorf("invalid ice server %q: %w", raw, err)
		}
	}
	return nil
}

// generatePeerID generates a random 10-character hex string for participant identification.
func generatePeerID() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}

func envBool(name string, def bool) bool {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envUint(name string, def uint64) uint64 {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func uintSetter32(dst *uint32) func(string) error {
	return func(s string) error {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return err
		}
		*dst = uint32(n)
		return nil
	}
}

func uintSetter64(dst *uint64) func(string) error {
	return func(s string) error {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// listValue replaces its contents with a comma separated list.
type listValue []string

func (l *listValue) String() string {
	return strings.Join(*l, ",")
}

func (l *listValue) Set(value string) error {
	*l = splitList(value)
	return nil
}

// durationList replaces its contents with comma separated durations.
type durationList []time.Duration

func (d *durationList) String() string {
	parts := make([]string, 0, len(*d))
	for _, v := range *d {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, ",")
}

func (d *durationList) Set(value string) error {
	var out []time.Duration
	for _, part := range splitList(value) {
		v, err := time.ParseDuration(part)
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	*d = out
	return nil
}

var (
	_ flag.Value = (*stringSlice)(nil)
	_ flag.Value = (*listValue)(nil)
	_ flag.Value = (*durationList)(nil)
)
