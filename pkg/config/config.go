// Package config loads runtime options from the environment and the
// per-node JSON config files (process config and stream config).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for recognized environment options.
const (
	DefaultServerPort = 7175
	DefaultTCPPort    = 8080

	DefaultTickerInterval = 15 * time.Second
	DefaultMusicInterval  = 10 * time.Second
)

// Options holds the environment-derived configuration. Unknown environment
// variables are ignored.
type Options struct {
	ServerPort int
	TCPPort    int
	NodeID     string
	// Peers maps node id → base URL for fleet RPC, parsed from
	// CLUSTER_PEERS ("overlay@mini=http://mini:7175,...").
	Peers            map[string]string
	LogLevel         slog.Level
	ConfigFile       string
	StreamConfigFile string
	DatabaseURL      string
	MusicURL         string
	MusicInterval    time.Duration
	TwitchFeedURL    string
	TickerInterval   time.Duration
}

// getEnv returns the environment value for key, or defaultValue when unset
// or empty.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, raw)
	}
	return n, nil
}

// FromEnv reads all recognized options. Errors here are fatal
// initialization failures (exit code 1 in the CLI).
func FromEnv() (*Options, error) {
	opts := &Options{
		ConfigFile:       os.Getenv("CONFIG_FILE"),
		StreamConfigFile: os.Getenv("STREAM_CONFIG_FILE"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		MusicURL:         os.Getenv("MUSIC_URL"),
		TwitchFeedURL:    os.Getenv("TWITCH_FEED_URL"),
		TickerInterval:   DefaultTickerInterval,
		MusicInterval:    DefaultMusicInterval,
	}

	var err error
	if opts.ServerPort, err = getEnvInt("SERVER_PORT", DefaultServerPort); err != nil {
		return nil, err
	}
	if opts.TCPPort, err = getEnvInt("TCP_PORT", DefaultTCPPort); err != nil {
		return nil, err
	}
	if opts.ServerPort <= 0 || opts.ServerPort > 65535 {
		return nil, fmt.Errorf("SERVER_PORT: %d out of range", opts.ServerPort)
	}
	if opts.TCPPort <= 0 || opts.TCPPort > 65535 {
		return nil, fmt.Errorf("TCP_PORT: %d out of range", opts.TCPPort)
	}

	if secs, err := getEnvInt("TICKER_INTERVAL", int(DefaultTickerInterval.Seconds())); err != nil {
		return nil, err
	} else if secs > 0 {
		opts.TickerInterval = time.Duration(secs) * time.Second
	}
	if secs, err := getEnvInt("MUSIC_INTERVAL", int(DefaultMusicInterval.Seconds())); err != nil {
		return nil, err
	} else if secs > 0 {
		opts.MusicInterval = time.Duration(secs) * time.Second
	}

	opts.NodeID = getEnv("NODE_ID", defaultNodeID())
	opts.Peers, err = parsePeers(os.Getenv("CLUSTER_PEERS"))
	if err != nil {
		return nil, err
	}
	opts.LogLevel = ParseLogLevel(os.Getenv("LOG_LEVEL"))
	return opts, nil
}

// defaultNodeID derives "server@<hostname>" when NODE_ID is unset.
func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "server@" + host
}

// parsePeers parses CLUSTER_PEERS: a comma list of node_id=base_url pairs.
func parsePeers(raw string) (map[string]string, error) {
	peers := make(map[string]string)
	if raw == "" {
		return peers, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, url, ok := strings.Cut(entry, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("CLUSTER_PEERS: malformed entry %q (want node_id=url)", entry)
		}
		peers[id] = strings.TrimSuffix(url, "/")
	}
	return peers, nil
}

// ParseLogLevel maps a LOG_LEVEL string to a slog level, defaulting to info.
func ParseLogLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
