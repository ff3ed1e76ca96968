// Package config loads hub and peer configuration from an optional
// key=value file plus environment variable overrides.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all tunables for the hub and for a peer's Transfer Engine.
// Every timeout and retention window has a field here rather than being a
// literal buried in a handler, so operators can tune liveness/backoff
// without a rebuild.
type Config struct {
	// HTTP / WebSocket listener
	ListenAddr string

	// Presence Registry
	LivenessWindow time.Duration // device considered offline after this much silence

	// Signaling Hub
	HubBroadcastBuffer int // buffered channel depth for each session's send queue and the unregister queue

	// Relay Endpoints
	RelayUploadMaxBytes int64         // cap on an uploaded file, 413 beyond this
	RelayUploadIdleTime time.Duration // 30s inactivity -> 408
	RelayDownloadRetain time.Duration // 60s after a successful download
	RelayUnusedRetain   time.Duration // 30s after upload if never downloaded
	RelayNotifyCooldown time.Duration // de-dup window for transfer-complete pushes

	// Session Client (peer -> hub)
	HeartbeatInterval    time.Duration // 30s ping
	PongDeadline         time.Duration // 60s without pong -> force reconnect
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	// Transfer Engine (peer-to-peer)
	NegotiationTimeout time.Duration // 3s to open the data channel
	ChunkSize          int           // 16 KiB
	ChunkYieldEvery    int           // yield every N chunks
	ChunkYieldFor      time.Duration // 10ms
	STUNServers        []string

	// Fallback upload retry
	FallbackMaxAttempts     int
	FallbackBaseBackoff     time.Duration
	FallbackMaxBackoff      time.Duration
	FallbackAttemptDeadline time.Duration
	FallbackCooldown        time.Duration // 5s sticky-flag cooldown counted from each fallback trigger

	// Duplicate-suppression cool-downs on the client
	DownloadCooldown time.Duration // 30s
}

// Default returns the stock configuration every component is tuned for.
func Default() *Config {
	return &Config{
		ListenAddr:         ":8080",
		LivenessWindow:     300 * time.Second,
		HubBroadcastBuffer: 256,

		RelayUploadMaxBytes: 2 << 30, // 2 GiB
		RelayUploadIdleTime: 30 * time.Second,
		RelayDownloadRetain: 60 * time.Second,
		RelayUnusedRetain:   30 * time.Second,
		RelayNotifyCooldown: 30 * time.Second,

		HeartbeatInterval:    30 * time.Second,
		PongDeadline:         60 * time.Second,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: 5,

		NegotiationTimeout: 3 * time.Second,
		ChunkSize:          16 * 1024,
		ChunkYieldEvery:    10,
		ChunkYieldFor:      10 * time.Millisecond,
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},

		FallbackMaxAttempts:     3,
		FallbackBaseBackoff:     1 * time.Second,
		FallbackMaxBackoff:      8 * time.Second,
		FallbackAttemptDeadline: 30 * time.Second,
		FallbackCooldown:        5 * time.Second,

		DownloadCooldown: 30 * time.Second,
	}
}

// Load starts from Default, applies key=value pairs from configPath (if it
// exists), then applies environment variable overrides. Environment
// variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()
	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "listen_addr":
			cfg.ListenAddr = value
		case "liveness_window_seconds":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.LivenessWindow = time.Duration(v) * time.Second
			}
		case "relay_upload_max_bytes":
			if v, err := strconv.ParseInt(value, 10, 64); err == nil {
				cfg.RelayUploadMaxBytes = v
			}
		case "heartbeat_interval_seconds":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.HeartbeatInterval = time.Duration(v) * time.Second
			}
		case "reconnect_max_attempts":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.ReconnectMaxAttempts = v
			}
		case "chunk_size_bytes":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.ChunkSize = v
			}
		case "stun_servers":
			cfg.STUNServers = strings.Split(value, ",")
		case "fallback_max_attempts":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.FallbackMaxAttempts = v
			}
		}
	}

	return scanner.Err()
}

func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("FILEDROP_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FILEDROP_LIVENESS_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LivenessWindow = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("FILEDROP_RELAY_UPLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RelayUploadMaxBytes = n
		}
	}
	if v := os.Getenv("FILEDROP_HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("FILEDROP_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconnectMaxAttempts = n
		}
	}
	if v := os.Getenv("FILEDROP_STUN_SERVERS"); v != "" {
		cfg.STUNServers = strings.Split(v, ",")
	}
	if v := os.Getenv("FILEDROP_FALLBACK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FallbackMaxAttempts = n
		}
	}
}
