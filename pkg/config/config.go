package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the dispatch daemon.
type Config struct {
	// Common
	NodeID string

	// Serving
	HTTPPort          int
	GRPCPort          int
	ReceiveTimeout    time.Duration
	BroadcastInterval time.Duration

	// Pipeline
	QueueCapacity    int
	BuffersPerDevice int

	// Engine
	EngineType string // "simulation"
	SimDevices int
	SimLatency time.Duration
	ModelPath  string // local path or gs:// URL; empty runs the built-in simulated model
	ModelCache string
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NodeID:            envStr("NODE_ID", "npud-0"),
		HTTPPort:          envInt("HTTP_PORT", 8080),
		GRPCPort:          envInt("GRPC_PORT", 50051),
		ReceiveTimeout:    time.Duration(envInt("RECEIVE_TIMEOUT_MS", 5000)) * time.Millisecond,
		BroadcastInterval: time.Duration(envInt("BROADCAST_INTERVAL_MS", 500)) * time.Millisecond,
		QueueCapacity:     envInt("QUEUE_CAPACITY", 100),
		BuffersPerDevice:  envInt("BUFFERS_PER_DEVICE", 10),
		EngineType:        envStr("ENGINE_TYPE", "simulation"),
		SimDevices:        envInt("SIM_DEVICES", 1),
		SimLatency:        time.Duration(envInt("SIM_LATENCY_MS", 5)) * time.Millisecond,
		ModelPath:         envStr("MODEL_PATH", ""),
		ModelCache:        envStr("MODEL_CACHE", defaultCache()),
	}
}

func defaultCache() string {
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, "npu-dispatch")
	}
	return filepath.Join(os.TempDir(), "npu-dispatch")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
