package config

import (
	"os"
	"strconv"
)

type Config struct {
	Addr          string
	WriteTimeout  int // seconds
	PingTimeout   int // seconds without a heartbeat before eviction
	SweepInterval int // seconds between liveness sweeps
	ControlSocket string
}

func Load() *Config {
	cfg := &Config{
		Addr:          ":7777",
		WriteTimeout:  30,
		PingTimeout:   120,
		SweepInterval: 30,
		ControlSocket: "/tmp/huddle.sock",
	}

	if addr := os.Getenv("HUDDLE_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	if timeoutStr := os.Getenv("HUDDLE_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("HUDDLE_PING_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.PingTimeout = timeout
		}
	}

	if intervalStr := os.Getenv("HUDDLE_SWEEP_INTERVAL"); intervalStr != "" {
		if interval, err := strconv.Atoi(intervalStr); err == nil {
			cfg.SweepInterval = interval
		}
	}

	if socket := os.Getenv("HUDDLE_CONTROL_SOCKET"); socket != "" {
		cfg.ControlSocket = socket
	}

	return cfg
}
