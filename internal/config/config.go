// Package config holds the engine's process-wide configuration, loaded
// the same way go-vod's transcoder.Config is: a flat JSON-tagged struct
// with hard-coded defaults that a config file may override.
package config

import (
	"encoding/json"
	"log"
	"os"
)

// Config is the full set of knobs for the streaming engine and its HTTP
// front door. Field names mirror spec.md §6 where the spec names a knob
// directly (Workers, Clients, Throttle, Cache), and mirror go-vod's
// transcoder.Config for the rest.
type Config struct {
	// Is this server configured from a file?
	Configured bool

	// Bind address for the media HTTP server.
	Bind string `json:"bind"`
	// Bind address for the admin/metrics HTTP server.
	MetricsBind string `json:"metricsBind"`

	// Number of event-loop workers in the pool.
	Workers int `json:"workers"`
	// Total concurrent-stream admission cap across all workers.
	Clients int `json:"clients"`
	// Play-ahead throttle budget, in seconds.
	Throttle float64 `json:"throttle"`
	// Metadata cache byte budget.
	CacheBytes int64 `json:"cacheBytes"`
	// Length, in seconds, of one offsets-table period.
	Period float64 `json:"period"`

	// Idle-send timeout, in seconds. Loaded but not read by the engine:
	// streams use a fixed 60-second idle timeout.
	StreamIdleTime int `json:"streamIdleTime"`
	// Housekeeping interval, in seconds. Loaded but not read by any
	// package.
	ManagerIdleTime int `json:"managerIdleTime"`

	// Server identification used in the Server: response header.
	ServerName    string `json:"serverName"`
	ServerVersion string `json:"serverVersion"`
}

// FromFile loads JSON config from path, overlaying it onto the current
// values (same semantics as transcoder.Config.FromFile).
func (c *Config) FromFile(path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		log.Fatal("Error when opening file: ", err)
	}

	if err := json.Unmarshal(content, c); err != nil {
		log.Fatal("Error loading config file: ", err)
	}

	c.Configured = true
	c.Print()
}

// Print logs the resolved configuration.
func (c *Config) Print() {
	log.Printf("%+v\n", c)
}

// Default returns the built-in configuration (spec.md §6 defaults).
func Default() *Config {
	return &Config{
		Bind:            ":8080",
		MetricsBind:     ":8081",
		Workers:         2,
		Clients:         1000,
		Throttle:        20.0,
		CacheBytes:      256 * 1024 * 1024,
		Period:          1.0,
		StreamIdleTime:  60,
		ManagerIdleTime: 60,
		ServerName:      "vodstream",
		ServerVersion:   "0.1.0",
	}
}
