// Package config handles configuration loading, saving, and schema definition.
package config

import "path/filepath"

// Config is the top-level swarmbus configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Server ServerConfig `json:"server"`
	Store  StoreConfig  `json:"store"`
	Spawn  SpawnConfig  `json:"spawn"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Port   int    `json:"port"`
	APIKey string `json:"apiKey,omitempty"`
}

// StoreConfig holds channel history settings: the in-memory ring, the
// catch-up burst size, and the durable log backend. RedisURL, when set,
// takes precedence over the SQLite path; an empty SQLitePath with no
// RedisURL disables durability entirely.
type StoreConfig struct {
	RingCapacity int    `json:"ringCapacity"`
	CatchupCount int    `json:"catchupCount"`
	SQLitePath   string `json:"sqlitePath,omitempty"`
	RedisURL     string `json:"redisUrl,omitempty"`
}

// SpawnConfig holds agent-spawning settings. RegistryPath points at the
// agents.yaml type registry.
type SpawnConfig struct {
	RegistryPath  string `json:"registryPath"`
	MaxPerChannel int    `json:"maxPerChannel,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	dir := configDir()
	return Config{
		Server: ServerConfig{
			Port: 18900,
		},
		Store: StoreConfig{
			RingCapacity: 50,
			CatchupCount: 50,
			SQLitePath:   filepath.Join(dir, "ledger.db"),
		},
		Spawn: SpawnConfig{
			RegistryPath:  filepath.Join(dir, "agents.yaml"),
			MaxPerChannel: 100,
		},
	}
}
