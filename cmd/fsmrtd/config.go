package main

import "time"

// Config is fsmrtd's top-level configuration, loaded from YAML or JSON via
// pkg/config and overridable by FSMRTD_-prefixed environment variables.
type Config struct {
	Store struct {
		Mode       string `yaml:"mode"` // "partitioned" or "multitable"
		DSN        string `yaml:"dsn"`
		DriverName string `yaml:"driver_name"` // multitable only: "postgres" or "sqlite3"
	} `yaml:"store"`

	History struct {
		DSN           string `yaml:"dsn"`
		QueueCapacity int    `yaml:"queue_capacity"`
	} `yaml:"history"`

	Timeout struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"timeout"`

	Registry struct {
		MailboxCapacity   int           `yaml:"mailbox_capacity"`
		ArchivalRetries   int           `yaml:"archival_retries"`
		ArchivalBaseDelay time.Duration `yaml:"archival_base_delay"`
	} `yaml:"registry"`

	DebugHub struct {
		Enabled    bool   `yaml:"enabled"`
		ListenAddr string `yaml:"listen_addr"`
		JWTSecret  string `yaml:"jwt_secret"`
	} `yaml:"debughub"`

	Metrics struct {
		Enabled    bool   `yaml:"enabled"`
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
}

// DefaultConfig mirrors the package defaults used across the runtime so a
// bare invocation (no config file) still boots against a local SQLite
// store for the demo.
func DefaultConfig() Config {
	var c Config
	c.Store.Mode = "multitable"
	c.Store.DSN = "fsmrtd_active.db"
	c.Store.DriverName = "sqlite3"
	c.History.DSN = "fsmrtd_history.db"
	c.History.QueueCapacity = 256
	c.Timeout.Workers = 10
	c.Timeout.QueueSize = 1000
	c.Registry.MailboxCapacity = 100
	c.Registry.ArchivalRetries = 5
	c.Registry.ArchivalBaseDelay = 200 * time.Millisecond
	c.DebugHub.Enabled = true
	c.DebugHub.ListenAddr = ":9090"
	c.Metrics.Enabled = true
	c.Metrics.ListenAddr = ":9091"
	return c
}
