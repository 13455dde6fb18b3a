// Package config holds the explicitly constructed server configuration.
// It is loaded from a YAML file and can be reloaded in place with Refresh;
// callers hold a *Config and read point-in-time snapshots.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is one immutable configuration snapshot.
type Settings struct {
	// LocalDomains lists the email domains hosted by this server. An
	// address in one of these domains that has no directory entry is
	// invalid rather than remote.
	LocalDomains []string `yaml:"local_domains"`

	// PartitionNodes maps a hosted domain to the partition node that
	// owns it, for multi-node deployments. Domains absent from the map
	// are served by this node.
	PartitionNodes map[string]string `yaml:"partition_nodes"`

	Scheduling SchedulingSettings `yaml:"scheduling"`
	NATS       NATSSettings       `yaml:"nats"`
}

// SchedulingSettings are the operational tuning knobs of the implicit
// scheduling engine. None of them change protocol semantics.
type SchedulingSettings struct {
	LockTimeout              time.Duration `yaml:"lock_timeout"`
	LockRetryInterval        time.Duration `yaml:"lock_retry_interval"`
	ReservationAttempts      int           `yaml:"reservation_attempts"`
	ReservationRetryInterval time.Duration `yaml:"reservation_retry_interval"`
	RefreshBatchDelay        time.Duration `yaml:"refresh_batch_delay"`
	RefreshBatchSize         int           `yaml:"refresh_batch_size"`
	FreeBusyInstanceCap      int           `yaml:"freebusy_instance_cap"`
	AutoAcceptHorizon        time.Duration `yaml:"auto_accept_horizon"`
}

// NATSSettings configure the server-to-server delivery bridge.
type NATSSettings struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the settings used when a field is absent from the file.
func Default() Settings {
	return Settings{
		Scheduling: SchedulingSettings{
			LockTimeout:              10 * time.Second,
			LockRetryInterval:        100 * time.Millisecond,
			ReservationAttempts:      11,
			ReservationRetryInterval: 100 * time.Millisecond,
			RefreshBatchDelay:        5 * time.Second,
			RefreshBatchSize:         5,
			FreeBusyInstanceCap:      1000,
			AutoAcceptHorizon:        365 * 24 * time.Hour,
		},
		NATS: NATSSettings{
			// URL is empty by default; the transport is opt-in.
			SubjectPrefix: "caldora.ischedule",
		},
	}
}

// Config is a reloadable configuration handle.
type Config struct {
	mu      sync.RWMutex
	path    string
	current Settings
}

// Load reads the YAML file at path. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	c := &Config{path: path, current: Default()}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// New wraps fixed settings without a backing file, for tests and
// embedded use. Refresh is a no-op on such a Config.
func New(s Settings) *Config {
	return &Config{current: s}
}

// Refresh re-reads the backing file and atomically replaces the current
// snapshot. On error the previous snapshot stays in effect.
func (c *Config) Refresh() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	next := Default()
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := next.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
	return nil
}

// Snapshot returns the current settings by value.
func (c *Config) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Scheduling is shorthand for Snapshot().Scheduling.
func (c *Config) Scheduling() SchedulingSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Scheduling
}

func (s *Settings) validate() error {
	if s.Scheduling.LockTimeout <= 0 {
		return fmt.Errorf("scheduling.lock_timeout must be positive")
	}
	if s.Scheduling.ReservationAttempts < 1 {
		return fmt.Errorf("scheduling.reservation_attempts must be at least 1")
	}
	if s.Scheduling.RefreshBatchSize < 1 {
		return fmt.Errorf("scheduling.refresh_batch_size must be at least 1")
	}
	if s.Scheduling.FreeBusyInstanceCap < 1 {
		return fmt.Errorf("scheduling.freebusy_instance_cap must be at least 1")
	}
	return nil
}
