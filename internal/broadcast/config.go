package broadcast

import "time"

// Config broadcast registry configuration
type Config struct {
	MaxSubscribers    int           `yaml:"max_subscribers"`
	BufferSize        int           `yaml:"buffer_size"` // per-subscriber queue; a full queue drops the subscriber
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HistorySize       int           `yaml:"history_size"`
	HistoryReplay     int           `yaml:"history_replay"`
	HistoryTopics     int           `yaml:"history_topics"`
}

// DefaultConfig returns default broadcast configuration
func DefaultConfig() Config {
	return Config{
		MaxSubscribers:    10000,
		BufferSize:        64,
		SweepInterval:     30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HistorySize:       50,
		HistoryReplay:     10,
		HistoryTopics:     1024,
	}
}

// withDefaults fills zero sizes; zero intervals stay zero and disable the loop
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxSubscribers <= 0 {
		c.MaxSubscribers = def.MaxSubscribers
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.HistoryTopics <= 0 {
		c.HistoryTopics = def.HistoryTopics
	}
	if c.HistoryReplay > c.HistorySize {
		c.HistoryReplay = c.HistorySize
	}
	return c
}
