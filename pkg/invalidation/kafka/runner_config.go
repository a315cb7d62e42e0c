package kafka

import "time"

type InvalidationConfig struct {
	Enabled bool

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool

	// DedupeSize bounds the (collection, version) pairs remembered
	DedupeSize int
}

func (c InvalidationConfig) withDefaults() InvalidationConfig {
	if c.Topic == "" {
		c.Topic = "geofilter-invalidation"
	}
	if c.GroupID == "" {
		c.GroupID = "geofilter"
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 3 * time.Second
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = 30 * time.Second
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 8192
	}
	return c
}
