// Package model holds the value records shared across the router's
// components (spec.md §3). Every record here is a plain value: consumers
// deserialize a snapshot from the store and never hold a live reference.
package model

import "time"

// ChainConfig is the configuration for one chain, keyed in the store as
// chain:{chainId}.
type ChainConfig struct {
	ChainID int64    `json:"chainId"`
	Name    string   `json:"name"`
	URLs    []string `json:"urls"`
}

// HealthRecord is the router's view of one upstream URL's reachability,
// stored as one field of the "health" hash.
type HealthRecord struct {
	URL          string    `json:"url"`
	Healthy      bool      `json:"healthy"`
	LastCheck    time.Time `json:"lastCheck"`
	ResponseTime int64     `json:"responseTime"` // milliseconds
	FailCount    int       `json:"failCount"`
}

// Eligible reports whether a URL may receive traffic: healthy and under
// the configured consecutive-failure threshold.
func (h HealthRecord) Eligible(maxFailCount int) bool {
	return h.Healthy && h.FailCount < maxFailCount
}

// Session binds a client-facing session id to one upstream for the
// lifetime of a TTL, keyed in the store as session:{id}.
type Session struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	ChainID      int64     `json:"chainId"`
	CreatedAt    time.Time `json:"createdAt"`
	LastUsed     time.Time `json:"lastUsed"`
	RequestCount int64     `json:"requestCount"`
}

// Options are the process-wide recognized configuration options from
// spec.md §6, read once at startup.
type Options struct {
	ConfigTTL             time.Duration
	HealthTTL             time.Duration
	SessionTTL            time.Duration
	HealthCheckInterval   time.Duration
	ConfigRefreshInterval time.Duration
	MaxFailCount          int
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		ConfigTTL:             24 * time.Hour,
		HealthTTL:             time.Hour,
		SessionTTL:            time.Hour,
		HealthCheckInterval:   60 * time.Second,
		ConfigRefreshInterval: 5 * time.Minute,
		MaxFailCount:          3,
	}
}
