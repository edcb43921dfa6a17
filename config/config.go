// Package config loads and validates the YAML configuration for a single
// master controller process: its coordination-store endpoint, the shard set
// it serves, and the per-service collection-to-shard assignment used by the
// aggregator binder.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// CoordinationConfig describes how to reach the coordination store.
type CoordinationConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// Config is the root configuration for a master controller process.
type Config struct {
	Cluster      string              `yaml:"cluster"`
	Coordination CoordinationConfig  `yaml:"coordination"`
	ReplicaID    uint32              `yaml:"replica_id"`
	Shards       []uint32            `yaml:"shards"`
	Services     map[string]*Service `yaml:"services"`
}

// Service describes the collections a service (e.g. "search") serves, and
// the shard ids backing each collection.
type Service struct {
	Collections map[string][]uint32 `yaml:"collections"`
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks every required field and returns the first error found.
func (c *Config) Validate() error {
	if c.Cluster == "" {
		return fmt.Errorf("cluster name is required")
	}

	if len(c.Coordination.Endpoints) == 0 {
		return fmt.Errorf("at least one coordination endpoint is required")
	}

	if c.Coordination.Prefix == "" {
		return fmt.Errorf("coordination prefix is required")
	}

	if len(c.Shards) == 0 {
		return fmt.Errorf("at least one shard id is required")
	}

	seen := make(map[uint32]bool, len(c.Shards))
	for _, s := range c.Shards {
		if seen[s] {
			return fmt.Errorf("duplicate shard id: %d", s)
		}
		seen[s] = true
	}

	for serviceName, svc := range c.Services {
		if svc == nil {
			return fmt.Errorf("service %s: empty service block", serviceName)
		}
		for collection, shardIDs := range svc.Collections {
			if len(shardIDs) == 0 {
				return fmt.Errorf("service %s collection %s: at least one shard id is required", serviceName, collection)
			}
			for _, s := range shardIDs {
				if !seen[s] {
					return fmt.Errorf("service %s collection %s: shard id %d is not in cluster shards", serviceName, collection, s)
				}
			}
		}
	}

	return nil
}

// AllShardIDs returns the configured shard ids in ascending order.
func (c *Config) AllShardIDs() []uint32 {
	out := append([]uint32(nil), c.Shards...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ShardIDsFor returns the shard ids assigned to (service, collection), or
// nil if no such collection is configured.
func (c *Config) ShardIDsFor(service, collection string) []uint32 {
	svc, ok := c.Services[service]
	if !ok {
		return nil
	}
	return svc.Collections[collection]
}

// EtcdAddress returns the first coordination endpoint.
func (c *Config) EtcdAddress() string {
	if len(c.Coordination.Endpoints) == 0 {
		return ""
	}
	return c.Coordination.Endpoints[0]
}
