// Package config loads goatfieldd configuration from a YAML file and
// GOATFIELD_ environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/goatfield/internal/clutter"
	"github.com/fyrsmithlabs/goatfield/internal/journal"
	"github.com/fyrsmithlabs/goatfield/internal/patterns"
)

// Config is the daemon configuration. The logging and telemetry sections
// belong to their own packages and are read with Section.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Graph     GraphConfig     `koanf:"graph"`
	Clutter   ClutterConfig   `koanf:"clutter"`
	Patterns  PatternsConfig  `koanf:"patterns"`
	Review    ReviewConfig    `koanf:"review"`
	Scheduler SchedulerConfig `koanf:"scheduler"`

	k *koanf.Koanf
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	Addr            string   `koanf:"addr"`
	AdminToken      Secret   `koanf:"admin_token"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig locates the on-disk state.
type StorageConfig struct {
	Dir string `koanf:"dir"`
	// Sync fsyncs every journal, ledger and archive append.
	Sync bool `koanf:"sync"`
}

// JournalPath is the observation journal.
func (s StorageConfig) JournalPath() string { return filepath.Join(s.Dir, "journal.jsonl") }

// ArchiveDir holds the dated archive files.
func (s StorageConfig) ArchiveDir() string { return filepath.Join(s.Dir, "archive") }

// ReviewDir holds the proposal ledger and audit log.
func (s StorageConfig) ReviewDir() string { return filepath.Join(s.Dir, "review") }

// SnapshotPath is the graph snapshot.
func (s StorageConfig) SnapshotPath() string { return filepath.Join(s.Dir, "graph.snapshot") }

// GraphConfig tunes edge creation.
type GraphConfig struct {
	Window        int     `koanf:"window"`
	EdgeThreshold float64 `koanf:"edge_threshold"`
}

// ClutterConfig tunes decay, compaction and consolidation.
type ClutterConfig struct {
	HalfLife          Duration `koanf:"half_life"`
	DecayFloor        float64  `koanf:"decay_floor"`
	ClutterThreshold  float64  `koanf:"clutter_threshold"`
	MinNodeDegree     int      `koanf:"min_node_degree"`
	MinNodeAge        Duration `koanf:"min_node_age"`
	ClusterMinSize    int      `koanf:"cluster_min_size"`
	MetaEdgeWeight    float64  `koanf:"meta_edge_weight"`
	ReinforceFactor   float64  `koanf:"reinforce_factor"`
	ReinforceCap      float64  `koanf:"reinforce_cap"`
	DiscriminatorKeys []string `koanf:"discriminator_keys"`
}

// Engine converts the section to the clutter engine config.
func (c ClutterConfig) Engine() clutter.Config {
	return clutter.Config{
		HalfLife:          c.HalfLife.Duration(),
		DecayFloor:        c.DecayFloor,
		ClutterThreshold:  c.ClutterThreshold,
		MinNodeDegree:     c.MinNodeDegree,
		MinNodeAge:        c.MinNodeAge.Duration(),
		ClusterMinSize:    c.ClusterMinSize,
		MetaEdgeWeight:    c.MetaEdgeWeight,
		ReinforceFactor:   c.ReinforceFactor,
		ReinforceCap:      c.ReinforceCap,
		DiscriminatorKeys: c.DiscriminatorKeys,
	}
}

// PatternsConfig selects and tunes the pattern rules.
type PatternsConfig struct {
	Rules                []string `koanf:"rules"`
	DiscriminatorKeys    []string `koanf:"discriminator_keys"`
	DurationMetrics      []string `koanf:"duration_metrics"`
	PerformanceMinSample int      `koanf:"performance_min_samples"`
	DurationThresholdMS  float64  `koanf:"duration_threshold_ms"`
	ReliabilityMinSample int      `koanf:"reliability_min_samples"`
	SuccessRateThreshold float64  `koanf:"success_rate_threshold"`
	MaxEvidence          int      `koanf:"max_evidence"`
}

// Extractor converts the section to the extractor config. Confidence steps
// are not configurable.
func (p PatternsConfig) Extractor() patterns.Config {
	cfg := patterns.DefaultConfig()
	cfg.Rules = p.Rules
	cfg.DiscriminatorKeys = p.DiscriminatorKeys
	cfg.DurationMetrics = p.DurationMetrics
	cfg.PerformanceMinSamples = p.PerformanceMinSample
	cfg.DurationThresholdMS = p.DurationThresholdMS
	cfg.ReliabilityMinSamples = p.ReliabilityMinSample
	cfg.SuccessRateThreshold = p.SuccessRateThreshold
	cfg.MaxEvidence = p.MaxEvidence
	return cfg
}

// ReviewConfig controls proposal submission.
type ReviewConfig struct {
	// SubmitProposals queues reflection candidates for human review. When
	// false, reflection only reports them.
	SubmitProposals bool `koanf:"submit_proposals"`
}

// Scheduler conditions.
const (
	ConditionCPUIdle = "cpu_idle"
	ConditionAlways  = "always"
)

// SchedulerConfig controls background reflection.
type SchedulerConfig struct {
	Enabled       bool     `koanf:"enabled"`
	Interval      Duration `koanf:"interval"`
	Timeout       Duration `koanf:"timeout"`
	Condition     string   `koanf:"condition"`
	IdleThreshold float64  `koanf:"idle_threshold"`
}

// Default returns the built-in configuration. Load overlays file and
// environment values on top of it.
func Default() *Config {
	clutterDefaults := clutter.DefaultConfig()
	patternDefaults := patterns.DefaultConfig()

	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:7878",
			ReadTimeout:     Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Dir:  defaultDataDir(),
			Sync: true,
		},
		Graph: GraphConfig{
			Window:        10,
			EdgeThreshold: 0.7,
		},
		Clutter: ClutterConfig{
			HalfLife:          Duration(clutterDefaults.HalfLife),
			DecayFloor:        clutterDefaults.DecayFloor,
			ClutterThreshold:  clutterDefaults.ClutterThreshold,
			MinNodeDegree:     clutterDefaults.MinNodeDegree,
			MinNodeAge:        Duration(clutterDefaults.MinNodeAge),
			ClusterMinSize:    clutterDefaults.ClusterMinSize,
			MetaEdgeWeight:    clutterDefaults.MetaEdgeWeight,
			ReinforceFactor:   clutterDefaults.ReinforceFactor,
			ReinforceCap:      clutterDefaults.ReinforceCap,
			DiscriminatorKeys: append([]string(nil), journal.DefaultDiscriminatorKeys...),
		},
		Patterns: PatternsConfig{
			Rules:                append([]string(nil), patternDefaults.Rules...),
			DiscriminatorKeys:    append([]string(nil), patternDefaults.DiscriminatorKeys...),
			DurationMetrics:      append([]string(nil), patternDefaults.DurationMetrics...),
			PerformanceMinSample: patternDefaults.PerformanceMinSamples,
			DurationThresholdMS:  patternDefaults.DurationThresholdMS,
			ReliabilityMinSample: patternDefaults.ReliabilityMinSamples,
			SuccessRateThreshold: patternDefaults.SuccessRateThreshold,
			MaxEvidence:          patternDefaults.MaxEvidence,
		},
		Review: ReviewConfig{SubmitProposals: true},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Interval:      Duration(5 * time.Minute),
			Timeout:       Duration(10 * time.Minute),
			Condition:     ConditionCPUIdle,
			IdleThreshold: 0.20,
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "goatfield")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "goatfield")
	}
	return "goatfield-data"
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	host, _, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		return fmt.Errorf("server.addr %q: %w", c.Server.Addr, err)
	}
	if !isLoopback(host) && !c.Server.AdminToken.IsSet() {
		return fmt.Errorf("server.admin_token is required when listening on %s", c.Server.Addr)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if c.Graph.Window < 1 {
		return fmt.Errorf("graph.window must be >= 1, got %d", c.Graph.Window)
	}
	if c.Graph.EdgeThreshold < 0 || c.Graph.EdgeThreshold > 1 {
		return fmt.Errorf("graph.edge_threshold must be within [0,1], got %v", c.Graph.EdgeThreshold)
	}
	if err := c.Clutter.Engine().Validate(); err != nil {
		return fmt.Errorf("clutter: %w", err)
	}
	if len(c.Patterns.Rules) == 0 {
		return fmt.Errorf("patterns.rules must name at least one rule")
	}
	if c.Patterns.MaxEvidence < 1 {
		return fmt.Errorf("patterns.max_evidence must be >= 1")
	}
	if c.Scheduler.Enabled {
		if c.Scheduler.Interval.Duration() <= 0 {
			return fmt.Errorf("scheduler.interval must be positive")
		}
		if c.Scheduler.Timeout.Duration() <= 0 {
			return fmt.Errorf("scheduler.timeout must be positive")
		}
		switch c.Scheduler.Condition {
		case ConditionCPUIdle:
			if c.Scheduler.IdleThreshold <= 0 || c.Scheduler.IdleThreshold > 1 {
				return fmt.Errorf("scheduler.idle_threshold must be within (0,1], got %v", c.Scheduler.IdleThreshold)
			}
		case ConditionAlways:
		default:
			return fmt.Errorf("scheduler.condition must be %q or %q, got %q", ConditionCPUIdle, ConditionAlways, c.Scheduler.Condition)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Section unmarshals the raw config at path into out, leaving fields that
// are absent from the file and environment untouched. It is a no-op on a
// config that was not loaded.
func (c *Config) Section(path string, out any) error {
	if c.k == nil || !c.k.Exists(path) {
		return nil
	}
	if err := unmarshal(c.k, path, out); err != nil {
		return fmt.Errorf("unmarshal %s section: %w", path, err)
	}
	return nil
}
