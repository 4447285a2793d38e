package clutter

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

// Config holds decay and clutter tuning. The defaults are business tuning
// values, not derived constants.
type Config struct {
	// HalfLife is the age at which a decayed edge keeps half its baseline.
	HalfLife time.Duration

	// DecayFloor is the minimum weight decay can produce.
	DecayFloor float64

	// ClutterThreshold marks edges below this weight as clutter.
	ClutterThreshold float64

	// MinNodeDegree and MinNodeAge select low-connectivity nodes for archival.
	MinNodeDegree int
	MinNodeAge    time.Duration

	// ClusterMinSize is the smallest success cluster that is consolidated.
	ClusterMinSize int

	// MetaEdgeWeight is the weight of meta-pattern links.
	MetaEdgeWeight float64

	// ReinforceFactor boosts success-success edges, up to ReinforceCap.
	ReinforceFactor float64
	ReinforceCap    float64

	// DiscriminatorKeys pick the primary context key for consolidation.
	DiscriminatorKeys []string
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		HalfLife:          30 * 24 * time.Hour,
		DecayFloor:        0.05,
		ClutterThreshold:  0.1,
		MinNodeDegree:     2,
		MinNodeAge:        7 * 24 * time.Hour,
		ClusterMinSize:    6,
		MetaEdgeWeight:    0.9,
		ReinforceFactor:   1.1,
		ReinforceCap:      0.95,
		DiscriminatorKeys: journal.DefaultDiscriminatorKeys,
	}
}

// Validate checks the config for values that would break the weight
// invariants.
func (c Config) Validate() error {
	if c.HalfLife <= 0 {
		return fmt.Errorf("half_life must be positive")
	}
	if c.DecayFloor < 0 || c.DecayFloor > 1 {
		return fmt.Errorf("decay_floor must be within [0,1], got %v", c.DecayFloor)
	}
	if c.ClutterThreshold < 0 || c.ClutterThreshold > 1 {
		return fmt.Errorf("clutter_threshold must be within [0,1], got %v", c.ClutterThreshold)
	}
	if c.MinNodeDegree < 0 {
		return fmt.Errorf("min_node_degree must be >= 0, got %d", c.MinNodeDegree)
	}
	if c.MinNodeAge < 0 {
		return fmt.Errorf("min_node_age must be >= 0")
	}
	if c.ClusterMinSize < 2 {
		return fmt.Errorf("cluster_min_size must be >= 2, got %d", c.ClusterMinSize)
	}
	if c.MetaEdgeWeight <= 0 || c.MetaEdgeWeight > 1 {
		return fmt.Errorf("meta_edge_weight must be within (0,1], got %v", c.MetaEdgeWeight)
	}
	if c.ReinforceFactor < 1 {
		return fmt.Errorf("reinforce_factor must be >= 1, got %v", c.ReinforceFactor)
	}
	if c.ReinforceCap <= 0 || c.ReinforceCap > 1 {
		return fmt.Errorf("reinforce_cap must be within (0,1], got %v", c.ReinforceCap)
	}
	return nil
}
