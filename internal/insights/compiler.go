// Package insights projects approved proposals into the read-only
// configuration snapshot consumers poll.
package insights

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/goatfield/internal/review"
)

// ApprovedSource supplies approved proposals in decision order and a
// version that changes whenever a decision is recorded.
type ApprovedSource interface {
	Approved() []review.Proposal
	Version() uint64
}

// Insight is the consumer view of an approved proposal. It never carries
// the reviewer's rationale.
type Insight struct {
	TargetComponent string         `json:"target_component"`
	Config          map[string]any `json:"config"`
	Confidence      float64        `json:"confidence"`
	ApprovedAt      time.Time      `json:"approved_at"`
}

// Compiler flattens approved proposals by target component. Results are
// cached until the source version changes.
type Compiler struct {
	source ApprovedSource
	group  singleflight.Group

	mu      sync.RWMutex
	cached  map[string]Insight
	version uint64
	valid   bool
}

// NewCompiler creates a compiler over source.
func NewCompiler(source ApprovedSource) (*Compiler, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	return &Compiler{source: source}, nil
}

// Compile returns the current insights keyed by target component. The most
// recently approved proposal for a target wins; an empty map means nothing
// has been approved yet. The returned map is the caller's to modify.
func (c *Compiler) Compile(ctx context.Context) map[string]Insight {
	version := c.source.Version()

	c.mu.RLock()
	if c.valid && c.version == version {
		out := clone(c.cached)
		c.mu.RUnlock()
		return out
	}
	c.mu.RUnlock()

	v, _, _ := c.group.Do("compile", func() (any, error) {
		compiled := compile(c.source.Approved())
		c.mu.Lock()
		c.cached = compiled
		c.version = version
		c.valid = true
		c.mu.Unlock()
		return compiled, nil
	})
	return clone(v.(map[string]Insight))
}

// Nested renders Compile as plain nested maps for wire formats.
func (c *Compiler) Nested(ctx context.Context) map[string]map[string]any {
	insights := c.Compile(ctx)
	out := make(map[string]map[string]any, len(insights))
	for target, in := range insights {
		out[target] = map[string]any{
			"config":      in.Config,
			"confidence":  in.Confidence,
			"approved_at": in.ApprovedAt.Format(time.RFC3339Nano),
		}
	}
	return out
}

func compile(approved []review.Proposal) map[string]Insight {
	out := make(map[string]Insight)
	for _, p := range approved {
		if p.Status != review.StatusApproved || p.ReviewedAt == nil {
			continue
		}
		at := *p.ReviewedAt
		if prev, ok := out[p.TargetComponent]; ok && at.Before(prev.ApprovedAt) {
			continue
		}
		out[p.TargetComponent] = Insight{
			TargetComponent: p.TargetComponent,
			Config:          review.CloneConfig(p.ApprovedConfig),
			Confidence:      p.Confidence,
			ApprovedAt:      at,
		}
	}
	return out
}

func clone(m map[string]Insight) map[string]Insight {
	out := make(map[string]Insight, len(m))
	for k, in := range m {
		in.Config = review.CloneConfig(in.Config)
		out[k] = in
	}
	return out
}
