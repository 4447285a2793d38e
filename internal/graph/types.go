package graph

import (
	"slices"
	"time"

	"github.com/fyrsmithlabs/goatfield/internal/journal"
)

// NodeID identifies a graph node. Observation nodes use their journal
// sequence id; meta-pattern nodes use negative ids.
type NodeID int64

// ObservationNodeID returns the node id of a journal sequence id.
func ObservationNodeID(seq uint64) NodeID { return NodeID(seq) }

// Sequence returns the journal sequence id of an observation node.
func (id NodeID) Sequence() (uint64, bool) {
	if id < 0 {
		return 0, false
	}
	return uint64(id), true
}

// Relation tags an edge.
type Relation string

const (
	// RelationSimilarContext links two contextually similar observations.
	RelationSimilarContext Relation = "similar_context"

	// RelationConsolidates links a meta-pattern node to a constituent.
	RelationConsolidates Relation = "consolidates"
)

// Node is one retained observation or a meta-pattern node.
type Node struct {
	ID            NodeID          `json:"id"`
	OperationType string          `json:"operation_type"`
	Outcome       journal.Outcome `json:"outcome,omitempty"`
	Timestamp     string          `json:"timestamp"`

	// Context holds the observation's context values rendered as strings.
	Context map[string]string `json:"context,omitempty"`

	// CreatedAt is the parsed timestamp; falls back to ingest time.
	CreatedAt time.Time `json:"created_at"`

	// Meta-pattern fields.
	Meta         bool     `json:"meta,omitempty"`
	ClusterKey   string   `json:"cluster_key,omitempty"`
	Constituents []NodeID `json:"constituents,omitempty"`
}

// Sequence returns the observation sequence id of the node.
func (n Node) Sequence() (uint64, bool) {
	if n.Meta {
		return 0, false
	}
	return n.ID.Sequence()
}

// Discriminator renders the first of keys present in the node context as
// "key=value", matching journal.Observation.Discriminator.
func (n Node) Discriminator(keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := n.Context[k]; ok && v != "" {
			return k + "=" + v, true
		}
	}
	return "", false
}

func (n Node) clone() Node {
	out := n
	if n.Context != nil {
		out.Context = make(map[string]string, len(n.Context))
		for k, v := range n.Context {
			out.Context[k] = v
		}
	}
	out.Constituents = slices.Clone(n.Constituents)
	return out
}

// Edge is a directed, weighted link between two nodes.
type Edge struct {
	ID   uint64 `json:"id"`
	From NodeID `json:"from"`
	To   NodeID `json:"to"`

	// Weight is the current weight in [0,1].
	Weight float64 `json:"weight"`

	// OriginalWeight is the pre-decay baseline decay is computed from.
	OriginalWeight float64 `json:"original_weight"`

	Relation  Relation  `json:"relation"`
	CreatedAt time.Time `json:"created_at"`
}

// Pair returns the unordered endpoint pair of the edge.
func (e Edge) Pair() [2]NodeID {
	if e.From < e.To {
		return [2]NodeID{e.From, e.To}
	}
	return [2]NodeID{e.To, e.From}
}

// Other returns the endpoint of e that is not id.
func (e Edge) Other(id NodeID) NodeID {
	if e.From == id {
		return e.To
	}
	return e.From
}
