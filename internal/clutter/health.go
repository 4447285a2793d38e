package clutter

import (
	"time"

	"github.com/fyrsmithlabs/goatfield/internal/graph"
)

// Health status values.
const (
	StatusHealthy    = "healthy"
	StatusFragmented = "fragmented"
)

// ClutterStats breaks down current clutter and the last repair.
type ClutterStats struct {
	ClutterEdges         int `json:"clutter_edges"`
	ClutterNodes         int `json:"clutter_nodes"`
	LowConnectivityNodes int `json:"low_connectivity_nodes"`
	MetaPatternNodes     int `json:"meta_pattern_nodes"`

	LastRemovedEdges         int `json:"last_removed_edges"`
	LastArchivedNodes        int `json:"last_archived_nodes"`
	LastConsolidatedClusters int `json:"last_consolidated_clusters"`
	LastReinforcedEdges      int `json:"last_reinforced_edges"`
}

// HealthReport is the operator-facing view of the graph.
type HealthReport struct {
	NodeCount         int          `json:"node_count"`
	EdgeCount         int          `json:"edge_count"`
	Status            string       `json:"status"`
	ClutterStats      ClutterStats `json:"clutter_stats"`
	LastRepairTime    *time.Time   `json:"last_repair_time"`
	ArchivedNodeCount int          `json:"archived_node_count"`
}

// Health reports graph size, clutter, and the last repair. The graph is
// fragmented when more than half of its observation nodes are below the
// minimum degree.
func (e *Engine) Health() HealthReport {
	now := e.now()
	report := e.DetectClutter(now)

	var observationNodes, lowConnectivity, metaNodes int
	for _, n := range e.graph.Nodes() {
		if n.Meta {
			metaNodes++
			continue
		}
		observationNodes++
		if e.graph.Degree(n.ID) < e.cfg.MinNodeDegree {
			lowConnectivity++
		}
	}

	status := StatusHealthy
	if observationNodes > 0 && lowConnectivity*2 > observationNodes {
		status = StatusFragmented
	}

	e.mu.RLock()
	last := e.lastResult
	var lastRepair *time.Time
	if !e.lastRepair.IsZero() {
		t := e.lastRepair
		lastRepair = &t
	}
	e.mu.RUnlock()

	return HealthReport{
		NodeCount: e.graph.NodeCount(),
		EdgeCount: e.graph.EdgeCount(),
		Status:    status,
		ClutterStats: ClutterStats{
			ClutterEdges:             len(report.Edges),
			ClutterNodes:             len(report.Nodes),
			LowConnectivityNodes:     lowConnectivity,
			MetaPatternNodes:         metaNodes,
			LastRemovedEdges:         last.RemovedEdges,
			LastArchivedNodes:        last.ArchivedNodes,
			LastConsolidatedClusters: last.ConsolidatedClusters,
			LastReinforcedEdges:      last.ReinforcedEdges,
		},
		LastRepairTime:    lastRepair,
		ArchivedNodeCount: e.archive.Count(),
	}
}

// Graph returns the graph the engine maintains.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}
