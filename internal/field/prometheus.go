package field

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/goatfield/internal/review"
)

// RegisterGauges registers graph, journal and review gauges on reg. Values
// are read at scrape time.
func (s *Service) RegisterGauges(reg prometheus.Registerer) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "goatfield",
			Subsystem: "graph",
			Name:      "nodes",
			Help:      "Live nodes in the relationship graph, including meta-pattern nodes.",
		}, func() float64 { return float64(s.graph.NodeCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "goatfield",
			Subsystem: "graph",
			Name:      "edges",
			Help:      "Live edges in the relationship graph.",
		}, func() float64 { return float64(s.graph.EdgeCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "goatfield",
			Subsystem: "graph",
			Name:      "watermark",
			Help:      "One past the highest sequence id ingested into the graph.",
		}, func() float64 { return float64(s.graph.Watermark()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "goatfield",
			Subsystem: "clutter",
			Name:      "archived_nodes",
			Help:      "Observation nodes archived out of the live graph.",
		}, func() float64 { return float64(s.archive.Count()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "goatfield",
			Subsystem: "journal",
			Name:      "length",
			Help:      "Committed observations in the journal.",
		}, func() float64 { return float64(s.journal.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "goatfield",
			Subsystem: "review",
			Name:      "pending_proposals",
			Help:      "Proposals awaiting a review decision.",
		}, func() float64 { return float64(s.gate.Counts()[review.StatusPending]) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
