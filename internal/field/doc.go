// Package field runs the reflective journal as one service.
//
// A Service owns the relationship graph derived from the journal and wires
// the clutter engine, the pattern extractor, the review gate and the
// insight compiler around it. Producers call Observe; the background
// scheduler and operators call Reflect and Compact; reviewers decide
// proposals; consumers read compiled insights.
//
// The journal is the source of truth. On start the graph is loaded from its
// snapshot when the snapshot fits the journal, otherwise rebuilt from the
// journal minus archived observations, and then caught up.
package field
