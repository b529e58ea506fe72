/*
Package metrics defines and registers SoliDB's Prometheus metrics.

All collectors are registered at package init against the default
registry. The replication log and apply path, the peer set and pong
handling (connected peers, per-peer lag), shard rebalancing/healing,
and the offline sync queue update theirs inline. The document-write,
batch-write, index-entry, query, and shard-state collectors are
registered but nothing in this repository updates them. The Collector
type runs gauge samplers on a fixed interval; the node daemon supplies
one that samples per-collection document counts from the engine.

The embedding process mounts Handler() wherever its HTTP surface lives:

	http.Handle("/metrics", metrics.Handler())

HealthHandler, ReadyHandler, and LivenessHandler expose the component
health registry for orchestrated deployments.
*/
package metrics
