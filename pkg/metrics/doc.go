/*
Package metrics exposes Prometheus instrumentation for the commit protocol,
sector stores, and constraint engine.

Commit-path counters and histograms are updated by pkg/conglomerate around
each process_commit call; the blob store's sector metrics are also updated
by pkg/conglomerate, after each commit and each blob-store compaction.
Handler() serves the standard /metrics text exposition
format for scraping.
*/
package metrics
