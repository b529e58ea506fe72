/*
Package log provides structured logging for SoliDB using zerolog.

A single global logger is configured once at startup via Init, choosing
between JSON output (production) and a human-readable console writer
(development). Components that own background loops — the replication
peer loops, the shard healer, the TTL sweeper — take child loggers via
the With* helpers so every line carries its origin.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("replication")
	logger.Info().Str("peer", addr).Msg("peer connected")
*/
package log
