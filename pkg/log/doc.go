/*
Package log provides structured logging for the hub using zerolog.

Call Init once at process start, then derive child loggers with the With*
helpers so every line carries its component and, where relevant, the agent
and task it belongs to:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("worker")
	logger.Info().Int64("task_id", id).Msg("task picked up")

Console output (the default) is for interactive use; JSON output is for
production where lines are shipped to a collector. This package is process
diagnostics only: durable, queryable agent logs go to the Mongo log store
through the storage facade instead.
*/
package log
