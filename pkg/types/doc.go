/*
Package types defines the shared data model for the hub: tasks, progress
entries, artifact metadata, and diagnostic log entries.

The task state machine:

	pending ──> assigned ──> in_progress ──> completed
	   │            │             │     └──> failed
	   └──> cancelled <───────────┘

The pending edges back out of assigned and in_progress are reserved for the
stalled-task sweep; once a task reaches completed, failed, or cancelled it is
terminal and only its response metadata may still change.

Task metadata is a tagged variant: the known keys (assigned_agent_id,
response, response_updated_at, last_agent, result) are typed fields, and any
other key round-trips through the open-ended Extra map.

This package is imported by every other package and therefore stays
dependency-free.
*/
package types
