// Package api exposes the hub over HTTP.
//
// The surface is a chi router with three groups:
//
//	/                 liveness, /health deep store checks, /metrics
//	/task, /tasks     submission, lookup, listing
//	/chat, /agents    chat-style progress feed, live agent view, logs
//	/artifacts        presigned screenshot downloads
//	/admin            task cancellation, agent process control
//
// Task submission round-robins the new task across the configured agents:
// agent_{1 + (task_id mod N)} receives both the task's agent_id and its
// metadata assigned_agent_id, so the claim query and the nominal assignment
// always agree.
//
// Storage error kinds map onto HTTP statuses: validation 400, not found
// 404, conflict 409, unavailable 503. Anything else is a 500 carrying the
// request's correlation id, with the cause logged server-side only.
package api
