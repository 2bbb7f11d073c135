// Package supervisor owns the per-agent worker processes.
//
// The hub's serve command spawns one worker subprocess per agent in the
// roster, each with AGENT_ID set in its environment and stdout/stderr
// redirected to a per-agent log file. All process handles live inside the
// Supervisor behind a single mutex; nothing else in the hub ever touches a
// child process, so there is exactly one owner for start, stop, and status.
//
// Stop is graceful: SIGTERM first, SIGKILL after the grace window. A worker
// killed mid-task leaves its row claimed; the stalled-task sweep returns it
// to pending.
package supervisor
