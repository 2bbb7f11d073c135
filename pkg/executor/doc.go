// Package executor adapts an opaque computer-use driver into a callable the
// worker loop can reason about.
//
// The driver is an external program. This package is the only place that
// knows its command line; everything above sees the Driver interface:
//
//	┌──────────┐   Run(task, workdir, timeout)   ┌─────────────────┐
//	│  worker  │ ──────────────────────────────► │ SubprocessDriver │
//	└──────────┘   *Result | ErrTimeout |        └─────────────────┘
//	               *ExecError{kind}                      │ exec
//	                                                     ▼
//	                                              driver process
//	                                              (cwd = workdir)
//
// Contract with the driver process:
//   - the task text arrives as the final argv element and as
//     TASK_DESCRIPTION in the environment,
//   - the final answer is printed between AGENT_RESPONSE_START and
//     AGENT_RESPONSE_END on stdout,
//   - screenshots land under workdir/screenshots/.
//
// Timeout handling sends SIGTERM first and escalates to SIGKILL after
// KillGrace, so a cooperative driver can flush its output before dying.
package executor
