// Package worker implements the per-agent polling loop.
//
// One Worker serves one agent identity. Its life is a cycle:
//
//	┌──────┐  claim   ┌───────────┐  execute  ┌─────────┐
//	│ Idle │ ───────► │ Preparing │ ────────► │ Running │
//	└──────┘          └───────────┘           └─────────┘
//	    ▲                   │ (infra failure:       │ driver exits,
//	    │                   │  leave assigned)      │ times out, or
//	    │                   ▼                       ▼ is cancelled
//	    │              sweep reclaims        ┌──────────┐
//	    └──────────────────────────────────  │ Finalize │
//	                                         └──────────┘
//
// While the driver runs, a progress pump heartbeats every Heartbeat interval
// and polls for external cancellation; the pump and the driver call share an
// errgroup so neither outlives the other. Finalize extracts the response
// from driver stdout, uploads screenshots, merges metadata, appends the
// terminal progress row at 100 percent, and writes the terminal status with
// bounded retries.
//
// Crash safety comes from the claim protocol plus the stalled-task sweep: a
// worker that dies mid-task leaves the row claimed, and the sweep returns it
// to pending once the grace interval passes with no progress.
package worker
