/*
Package storage unifies the hub's three durable stores behind one facade.

	┌──────────────────────── Facade (Store) ────────────────────────┐
	│  agent-id normalization · input validation · transition rules  │
	│  blob-before-metadata artifact sequencing · stalled-task sweep │
	└──────┬──────────────────────┬──────────────────────┬───────────┘
	       │                      │                      │
	  TaskBackend            ObjectBackend           LogBackend
	       │                      │                      │
	  PostgresStore          MinioStore              MongoStore
	  (tasks, progress,      (screenshots,           (agent_logs,
	   artifact metadata)     binaries buckets)       append-only)

MemoryStore implements all three backends for tests and dev mode.

The worker loop and the hub API depend only on the Store interface. Two
contracts deserve calling out:

Claim. ClaimNextPending is the only way a task leaves pending. The
Postgres implementation claims with a single statement whose inner select
takes a row lock with SKIP LOCKED, so for any number of concurrent
claimers each task is handed to exactly one of them, oldest first.

Artifacts. UploadArtifact writes the blob first and the metadata row
second. A failure between the two leaves an orphaned blob, never a
dangling metadata row; orphans are harmless and swept by reconciliation.

All backend errors are wrapped into the package's error kinds
(ErrNotFound, ErrConflict, ErrValidation, ErrUnavailable) so callers
branch with errors.Is and never import a driver.
*/
package storage
