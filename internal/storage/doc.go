// Package storage is the durable appdata layer shared by all concurrent runs.
//
// It records:
//   - seen hashes (result dedup across restarts)
//   - expansion cache (last lookup time per entity)
//   - pagination cursors (resume an interrupted run at the last committed page)
//   - generator bookkeeping (entities already turned into tasks)
//
// The process must not operate without it: losing the dedup store risks
// unbounded duplicate writes, so open failures are fatal at startup.
package storage
