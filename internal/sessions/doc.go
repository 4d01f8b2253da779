// Package sessions persists instrument usage sessions in SQLite and exposes
// helpers for driving their record-build lifecycle.
//
// The Store manages database connections, schema initialization, status
// transitions, heartbeat tracking, and stale-session recovery. A session row
// accumulates everything the record build produces along the way: the
// reconciled file list, per-file extraction results, reservation enrichment,
// and the final record path plus completeness flag, so an interrupted build
// can resume at the first incomplete stage.
//
// Treat this package as the single source of truth for lifecycle semantics;
// when you add new statuses or columns, update schema.sql and bump
// schemaVersion.
package sessions
