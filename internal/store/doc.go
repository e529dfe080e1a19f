// Package store persists pipeline state in SQLite: discovered interviews,
// their tracked files, and one stage run row per interview and stage.
// Claims, outcome transitions, and lease reclaims are conditional UPDATEs
// so multiple orchestrator instances can share one database safely.
package store
