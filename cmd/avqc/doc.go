// Command avqc orchestrates the clinical interview AV processing pipeline:
// it discovers recordings, tracks per-stage state in SQLite, and drives
// external QC tools through a retrying scheduler.
package main
