// Package records assembles and serializes research records.
//
// A record is built from a closed session in three stages that mirror the
// session state machine: reconcile (find the files), extract (read metadata
// and render previews on a bounded worker pool), and publish (enrich from
// the reservation calendar, assemble activities, write XML). Each stage
// persists its output on the session, so a build resumes at the first
// incomplete stage and rebuilding an unchanged session is byte-identical.
package records
