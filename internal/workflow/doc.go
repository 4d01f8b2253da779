// Package workflow drives closed sessions through the record pipeline.
//
// A single manager loop polls the store for the oldest actionable session,
// advances it one stage (reconcile, extract, publish) via the stage.Handler
// contract, and persists every transition. In-flight sessions carry
// heartbeats; sessions abandoned by a dead daemon are rolled back to the
// start of their stage and picked up again.
package workflow
