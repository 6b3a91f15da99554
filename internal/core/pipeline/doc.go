// Package pipeline provides the pure data model for pipeline definitions and
// their executions.
//
// This package is part of the functional core: it performs no I/O. The
// imperative shell (internal/shell/orchestrator) executes the definitions
// described here.
//
// # Model
//
//   - Definition: named, ordered list of stages (the unit the controller mutates)
//   - Stage: named set of actions, grouped by RunOrder
//   - Action: unit of work with declared input and output artifacts
//   - Execution: one run of a definition, with per-stage and per-action records
//
// # Invariants
//
// Validate enforces that an action only consumes artifacts produced by a
// causally-earlier action (an earlier stage, or a lower RunOrder in the same
// stage) and that every artifact has exactly one producer.
//
//	def := pipeline.Definition{Name: "app", Stages: stages}
//	if err := def.Validate(); err != nil { ... }
//	for _, group := range def.Stages[0].Groups() { ... }
package pipeline
