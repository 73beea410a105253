// Package vm implements the dreamvm execution engine.
//
// This package contains:
//   - Tagged Value representation and the reference handle registry
//   - Hybrid ordered/associative lists and their live views
//   - Object definitions, instances and the behavior dispatch chain
//   - Native and bytecode procs, resumable proc states and the scheduler
//   - The Engine context that owns all process-wide tables
package vm
