// Package core defines the domain model shared by the warden packages.
//
// # Architecture Overview
//
// The core package provides:
//   - Directive types (Family, Selector, Directive, DeployOutcome)
//   - Alert log and case types persisted by the storage package
//   - The command error taxonomy reported back to operators
//   - Shared runtime helpers: WorkerPool, CircuitBreaker, EventDeduper
//
// # Design Principles
//
//  1. Interfaces are defined where used (consumer package), not where implemented
//  2. Small, focused interfaces (1-3 methods ideal)
//  3. Accept interfaces, return concrete types
//  4. context.Context as first parameter for blocking calls
//  5. Typed errors with proper wrapping
package core
