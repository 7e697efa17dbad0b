/*
Package types provides the shared type definitions for the Conductor
orchestration core.

types is the lowest-level package with no internal dependencies, so every
cross-package contract lives here to avoid circular imports:

  - AgentSpec          — immutable agent catalog entry (capabilities, can_call, limits)
  - AgentResult        — the outcome of one execution attempt
  - Issue / Severity   — structured findings attached to a result
  - Usage              — tokens, wall time and cost of an attempt
  - Error / ErrorCode  — structured error taxonomy with a Retryable marker
  - Context helpers    — WithRunID / WithTraceID / WithCallStack propagation
*/
package types
