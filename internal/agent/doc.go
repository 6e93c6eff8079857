// Package agent owns the registry of role-bound worker identities. Agents
// never execute anything themselves; the scheduler acquires one, runs the
// subtask through an executor backend and releases it. Role assignment is
// immutable after creation.
package agent
