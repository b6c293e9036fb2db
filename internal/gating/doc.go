// Package gating decides which tools the model may call next.
//
// The decision is a pure function of the current phase, the displayed card,
// the objective statuses, the active waiting state and a runtime exclusion
// set. InferSubphase picks a fine-grained subphase (the displayed card wins
// over objective inference) and Table.Compute maps it to a sorted tool list.
//
// The Gatekeeper is the only writer of the allowed-tool set. It recomputes on
// every state-changing event, publishes AllowedToolsChanged only when the set
// actually changed, and rejects calls outside the last published set with
// orcherr.ErrGatingViolation.
//
// Runtime exclusions come from an OPA rego policy (AdmissionPolicy) that can
// be reloaded while running through PolicyWatcher. The table itself can be
// overridden from a TOML file with LoadTable.
package gating
