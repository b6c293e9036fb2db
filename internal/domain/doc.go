// Package domain holds the value types of the intake interview.
//
// Phases are ordered (profile → history → review → complete) and each owns a
// fixed list of objectives in priority order. Cards, waiting states,
// artifacts and transcript messages are plain values; the stores in
// internal/state own the live copies.
package domain
