// Package state holds the single-writer stores of the orchestration core.
//
// Each store owns exactly one mutex and is mutated only from its own bus
// handlers, so no lock is ever held across two stores. Because the bus
// delivers one event at a time, every store sees its inbound events strictly
// in publish order. Readers take a read lock and receive copies.
//
// Restore methods bypass the bus. They exist for the checkpoint coordinator,
// which calls them once at session start before any producer runs.
package state
