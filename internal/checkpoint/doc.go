// Package checkpoint captures and restores interview sessions.
//
// A Snapshot holds the phase, the objective ledger, the transcript, the last
// clean stream queue anchor, the model configuration, the displayed card and
// the artifacts. Encode wraps the JSON body in an envelope carrying its
// SHA-256 checksum; Decode rejects any envelope whose body does not match.
//
// Restore validates the whole snapshot before touching any store. After a
// restore with a non-empty transcript the stream queue reports that the first
// response has already streamed, and the gatekeeper has recomputed the
// allowed tools from the restored phase and objectives.
//
// Pending continuations are not part of a snapshot. A restored card keeps its
// content but loses its token, so the UI can show it while the model asks
// again.
package checkpoint
