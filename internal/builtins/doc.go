// Package builtins provides the tools the interviewing model can call.
//
// # Tool Packs
//
// Base Pack (builtin:base):
//
//   - next_phase: Advance to the next interview phase (escape tool)
//   - set_objective_status: Record progress on an objective
//
// Notes Pack (builtin:notes):
//
//   - update_notes: Append to the model's scratchpad (escape tool)
//
// UI Pack (builtin:ui):
//
//   - get_user_option: Show a choice card and wait for a selection
//   - get_user_upload: Show an upload card and wait for documents
//   - submit_for_validation: Show collected data for approval
//
// Artifact Pack (builtin:artifacts):
//
//   - update_artifact: Create or replace an artifact
//   - create_timeline_card, update_timeline_card, delete_timeline_card,
//     reorder_timeline_cards: Edit the career timeline
//
// # State
//
// Tools never mutate stores directly. They publish events on the bus and the
// stores apply them; reads go through the PhaseReader, ObjectiveReader and
// ArtifactReader interfaces in Deps.
//
// # User Interaction
//
// Interactive tools return a packs.WaitRequest. The router shows the card,
// registers the continuation and calls the tool's continuation with the
// user's payload:
//
//	get_user_option       {"selected":["a"],"custom_text":"..."}
//	get_user_upload       {"files":[{"name":"cv.pdf","text":"..."}]} or {"skipped":true}
//	submit_for_validation {"decision":"approved"|"modified"|"rejected","data":{...}}
package builtins
