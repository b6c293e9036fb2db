// Package packs holds the tool system: the registry of tool packs, the live
// call table and the router that executes calls requested by the model.
//
// # Tool Routing
//
// For every call the router:
//
//  1. Records a pending call (call ids are unique while live)
//  2. Asks the gate whether the tool is currently permitted
//  3. Validates the arguments against the tool's input schema
//  4. Runs the handler
//  5. Delivers the result, or suspends the call on a continuation token
//
// A refused, invalid or failed call never escapes as a Go error. It becomes a
// structured error result the model can recover from:
//
//	{"error":{"code":"gating_violation","message":"..."}}
//
// # Suspension
//
// A handler that needs the user returns a WaitRequest. The router shows the
// request's card with the continuation token attached, registers the wait and
// later re-enters the resolution payload through the same delivery path. A
// cancellation payload skips the handler's continuation and is delivered as is.
package packs
