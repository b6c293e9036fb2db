// Package continuation correlates tool calls suspended on human input with
// their eventual resolution.
//
// A tool handler that needs the user returns a wait instead of a result. The
// Tracker records it under an opaque token, publishes the waiting state and
// an optional interim status, and arms a timeout. Whatever happens first
// (Resume with the user's payload, Cancel, CancelTurn or the timeout) resolves
// the token exactly once and hands the payload to the wait's ResumeFunc. Any
// later attempt fails with ErrAlreadyResumed and leaves the first resolution
// untouched.
package continuation
