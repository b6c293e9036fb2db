// Package dedupe provides a TTL cache where the first value stored under a
// key wins until it expires. Continuation tracking uses it to remember how a
// token was resolved; the UI bridge uses it to drop replayed actions.
package dedupe
