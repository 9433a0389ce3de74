// Package syncprov implements the provider side of directory content
// synchronization.
//
// A Provider sits in front of a directory Backend. Every write goes through
// Provider.Write, which serializes writes per entry, matches the entry against
// live subscriptions before and after the commit, advances the context CSN
// vector, records the change in the session log and checkpoints the vector
// when the configured thresholds are crossed.
//
// Consumers call Provider.Subscribe with an optional cookie. A refresh-only
// request receives the changes since the cookie followed by a done marker. A
// refresh-and-persist request additionally stays registered after the refresh
// and receives every later matching change from a background delivery task
// until it is abandoned or cancelled.
package syncprov
