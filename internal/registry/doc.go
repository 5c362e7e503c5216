// Package registry owns the set of live terminal sessions: the bounded ID
// pool, creation and deletion, the active-session invariant, and the
// per-session output pipeline.
//
// Lifecycle mutations are serialized through one FIFO operation queue per
// registry: a request does not start until the previous one has fully
// completed, including awaited pseudo-terminal spawn and kill steps. This
// is what prevents duplicate ID allocation and double-deletion under rapid
// concurrent requests.
//
// Each session exclusively owns one pseudo-terminal handle, one output
// buffer, and one scrollback history. Output flows PTY → BufferManager →
// panel sink, with agent detection riding on the same stream. The registry
// also implements the narrow collaborator interfaces the watchdog
// coordinator and agent tracker depend on (session lookup, shell re-init,
// failure notification, session naming).
package registry
