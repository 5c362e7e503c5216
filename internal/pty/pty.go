// Package pty defines the pseudo-terminal collaborator contract and a
// local implementation backed by creack/pty.
package pty

// Options configures a spawned pseudo-terminal.
type Options struct {
	Shell      string
	WorkingDir string
	Cols       int
	Rows       int
	Env        map[string]string
}

// Handle is one live pseudo-terminal. Data and exit subscriptions return a
// cancel function; the owner collects these and releases them on teardown.
type Handle interface {
	OnData(fn func(data []byte)) (cancel func())
	OnExit(fn func(code int)) (cancel func())
	Write(data []byte) error
	Resize(cols, rows int) error
	Kill() error
}

// Factory spawns pseudo-terminals.
type Factory interface {
	Spawn(opts Options) (Handle, error)
}
