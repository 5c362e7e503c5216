// Package store provides the durable key-value collaborator used for
// session persistence.
package store

// Store is a minimal durable key-value contract. Persistence accesses it
// through a single unit of work at a time; implementations only need to
// make individual operations atomic.
type Store interface {
	// Get returns the value for key, reporting whether it exists.
	Get(key string) ([]byte, bool, error)
	// Set writes the value for key, replacing any previous value.
	Set(key string, value []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(key string) error
	// Close releases underlying resources.
	Close() error
}
