package bot

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Cache is the in-memory index of current credentials. Entries live for the process
// lifetime. Writers for different users never contend on a shared lock, and readers see
// either the previous or the new Credential value, never a mix.
type Cache struct {
	m *xsync.MapOf[string, Credential]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{m: xsync.NewMapOf[string, Credential]()}
}

// Set stores cred under userID, replacing any previous value.
func (c *Cache) Set(userID string, cred Credential) {
	c.m.Store(userID, cred)
}

// Get returns the credential for userID.
func (c *Cache) Get(userID string) (Credential, bool) {
	return c.m.Load(userID)
}

// Len returns the number of cached users.
func (c *Cache) Len() int { return c.m.Size() }

// Snapshot copies the current entries. Ordering is unspecified.
func (c *Cache) Snapshot() []Credential {
	out := make([]Credential, 0, c.m.Size())
	c.m.Range(func(_ string, cred Credential) bool {
		out = append(out, cred)
		return true
	})
	return out
}
