// Package cache holds the principal resolution cache shared by every worker,
// and its persisted snapshot.
package cache

import (
	"strings"

	"github.com/puzpuzpuz/xsync"

	"github.com/specterops/dirhound/pkg/kinds"
)

// Identity is a resolved directory principal: its output identifier (SID or
// GUID, upper-cased) and its kind.
type Identity struct {
	ID   string     `codec:"i"`
	Kind kinds.Kind `codec:"k"`
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.ID == ""
}

// Cache maps four key spaces to resolved identities. All keys are
// upper-cased. The first value stored for a key is kept for the lifetime of
// the cache; later Adds for the same key are ignored.
type Cache struct {
	dns       *xsync.MapOf[string, Identity]
	kinds     *xsync.MapOf[string, kinds.Kind]
	fragments *xsync.MapOf[string, []string]
	accounts  *xsync.MapOf[string, Identity]
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		dns:       xsync.NewMapOf[Identity](),
		kinds:     xsync.NewMapOf[kinds.Kind](),
		fragments: xsync.NewMapOf[[]string](),
		accounts:  xsync.NewMapOf[Identity](),
	}
}

func key(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func accountKey(account, domain string) string {
	return key(account) + "@" + key(domain)
}

// TryGetDN looks up an identity by distinguished name.
func (c *Cache) TryGetDN(dn string) (Identity, bool) {
	return c.dns.Load(key(dn))
}

// AddDN stores the identity of a distinguished name if none is known yet.
func (c *Cache) AddDN(dn string, id Identity) {
	if dn == "" || id.IsZero() {
		return
	}
	c.dns.LoadOrStore(key(dn), id)
}

// TryGetKind looks up the kind of an identifier.
func (c *Cache) TryGetKind(id string) (kinds.Kind, bool) {
	return c.kinds.Load(key(id))
}

// AddKind stores the kind of an identifier if none is known yet.
func (c *Cache) AddKind(id string, k kinds.Kind) {
	if id == "" {
		return
	}
	c.kinds.LoadOrStore(key(id), k)
}

// TryGetFragment looks up the identifiers matching a name fragment, such as
// a NetBIOS host name.
func (c *Cache) TryGetFragment(fragment string) ([]string, bool) {
	ids, ok := c.fragments.Load(key(fragment))
	if !ok {
		return nil, false
	}
	return append([]string(nil), ids...), true
}

// AddFragment stores the identifiers for a name fragment if none are known yet.
func (c *Cache) AddFragment(fragment string, ids []string) {
	if fragment == "" || len(ids) == 0 {
		return
	}
	c.fragments.LoadOrStore(key(fragment), append([]string(nil), ids...))
}

// TryGetAccount looks up an identity by account name and domain.
func (c *Cache) TryGetAccount(account, domain string) (Identity, bool) {
	return c.accounts.Load(accountKey(account, domain))
}

// AddAccount stores the identity of an account if none is known yet.
func (c *Cache) AddAccount(account, domain string, id Identity) {
	if account == "" || id.IsZero() {
		return
	}
	c.accounts.LoadOrStore(accountKey(account, domain), id)
}

// Stats reports the number of keys in each space.
type Stats struct {
	DNs       int
	Kinds     int
	Fragments int
	Accounts  int
}

// Stats returns the current key counts.
func (c *Cache) Stats() Stats {
	return Stats{
		DNs:       c.dns.Size(),
		Kinds:     c.kinds.Size(),
		Fragments: c.fragments.Size(),
		Accounts:  c.accounts.Size(),
	}
}
