// Package sid resolves SIDs, distinguished names, account names and host names
// to directory identities. Every lookup tries well-known SIDs first, then the
// shared cache, then the directory, and stores what the directory returned.
package sid

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/specterops/dirhound/internal/acl"
	"github.com/specterops/dirhound/internal/cache"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/internal/utils"
)

const dnsTimeout = 5 * time.Second

// Resolver resolves principals for one domain.
type Resolver struct {
	searcher   ldap.Searcher
	cache      *cache.Cache
	domain     string
	domainSID  string
	nameserver string
	logger     logger.LoggerInterface

	mu          sync.RWMutex
	domainNames map[string]struct{}
}

// NewResolver creates a resolver for domain backed by searcher and c.
func NewResolver(searcher ldap.Searcher, c *cache.Cache, domain, domainSID, nameserver string, log logger.LoggerInterface) *Resolver {
	domain = strings.ToUpper(domain)
	r := &Resolver{
		searcher:    searcher,
		cache:       c,
		domain:      domain,
		domainSID:   strings.ToUpper(domainSID),
		nameserver:  nameserver,
		logger:      log,
		domainNames: map[string]struct{}{domain: {}},
	}
	if i := strings.IndexByte(domain, '.'); i > 0 {
		r.domainNames[domain[:i]] = struct{}{}
	}
	return r
}

func (r *Resolver) Domain() string    { return r.domain }
func (r *Resolver) DomainSID() string { return r.domainSID }

// LoadDomainNames learns the NetBIOS name of the domain from the
// configuration partition, so that sessions reported as CORP\alice resolve.
func (r *Resolver) LoadDomainNames(ctx context.Context, configurationDN string) {
	if configurationDN == "" {
		return
	}
	err := r.searcher.Search(ctx, &ldap.SearchRequest{
		BaseDN:     "CN=Partitions," + configurationDN,
		Scope:      ldap.ScopeOneLevel,
		Filter:     ldap.And(ldap.Eq("objectClass", "crossRef"), ldap.Present("nETBIOSName"), ldap.Eq("dnsRoot", strings.ToLower(r.domain))).String(),
		Attributes: []string{"nETBIOSName"},
	}, func(e *ldap.Entry) error {
		r.AddDomainName(e.GetString("nETBIOSName"))
		return nil
	})
	if err != nil {
		r.logger.Debug("Could not read NetBIOS domain name: " + err.Error())
	}
}

// AddDomainName registers an alias of the collected domain.
func (r *Resolver) AddDomainName(name string) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return
	}
	r.mu.Lock()
	r.domainNames[name] = struct{}{}
	r.mu.Unlock()
}

// IsLocalDomain reports whether name is the collected domain or one of its aliases.
func (r *Resolver) IsLocalDomain(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.domainNames[strings.ToUpper(strings.TrimSpace(name))]
	return ok
}

// WellKnown returns the domain-prefixed identity of a well-known SID.
func (r *Resolver) WellKnown(s string) (cache.Identity, bool) {
	s = strings.ToUpper(s)
	if acl.GetWellKnownName(s) == "" {
		return cache.Identity{}, false
	}
	return cache.Identity{ID: r.domain + "-" + s, Kind: wellKnownKind(s)}, true
}

// ResolveSID resolves a SID string to an identity.
func (r *Resolver) ResolveSID(ctx context.Context, s string) (cache.Identity, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return cache.Identity{}, false
	}
	if id, ok := r.WellKnown(s); ok {
		return id, true
	}
	if k, ok := r.cache.TryGetKind(s); ok {
		return cache.Identity{ID: s, Kind: k}, true
	}

	value, err := acl.SIDFilterValue(s)
	if err != nil {
		r.logger.Trace("Unparseable SID " + s)
		return cache.Identity{}, false
	}
	e, err := ldap.FindOne(ctx, r.searcher, "", ldap.ScopeSubtree, ldap.EqRaw("objectSid", value).String(), IdentityAttributes)
	if err != nil {
		r.logger.Trace("SID " + s + " not found in the directory")
		return cache.Identity{}, false
	}
	id := cache.Identity{ID: s, Kind: KindOf(e)}
	r.remember(e.DN, id)
	return id, true
}

// ResolveDN resolves a distinguished name to an identity.
func (r *Resolver) ResolveDN(ctx context.Context, dn string) (cache.Identity, bool) {
	if strings.TrimSpace(dn) == "" {
		return cache.Identity{}, false
	}
	if id, ok := r.cache.TryGetDN(dn); ok {
		return id, true
	}
	e, err := ldap.FindOne(ctx, r.searcher, dn, ldap.ScopeBase, "(objectClass=*)", IdentityAttributes)
	if err != nil {
		r.logger.Trace("DN " + dn + " not found in the directory")
		return cache.Identity{}, false
	}
	id, ok := r.identityOf(e)
	if !ok {
		return cache.Identity{}, false
	}
	r.remember(dn, id)
	return id, true
}

// ResolveAccount resolves a samAccountName in domain to an identity. Accounts
// of foreign domains are not resolved.
func (r *Resolver) ResolveAccount(ctx context.Context, account, domain string) (cache.Identity, bool) {
	account = strings.TrimSpace(account)
	if account == "" {
		return cache.Identity{}, false
	}
	if domain == "" {
		domain = r.domain
	}
	if id, ok := r.cache.TryGetAccount(account, domain); ok {
		return id, true
	}
	if !r.IsLocalDomain(domain) {
		return cache.Identity{}, false
	}

	e, err := ldap.FindOne(ctx, r.searcher, "", ldap.ScopeSubtree, ldap.Eq("samAccountName", account).String(), IdentityAttributes)
	if err != nil {
		r.logger.Trace("Account " + domain + "\\" + account + " not found in the directory")
		return cache.Identity{}, false
	}
	id, ok := r.identityOf(e)
	if !ok {
		return cache.Identity{}, false
	}
	r.cache.AddAccount(account, domain, id)
	r.remember(e.DN, id)
	return id, true
}

// ResolveHost resolves a host name, FQDN or IP address to the SID of its
// computer account.
func (r *Resolver) ResolveHost(ctx context.Context, host string) (string, bool) {
	host = strings.TrimSpace(strings.TrimPrefix(host, `\\`))
	if host == "" {
		return "", false
	}
	if utils.IsIPAddr(host) {
		name, err := utils.DNSReverse(ctx, host, r.nameserver, dnsTimeout)
		if err != nil {
			r.logger.Trace("No PTR record for " + host)
			return "", false
		}
		host = name
	}

	short := utils.ShortName(host)
	if ids, ok := r.cache.TryGetFragment(short); ok && len(ids) > 0 {
		return ids[0], true
	}
	if id, ok := r.cache.TryGetAccount(short+"$", r.domain); ok {
		return id.ID, true
	}

	filter := ldap.And(
		ldap.FilterComputers,
		ldap.Or(ldap.Eq("samAccountName", short+"$"), ldap.Eq("dNSHostName", strings.ToLower(host))),
	)
	e, err := ldap.FindOne(ctx, r.searcher, "", ldap.ScopeSubtree, filter.String(), IdentityAttributes)
	if err != nil {
		r.logger.Trace("Host " + host + " not found in the directory")
		return "", false
	}
	id, ok := IdentityOf(e)
	if !ok {
		return "", false
	}
	r.cache.AddFragment(short, []string{id.ID})
	r.cache.AddAccount(short+"$", r.domain, id)
	r.remember(e.DN, id)
	return id.ID, true
}

// Remember records a freshly read entry so later lookups hit the cache.
func (r *Resolver) Remember(e *ldap.Entry) (cache.Identity, bool) {
	id, ok := r.identityOf(e)
	if !ok {
		return id, false
	}
	r.remember(e.DN, id)
	return id, true
}

// identityOf is IdentityOf with well-known SIDs domain-prefixed.
func (r *Resolver) identityOf(e *ldap.Entry) (cache.Identity, bool) {
	id, ok := IdentityOf(e)
	if !ok {
		return id, false
	}
	if wk, ok := r.WellKnown(id.ID); ok {
		return wk, true
	}
	return id, true
}

func (r *Resolver) remember(dn string, id cache.Identity) {
	r.cache.AddKind(id.ID, id.Kind)
	r.cache.AddDN(dn, id)
}
