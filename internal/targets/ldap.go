// Package targets provides the producers that feed directory entries into
// the collection pipeline.
package targets

import (
	"context"
	"errors"
	"fmt"

	"github.com/specterops/dirhound/internal/collector"
	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/logger"
)

// errStopped is returned through the search callback when the consumer no
// longer accepts entries.
var errStopped = errors.New("producer stopped")

// BuildFilter returns the LDAP filter selecting every object the methods in m
// need, ANDed with extra when set.
func BuildFilter(m config.CollectionMethod, extra string) ldap.Filter {
	var parts []ldap.Filter
	if m.Any(config.MethodGroup | config.MethodACL | config.MethodObjectProps) {
		parts = append(parts, ldap.FilterUsers, ldap.FilterComputers, ldap.FilterGroups, ldap.FilterGMSA)
	}
	if m.Any(config.MethodACL | config.MethodObjectProps | config.MethodContainer) {
		parts = append(parts, ldap.FilterOUs, ldap.FilterContainers, ldap.FilterGPOs, ldap.FilterDomains)
	}
	if m.Has(config.MethodTrusts) {
		parts = append(parts, ldap.FilterDomains)
	}
	if m.NeedsComputers() {
		parts = append(parts, ldap.FilterComputers)
	}
	return ldap.And(ldap.Or(dedupe(parts)...), ldap.Raw(extra))
}

func dedupe(filters []ldap.Filter) []ldap.Filter {
	seen := make(map[string]bool, len(filters))
	out := filters[:0]
	for _, f := range filters {
		if s := f.String(); !seen[s] {
			seen[s] = true
			out = append(out, f)
		}
	}
	return out
}

// LDAPProducer streams the entries of one paged directory query.
type LDAPProducer struct {
	searcher ldap.Searcher
	req      ldap.SearchRequest
	log      logger.LoggerInterface
}

// NewLDAPProducer builds the query for the collection methods, extra filter
// and search base of cfg.
func NewLDAPProducer(searcher ldap.Searcher, cfg *config.Config, log logger.LoggerInterface) *LDAPProducer {
	m := cfg.Methods()
	return &LDAPProducer{
		searcher: searcher,
		req: ldap.SearchRequest{
			BaseDN:             cfg.SearchBase(),
			Scope:              ldap.ScopeSubtree,
			Filter:             BuildFilter(m, cfg.LDAPFilter()).String(),
			Attributes:         collector.Attributes(m),
			SecurityDescriptor: collector.WantsSecurityDescriptor(m),
		},
		log: log,
	}
}

// Filter returns the LDAP filter of the query.
func (p *LDAPProducer) Filter() string { return p.req.Filter }

func (p *LDAPProducer) String() string { return "ldap" }

// Produce runs the query and emits every entry until emit refuses one.
func (p *LDAPProducer) Produce(ctx context.Context, emit func(*ldap.Entry) bool) error {
	p.log.Debug("LDAP query: " + p.req.Filter)
	req := p.req
	count := 0
	err := p.searcher.Search(ctx, &req, func(e *ldap.Entry) error {
		if !emit(e) {
			return errStopped
		}
		count++
		return nil
	})
	p.log.Debug(fmt.Sprintf("LDAP producer emitted %d entries", count))
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}
