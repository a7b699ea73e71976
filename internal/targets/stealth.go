package targets

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/specterops/dirhound/internal/collector"
	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/logger"
)

// Attributes whose UNC paths point at the file servers users connect to
var stealthPathAttributes = []string{"homeDirectory", "scriptPath", "profilePath"}

// StealthProducer emits the computers most likely to hold user sessions:
// the file servers referenced by user home, script and profile paths, and
// the domain controllers. The set is computed once and reused.
type StealthProducer struct {
	searcher ldap.Searcher
	base     string
	attrs    []string
	log      logger.LoggerInterface

	once    sync.Once
	loadErr error
	targets map[string]*ldap.Entry
}

// NewStealthProducer returns a producer for the stealth targets under the
// search base of cfg.
func NewStealthProducer(searcher ldap.Searcher, cfg *config.Config, log logger.LoggerInterface) *StealthProducer {
	return &StealthProducer{
		searcher: searcher,
		base:     cfg.SearchBase(),
		attrs:    collector.Attributes(cfg.Methods()),
		log:      log,
		targets:  make(map[string]*ldap.Entry),
	}
}

func (p *StealthProducer) String() string { return "stealth" }

// Load computes the target set. Later calls return the first result.
func (p *StealthProducer) Load(ctx context.Context) error {
	p.once.Do(func() {
		p.loadErr = p.load(ctx)
	})
	return p.loadErr
}

func (p *StealthProducer) load(ctx context.Context) error {
	hosts := make(map[string]struct{})
	pathFilter := ldap.And(ldap.FilterUsers, ldap.Or(
		ldap.Present("homeDirectory"), ldap.Present("scriptPath"), ldap.Present("profilePath"),
	))
	err := p.searcher.Search(ctx, &ldap.SearchRequest{
		BaseDN:     p.base,
		Scope:      ldap.ScopeSubtree,
		Filter:     pathFilter.String(),
		Attributes: stealthPathAttributes,
	}, func(e *ldap.Entry) error {
		for _, attr := range stealthPathAttributes {
			if host := UNCHost(e.GetString(attr)); host != "" {
				hosts[host] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for host := range hosts {
		filter := ldap.And(ldap.FilterComputers, hostFilter(host))
		e, err := ldap.FindOne(ctx, p.searcher, p.base, ldap.ScopeSubtree, filter.String(), p.attrs)
		if err != nil {
			p.log.Debug("Stealth target " + host + " not found in the directory")
			continue
		}
		p.targets[strings.ToUpper(e.DN)] = e
	}

	err = p.searcher.Search(ctx, &ldap.SearchRequest{
		BaseDN:     p.base,
		Scope:      ldap.ScopeSubtree,
		Filter:     ldap.And(ldap.FilterComputers, ldap.FilterDCs).String(),
		Attributes: p.attrs,
	}, func(e *ldap.Entry) error {
		p.targets[strings.ToUpper(e.DN)] = e
		return nil
	})
	if err != nil {
		return err
	}
	p.log.Info(fmt.Sprintf("Found %d stealth targets", len(p.targets)))
	return nil
}

// IsStealthTarget reports whether dn is one of the loaded targets.
func (p *StealthProducer) IsStealthTarget(dn string) bool {
	_, ok := p.targets[strings.ToUpper(dn)]
	return ok
}

// Len returns the number of loaded targets.
func (p *StealthProducer) Len() int { return len(p.targets) }

// Produce loads the targets if needed and emits them in DN order.
func (p *StealthProducer) Produce(ctx context.Context, emit func(*ldap.Entry) bool) error {
	if err := p.Load(ctx); err != nil {
		return err
	}
	dns := make([]string, 0, len(p.targets))
	for dn := range p.targets {
		dns = append(dns, dn)
	}
	sort.Strings(dns)
	for _, dn := range dns {
		if ctx.Err() != nil || !emit(p.targets[dn]) {
			return nil
		}
	}
	return nil
}

// UNCHost returns the lower-cased server of a \\server\share path, or "".
func UNCHost(path string) string {
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, `\\`) {
		return ""
	}
	host, _, _ := strings.Cut(path[2:], `\`)
	return strings.ToLower(strings.TrimSpace(host))
}

func hostFilter(host string) ldap.Filter {
	short := host
	if i := strings.IndexByte(host, '.'); i > 0 {
		short = host[:i]
	}
	return ldap.Or(ldap.Eq("samAccountName", short+"$"), ldap.Eq("dNSHostName", host))
}
