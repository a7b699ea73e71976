package collector

import (
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync"

	"github.com/specterops/dirhound/internal/acl"
	"github.com/specterops/dirhound/internal/graph"
	"github.com/specterops/dirhound/pkg/kinds"
)

// DCRegistry collects the domain controllers seen by the workers, keyed by
// computer SID.
type DCRegistry struct {
	dcs *xsync.MapOf[string, string]
}

// NewDCRegistry returns an empty registry.
func NewDCRegistry() *DCRegistry {
	return &DCRegistry{dcs: xsync.NewMapOf[string]()}
}

// Add records computerSID as a domain controller of domain.
func (r *DCRegistry) Add(domain, computerSID string) {
	r.dcs.LoadOrStore(strings.ToUpper(computerSID), strings.ToUpper(domain))
}

// ForDomain returns the sorted SIDs of the controllers of domain.
func (r *DCRegistry) ForDomain(domain string) []string {
	domain = strings.ToUpper(domain)
	var out []string
	r.dcs.Range(func(sid, d string) bool {
		if d == domain {
			out = append(out, sid)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// Len returns the number of registered controllers.
func (r *DCRegistry) Len() int {
	return r.dcs.Size()
}

// DomainInfo names a collected domain.
type DomainInfo struct {
	Name string
	SID  string
}

var wellKnownGroups = []struct {
	sid  string
	name string
}{
	{acl.SIDEveryone, "EVERYONE"},
	{acl.SIDAuthenticatedUsers, "AUTHENTICATED USERS"},
	{acl.SIDEnterpriseDomainControllers, "ENTERPRISE DOMAIN CONTROLLERS"},
}

// WellKnownRecords builds the Everyone, Authenticated Users and Enterprise
// Domain Controllers groups of every domain. The last one lists the
// controllers registered in dcs.
func WellKnownRecords(domains []DomainInfo, dcs *DCRegistry) []graph.Record {
	var records []graph.Record
	for _, d := range domains {
		domain := strings.ToUpper(d.Name)
		if domain == "" {
			continue
		}
		for _, wk := range wellKnownGroups {
			g := graph.NewGroup(domain + "-" + wk.sid)
			g.SetProperty("name", wk.name+"@"+domain)
			g.SetProperty("domain", domain)
			g.SetProperty("domainsid", strings.ToUpper(d.SID))
			g.SetProperty("highvalue", false)

			if wk.sid == acl.SIDEnterpriseDomainControllers && dcs != nil {
				for _, dc := range dcs.ForDomain(domain) {
					g.Members = append(g.Members, graph.NewTypedPrincipal(dc, kinds.Computer))
				}
			}
			records = append(records, g)
		}
	}
	return records
}
