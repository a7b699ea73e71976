package collector

import (
	"context"
	"strings"

	"github.com/specterops/dirhound/internal/acl"
	"github.com/specterops/dirhound/internal/graph"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/liveness"
	"github.com/specterops/dirhound/internal/sid"
	"github.com/specterops/dirhound/pkg/kinds"
)

var childFilter = ldap.Or(ldap.FilterUsers, ldap.FilterComputers, ldap.FilterGroups, ldap.FilterOUs, ldap.FilterContainers)

var trustAttributes = []string{"trustPartner", "name", "trustAttributes", "trustDirection", "securityIdentifier"}

// aclStage decodes the object's security descriptor, and for managed
// service accounts the password readers, into ACEs.
func (p *Processor) aclStage(ctx context.Context, w *Work) *Work {
	e := w.Entry
	var perms []acl.Permission
	if raw := e.GetBytes("nTSecurityDescriptor"); len(raw) > 0 {
		perms = p.decoder.Decode(ctx, raw, w.Kind, w.Kind == kinds.Computer && hasLAPS(e))
	}
	if raw := e.GetBytes("msDS-GroupMSAMembership"); len(raw) > 0 {
		perms = append(perms, p.decoder.DecodeGMSA(ctx, raw)...)
	}
	w.Base.Aces = DedupeACEs(perms)
	return w
}

// DedupeACEs converts permissions to ACEs, keeping the first of each
// (principal, right, inherited) triple.
func DedupeACEs(perms []acl.Permission) []graph.ACE {
	type aceKey struct {
		principal string
		right     string
		inherited bool
	}
	seen := make(map[aceKey]struct{}, len(perms))
	aces := make([]graph.ACE, 0, len(perms))
	for _, perm := range perms {
		k := aceKey{perm.Principal.ID, perm.Right, perm.Inherited}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		aces = append(aces, graph.ACE{
			PrincipalSID:  perm.Principal.ID,
			PrincipalType: perm.Principal.Kind.String(),
			RightName:     perm.Right,
			IsInherited:   perm.Inherited,
		})
	}
	return aces
}

// propsStage adds the descriptive properties not needed for graph edges.
func (p *Processor) propsStage(_ context.Context, w *Work) *Work {
	e, b := w.Entry, w.Base
	switch w.Kind {
	case kinds.User:
		b.SetProperty("displayname", e.GetString("displayName"))
		b.SetProperty("email", e.GetString("mail"))
		b.SetProperty("title", e.GetString("title"))
		b.SetProperty("homedirectory", e.GetString("homeDirectory"))
		b.SetProperty("logonscript", e.GetString("scriptPath"))
		b.SetProperty("sidhistory", sidStrings(e))
	case kinds.Computer:
		b.SetProperty("operatingsystemservicepack", e.GetString("operatingSystemServicePack"))
		b.SetProperty("serviceprincipalnames", e.GetStrings("servicePrincipalName"))
		b.SetProperty("sidhistory", sidStrings(e))
	case kinds.Domain:
		b.SetProperty("machineaccountquota", e.GetInt64("ms-DS-MachineAccountQuota"))
		b.SetProperty("minpwdlength", e.GetInt64("minPwdLength"))
		b.SetProperty("pwdhistorylength", e.GetInt64("pwdHistoryLength"))
		b.SetProperty("lockoutthreshold", e.GetInt64("lockoutThreshold"))
	}
	return w
}

func sidStrings(e *ldap.Entry) []string {
	out := []string{}
	for _, raw := range e.Attributes["sidhistory"] {
		if s := acl.SIDString(raw); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// membersStage resolves the member DNs of a group.
func (p *Processor) membersStage(ctx context.Context, w *Work) *Work {
	g, ok := w.Record.(*graph.Group)
	if !ok {
		return w
	}
	seen := make(map[string]struct{})
	for _, dn := range w.Entry.GetStrings("member") {
		id, ok := p.resolver.ResolveDN(ctx, dn)
		if !ok {
			p.log.Trace("Unresolved member " + dn + " of " + w.Entry.DN)
			continue
		}
		if _, dup := seen[id.ID]; dup {
			continue
		}
		seen[id.ID] = struct{}{}
		g.Members = append(g.Members, graph.NewTypedPrincipal(id.ID, id.Kind))
	}
	return w
}

// trustsStage reads the trustedDomain objects under the domain's System container.
func (p *Processor) trustsStage(ctx context.Context, w *Work) *Work {
	d, ok := w.Record.(*graph.Domain)
	if !ok {
		return w
	}
	err := p.searcher.Search(ctx, &ldap.SearchRequest{
		BaseDN:     "CN=System," + w.Entry.DN,
		Scope:      ldap.ScopeOneLevel,
		Filter:     ldap.FilterTrusts.String(),
		Attributes: trustAttributes,
	}, func(e *ldap.Entry) error {
		if t, ok := TrustFromEntry(e); ok {
			d.Trusts = append(d.Trusts, t)
		}
		return nil
	})
	if err != nil {
		p.log.Debug("Could not enumerate trusts of " + w.Domain + ": " + err.Error())
	}
	return w
}

// linksStage resolves the enabled gPLink entries of domains and OUs.
func (p *Processor) linksStage(ctx context.Context, w *Work) *Work {
	var links *[]graph.GPLink
	switch r := w.Record.(type) {
	case *graph.Domain:
		links = &r.Links
	case *graph.OU:
		links = &r.Links
	default:
		return w
	}
	for _, link := range ParseGPLink(w.Entry.GetString("gPLink")) {
		id, ok := p.resolver.ResolveDN(ctx, link.DN)
		if !ok {
			p.log.Trace("Unresolved GPO link " + link.DN)
			continue
		}
		*links = append(*links, graph.GPLink{GUID: id.ID, IsEnforced: link.Enforced})
	}
	return w
}

// childrenStage lists the principals and containers directly below a
// domain, OU or container.
func (p *Processor) childrenStage(ctx context.Context, w *Work) *Work {
	var children *[]graph.TypedPrincipal
	switch r := w.Record.(type) {
	case *graph.Domain:
		children = &r.ChildObjects
	case *graph.OU:
		children = &r.ChildObjects
	case *graph.Container:
		children = &r.ChildObjects
	default:
		return w
	}
	err := p.searcher.Search(ctx, &ldap.SearchRequest{
		BaseDN:     w.Entry.DN,
		Scope:      ldap.ScopeOneLevel,
		Filter:     childFilter.String(),
		Attributes: sid.IdentityAttributes,
	}, func(e *ldap.Entry) error {
		if id, ok := p.resolver.Remember(e); ok {
			*children = append(*children, graph.NewTypedPrincipal(id.ID, id.Kind))
		}
		return nil
	})
	if err != nil {
		p.log.Debug("Could not list children of " + w.Entry.DN + ": " + err.Error())
	}
	return w
}

// delegationStage resolves constrained delegation targets and, for
// computers, resource-based delegation principals.
func (p *Processor) delegationStage(ctx context.Context, w *Work) *Work {
	var delegate *[]graph.TypedPrincipal
	switch r := w.Record.(type) {
	case *graph.User:
		delegate = &r.AllowedToDelegate
	case *graph.Computer:
		delegate = &r.AllowedToDelegate
		if p.decoder != nil {
			if raw := w.Entry.GetBytes("msDS-AllowedToActOnBehalfOfOtherIdentity"); len(raw) > 0 {
				for _, perm := range p.decoder.DecodeGMSA(ctx, raw) {
					r.AllowedToAct = appendPrincipal(r.AllowedToAct, graph.NewTypedPrincipal(perm.Principal.ID, perm.Principal.Kind))
				}
			}
		}
	default:
		return w
	}

	spns := w.Entry.GetStrings("msDS-AllowedToDelegateTo")
	if len(spns) == 0 {
		return w
	}
	w.Base.SetProperty("allowedtodelegate", spns)
	for _, spn := range spns {
		host := HostFromSPN(spn)
		if host == "" {
			continue
		}
		if id, ok := p.resolver.ResolveHost(ctx, host); ok {
			*delegate = appendPrincipal(*delegate, graph.NewTypedPrincipal(id, kinds.Computer))
		}
	}
	return w
}

func appendPrincipal(list []graph.TypedPrincipal, tp graph.TypedPrincipal) []graph.TypedPrincipal {
	for _, existing := range list {
		if existing.ObjectIdentifier == tp.ObjectIdentifier {
			return list
		}
	}
	return append(list, tp)
}

// hostStage runs the liveness engine against a computer and maps its result
// into the record.
func (p *Processor) hostStage(ctx context.Context, w *Work) *Work {
	c, ok := w.Record.(*graph.Computer)
	if !ok {
		return w
	}
	e := w.Entry
	uac := e.GetInt64("userAccountControl")
	pwdLastSet := FileTime(e, "pwdLastSet")
	if pwdLastSet < 0 {
		pwdLastSet = 0
	}

	h := liveness.Host{
		Name:            ComputerHostName(e, w.Domain),
		SID:             w.ID.ID,
		SAMAccountName:  e.GetString("samAccountName"),
		OperatingSystem: e.GetString("operatingSystem"),
		IsDC:            uac&(uacServerTrustAccount|uacPartialSecretsAccount) != 0,
		PwdLastSet:      pwdLastSet,
		StealthTarget:   p.stealth != nil && p.stealth.IsStealthTarget(e.DN),
	}
	if h.Name == "" {
		p.log.Debug("No host name for " + e.DN + ", skipping host enumeration")
		return w
	}

	p.counters.Computers.Add(1)
	res := p.engine.Run(ctx, h)
	if res.Attempted {
		p.counters.Contacted.Add(1)
	}
	ApplyHostResult(c, res)
	return w
}

// ApplyHostResult copies a liveness result into a computer record.
func ApplyHostResult(c *graph.Computer, res liveness.Result) {
	if res.Attempted {
		c.Status = &graph.ComputerStatus{Connectable: res.Connectable, Error: res.Error}
	}
	c.Sessions = sessionResult(res.Sessions)
	c.PrivilegedSessions = sessionResult(res.PrivilegedSessions)
	c.RegistrySessions = sessionResult(res.RegistrySessions)

	c.LocalGroups = make([]graph.LocalGroupAPIResult, 0, len(res.LocalGroups))
	for _, lg := range res.LocalGroups {
		out := graph.LocalGroupAPIResult{
			ObjectIdentifier: lg.ObjectIdentifier,
			Name:             lg.Name,
			Collected:        lg.Collected,
			FailureReason:    reason(lg.FailureReason),
			Results:          make([]graph.TypedPrincipal, 0, len(lg.Results)),
		}
		for _, id := range lg.Results {
			out.Results = append(out.Results, graph.NewTypedPrincipal(id.ID, id.Kind))
		}
		c.LocalGroups = append(c.LocalGroups, out)
	}
}

func sessionResult(r liveness.SessionResult) graph.SessionAPIResult {
	out := graph.SessionAPIResult{
		Collected:     r.Collected,
		FailureReason: reason(r.FailureReason),
		Results:       make([]graph.SessionRecord, 0, len(r.Results)),
	}
	for _, s := range r.Results {
		out.Results = append(out.Results, graph.SessionRecord{UserSID: s.UserSID, ComputerSID: s.ComputerSID})
	}
	return out
}

func reason(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
