package collector

import (
	"context"
	"strings"

	"github.com/specterops/dirhound/internal/acl"
	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/graph"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/internal/utils"
	"github.com/specterops/dirhound/pkg/kinds"
)

// Deps are the collaborators of a Processor. Engine and Stealth may be nil
// when no host enumeration is requested.
type Deps struct {
	Resolver Resolver
	Decoder  ACLDecoder
	Searcher ldap.Searcher
	Engine   HostEngine
	Stealth  StealthTargets
	DCs      *DCRegistry
	Counters *Counters
	Log      logger.LoggerInterface
}

// Processor assembles one output record per directory entry. It is safe for
// concurrent use by every worker.
type Processor struct {
	cfg      *config.Config
	resolver Resolver
	decoder  ACLDecoder
	searcher ldap.Searcher
	engine   HostEngine
	stealth  StealthTargets
	dcs      *DCRegistry
	counters *Counters
	log      logger.LoggerInterface
	stages   []Stage
}

// NewProcessor builds a processor and its stage list for the methods of cfg.
func NewProcessor(cfg *config.Config, deps Deps) *Processor {
	p := &Processor{
		cfg:      cfg,
		resolver: deps.Resolver,
		decoder:  deps.Decoder,
		searcher: deps.Searcher,
		engine:   deps.Engine,
		stealth:  deps.Stealth,
		dcs:      deps.DCs,
		counters: deps.Counters,
		log:      deps.Log,
	}
	if p.dcs == nil {
		p.dcs = NewDCRegistry()
	}
	if p.counters == nil {
		p.counters = &Counters{}
	}
	if p.log == nil {
		p.log = logger.Nop()
	}
	p.stages = p.buildStages(cfg.Methods())
	return p
}

// buildStages returns the enabled stages in their fixed order: ACL, object
// properties, group members, trusts, GPO links, child objects, delegation,
// host enumeration.
func (p *Processor) buildStages(m config.CollectionMethod) []Stage {
	var stages []Stage
	if m.Has(config.MethodACL) && p.decoder != nil {
		stages = append(stages, p.aclStage)
	}
	if m.Has(config.MethodObjectProps) {
		stages = append(stages, p.propsStage)
	}
	if m.Has(config.MethodGroup) {
		stages = append(stages, p.membersStage)
	}
	if m.Has(config.MethodTrusts) && p.searcher != nil {
		stages = append(stages, p.trustsStage)
	}
	if m.Has(config.MethodContainer) {
		stages = append(stages, p.linksStage)
		if p.searcher != nil {
			stages = append(stages, p.childrenStage)
		}
	}
	if m.Any(config.MethodObjectProps | config.MethodACL) {
		stages = append(stages, p.delegationStage)
	}
	if m.NeedsComputers() && p.engine != nil {
		stages = append(stages, p.hostStage)
	}
	return stages
}

// Counters returns the run counters.
func (p *Processor) Counters() *Counters { return p.counters }

// DCs returns the registry of domain controllers seen so far.
func (p *Processor) DCs() *DCRegistry { return p.dcs }

// Process turns one entry into a record. A nil record with a nil error means
// the entry was discarded.
func (p *Processor) Process(ctx context.Context, e *ldap.Entry) (graph.Record, error) {
	p.counters.Processed.Add(1)

	if e == nil || strings.TrimSpace(e.DN) == "" {
		p.discard("entry without a distinguished name")
		return nil, nil
	}
	id, ok := p.resolver.Remember(e)
	if !ok {
		p.discard("no usable identifier on " + e.DN)
		return nil, nil
	}

	w := &Work{Entry: e, Kind: id.Kind, ID: id, Domain: p.domainOf(e.DN)}
	switch id.Kind {
	case kinds.User:
		w.Record = p.user(ctx, w)
	case kinds.Computer:
		w.Record = p.computer(ctx, w)
	case kinds.Group:
		w.Record = p.group(ctx, w)
	case kinds.Domain:
		w.Record = p.domain(ctx, w)
	case kinds.GPO:
		w.Record = p.gpo(ctx, w)
	case kinds.OU:
		w.Record = p.ou(ctx, w)
	case kinds.Container:
		w.Record = p.container(ctx, w)
	default:
		p.discard("unsupported object type at " + e.DN)
		return nil, nil
	}

	for _, stage := range p.stages {
		if w = stage(ctx, w); w == nil {
			p.discard("dropped by stage: " + e.DN)
			return nil, nil
		}
	}

	p.counters.Records.Add(1)
	return w.Record, nil
}

func (p *Processor) discard(reason string) {
	p.counters.Discarded.Add(1)
	p.log.Trace("Discarding " + reason)
}

func (p *Processor) domainOf(dn string) string {
	if d := utils.DNToDomain(dn); d != "" {
		return d
	}
	return p.resolver.Domain()
}

// base fills the fields every record carries.
func (p *Processor) base(ctx context.Context, w *Work) {
	b, e := w.Base, w.Entry

	b.SetProperty("domain", w.Domain)
	b.SetProperty("name", p.nameOf(w))
	b.SetProperty("distinguishedname", strings.ToUpper(e.DN))

	domainSID := acl.DomainSIDOf(e.ObjectSID())
	if domainSID == "" {
		domainSID = p.resolver.DomainSID()
	}
	b.SetProperty("domainsid", domainSID)

	if wc := e.GetString("whenCreated"); wc != "" {
		b.SetProperty("whencreated", GeneralizedTime(wc))
	}
	if d := e.GetString("description"); d != "" {
		b.SetProperty("description", d)
	}

	b.IsDeleted = e.GetBool("isDeleted")
	b.IsACLProtected = acl.IsACLProtected(e.GetBytes("nTSecurityDescriptor"))
	b.SetProperty("isaclprotected", b.IsACLProtected)

	if w.Kind == kinds.Domain {
		return
	}
	if parent := ParentDN(e.DN); parent != "" {
		if pid, ok := p.resolver.ResolveDN(ctx, parent); ok {
			tp := graph.NewTypedPrincipal(pid.ID, pid.Kind)
			b.ContainedBy = &tp
		}
	}
}

func (p *Processor) nameOf(w *Work) string {
	e := w.Entry
	var name string
	switch w.Kind {
	case kinds.Domain:
		return w.Domain
	case kinds.Computer:
		if host := ComputerHostName(e, w.Domain); host != "" {
			return strings.ToUpper(host)
		}
	case kinds.GPO:
		name = e.GetString("displayName")
	case kinds.OU:
		name = e.GetString("ou")
	case kinds.Container:
		name = e.GetString("cn")
	default:
		name = e.GetString("samAccountName")
	}
	if name == "" {
		name = e.GetString("name")
	}
	return strings.ToUpper(name) + "@" + w.Domain
}

func (p *Processor) user(ctx context.Context, w *Work) graph.Record {
	u := graph.NewUser(w.ID.ID)
	w.Base = &u.Base
	p.base(ctx, w)

	e := w.Entry
	uac := e.GetInt64("userAccountControl")
	u.SetProperty("enabled", uac&uacAccountDisable == 0)
	u.SetProperty("dontreqpreauth", uac&uacDontRequirePreauth != 0)
	u.SetProperty("unconstraineddelegation", uac&uacTrustedForDelegation != 0)
	u.SetProperty("trustedtoauth", uac&uacTrustedToAuthForDelegation != 0)
	u.SetProperty("sensitive", uac&uacNotDelegated != 0)
	u.SetProperty("passwordnotreqd", uac&uacPasswordNotRequired != 0)
	u.SetProperty("pwdneverexpires", uac&uacDontExpirePassword != 0)
	u.SetProperty("admincount", e.GetInt64("adminCount") == 1)
	u.SetProperty("samaccountname", e.GetString("samAccountName"))

	spns := e.GetStrings("servicePrincipalName")
	u.SetProperty("hasspn", len(spns) > 0)
	u.SetProperty("serviceprincipalnames", spns)
	u.SetProperty("pwdlastset", FileTime(e, "pwdLastSet"))
	u.SetProperty("lastlogon", FileTime(e, "lastLogon"))
	u.SetProperty("lastlogontimestamp", FileTime(e, "lastLogonTimestamp"))

	u.PrimaryGroupSID = p.primaryGroupSID(w)
	u.HasSIDHistory = p.sidHistory(ctx, e)
	return u
}

func (p *Processor) computer(ctx context.Context, w *Work) graph.Record {
	c := graph.NewComputer(w.ID.ID)
	w.Base = &c.Base
	p.base(ctx, w)

	e := w.Entry
	uac := e.GetInt64("userAccountControl")
	isDC := uac&(uacServerTrustAccount|uacPartialSecretsAccount) != 0
	c.SetProperty("enabled", uac&uacAccountDisable == 0)
	c.SetProperty("unconstraineddelegation", uac&uacTrustedForDelegation != 0)
	c.SetProperty("trustedtoauth", uac&uacTrustedToAuthForDelegation != 0)
	c.SetProperty("isdc", isDC)
	c.SetProperty("haslaps", hasLAPS(e))
	c.SetProperty("operatingsystem", e.GetString("operatingSystem"))
	c.SetProperty("samaccountname", e.GetString("samAccountName"))
	c.SetProperty("pwdlastset", FileTime(e, "pwdLastSet"))
	c.SetProperty("lastlogontimestamp", FileTime(e, "lastLogonTimestamp"))

	if isDC && uac&uacServerTrustAccount != 0 {
		p.dcs.Add(w.Domain, w.ID.ID)
	}

	c.PrimaryGroupSID = p.primaryGroupSID(w)
	c.HasSIDHistory = p.sidHistory(ctx, e)
	return c
}

func (p *Processor) group(ctx context.Context, w *Work) graph.Record {
	g := graph.NewGroup(w.ID.ID)
	w.Base = &g.Base
	p.base(ctx, w)

	g.SetProperty("samaccountname", w.Entry.GetString("samAccountName"))
	g.SetProperty("admincount", w.Entry.GetInt64("adminCount") == 1)
	g.SetProperty("highvalue", isHighValue(w.ID.ID))
	return g
}

func (p *Processor) domain(ctx context.Context, w *Work) graph.Record {
	d := graph.NewDomain(w.ID.ID)
	w.Base = &d.Base
	p.base(ctx, w)

	d.SetProperty("functionallevel", FunctionalLevel(w.Entry.GetInt64("msDS-Behavior-Version")))
	d.SetProperty("highvalue", true)
	return d
}

func (p *Processor) gpo(ctx context.Context, w *Work) graph.Record {
	g := graph.NewGPO(w.ID.ID)
	w.Base = &g.Base
	p.base(ctx, w)

	g.SetProperty("gpcpath", strings.ToUpper(w.Entry.GetString("gPCFileSysPath")))
	return g
}

func (p *Processor) ou(ctx context.Context, w *Work) graph.Record {
	o := graph.NewOU(w.ID.ID)
	w.Base = &o.Base
	p.base(ctx, w)

	o.SetProperty("blocksinheritance", w.Entry.GetInt64("gPOptions") == 1)
	return o
}

func (p *Processor) container(ctx context.Context, w *Work) graph.Record {
	c := graph.NewContainer(w.ID.ID)
	w.Base = &c.Base
	p.base(ctx, w)
	return c
}

func (p *Processor) primaryGroupSID(w *Work) string {
	rid := w.Entry.GetString("primaryGroupID")
	domainSID := acl.DomainSIDOf(w.ID.ID)
	if rid == "" || domainSID == "" {
		return ""
	}
	return domainSID + "-" + rid
}

func (p *Processor) sidHistory(ctx context.Context, e *ldap.Entry) []graph.TypedPrincipal {
	out := []graph.TypedPrincipal{}
	for _, raw := range e.Attributes["sidhistory"] {
		s := acl.SIDString(raw)
		if s == "" {
			continue
		}
		if id, ok := p.resolver.ResolveSID(ctx, s); ok {
			out = append(out, graph.NewTypedPrincipal(id.ID, id.Kind))
		}
	}
	return out
}

func hasLAPS(e *ldap.Entry) bool {
	return e.Has("ms-Mcs-AdmPwdExpirationTime") || e.Has("msLAPS-PasswordExpirationTime")
}

// highValueRIDs are the groups BloodHound marks high value out of the box.
var highValueRIDs = map[string]bool{
	"512": true, // Domain Admins
	"516": true, // Domain Controllers
	"519": true, // Enterprise Admins
}

var highValueBuiltins = map[string]bool{
	"S-1-5-32-544": true,
	"S-1-5-32-548": true,
	"S-1-5-32-549": true,
	"S-1-5-32-550": true,
	"S-1-5-32-551": true,
}

func isHighValue(id string) bool {
	if i := strings.Index(id, "-S-1-5-32-"); i >= 0 {
		return highValueBuiltins[id[i+1:]]
	}
	if acl.IsDomainSID(id) {
		return highValueRIDs[id[strings.LastIndexByte(id, '-')+1:]]
	}
	return false
}
