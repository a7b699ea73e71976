package collector

import (
	"context"
	"strings"
	"testing"

	"github.com/gofrs/uuid"

	"github.com/specterops/dirhound/internal/acl"
	"github.com/specterops/dirhound/internal/cache"
	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/graph"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/liveness"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/internal/sid"
	"github.com/specterops/dirhound/pkg/kinds"
)

const testDomainSID = "S-1-5-21-1-2-3"

type fakeResolver struct {
	dns   map[string]cache.Identity
	sids  map[string]cache.Identity
	hosts map[string]string
}

func (r *fakeResolver) Domain() string    { return "CORP.LOCAL" }
func (r *fakeResolver) DomainSID() string { return testDomainSID }

func (r *fakeResolver) WellKnown(s string) (cache.Identity, bool) {
	if acl.GetWellKnownName(s) == "" {
		return cache.Identity{}, false
	}
	return cache.Identity{ID: "CORP.LOCAL-" + s, Kind: kinds.Group}, true
}

func (r *fakeResolver) ResolveSID(_ context.Context, s string) (cache.Identity, bool) {
	id, ok := r.sids[s]
	return id, ok
}

func (r *fakeResolver) ResolveDN(_ context.Context, dn string) (cache.Identity, bool) {
	id, ok := r.dns[strings.ToUpper(dn)]
	return id, ok
}

func (r *fakeResolver) ResolveHost(_ context.Context, host string) (string, bool) {
	id, ok := r.hosts[strings.ToLower(host)]
	return id, ok
}

func (r *fakeResolver) Remember(e *ldap.Entry) (cache.Identity, bool) {
	return sid.IdentityOf(e)
}

type fakeDecoder struct {
	perms []acl.Permission
	gmsa  []acl.Permission
	calls int
}

func (d *fakeDecoder) Decode(_ context.Context, _ []byte, _ kinds.Kind, _ bool) []acl.Permission {
	d.calls++
	return d.perms
}

func (d *fakeDecoder) DecodeGMSA(_ context.Context, _ []byte) []acl.Permission {
	return d.gmsa
}

// fakeSearcher returns the entries registered for a base DN.
type fakeSearcher struct {
	byBase map[string][]*ldap.Entry
}

func (s *fakeSearcher) Search(_ context.Context, req *ldap.SearchRequest, fn func(*ldap.Entry) error) error {
	for _, e := range s.byBase[strings.ToUpper(req.BaseDN)] {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

type fakeEngine struct {
	result liveness.Result
	hosts  []liveness.Host
}

func (f *fakeEngine) Run(_ context.Context, h liveness.Host) liveness.Result {
	f.hosts = append(f.hosts, h)
	return f.result
}

type stealthSet map[string]bool

func (s stealthSet) IsStealthTarget(dn string) bool { return s[dn] }

func sidEntry(t *testing.T, dn, s string, attrs map[string][]string) *ldap.Entry {
	t.Helper()
	e := ldap.NewEntry(dn, attrs)
	parsed, err := acl.ParseSIDString(s)
	if err != nil {
		t.Fatalf("bad SID %s: %v", s, err)
	}
	e.SetBytes("objectSid", parsed.Bytes())
	return e
}

func guidEntry(t *testing.T, dn, guid string, attrs map[string][]string) *ldap.Entry {
	t.Helper()
	e := ldap.NewEntry(dn, attrs)
	e.SetBytes("objectGUID", acl.GUIDBytes(uuid.Must(uuid.FromString(guid))))
	return e
}

func newResolver() *fakeResolver {
	return &fakeResolver{
		dns: map[string]cache.Identity{
			"CN=USERS,DC=CORP,DC=LOCAL":                     {ID: "AB000000-0000-0000-0000-000000000001", Kind: kinds.Container},
			"DC=CORP,DC=LOCAL":                              {ID: testDomainSID, Kind: kinds.Domain},
			"CN=ALICE,CN=USERS,DC=CORP,DC=LOCAL":            {ID: testDomainSID + "-1105", Kind: kinds.User},
			"CN=WS01,OU=WORKSTATIONS,DC=CORP,DC=LOCAL":      {ID: testDomainSID + "-1001", Kind: kinds.Computer},
			"CN=ADMINISTRATORS,CN=BUILTIN,DC=CORP,DC=LOCAL": {ID: "CORP.LOCAL-S-1-5-32-544", Kind: kinds.Group},
			"CN={31B2F340-016D-11D2-945F-00C04FB984F9},CN=POLICIES,CN=SYSTEM,DC=CORP,DC=LOCAL": {
				ID: "31B2F340-016D-11D2-945F-00C04FB984F9", Kind: kinds.GPO,
			},
		},
		sids: map[string]cache.Identity{
			"S-1-5-21-9-9-9-1000": {ID: "S-1-5-21-9-9-9-1000", Kind: kinds.User},
		},
		hosts: map[string]string{
			"srv01.corp.local": testDomainSID + "-1002",
		},
	}
}

func newTestProcessor(t *testing.T, methods []string, deps Deps) *Processor {
	t.Helper()
	cfg, err := config.New(config.Options{Domain: "corp.local", Methods: methods})
	if err != nil {
		t.Fatalf("config.New failed: %v", err)
	}
	if deps.Resolver == nil {
		deps.Resolver = newResolver()
	}
	deps.Log = logger.Nop()
	return NewProcessor(cfg, deps)
}

func userEntry(t *testing.T) *ldap.Entry {
	return sidEntry(t, "CN=alice,CN=Users,DC=corp,DC=local", testDomainSID+"-1105", map[string][]string{
		"samAccountType":           {"805306368"},
		"samAccountName":           {"alice"},
		"userAccountControl":       {"4260354"}, // disabled | dont expire | no preauth
		"primaryGroupID":           {"513"},
		"servicePrincipalName":     {"http/web01.corp.local"},
		"whenCreated":              {"20240301123045.0Z"},
		"msDS-AllowedToDelegateTo": {"cifs/srv01.corp.local:445", "cifs/unknown.corp.local"},
	})
}

func TestProcessUser(t *testing.T) {
	owner := cache.Identity{ID: testDomainSID + "-512", Kind: kinds.Group}
	decoder := &fakeDecoder{perms: []acl.Permission{
		{Principal: owner, Right: kinds.RightOwns},
		{Principal: owner, Right: kinds.RightGenericAll, Inherited: true},
		{Principal: owner, Right: kinds.RightGenericAll, Inherited: true},
		{Principal: owner, Right: kinds.RightGenericAll},
	}}
	p := newTestProcessor(t, []string{"acl", "objectprops"}, Deps{Decoder: decoder})

	e := userEntry(t)
	e.SetBytes("nTSecurityDescriptor", []byte{0x01})
	rec, err := p.Process(context.Background(), e)
	if err != nil || rec == nil {
		t.Fatalf("Process returned %v, %v", rec, err)
	}
	u, ok := rec.(*graph.User)
	if !ok {
		t.Fatalf("Expected *graph.User, got %T", rec)
	}

	if u.ObjectIdentifier != testDomainSID+"-1105" {
		t.Errorf("Unexpected identifier %s", u.ObjectIdentifier)
	}
	if u.StringProperty("name") != "ALICE@CORP.LOCAL" || u.StringProperty("domain") != "CORP.LOCAL" {
		t.Errorf("Unexpected name/domain: %v", u.Properties)
	}
	if u.Properties["enabled"] != false || u.Properties["dontreqpreauth"] != true || u.Properties["pwdneverexpires"] != true {
		t.Errorf("Unexpected UAC properties: %v", u.Properties)
	}
	if u.Properties["hasspn"] != true || u.Properties["whencreated"] != int64(1709296245) {
		t.Errorf("Unexpected properties: %v", u.Properties)
	}
	if u.PrimaryGroupSID != testDomainSID+"-513" {
		t.Errorf("Unexpected primary group %s", u.PrimaryGroupSID)
	}
	if u.ContainedBy == nil || u.ContainedBy.ObjectType != "Container" {
		t.Errorf("Unexpected ContainedBy %+v", u.ContainedBy)
	}
	if len(u.Aces) != 3 {
		t.Errorf("Expected 3 ACEs after dedupe, got %d: %+v", len(u.Aces), u.Aces)
	}
	if len(u.AllowedToDelegate) != 1 || u.AllowedToDelegate[0].ObjectIdentifier != testDomainSID+"-1002" {
		t.Errorf("Unexpected AllowedToDelegate %+v", u.AllowedToDelegate)
	}
	if snap := p.Counters().Snapshot(); snap.Processed != 1 || snap.Records != 1 {
		t.Errorf("Unexpected counters %+v", snap)
	}
}

func TestProcessDiscardsUnidentifiableEntries(t *testing.T) {
	decoder := &fakeDecoder{}
	p := newTestProcessor(t, []string{"acl"}, Deps{Decoder: decoder})

	for _, e := range []*ldap.Entry{
		nil,
		ldap.NewEntry("", map[string][]string{"samAccountType": {"805306368"}}),
		ldap.NewEntry("CN=ghost,DC=corp,DC=local", map[string][]string{"objectClass": {"user"}}),
	} {
		rec, err := p.Process(context.Background(), e)
		if rec != nil || err != nil {
			t.Errorf("Expected discard, got %v, %v", rec, err)
		}
	}
	if snap := p.Counters().Snapshot(); snap.Discarded != 3 || snap.Records != 0 {
		t.Errorf("Unexpected counters %+v", snap)
	}
	if decoder.calls != 0 {
		t.Errorf("Decoder should not run for discarded entries")
	}
}

func TestStagesFollowMethods(t *testing.T) {
	decoder := &fakeDecoder{perms: []acl.Permission{{Principal: cache.Identity{ID: "X", Kind: kinds.User}, Right: kinds.RightOwns}}}
	p := newTestProcessor(t, []string{"group"}, Deps{Decoder: decoder})

	rec, err := p.Process(context.Background(), userEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	u := rec.(*graph.User)
	if decoder.calls != 0 || len(u.Aces) != 0 {
		t.Errorf("ACL stage ran without the ACL method")
	}
	if _, ok := u.Properties["email"]; ok {
		t.Errorf("Object properties collected without the ObjectProps method")
	}
	if len(u.AllowedToDelegate) != 0 {
		t.Errorf("Delegation resolved without ObjectProps or ACL")
	}
}

func TestProcessGroupManagedServiceAccount(t *testing.T) {
	reader := cache.Identity{ID: testDomainSID + "-1001", Kind: kinds.Computer}
	decoder := &fakeDecoder{gmsa: []acl.Permission{{Principal: reader, Right: kinds.RightReadGMSAPassword}}}
	engine := &fakeEngine{}
	p := newTestProcessor(t, []string{"acl", "session"}, Deps{Decoder: decoder, Engine: engine})

	e := sidEntry(t, "CN=svc_sql,CN=Managed Service Accounts,DC=corp,DC=local", testDomainSID+"-1201", map[string][]string{
		"samAccountType":     {"805306369"},
		"samAccountName":     {"svc_sql$"},
		"objectClass":        {"top", "person", "organizationalPerson", "user", "computer", "msDS-GroupManagedServiceAccount"},
		"userAccountControl": {"4096"},
		"dNSHostName":        {"svc_sql.corp.local"},
	})
	e.SetBytes("msDS-GroupMSAMembership", []byte{0x01})

	rec, err := p.Process(context.Background(), e)
	if err != nil || rec == nil {
		t.Fatalf("Process returned %v, %v", rec, err)
	}
	u, ok := rec.(*graph.User)
	if !ok {
		t.Fatalf("Expected *graph.User, got %T", rec)
	}
	if len(u.Aces) != 1 || u.Aces[0].RightName != kinds.RightReadGMSAPassword || u.Aces[0].PrincipalSID != reader.ID {
		t.Errorf("Unexpected ACEs %+v", u.Aces)
	}
	if len(engine.hosts) != 0 {
		t.Errorf("Managed service account enumerated as a host: %v", engine.hosts)
	}
}

func TestGroupMembers(t *testing.T) {
	p := newTestProcessor(t, []string{"group"}, Deps{})

	e := sidEntry(t, "CN=Domain Admins,CN=Users,DC=corp,DC=local", testDomainSID+"-512", map[string][]string{
		"samAccountType": {"268435456"},
		"samAccountName": {"Domain Admins"},
		"member": {
			"CN=alice,CN=Users,DC=corp,DC=local",
			"CN=alice,CN=Users,DC=corp,DC=local",
			"CN=WS01,OU=Workstations,DC=corp,DC=local",
			"CN=deleted,CN=Users,DC=corp,DC=local",
		},
	})
	rec, _ := p.Process(context.Background(), e)
	g := rec.(*graph.Group)

	if len(g.Members) != 2 {
		t.Fatalf("Expected 2 resolved members, got %+v", g.Members)
	}
	if g.Members[1].ObjectType != "Computer" {
		t.Errorf("Unexpected member type %s", g.Members[1].ObjectType)
	}
	if g.Properties["highvalue"] != true {
		t.Errorf("Domain Admins should be high value")
	}
	if g.StringProperty("name") != "DOMAIN ADMINS@CORP.LOCAL" {
		t.Errorf("Unexpected name %s", g.StringProperty("name"))
	}
}

func TestDomainTrustsLinksAndChildren(t *testing.T) {
	trust := ldap.NewEntry("CN=partner.local,CN=System,DC=corp,DC=local", map[string][]string{
		"trustPartner":    {"partner.local"},
		"trustDirection":  {"3"},
		"trustAttributes": {"8"},
	})
	searcher := &fakeSearcher{byBase: map[string][]*ldap.Entry{
		"CN=SYSTEM,DC=CORP,DC=LOCAL": {trust},
		"DC=CORP,DC=LOCAL": {
			guidEntry(t, "CN=Users,DC=corp,DC=local", "ab000000-0000-0000-0000-000000000001", map[string][]string{"objectClass": {"container"}}),
			guidEntry(t, "OU=Workstations,DC=corp,DC=local", "ab000000-0000-0000-0000-000000000002", map[string][]string{"objectClass": {"organizationalUnit"}}),
		},
	}}
	p := newTestProcessor(t, []string{"trusts", "container"}, Deps{Searcher: searcher})

	e := sidEntry(t, "DC=corp,DC=local", testDomainSID, map[string][]string{
		"objectClass":           {"top", "domain", "domainDNS"},
		"msDS-Behavior-Version": {"7"},
		"gPLink": {"[LDAP://cn={31B2F340-016D-11D2-945F-00C04FB984F9},cn=policies,cn=system,DC=corp,DC=local;2]" +
			"[LDAP://cn={6AC1786C-016F-11D2-945F-00C04FB984F9},cn=policies,cn=system,DC=corp,DC=local;1]"},
	})
	rec, err := p.Process(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	d := rec.(*graph.Domain)

	if d.StringProperty("name") != "CORP.LOCAL" || d.StringProperty("functionallevel") != "2016" {
		t.Errorf("Unexpected properties %v", d.Properties)
	}
	if d.ContainedBy != nil {
		t.Errorf("Domains are not contained")
	}
	if len(d.Trusts) != 1 || d.Trusts[0].TrustType != graph.TrustForest || d.Trusts[0].TrustDirection != graph.TrustBidirectional {
		t.Errorf("Unexpected trusts %+v", d.Trusts)
	}
	if len(d.Links) != 1 || !d.Links[0].IsEnforced || d.Links[0].GUID != "31B2F340-016D-11D2-945F-00C04FB984F9" {
		t.Errorf("Unexpected links %+v", d.Links)
	}
	if len(d.ChildObjects) != 2 || d.ChildObjects[1].ObjectType != "OU" {
		t.Errorf("Unexpected children %+v", d.ChildObjects)
	}
}

func TestComputerHostEnumeration(t *testing.T) {
	engine := &fakeEngine{result: liveness.Result{
		Attempted:   true,
		Connectable: true,
		Sessions: liveness.SessionResult{
			Collected: true,
			Results:   []liveness.Session{{UserSID: testDomainSID + "-1105", ComputerSID: testDomainSID + "-1001"}},
		},
		PrivilegedSessions: liveness.SessionResult{FailureReason: "ErrorAccessDenied"},
		LocalGroups: []liveness.LocalGroupResult{{
			ObjectIdentifier: testDomainSID + "-1001-544",
			Name:             "ADMINISTRATORS@WS01.CORP.LOCAL",
			Collected:        true,
			Results:          []cache.Identity{{ID: testDomainSID + "-512", Kind: kinds.Group}},
		}},
	}}
	dn := "CN=WS01,OU=Workstations,DC=corp,DC=local"
	p := newTestProcessor(t, []string{"session", "localadmin"}, Deps{Engine: engine, Stealth: stealthSet{dn: true}})

	e := sidEntry(t, dn, testDomainSID+"-1001", map[string][]string{
		"samAccountType":     {"805306369"},
		"samAccountName":     {"WS01$"},
		"userAccountControl": {"4096"},
		"operatingSystem":    {"Windows 11 Enterprise"},
		"pwdLastSet":         {"133540000000000000"},
	})
	rec, err := p.Process(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	c := rec.(*graph.Computer)

	if len(engine.hosts) != 1 {
		t.Fatalf("Expected one engine run, got %d", len(engine.hosts))
	}
	h := engine.hosts[0]
	if h.Name != "ws01.corp.local" || h.IsDC || !h.StealthTarget || h.PwdLastSet <= 0 {
		t.Errorf("Unexpected host %+v", h)
	}
	if c.StringProperty("name") != "WS01.CORP.LOCAL" {
		t.Errorf("Unexpected name %s", c.StringProperty("name"))
	}
	if c.Status == nil || !c.Status.Connectable {
		t.Errorf("Unexpected status %+v", c.Status)
	}
	if !c.Sessions.Collected || len(c.Sessions.Results) != 1 || c.Sessions.FailureReason != nil {
		t.Errorf("Unexpected sessions %+v", c.Sessions)
	}
	if c.PrivilegedSessions.FailureReason == nil || *c.PrivilegedSessions.FailureReason != "ErrorAccessDenied" {
		t.Errorf("Unexpected privileged sessions %+v", c.PrivilegedSessions)
	}
	if len(c.LocalGroups) != 1 || c.LocalGroups[0].Results[0].ObjectType != "Group" {
		t.Errorf("Unexpected local groups %+v", c.LocalGroups)
	}
	if snap := p.Counters().Snapshot(); snap.Computers != 1 || snap.Contacted != 1 {
		t.Errorf("Unexpected counters %+v", snap)
	}
}

func TestDomainControllersAreRegistered(t *testing.T) {
	p := newTestProcessor(t, []string{"group"}, Deps{})
	e := sidEntry(t, "CN=DC01,OU=Domain Controllers,DC=corp,DC=local", testDomainSID+"-1000", map[string][]string{
		"samAccountType":     {"805306369"},
		"samAccountName":     {"DC01$"},
		"dNSHostName":        {"dc01.corp.local"},
		"userAccountControl": {"532480"},
	})
	rec, _ := p.Process(context.Background(), e)
	if rec.(*graph.Computer).Properties["isdc"] != true {
		t.Error("DC01 should be flagged as a domain controller")
	}

	records := WellKnownRecords([]DomainInfo{{Name: "corp.local", SID: testDomainSID}}, p.DCs())
	if len(records) != 3 {
		t.Fatalf("Expected 3 well-known records, got %d", len(records))
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.Identifier())
	}
	if strings.Join(ids, ",") != "CORP.LOCAL-S-1-1-0,CORP.LOCAL-S-1-5-11,CORP.LOCAL-S-1-5-9" {
		t.Errorf("Unexpected well-known identifiers %v", ids)
	}
	edc := records[2].(*graph.Group)
	if len(edc.Members) != 1 || edc.Members[0].ObjectIdentifier != testDomainSID+"-1000" {
		t.Errorf("Unexpected EDC members %+v", edc.Members)
	}
	if edc.StringProperty("name") != "ENTERPRISE DOMAIN CONTROLLERS@CORP.LOCAL" {
		t.Errorf("Unexpected EDC name %s", edc.StringProperty("name"))
	}
}
