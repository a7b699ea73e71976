package targets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/logger"
)

type rule struct {
	match   string
	entries []*ldap.Entry
}

// fakeDirectory answers a search with the entries of the first rule whose
// match string appears in the filter.
type fakeDirectory struct {
	rules    []rule
	requests []ldap.SearchRequest
}

func (f *fakeDirectory) Search(_ context.Context, req *ldap.SearchRequest, fn func(*ldap.Entry) error) error {
	f.requests = append(f.requests, *req)
	for _, r := range f.rules {
		if !strings.Contains(req.Filter, r.match) {
			continue
		}
		for _, e := range r.entries {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func computer(dn, dnsName string) *ldap.Entry {
	return ldap.NewEntry(dn, map[string][]string{"samAccountType": {"805306369"}, "dNSHostName": {dnsName}})
}

func newConfig(t *testing.T, opts config.Options) *config.Config {
	t.Helper()
	if opts.Domain == "" {
		opts.Domain = "corp.local"
	}
	cfg, err := config.New(opts)
	if err != nil {
		t.Fatalf("config.New failed: %v", err)
	}
	return cfg
}

func collect(t *testing.T, p interface {
	Produce(context.Context, func(*ldap.Entry) bool) error
}) []string {
	t.Helper()
	var dns []string
	err := p.Produce(context.Background(), func(e *ldap.Entry) bool {
		dns = append(dns, e.DN)
		return true
	})
	if err != nil {
		t.Fatalf("Produce failed: %v", err)
	}
	return dns
}

func TestBuildFilter(t *testing.T) {
	f := BuildFilter(config.MethodGroup, "").String()
	if !strings.Contains(f, "(samAccountType=805306368)") || strings.Contains(f, "organizationalUnit") {
		t.Errorf("Unexpected Group filter %s", f)
	}

	f = BuildFilter(config.MethodSession, "").String()
	if f != "(samAccountType=805306369)" {
		t.Errorf("Session only should select computers, got %s", f)
	}

	f = BuildFilter(config.MethodDCOnly, "(name=a*)").String()
	if !strings.HasPrefix(f, "(&(|") || !strings.HasSuffix(f, "(name=a*))") {
		t.Errorf("Extra filter should be ANDed, got %s", f)
	}
	if strings.Count(f, "(objectClass=domain)") != 1 {
		t.Errorf("Duplicate parts should be folded, got %s", f)
	}
}

func TestLDAPProducerStopsWhenEmitRefuses(t *testing.T) {
	dir := &fakeDirectory{rules: []rule{{match: "", entries: []*ldap.Entry{
		computer("CN=A,DC=corp,DC=local", "a.corp.local"),
		computer("CN=B,DC=corp,DC=local", "b.corp.local"),
		computer("CN=C,DC=corp,DC=local", "c.corp.local"),
	}}}}
	cfg := newConfig(t, config.Options{Methods: []string{"acl"}, SearchBase: "OU=Lab,DC=corp,DC=local"})
	p := NewLDAPProducer(dir, cfg, logger.Nop())

	var got []string
	err := p.Produce(context.Background(), func(e *ldap.Entry) bool {
		got = append(got, e.DN)
		return len(got) < 2
	})
	if err != nil {
		t.Fatalf("A refused emit should not be an error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected the producer to stop after 2 entries, got %v", got)
	}

	req := dir.requests[0]
	if req.BaseDN != "OU=Lab,DC=corp,DC=local" || !req.SecurityDescriptor || req.Filter != p.Filter() {
		t.Errorf("Unexpected request %+v", req)
	}

	// restartable
	if dns := collect(t, p); len(dns) != 3 {
		t.Errorf("Second run should emit every entry, got %v", dns)
	}
}

type failingDirectory struct{}

func (failingDirectory) Search(context.Context, *ldap.SearchRequest, func(*ldap.Entry) error) error {
	return errors.New("connection reset")
}

func TestLDAPProducerReturnsSearchErrors(t *testing.T) {
	p := NewLDAPProducer(failingDirectory{}, newConfig(t, config.Options{}), logger.Nop())
	err := p.Produce(context.Background(), func(*ldap.Entry) bool { return true })
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("Expected the search error, got %v", err)
	}
}

func TestStealthProducer(t *testing.T) {
	users := []*ldap.Entry{
		ldap.NewEntry("CN=alice,DC=corp,DC=local", map[string][]string{
			"homeDirectory": {`\\FS01\home$\alice`},
			"scriptPath":    {"logon.bat"},
		}),
		ldap.NewEntry("CN=bob,DC=corp,DC=local", map[string][]string{
			"profilePath": {`\\fs01.corp.local\profiles\bob`},
		}),
	}
	dir := &fakeDirectory{rules: []rule{
		{match: "homeDirectory=*", entries: users},
		{match: "samAccountName=fs01$", entries: []*ldap.Entry{computer("CN=FS01,DC=corp,DC=local", "fs01.corp.local")}},
		{match: "1.2.840.113556.1.4.803:=8192", entries: []*ldap.Entry{computer("CN=DC01,OU=Domain Controllers,DC=corp,DC=local", "dc01.corp.local")}},
	}}
	cfg := newConfig(t, config.Options{Methods: []string{"session"}, Stealth: true})
	p := NewStealthProducer(dir, cfg, logger.Nop())

	dns := collect(t, p)
	if len(dns) != 2 {
		t.Fatalf("Expected FS01 and DC01, got %v", dns)
	}
	if !p.IsStealthTarget("cn=fs01,dc=corp,dc=local") || !p.IsStealthTarget("CN=DC01,OU=Domain Controllers,DC=corp,DC=local") {
		t.Error("Loaded targets should be reported as stealth targets")
	}
	if p.IsStealthTarget("CN=WS01,DC=corp,DC=local") {
		t.Error("WS01 is not a stealth target")
	}

	searches := len(dir.requests)
	collect(t, p)
	if len(dir.requests) != searches {
		t.Error("The target set should be computed once")
	}
}

func TestUNCHost(t *testing.T) {
	tests := []struct{ path, want string }{
		{`\\FS01\home$\alice`, "fs01"},
		{`\\fs01.corp.local\profiles`, "fs01.corp.local"},
		{`C:\Users\alice`, ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := UNCHost(tt.path); got != tt.want {
			t.Errorf("UNCHost(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestFileProducer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "computers.txt")
	content := "# lab hosts\n\nws01.corp.local\n10.0.0.5\nmissing.corp.local\nWS01\n10.0.1.0/30\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	ws01 := computer("CN=WS01,DC=corp,DC=local", "ws01.corp.local")
	dir := &fakeDirectory{rules: []rule{
		{match: "samAccountName=ws01$", entries: []*ldap.Entry{ws01}},
		{match: "samAccountName=srv05$", entries: []*ldap.Entry{computer("CN=SRV05,DC=corp,DC=local", "srv05.corp.local")}},
	}}
	cfg := newConfig(t, config.Options{Methods: []string{"session"}, ComputerFile: path})
	p := NewFileProducer(dir, cfg, logger.Nop())
	p.SetReverseLookup(func(_ context.Context, ip string) (string, error) {
		switch ip {
		case "10.0.0.5":
			return "srv05.corp.local.", nil
		case "10.0.1.1":
			return "ws01.corp.local", nil
		}
		return "", errors.New("NXDOMAIN")
	})

	dns := collect(t, p)
	want := []string{"CN=WS01,DC=corp,DC=local", "CN=SRV05,DC=corp,DC=local"}
	if strings.Join(dns, ";") != strings.Join(want, ";") {
		t.Errorf("Got %v, want %v", dns, want)
	}
}

func TestFileProducerMissingFile(t *testing.T) {
	cfg := newConfig(t, config.Options{Methods: []string{"session"}, ComputerFile: filepath.Join(t.TempDir(), "nope.txt")})
	p := NewFileProducer(&fakeDirectory{}, cfg, logger.Nop())
	if err := p.Produce(context.Background(), func(*ldap.Entry) bool { return true }); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
