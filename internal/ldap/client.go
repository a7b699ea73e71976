// Package ldap provides LDAP client functionality for Active Directory queries.
package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/pkg/errors"
	"github.com/specterops/dirhound/internal/acl"
	"github.com/specterops/dirhound/internal/credentials"
	"github.com/specterops/dirhound/internal/utils"
)

// Default page size for LDAP paging (AD default MaxPageSize is 1000)
const defaultPageSize = 1000

// LDAP_SERVER_SD_FLAGS_OID
const sdFlagsOID = "1.2.840.113556.1.4.801"

// ErrNotFound is returned by FindOne when the search yields no entry.
var ErrNotFound = errors.New("ldap: no matching entry")

// Scope mirrors the LDAP search scopes.
type Scope int

const (
	ScopeBase Scope = iota
	ScopeOneLevel
	ScopeSubtree
)

func (s Scope) ldap() int {
	switch s {
	case ScopeBase:
		return goldap.ScopeBaseObject
	case ScopeOneLevel:
		return goldap.ScopeSingleLevel
	}
	return goldap.ScopeWholeSubtree
}

// SearchRequest describes one directory query.
type SearchRequest struct {
	BaseDN     string
	Scope      Scope
	Filter     string
	Attributes []string
	// SecurityDescriptor requests owner, group and DACL of nTSecurityDescriptor
	SecurityDescriptor bool
}

// Searcher streams entries matching a request to fn. Returning an error from
// fn stops the search and is returned as-is.
type Searcher interface {
	Search(ctx context.Context, req *SearchRequest, fn func(*Entry) error) error
}

var errStop = errors.New("stop")

// FindOne returns the first entry matching filter under base.
func FindOne(ctx context.Context, s Searcher, base string, scope Scope, filter string, attrs []string) (*Entry, error) {
	var found *Entry
	err := s.Search(ctx, &SearchRequest{BaseDN: base, Scope: scope, Filter: filter, Attributes: attrs}, func(e *Entry) error {
		found = e
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Client represents an LDAP client for Active Directory.
type Client struct {
	conn     *goldap.Conn
	creds    *credentials.Credentials
	baseDN   string
	domain   string
	server   string
	resolver string
	port     int
	useLDAPS bool
	pageSize uint32
	timeout  time.Duration
}

// ClientOptions holds options for creating an LDAP client.
type ClientOptions struct {
	Domain      string
	Server      string // DC host name or IP; the domain name when empty
	Port        int
	UseLDAPS    bool
	SearchBase  string
	Nameserver  string
	Credentials *credentials.Credentials
	PageSize    uint32
	Timeout     time.Duration
}

// NewClient creates a new LDAP client.
func NewClient(opts *ClientOptions) (*Client, error) {
	if opts.Domain == "" {
		return nil, errors.New("ldap: domain is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("ldap: credentials are required")
	}
	client := &Client{
		creds:    opts.Credentials,
		domain:   strings.ToUpper(opts.Domain),
		server:   opts.Server,
		resolver: opts.Nameserver,
		port:     opts.Port,
		useLDAPS: opts.UseLDAPS,
		pageSize: opts.PageSize,
		timeout:  opts.Timeout,
		baseDN:   opts.SearchBase,
	}
	if client.server == "" {
		client.server = strings.ToLower(opts.Domain)
	}
	if client.port == 0 {
		client.port = 389
		if client.useLDAPS {
			client.port = 636
		}
	}
	if client.pageSize == 0 {
		client.pageSize = defaultPageSize
	}
	if client.timeout == 0 {
		client.timeout = 30 * time.Second
	}
	if client.baseDN == "" {
		client.baseDN = utils.DomainToBaseDN(opts.Domain)
	}
	return client, nil
}

// Connect establishes connection to the LDAP server and binds.
func (c *Client) Connect(ctx context.Context) error {
	scheme := "ldap"
	if c.useLDAPS {
		scheme = "ldaps"
	}
	host := c.server
	if c.resolver != "" && !utils.IsIPAddr(host) {
		ip, err := utils.DNSResolve(ctx, host, c.resolver, c.timeout)
		if err != nil {
			return errors.Wrapf(err, "resolving %s via %s", host, c.resolver)
		}
		host = ip
	}
	url := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, fmt.Sprint(c.port)))

	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := goldap.DialURL(url, goldap.DialWithDialer(&net.Dialer{Timeout: c.timeout}), goldap.DialWithTLSConfig(&tls.Config{
		InsecureSkipVerify: true,
		ServerName:         c.server,
	}))
	if err != nil {
		return errors.Wrapf(err, "failed to connect to LDAP server %s", url)
	}
	conn.SetTimeout(c.timeout)
	c.conn = conn

	if err := c.bind(); err != nil {
		c.conn.Close()
		c.conn = nil
		return errors.Wrapf(err, "failed to bind to %s as %s", url, c.creds.UserPrincipal())
	}
	return nil
}

func (c *Client) bind() error {
	switch c.creds.Method() {
	case credentials.BindAnonymous:
		return c.conn.UnauthenticatedBind("")
	case credentials.BindKerberos:
		kc, err := gssapi.NewClientWithPassword(c.creds.Username, strings.ToUpper(c.creds.Domain), c.creds.Password, c.creds.Krb5Conf)
		if err != nil {
			return errors.Wrap(err, "kerberos client")
		}
		return c.conn.GSSAPIBind(kc, "ldap/"+c.server, "")
	case credentials.BindNTHash:
		return c.conn.NTLMBindWithHash(c.creds.Domain, c.creds.Username, c.creds.NTHex)
	}
	return c.conn.Bind(c.creds.UserPrincipal(), c.creds.Password)
}

// Close closes the LDAP connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) BaseDN() string { return c.baseDN }
func (c *Client) Domain() string { return c.domain }
func (c *Client) Server() string { return c.server }

// Search runs a paged search and streams every entry to fn.
func (c *Client) Search(ctx context.Context, req *SearchRequest, fn func(*Entry) error) error {
	if c.conn == nil {
		return errors.New("ldap: not connected")
	}
	base := req.BaseDN
	if base == "" && req.Scope != ScopeBase {
		base = c.baseDN
	}
	filter := req.Filter
	if filter == "" {
		filter = "(objectClass=*)"
	}

	paging := goldap.NewControlPaging(c.pageSize)
	controls := []goldap.Control{paging}
	if req.SecurityDescriptor {
		controls = append(controls, sdFlagsControl())
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sr, err := c.conn.Search(goldap.NewSearchRequest(
			base,
			req.Scope.ldap(), goldap.NeverDerefAliases, 0, 0, false,
			filter,
			req.Attributes,
			controls,
		))
		if err != nil {
			return errors.Wrapf(err, "LDAP search %s under %s failed", filter, base)
		}
		for _, le := range sr.Entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(fromLDAP(le)); err != nil {
				return err
			}
		}

		resp, ok := goldap.FindControl(sr.Controls, goldap.ControlTypePaging).(*goldap.ControlPaging)
		if !ok || len(resp.Cookie) == 0 {
			return nil
		}
		paging.SetCookie(resp.Cookie)
	}
}

// sdFlagsControl asks for OWNER|GROUP|DACL so that non-admin binds still
// receive nTSecurityDescriptor.
func sdFlagsControl() goldap.Control {
	// BER SEQUENCE { INTEGER 7 }
	return goldap.NewControlString(sdFlagsOID, true, string([]byte{0x30, 0x03, 0x02, 0x01, 0x07}))
}

// RootDSE holds the naming contexts advertised by the DC.
type RootDSE struct {
	DefaultNamingContext       string
	ConfigurationNamingContext string
	SchemaNamingContext        string
	DNSHostName                string
}

func (c *Client) RootDSE(ctx context.Context) (*RootDSE, error) {
	e, err := FindOne(ctx, c, "", ScopeBase, "(objectClass=*)", []string{
		"defaultNamingContext", "configurationNamingContext", "schemaNamingContext", "dnsHostName",
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading RootDSE")
	}
	return &RootDSE{
		DefaultNamingContext:       e.GetString("defaultNamingContext"),
		ConfigurationNamingContext: e.GetString("configurationNamingContext"),
		SchemaNamingContext:        e.GetString("schemaNamingContext"),
		DNSHostName:                e.GetString("dnsHostName"),
	}, nil
}

// DomainSID returns the objectSid of the domain head.
func (c *Client) DomainSID(ctx context.Context) (string, error) {
	e, err := FindOne(ctx, c, c.baseDN, ScopeBase, "(objectClass=*)", []string{"objectSid"})
	if err != nil {
		return "", errors.Wrap(err, "reading domain SID")
	}
	sid := e.ObjectSID()
	if sid == "" {
		return "", errors.Errorf("%s has no objectSid", c.baseDN)
	}
	return sid, nil
}

// SchemaGUIDs maps lower-case schemaIDGUID and rightsGuid values to their
// display names.
func (c *Client) SchemaGUIDs(ctx context.Context) (acl.GUIDMap, error) {
	dse, err := c.RootDSE(ctx)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]string)

	err = c.Search(ctx, &SearchRequest{
		BaseDN:     dse.SchemaNamingContext,
		Scope:      ScopeSubtree,
		Filter:     Present("schemaIDGUID").String(),
		Attributes: []string{"lDAPDisplayName", "schemaIDGUID"},
	}, func(e *Entry) error {
		raw := e.GetBytes("schemaIDGUID")
		if len(raw) == 16 {
			entries[acl.GUIDFromBytes(raw).String()] = e.GetString("lDAPDisplayName")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading schema GUIDs")
	}

	err = c.Search(ctx, &SearchRequest{
		BaseDN:     "CN=Extended-Rights," + dse.ConfigurationNamingContext,
		Scope:      ScopeOneLevel,
		Filter:     Eq("objectClass", "controlAccessRight").String(),
		Attributes: []string{"name", "rightsGuid"},
	}, func(e *Entry) error {
		if g := e.GetString("rightsGuid"); g != "" {
			entries[g] = e.GetString("name")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading extended rights")
	}
	return acl.NewGUIDMap(entries), nil
}
