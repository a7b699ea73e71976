// Package credentials holds the domain account used for LDAP binds and SMB
// sessions.
package credentials

import (
	"encoding/hex"
	"regexp"
	"strings"
)

// Empty LM and NT hashes used when only one half is supplied
const (
	EmptyLMHash = "aad3b435b51404eeaad3b435b51404ee"
	EmptyNTHash = "31d6cfe0d16ae931b73c59d7e0c089c0"
)

var hashPattern = regexp.MustCompile(`(?i)^([0-9a-f]{32})?(:)?([0-9a-f]{32})?$`)

// BindMethod is the authentication mechanism derived from the supplied secrets.
type BindMethod int

const (
	BindAnonymous BindMethod = iota
	BindPassword
	BindNTHash
	BindKerberos
)

func (m BindMethod) String() string {
	switch m {
	case BindPassword:
		return "password"
	case BindNTHash:
		return "pass-the-hash"
	case BindKerberos:
		return "kerberos"
	}
	return "anonymous"
}

// Credentials holds authentication information for LDAP and SMB.
type Credentials struct {
	Domain   string
	Username string
	Password string

	NTHex string
	NTRaw []byte
	LMHex string
	LMRaw []byte

	UseKerberos bool
	Krb5Conf    string
}

// NewCredentials creates a new Credentials instance.
func NewCredentials(domain, username, password, hashes string, useKerberos bool, krb5Conf string) *Credentials {
	c := &Credentials{
		Domain:      domain,
		Username:    username,
		Password:    password,
		UseKerberos: useKerberos,
		Krb5Conf:    krb5Conf,
	}
	c.SetHashes(hashes)
	return c
}

// SetHashes parses and sets the LM and NT hashes from a string in "LM:NT" format.
func (c *Credentials) SetHashes(hashes string) {
	c.LMHex, c.LMRaw, c.NTHex, c.NTRaw = "", nil, "", nil
	if hashes == "" {
		return
	}

	c.LMHex, c.NTHex = ParseLMNTHashes(hashes)
	if c.LMHex != "" {
		c.LMRaw, _ = hex.DecodeString(c.LMHex)
	}
	if c.NTHex != "" {
		c.NTRaw, _ = hex.DecodeString(c.NTHex)
	}
}

// IsAnonymous returns true if no username is provided.
func (c *Credentials) IsAnonymous() bool {
	return c.Username == ""
}

// HasHashes returns true if NT hash is available.
func (c *Credentials) HasHashes() bool {
	return c.NTHex != "" && len(c.NTRaw) > 0
}

// Method returns how these credentials authenticate.
func (c *Credentials) Method() BindMethod {
	switch {
	case c.IsAnonymous():
		return BindAnonymous
	case c.UseKerberos:
		return BindKerberos
	case c.HasHashes():
		return BindNTHash
	}
	return BindPassword
}

// ParseLMNTHashes parses a string containing LM and NT hash values.
// The format is "LM:NT" or ":NT" or "LM:".
func ParseLMNTHashes(hashString string) (lmHash, ntHash string) {
	if hashString == "" {
		return "", ""
	}

	matches := hashPattern.FindStringSubmatch(strings.TrimSpace(strings.ToLower(hashString)))
	if matches == nil {
		return "", ""
	}
	lm, sep, nt := matches[1], matches[2], matches[3]

	switch {
	case lm == "" && sep == "" && nt == "":
		return "", ""
	case lm == "" && nt != "":
		return EmptyLMHash, nt
	case lm != "" && nt == "":
		return lm, EmptyNTHash
	}
	return lm, nt
}

// UserPrincipal returns user@domain.
func (c *Credentials) UserPrincipal() string {
	return c.Username + "@" + c.Domain
}

// String returns a string representation of the credentials.
func (c *Credentials) String() string {
	return "<Credentials for '" + c.Domain + "\\" + c.Username + "' (" + c.Method().String() + ")>"
}
