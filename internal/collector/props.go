package collector

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/specterops/dirhound/internal/acl"
	"github.com/specterops/dirhound/internal/graph"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/utils"
)

// userAccountControl bits read by the processors
const (
	uacAccountDisable             = 0x2
	uacPasswordNotRequired        = 0x20
	uacServerTrustAccount         = 0x2000
	uacDontExpirePassword         = 0x10000
	uacTrustedForDelegation       = 0x80000
	uacNotDelegated               = 0x100000
	uacDontRequirePreauth         = 0x400000
	uacTrustedToAuthForDelegation = 0x1000000
	uacPartialSecretsAccount      = 0x4000000
)

// trustAttributes bits
const (
	trustNonTransitive    = 0x1
	trustFilterSIDs       = 0x4
	trustForestTransitive = 0x8
	trustWithinForest     = 0x20
	trustTreatAsExternal  = 0x40
)

var functionalLevels = map[int64]string{
	0: "2000 Mixed/Native",
	1: "2003 Interim",
	2: "2003",
	3: "2008",
	4: "2008 R2",
	5: "2012",
	6: "2012 R2",
	7: "2016",
}

// FunctionalLevel names a msDS-Behavior-Version value.
func FunctionalLevel(v int64) string {
	if name, ok := functionalLevels[v]; ok {
		return name
	}
	return "Unknown"
}

var gpLinkPattern = regexp.MustCompile(`(?i)\[LDAP://([^;\]]+);(\d+)\]`)

// GPLinkEntry is one parsed element of a gPLink attribute.
type GPLinkEntry struct {
	DN       string
	Enforced bool
}

// ParseGPLink parses a gPLink value. Disabled links are dropped.
func ParseGPLink(value string) []GPLinkEntry {
	var out []GPLinkEntry
	for _, m := range gpLinkPattern.FindAllStringSubmatch(value, -1) {
		status, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if status&1 != 0 {
			continue
		}
		out = append(out, GPLinkEntry{DN: m[1], Enforced: status&2 != 0})
	}
	return out
}

// TrustFromEntry builds a trust from a trustedDomain entry. It returns false
// when the entry carries no usable target domain.
func TrustFromEntry(e *ldap.Entry) (graph.Trust, bool) {
	name := strings.ToUpper(e.GetString("trustPartner"))
	if name == "" {
		name = strings.ToUpper(e.GetString("name"))
	}
	if name == "" {
		return graph.Trust{}, false
	}

	attrs := e.GetInt64("trustAttributes")
	t := graph.Trust{
		TargetDomainName:    name,
		TargetDomainSid:     acl.SIDString(e.GetBytes("securityIdentifier")),
		IsTransitive:        attrs&trustNonTransitive == 0,
		SidFilteringEnabled: attrs&trustFilterSIDs != 0,
		TrustDirection:      graph.TrustDirection(e.GetInt64("trustDirection")),
	}

	switch {
	case attrs&trustWithinForest != 0:
		t.TrustType = graph.TrustParentChild
	case attrs&trustForestTransitive != 0:
		t.TrustType = graph.TrustForest
	case attrs&trustTreatAsExternal != 0, attrs&trustNonTransitive != 0:
		t.TrustType = graph.TrustExternal
	default:
		t.TrustType = graph.TrustUnknown
	}
	if t.TrustDirection < graph.TrustDisabled || t.TrustDirection > graph.TrustBidirectional {
		t.TrustDirection = graph.TrustDisabled
	}
	return t, true
}

// GeneralizedTime converts an LDAP generalized time to a unix timestamp, 0
// when it cannot be parsed.
func GeneralizedTime(value string) int64 {
	value = strings.TrimSpace(value)
	if i := strings.IndexAny(value, ".Z"); i >= 0 {
		value = value[:i]
	}
	t, err := time.ParseInLocation("20060102150405", value, time.UTC)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// FileTime reads an integer FILETIME attribute as a unix timestamp.
func FileTime(e *ldap.Entry, attr string) int64 {
	return utils.FileTimeToUnix(e.GetInt64(attr))
}

// ParentDN returns the distinguished name of the parent of dn, or "".
func ParentDN(dn string) string {
	escaped := false
	for i, c := range dn {
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == ',':
			return strings.TrimSpace(dn[i+1:])
		}
	}
	return ""
}

// HostFromSPN extracts the host part of a service principal name such as
// cifs/srv01.corp.local:445/corp.
func HostFromSPN(spn string) string {
	_, rest, ok := strings.Cut(spn, "/")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(rest, ":/"); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}

// ComputerHostName returns the DNS name of a computer entry, falling back to
// its account name qualified with domain.
func ComputerHostName(e *ldap.Entry, domain string) string {
	if name := e.GetString("dNSHostName"); name != "" {
		return strings.ToLower(name)
	}
	short := strings.TrimSuffix(e.GetString("samAccountName"), "$")
	if short == "" {
		return ""
	}
	return strings.ToLower(short + "." + domain)
}
