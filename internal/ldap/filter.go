package ldap

import (
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
)

// Filter is a composable LDAP filter.
type Filter interface {
	String() string
}

type rawFilter string

func (f rawFilter) String() string {
	return string(f)
}

// Raw wraps an already formatted filter. An empty string yields nil.
func Raw(s string) Filter {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if !strings.HasPrefix(s, "(") {
		s = "(" + s + ")"
	}
	return rawFilter(s)
}

type andFilter struct {
	parts []Filter
}

// And joins filters with &. Nil parts are dropped, and a single part is
// returned unwrapped.
func And(filters ...Filter) Filter {
	parts := compact(filters)
	if len(parts) == 1 {
		return parts[0]
	}
	return andFilter{parts: parts}
}

func (f andFilter) String() string {
	return "(&" + joinFilters(f.parts) + ")"
}

type orFilter struct {
	parts []Filter
}

// Or joins filters with |. Nil parts are dropped, and a single part is
// returned unwrapped.
func Or(filters ...Filter) Filter {
	parts := compact(filters)
	if len(parts) == 1 {
		return parts[0]
	}
	return orFilter{parts: parts}
}

func (f orFilter) String() string {
	return "(|" + joinFilters(f.parts) + ")"
}

type notFilter struct {
	part Filter
}

func Not(f Filter) Filter {
	return notFilter{part: f}
}

func (f notFilter) String() string {
	return "(!" + f.part.String() + ")"
}

// Eq matches attr=value with value escaped.
func Eq(attr, value string) Filter {
	return rawFilter("(" + attr + "=" + goldap.EscapeFilter(value) + ")")
}

// EqRaw matches attr=value with value used verbatim, e.g. an escaped binary SID.
func EqRaw(attr, value string) Filter {
	return rawFilter("(" + attr + "=" + value + ")")
}

func Present(attr string) Filter {
	return rawFilter("(" + attr + "=*)")
}

// BitAnd matches entries whose integer attr has every bit of mask set.
func BitAnd(attr string, mask int64) Filter {
	return rawFilter(fmt.Sprintf("(%s:1.2.840.113556.1.4.803:=%d)", attr, mask))
}

func compact(filters []Filter) []Filter {
	out := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			out = append(out, f)
		}
	}
	return out
}

func joinFilters(parts []Filter) string {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.String())
	}
	return sb.String()
}

// sAMAccountType values
const (
	SamGroupObject      = 268435456
	SamNonSecurityGroup = 268435457
	SamAliasObject      = 536870912
	SamNonSecurityAlias = 536870913
	SamUserObject       = 805306368
	SamMachineAccount   = 805306369
	SamTrustAccount     = 805306370
)

// userAccountControl bits
const (
	UACAccountDisable        = 0x2
	UACServerTrustAccount    = 0x2000
	UACDontExpirePassword    = 0x10000
	UACPartialSecretsAccount = 0x4000000
)

// Common object filters
var (
	FilterUsers     = Eq("samAccountType", fmt.Sprint(SamUserObject))
	FilterComputers = Eq("samAccountType", fmt.Sprint(SamMachineAccount))
	FilterGroups    = Or(
		Eq("samAccountType", fmt.Sprint(SamGroupObject)),
		Eq("samAccountType", fmt.Sprint(SamNonSecurityGroup)),
		Eq("samAccountType", fmt.Sprint(SamAliasObject)),
		Eq("samAccountType", fmt.Sprint(SamNonSecurityAlias)),
	)
	FilterDomains    = Eq("objectClass", "domain")
	FilterGPOs       = Eq("objectCategory", "groupPolicyContainer")
	FilterOUs        = Eq("objectClass", "organizationalUnit")
	FilterContainers = Eq("objectClass", "container")
	FilterGMSA       = Eq("objectClass", "msDS-GroupManagedServiceAccount")
	FilterEnabled    = Not(BitAnd("userAccountControl", UACAccountDisable))
	FilterDCs        = Or(
		BitAnd("userAccountControl", UACServerTrustAccount),
		BitAnd("userAccountControl", UACPartialSecretsAccount),
	)
	FilterTrusts = Eq("objectClass", "trustedDomain")
)
