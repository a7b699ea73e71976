package collector

import (
	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/sid"
)

var baseAttributes = []string{
	"name", "cn", "ou", "displayName", "description", "whenCreated", "isDeleted",
	"samAccountName", "userAccountControl", "primaryGroupID", "dNSHostName",
	"operatingSystem", "pwdLastSet", "lastLogon", "lastLogonTimestamp", "adminCount",
	"servicePrincipalName", "sIDHistory", "gPCFileSysPath", "gPOptions",
	"msDS-Behavior-Version", "ms-Mcs-AdmPwdExpirationTime", "msLAPS-PasswordExpirationTime",
}

// Attributes returns the directory attributes the processors read for m.
func Attributes(m config.CollectionMethod) []string {
	attrs := append([]string(nil), sid.IdentityAttributes...)
	attrs = append(attrs, baseAttributes...)
	if m.Has(config.MethodACL) {
		attrs = append(attrs, "nTSecurityDescriptor", "msDS-GroupMSAMembership")
	}
	if m.Has(config.MethodGroup) {
		attrs = append(attrs, "member")
	}
	if m.Has(config.MethodContainer) {
		attrs = append(attrs, "gPLink")
	}
	if m.Any(config.MethodObjectProps | config.MethodACL) {
		attrs = append(attrs, "msDS-AllowedToDelegateTo", "msDS-AllowedToActOnBehalfOfOtherIdentity")
	}
	if m.Has(config.MethodObjectProps) {
		attrs = append(attrs, "mail", "title", "homeDirectory", "scriptPath", "operatingSystemServicePack",
			"ms-DS-MachineAccountQuota", "minPwdLength", "pwdHistoryLength", "lockoutThreshold")
	}
	return attrs
}

// WantsSecurityDescriptor reports whether entries must be read with the
// security descriptor control.
func WantsSecurityDescriptor(m config.CollectionMethod) bool {
	return m.Has(config.MethodACL)
}
