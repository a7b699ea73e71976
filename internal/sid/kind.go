package sid

import (
	"strings"

	"github.com/specterops/dirhound/internal/acl"
	"github.com/specterops/dirhound/internal/cache"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/pkg/kinds"
)

// IdentityAttributes are the attributes KindOf and IdentityOf read.
var IdentityAttributes = []string{"objectSid", "objectGUID", "objectClass", "samAccountType", "distinguishedName"}

// KindOf classifies a directory entry. Managed service accounts carry the
// machine samAccountType but are users; otherwise samAccountType wins over
// objectClass.
func KindOf(e *ldap.Entry) kinds.Kind {
	if e.HasObjectClass("msDS-GroupManagedServiceAccount") || e.HasObjectClass("msDS-ManagedServiceAccount") {
		return kinds.User
	}

	switch e.GetInt64("samAccountType") {
	case ldap.SamUserObject:
		return kinds.User
	case ldap.SamMachineAccount:
		return kinds.Computer
	case ldap.SamGroupObject, ldap.SamNonSecurityGroup, ldap.SamAliasObject, ldap.SamNonSecurityAlias:
		return kinds.Group
	case ldap.SamTrustAccount:
		return kinds.User
	}

	switch {
	case e.HasObjectClass("groupPolicyContainer"):
		return kinds.GPO
	case e.HasObjectClass("organizationalUnit"):
		return kinds.OU
	case e.HasObjectClass("domain"), e.HasObjectClass("domainDNS"):
		return kinds.Domain
	case e.HasObjectClass("container"):
		return kinds.Container
	case e.HasObjectClass("computer"):
		return kinds.Computer
	case e.HasObjectClass("group"):
		return kinds.Group
	case e.HasObjectClass("user"):
		return kinds.User
	}
	return kinds.Unknown
}

// IdentityOf returns the output identifier of an entry: the SID for
// principals and domains, the objectGUID for GPOs, OUs and containers.
func IdentityOf(e *ldap.Entry) (cache.Identity, bool) {
	k := KindOf(e)
	var id string
	switch k {
	case kinds.GPO, kinds.OU, kinds.Container:
		id = e.ObjectGUID()
	default:
		id = e.ObjectSID()
		if id == "" {
			id = e.ObjectGUID()
		}
	}
	if id == "" {
		return cache.Identity{}, false
	}
	return cache.Identity{ID: strings.ToUpper(id), Kind: k}, true
}

// wellKnownKind returns the kind BloodHound assigns to a well-known SID.
func wellKnownKind(s string) kinds.Kind {
	switch s {
	case "S-1-5-17", acl.SIDLocalSystem, "S-1-5-19", "S-1-5-20":
		return kinds.User
	}
	return kinds.Group
}

// looksLikeSID distinguishes SIDs from GUID identifiers.
func looksLikeSID(id string) bool {
	return strings.HasPrefix(strings.ToUpper(id), "S-1-")
}
