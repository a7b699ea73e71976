package acl

import (
	"context"
	"fmt"
	"strings"

	"github.com/specterops/dirhound/internal/cache"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/pkg/kinds"
)

// Permission is one effective right granted to a principal on an object.
type Permission struct {
	Principal cache.Identity
	Right     string
	Qualifier string
	Inherited bool
}

// IdentityResolver resolves a SID string to an identity. A false return means
// the principal is unknown and the ACE is skipped.
type IdentityResolver interface {
	ResolveSID(ctx context.Context, sid string) (cache.Identity, bool)
}

// Decoder turns raw security descriptors into Permissions.
type Decoder struct {
	resolver IdentityResolver
	guids    GUIDMap
	logger   logger.LoggerInterface
}

// NewDecoder creates a Decoder. guids maps schema GUIDs to attribute names and
// may be nil.
func NewDecoder(resolver IdentityResolver, guids GUIDMap, log logger.LoggerInterface) *Decoder {
	if guids == nil {
		guids = GUIDMap{}
	}
	return &Decoder{resolver: resolver, guids: guids, logger: log}
}

// Decode returns the permissions granted by the nTSecurityDescriptor raw on an
// object of kind target. hasLAPS enables ReadLAPSPassword on computers.
// Malformed input yields an empty list. Duplicates are not removed.
func (d *Decoder) Decode(ctx context.Context, raw []byte, target kinds.Kind, hasLAPS bool) []Permission {
	sd, err := ParseSecurityDescriptor(raw)
	if err != nil {
		d.logger.Debug(fmt.Sprintf("Ignoring malformed security descriptor: %v", err))
		return []Permission{}
	}

	perms := []Permission{}
	if sd.OwnerSID != nil {
		owner := sd.OwnerSID.String()
		if !IsIgnoredSID(owner) {
			if id, ok := d.resolver.ResolveSID(ctx, owner); ok {
				perms = append(perms, Permission{Principal: id, Right: kinds.RightOwns})
			}
		}
	}

	if sd.Dacl == nil {
		return perms
	}

	baseGUID := kinds.BaseClassGUID(target)
	for i := range sd.Dacl.Aces {
		ace := &sd.Dacl.Aces[i]
		if !ace.IsAccessAllowed() || ace.SID == nil {
			continue
		}
		if !applies(ace, baseGUID) {
			continue
		}

		principal := ace.SID.String()
		if IsIgnoredSID(principal) {
			continue
		}
		id, ok := d.resolver.ResolveSID(ctx, principal)
		if !ok {
			continue
		}

		perms = append(perms, d.rightsFor(ace, id, target, hasLAPS)...)
	}
	return perms
}

// applies reports whether an ACE takes effect on the object itself. Inherited
// ACEs must be scoped to all objects or to the target class. Explicit ACEs
// count unless they are inherit-only, since some directory agents write
// explicit ACEs that are meant to apply.
func applies(ace *ACE, baseGUID string) bool {
	if ace.IsInherited() {
		scope := ace.InheritedQualifier()
		return isAllObjects(scope) || strings.EqualFold(scope, baseGUID)
	}
	return !ace.IsInheritOnly()
}

func isAllObjects(guid string) bool {
	return guid == "" || guid == kinds.GUIDAllObjects
}

func (d *Decoder) rightsFor(ace *ACE, id cache.Identity, target kinds.Kind, hasLAPS bool) []Permission {
	qualifier := ace.Qualifier()
	inherited := ace.IsInherited()
	emit := func(out []Permission, right string) []Permission {
		return append(out, Permission{Principal: id, Right: right, Qualifier: qualifier, Inherited: inherited})
	}

	if HasGenericAll(ace.Mask) && isAllObjects(qualifier) {
		return emit(nil, kinds.RightGenericAll)
	}

	var out []Permission
	if HasWriteDacl(ace.Mask) {
		out = emit(out, kinds.RightWriteDacl)
	}
	if HasWriteOwner(ace.Mask) {
		out = emit(out, kinds.RightWriteOwner)
	}

	if HasExtendedRight(ace.Mask) {
		switch target {
		case kinds.Domain:
			switch {
			case qualifier == kinds.GUIDGetChanges:
				out = emit(out, kinds.RightGetChanges)
			case qualifier == kinds.GUIDGetChangesAll:
				out = emit(out, kinds.RightGetChangesAll)
			case isAllObjects(qualifier):
				out = emit(out, kinds.RightAllExtendedRights)
			}
		case kinds.User:
			switch {
			case qualifier == kinds.GUIDForceChangePassword:
				out = emit(out, kinds.RightForceChangePassword)
			case isAllObjects(qualifier):
				out = emit(out, kinds.RightAllExtendedRights)
			}
		case kinds.Computer:
			switch {
			case isAllObjects(qualifier):
				out = emit(out, kinds.RightAllExtendedRights)
			case hasLAPS && d.guids.Name(qualifier) == kinds.LAPSPasswordAttribute:
				out = emit(out, kinds.RightReadLAPSPassword)
			}
		}
	}

	if HasGenericWrite(ace.Mask) {
		switch target {
		case kinds.User, kinds.Group, kinds.Computer, kinds.GPO:
			if isAllObjects(qualifier) {
				out = emit(out, kinds.RightGenericWrite)
			}
		}
		switch {
		case target == kinds.User && qualifier == kinds.GUIDWriteSPN:
			out = emit(out, kinds.RightWriteSPN)
		case target == kinds.Group && qualifier == kinds.GUIDWriteMember:
			out = emit(out, kinds.RightAddMember)
		case target == kinds.Computer && qualifier == kinds.GUIDAllowedToAct:
			out = emit(out, kinds.RightAddAllowedToAct)
		}
	}
	return out
}

// DecodeGMSA returns one ReadGMSAPassword per allowed, resolvable principal
// listed in a msDS-GroupMSAMembership descriptor. Rights are not inspected.
func (d *Decoder) DecodeGMSA(ctx context.Context, raw []byte) []Permission {
	sd, err := ParseSecurityDescriptor(raw)
	if err != nil {
		d.logger.Debug(fmt.Sprintf("Ignoring malformed GMSA membership descriptor: %v", err))
		return []Permission{}
	}

	perms := []Permission{}
	if sd.Dacl == nil {
		return perms
	}
	for i := range sd.Dacl.Aces {
		ace := &sd.Dacl.Aces[i]
		if !ace.IsAccessAllowed() || ace.SID == nil {
			continue
		}
		sid := ace.SID.String()
		if IsIgnoredSID(sid) {
			continue
		}
		if id, ok := d.resolver.ResolveSID(ctx, sid); ok {
			perms = append(perms, Permission{Principal: id, Right: kinds.RightReadGMSAPassword})
		}
	}
	return perms
}

// IsACLProtected reports whether the descriptor blocks inheritance. Malformed
// input reports false.
func IsACLProtected(raw []byte) bool {
	sd, err := ParseSecurityDescriptor(raw)
	if err != nil {
		return false
	}
	return sd.IsProtected()
}
