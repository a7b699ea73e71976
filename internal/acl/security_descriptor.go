// Package acl parses self-relative security descriptors and decodes their
// access control entries into effective permissions.
package acl

import (
	"encoding/binary"
	"fmt"

	"github.com/gofrs/uuid"
)

// Security descriptor control flags
const (
	SE_DACL_PRESENT   = 0x0004
	SE_SACL_PRESENT   = 0x0010
	SE_DACL_PROTECTED = 0x1000
	SE_SELF_RELATIVE  = 0x8000
)

// ACE type constants
const (
	ACCESS_ALLOWED_ACE_TYPE        = 0x00
	ACCESS_DENIED_ACE_TYPE         = 0x01
	SYSTEM_AUDIT_ACE_TYPE          = 0x02
	ACCESS_ALLOWED_OBJECT_ACE_TYPE = 0x05
	ACCESS_DENIED_OBJECT_ACE_TYPE  = 0x06
	SYSTEM_AUDIT_OBJECT_ACE_TYPE   = 0x07
)

// ACE flag constants
const (
	OBJECT_INHERIT_ACE       = 0x01
	CONTAINER_INHERIT_ACE    = 0x02
	NO_PROPAGATE_INHERIT_ACE = 0x04
	INHERIT_ONLY_ACE         = 0x08
	INHERITED_ACE            = 0x10
)

// Object ACE flags
const (
	ACE_OBJECT_TYPE_PRESENT           = 0x1
	ACE_INHERITED_OBJECT_TYPE_PRESENT = 0x2
)

// SecurityDescriptor represents a Windows security descriptor.
type SecurityDescriptor struct {
	Revision uint8
	Control  uint16
	OwnerSID *SID
	GroupSID *SID
	Dacl     *ACL
}

// ACL represents an Access Control List.
type ACL struct {
	AclRevision uint8
	AclSize     uint16
	AceCount    uint16
	Aces        []ACE
}

// ACE represents an Access Control Entry. ObjectType and InheritedObjectType
// are only set on object ACEs carrying the matching flag.
type ACE struct {
	AceType             uint8
	AceFlags            uint8
	AceSize             uint16
	Mask                uint32
	ObjectFlags         uint32
	ObjectType          uuid.UUID
	InheritedObjectType uuid.UUID
	SID                 *SID
}

// ParseSecurityDescriptor parses a self-relative security descriptor. Any out
// of range offset or truncated structure is an error.
func ParseSecurityDescriptor(data []byte) (*SecurityDescriptor, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("security descriptor too short: %d bytes", len(data))
	}

	sd := &SecurityDescriptor{
		Revision: data[0],
		Control:  binary.LittleEndian.Uint16(data[2:4]),
	}
	if sd.Revision != 1 {
		return nil, fmt.Errorf("unsupported security descriptor revision %d", sd.Revision)
	}

	offsetOwner := binary.LittleEndian.Uint32(data[4:8])
	offsetGroup := binary.LittleEndian.Uint32(data[8:12])
	offsetDacl := binary.LittleEndian.Uint32(data[16:20])

	var err error
	if offsetOwner != 0 {
		if sd.OwnerSID, err = parseSIDAt(data, offsetOwner); err != nil {
			return nil, fmt.Errorf("owner: %w", err)
		}
	}
	if offsetGroup != 0 {
		if sd.GroupSID, err = parseSIDAt(data, offsetGroup); err != nil {
			return nil, fmt.Errorf("group: %w", err)
		}
	}
	if offsetDacl != 0 && sd.Control&SE_DACL_PRESENT != 0 {
		if int(offsetDacl) >= len(data) {
			return nil, fmt.Errorf("DACL offset %d out of range", offsetDacl)
		}
		if sd.Dacl, err = ParseACL(data[offsetDacl:]); err != nil {
			return nil, fmt.Errorf("DACL: %w", err)
		}
	}

	return sd, nil
}

func parseSIDAt(data []byte, offset uint32) (*SID, error) {
	if int(offset) >= len(data) {
		return nil, fmt.Errorf("SID offset %d out of range", offset)
	}
	return ParseSID(data[offset:])
}

// IsProtected reports whether DACL inheritance is blocked.
func (sd *SecurityDescriptor) IsProtected() bool {
	return sd.Control&SE_DACL_PROTECTED != 0
}

// ParseACL parses a binary ACL.
func ParseACL(data []byte) (*ACL, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("ACL too short: %d bytes", len(data))
	}

	acl := &ACL{
		AclRevision: data[0],
		AclSize:     binary.LittleEndian.Uint16(data[2:4]),
		AceCount:    binary.LittleEndian.Uint16(data[4:6]),
	}
	if int(acl.AclSize) > len(data) {
		return nil, fmt.Errorf("ACL size %d exceeds %d available bytes", acl.AclSize, len(data))
	}

	offset := 8
	for i := 0; i < int(acl.AceCount); i++ {
		if offset >= int(acl.AclSize) {
			return nil, fmt.Errorf("ACE %d starts beyond the ACL", i)
		}
		ace, size, err := ParseACE(data[offset:acl.AclSize])
		if err != nil {
			return nil, fmt.Errorf("ACE %d: %w", i, err)
		}
		acl.Aces = append(acl.Aces, *ace)
		offset += size
	}

	return acl, nil
}

// ParseACE parses a binary ACE and returns the ACE and its size.
func ParseACE(data []byte) (*ACE, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("ACE header too short")
	}

	ace := &ACE{
		AceType:  data[0],
		AceFlags: data[1],
		AceSize:  binary.LittleEndian.Uint16(data[2:4]),
		Mask:     binary.LittleEndian.Uint32(data[4:8]),
	}
	if ace.AceSize < 8 || len(data) < int(ace.AceSize) {
		return nil, 0, fmt.Errorf("ACE size %d invalid for %d bytes", ace.AceSize, len(data))
	}

	body := data[8:ace.AceSize]
	switch ace.AceType {
	case ACCESS_ALLOWED_ACE_TYPE, ACCESS_DENIED_ACE_TYPE, SYSTEM_AUDIT_ACE_TYPE:
	case ACCESS_ALLOWED_OBJECT_ACE_TYPE, ACCESS_DENIED_OBJECT_ACE_TYPE, SYSTEM_AUDIT_OBJECT_ACE_TYPE:
		if len(body) < 4 {
			return nil, 0, fmt.Errorf("object ACE too short for flags")
		}
		ace.ObjectFlags = binary.LittleEndian.Uint32(body[0:4])
		body = body[4:]
		var err error
		if ace.ObjectFlags&ACE_OBJECT_TYPE_PRESENT != 0 {
			if ace.ObjectType, body, err = readGUID(body); err != nil {
				return nil, 0, err
			}
		}
		if ace.ObjectFlags&ACE_INHERITED_OBJECT_TYPE_PRESENT != 0 {
			if ace.InheritedObjectType, body, err = readGUID(body); err != nil {
				return nil, 0, err
			}
		}
	default:
		// Callback and label ACEs are kept without a trustee.
		return ace, int(ace.AceSize), nil
	}

	sid, err := ParseSID(body)
	if err != nil {
		return nil, 0, err
	}
	ace.SID = sid
	return ace, int(ace.AceSize), nil
}

func readGUID(data []byte) (uuid.UUID, []byte, error) {
	if len(data) < 16 {
		return uuid.Nil, data, fmt.Errorf("object ACE too short for GUID")
	}
	return GUIDFromBytes(data[:16]), data[16:], nil
}

// IsAccessAllowed returns true for basic and object allow ACEs.
func (a *ACE) IsAccessAllowed() bool {
	return a.AceType == ACCESS_ALLOWED_ACE_TYPE || a.AceType == ACCESS_ALLOWED_OBJECT_ACE_TYPE
}

// IsInherited reports whether the ACE was inherited from a parent.
func (a *ACE) IsInherited() bool {
	return a.AceFlags&INHERITED_ACE != 0
}

// IsInheritOnly reports whether the ACE only applies to children.
func (a *ACE) IsInheritOnly() bool {
	return a.AceFlags&INHERIT_ONLY_ACE != 0
}

// Qualifier returns the object type GUID in lower-case string form, or "".
func (a *ACE) Qualifier() string {
	if a.ObjectFlags&ACE_OBJECT_TYPE_PRESENT == 0 {
		return ""
	}
	return a.ObjectType.String()
}

// InheritedQualifier returns the inherited object type GUID, or "".
func (a *ACE) InheritedQualifier() string {
	if a.ObjectFlags&ACE_INHERITED_OBJECT_TYPE_PRESENT == 0 {
		return ""
	}
	return a.InheritedObjectType.String()
}
