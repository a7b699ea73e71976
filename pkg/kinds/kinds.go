// Package kinds defines the object kinds, right names and schema GUIDs shared by the
// collector and the BloodHound output format.
package kinds

// Kind identifies the type of a directory object.
type Kind int

const (
	Unknown Kind = iota
	User
	Computer
	Group
	Domain
	GPO
	OU
	Container
)

var kindNames = map[Kind]string{
	Unknown:   "Base",
	User:      "User",
	Computer:  "Computer",
	Group:     "Group",
	Domain:    "Domain",
	GPO:       "GPO",
	OU:        "OU",
	Container: "Container",
}

// String returns the BloodHound type label of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[Unknown]
}

// Plural returns the output file type name for the kind ("users", "ous", ...).
func (k Kind) Plural() string {
	switch k {
	case User:
		return "users"
	case Computer:
		return "computers"
	case Group:
		return "groups"
	case Domain:
		return "domains"
	case GPO:
		return "gpos"
	case OU:
		return "ous"
	case Container:
		return "containers"
	}
	return "unknown"
}

// AllKinds returns every concrete kind in output order.
func AllKinds() []Kind {
	return []Kind{User, Computer, Group, Domain, GPO, OU, Container}
}

// Right names emitted on ACE edges
const (
	RightOwns                = "Owns"
	RightGenericAll          = "GenericAll"
	RightGenericWrite        = "GenericWrite"
	RightWriteDacl           = "WriteDacl"
	RightWriteOwner          = "WriteOwner"
	RightAllExtendedRights   = "AllExtendedRights"
	RightGetChanges          = "GetChanges"
	RightGetChangesAll       = "GetChangesAll"
	RightForceChangePassword = "ForceChangePassword"
	RightWriteSPN            = "WriteSPN"
	RightAddMember           = "AddMember"
	RightAddAllowedToAct     = "AddAllowedToAct"
	RightReadLAPSPassword    = "ReadLAPSPassword"
	RightReadGMSAPassword    = "ReadGMSAPassword"
)

// Schema GUIDs of the structural classes an ACE can be scoped to by its
// inherited object type.
const (
	ClassUser      = "bf967aba-0de6-11d0-a285-00aa003049e2"
	ClassComputer  = "bf967a86-0de6-11d0-a285-00aa003049e2"
	ClassGroup     = "bf967a9c-0de6-11d0-a285-00aa003049e2"
	ClassDomain    = "19195a5a-6da0-11d0-afd3-00c04fd930c9"
	ClassGPO       = "f30e3bc2-9ff0-11d1-b603-0000f80367c1"
	ClassOU        = "bf967aa5-0de6-11d0-a285-00aa003049e2"
	ClassContainer = "bf967a8b-0de6-11d0-a285-00aa003049e2"
)

// Extended rights and attribute GUIDs with a dedicated right name
const (
	GUIDAllObjects          = "00000000-0000-0000-0000-000000000000"
	GUIDGetChanges          = "1131f6aa-9c07-11d1-f79f-00c04fc2dcd2"
	GUIDGetChangesAll       = "1131f6ad-9c07-11d1-f79f-00c04fc2dcd2"
	GUIDForceChangePassword = "00299570-246d-11d0-a768-00aa006e0529"
	GUIDWriteSPN            = "f3a64788-5306-11d1-a9c5-0000f80367c1"
	GUIDWriteMember         = "bf9679c0-0de6-11d0-a285-00aa003049e2"
	GUIDAllowedToAct        = "3f78c3e5-f79a-46bd-a0b8-9d18116ddc79"
)

// LAPSPasswordAttribute is the lDAPDisplayName of the legacy LAPS password attribute.
const LAPSPasswordAttribute = "ms-mcs-admpwd"

// BaseClassGUID returns the structural class GUID for a kind, or "" when the kind
// has no single class.
func BaseClassGUID(k Kind) string {
	switch k {
	case User:
		return ClassUser
	case Computer:
		return ClassComputer
	case Group:
		return ClassGroup
	case Domain:
		return ClassDomain
	case GPO:
		return ClassGPO
	case OU:
		return ClassOU
	case Container:
		return ClassContainer
	}
	return ""
}
