// Package graph holds the BloodHound v6 output records and the writer that
// serializes them to per-type JSON files.
package graph

import (
	"github.com/specterops/dirhound/pkg/kinds"
)

// Version is the output format version written in every meta trailer.
const Version = 6

// Record is one finished output object.
type Record interface {
	Kind() kinds.Kind
	Identifier() string
}

// TypedPrincipal references another object by identifier and type label.
type TypedPrincipal struct {
	ObjectIdentifier string `json:"ObjectIdentifier"`
	ObjectType       string `json:"ObjectType"`
}

// NewTypedPrincipal builds a reference to id of kind k.
func NewTypedPrincipal(id string, k kinds.Kind) TypedPrincipal {
	return TypedPrincipal{ObjectIdentifier: id, ObjectType: k.String()}
}

// ACE is one effective permission held by a principal over the record.
type ACE struct {
	PrincipalSID  string `json:"PrincipalSID"`
	PrincipalType string `json:"PrincipalType"`
	RightName     string `json:"RightName"`
	IsInherited   bool   `json:"IsInherited"`
}

// Base carries the fields shared by every record type.
type Base struct {
	ObjectIdentifier string                 `json:"ObjectIdentifier"`
	Properties       map[string]interface{} `json:"Properties"`
	Aces             []ACE                  `json:"Aces"`
	IsDeleted        bool                   `json:"IsDeleted"`
	IsACLProtected   bool                   `json:"IsACLProtected"`
	ContainedBy      *TypedPrincipal        `json:"ContainedBy"`
}

// NewBase returns a Base with empty, non-nil collections.
func NewBase(id string) Base {
	return Base{
		ObjectIdentifier: id,
		Properties:       make(map[string]interface{}),
		Aces:             []ACE{},
	}
}

// Identifier returns the object identifier.
func (b *Base) Identifier() string { return b.ObjectIdentifier }

// SetProperty sets a property on the record.
func (b *Base) SetProperty(key string, value interface{}) {
	if b.Properties == nil {
		b.Properties = make(map[string]interface{})
	}
	b.Properties[key] = value
}

// StringProperty returns a string property, or "" when absent or not a string.
func (b *Base) StringProperty(key string) string {
	if s, ok := b.Properties[key].(string); ok {
		return s
	}
	return ""
}

// SessionRecord links a user to the computer its session comes from.
type SessionRecord struct {
	UserSID     string `json:"UserSID"`
	ComputerSID string `json:"ComputerSID"`
}

// SessionAPIResult is the outcome of one session enumeration mechanism.
type SessionAPIResult struct {
	Collected     bool            `json:"Collected"`
	FailureReason *string         `json:"FailureReason"`
	Results       []SessionRecord `json:"Results"`
}

// LocalGroupAPIResult holds the members of one local group of a computer.
type LocalGroupAPIResult struct {
	ObjectIdentifier string           `json:"ObjectIdentifier"`
	Name             string           `json:"Name"`
	Collected        bool             `json:"Collected"`
	FailureReason    *string          `json:"FailureReason"`
	Results          []TypedPrincipal `json:"Results"`
}

// ComputerStatus reports whether the computer could be enumerated.
type ComputerStatus struct {
	Connectable bool   `json:"Connectable"`
	Error       string `json:"Error"`
}

// GPLink is one linked group policy of a domain or OU.
type GPLink struct {
	GUID       string `json:"GUID"`
	IsEnforced bool   `json:"IsEnforced"`
}

// TrustDirection mirrors trustDirection on trustedDomain objects.
type TrustDirection int

const (
	TrustDisabled TrustDirection = iota
	TrustInbound
	TrustOutbound
	TrustBidirectional
)

// TrustType classifies the relationship between two domains.
type TrustType int

const (
	TrustParentChild TrustType = iota
	TrustCrossLink
	TrustForest
	TrustExternal
	TrustUnknown
)

// Trust is one trust relationship of a domain.
type Trust struct {
	TargetDomainSid     string         `json:"TargetDomainSid"`
	TargetDomainName    string         `json:"TargetDomainName"`
	IsTransitive        bool           `json:"IsTransitive"`
	SidFilteringEnabled bool           `json:"SidFilteringEnabled"`
	TrustDirection      TrustDirection `json:"TrustDirection"`
	TrustType           TrustType      `json:"TrustType"`
}

// User is a user account.
type User struct {
	Base
	AllowedToDelegate []TypedPrincipal `json:"AllowedToDelegate"`
	PrimaryGroupSID   string           `json:"PrimaryGroupSID"`
	HasSIDHistory     []TypedPrincipal `json:"HasSIDHistory"`
}

// Kind implements Record.
func (*User) Kind() kinds.Kind { return kinds.User }

// Computer is a computer account plus whatever was collected from the host.
type Computer struct {
	Base
	PrimaryGroupSID    string                `json:"PrimaryGroupSID"`
	AllowedToDelegate  []TypedPrincipal      `json:"AllowedToDelegate"`
	AllowedToAct       []TypedPrincipal      `json:"AllowedToAct"`
	HasSIDHistory      []TypedPrincipal      `json:"HasSIDHistory"`
	Sessions           SessionAPIResult      `json:"Sessions"`
	PrivilegedSessions SessionAPIResult      `json:"PrivilegedSessions"`
	RegistrySessions   SessionAPIResult      `json:"RegistrySessions"`
	LocalGroups        []LocalGroupAPIResult `json:"LocalGroups"`
	Status             *ComputerStatus       `json:"Status"`
}

// Kind implements Record.
func (*Computer) Kind() kinds.Kind { return kinds.Computer }

// Group is a security or distribution group.
type Group struct {
	Base
	Members []TypedPrincipal `json:"Members"`
}

// Kind implements Record.
func (*Group) Kind() kinds.Kind { return kinds.Group }

// Domain is a domain naming context head.
type Domain struct {
	Base
	Trusts       []Trust          `json:"Trusts"`
	Links        []GPLink         `json:"Links"`
	ChildObjects []TypedPrincipal `json:"ChildObjects"`
}

// Kind implements Record.
func (*Domain) Kind() kinds.Kind { return kinds.Domain }

// GPO is a group policy container.
type GPO struct {
	Base
}

// Kind implements Record.
func (*GPO) Kind() kinds.Kind { return kinds.GPO }

// OU is an organizational unit.
type OU struct {
	Base
	Links        []GPLink         `json:"Links"`
	ChildObjects []TypedPrincipal `json:"ChildObjects"`
}

// Kind implements Record.
func (*OU) Kind() kinds.Kind { return kinds.OU }

// Container is a generic directory container.
type Container struct {
	Base
	ChildObjects []TypedPrincipal `json:"ChildObjects"`
}

// Kind implements Record.
func (*Container) Kind() kinds.Kind { return kinds.Container }

// NewUser returns an empty user record.
func NewUser(id string) *User {
	return &User{Base: NewBase(id), AllowedToDelegate: []TypedPrincipal{}, HasSIDHistory: []TypedPrincipal{}}
}

// NewComputer returns an empty computer record.
func NewComputer(id string) *Computer {
	return &Computer{
		Base:               NewBase(id),
		AllowedToDelegate:  []TypedPrincipal{},
		AllowedToAct:       []TypedPrincipal{},
		HasSIDHistory:      []TypedPrincipal{},
		Sessions:           emptySessions(),
		PrivilegedSessions: emptySessions(),
		RegistrySessions:   emptySessions(),
		LocalGroups:        []LocalGroupAPIResult{},
	}
}

// NewGroup returns an empty group record.
func NewGroup(id string) *Group {
	return &Group{Base: NewBase(id), Members: []TypedPrincipal{}}
}

// NewDomain returns an empty domain record.
func NewDomain(id string) *Domain {
	return &Domain{Base: NewBase(id), Trusts: []Trust{}, Links: []GPLink{}, ChildObjects: []TypedPrincipal{}}
}

// NewGPO returns an empty GPO record.
func NewGPO(id string) *GPO {
	return &GPO{Base: NewBase(id)}
}

// NewOU returns an empty OU record.
func NewOU(id string) *OU {
	return &OU{Base: NewBase(id), Links: []GPLink{}, ChildObjects: []TypedPrincipal{}}
}

// NewContainer returns an empty container record.
func NewContainer(id string) *Container {
	return &Container{Base: NewBase(id), ChildObjects: []TypedPrincipal{}}
}

func emptySessions() SessionAPIResult {
	return SessionAPIResult{Results: []SessionRecord{}}
}
