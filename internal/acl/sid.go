package acl

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// SID represents a Windows Security Identifier.
type SID struct {
	Revision            uint8
	SubAuthorityCount   uint8
	IdentifierAuthority [6]byte
	SubAuthorities      []uint32
}

// ParseSID parses a binary SID into a SID structure.
func ParseSID(data []byte) (*SID, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("SID data too short: %d bytes", len(data))
	}

	sid := &SID{
		Revision:          data[0],
		SubAuthorityCount: data[1],
	}
	if sid.Revision != 1 {
		return nil, fmt.Errorf("unsupported SID revision %d", sid.Revision)
	}
	if sid.SubAuthorityCount > 15 {
		return nil, fmt.Errorf("invalid SID sub-authority count %d", sid.SubAuthorityCount)
	}

	copy(sid.IdentifierAuthority[:], data[2:8])

	expectedLen := 8 + int(sid.SubAuthorityCount)*4
	if len(data) < expectedLen {
		return nil, fmt.Errorf("SID data too short for %d sub-authorities", sid.SubAuthorityCount)
	}

	sid.SubAuthorities = make([]uint32, sid.SubAuthorityCount)
	for i := 0; i < int(sid.SubAuthorityCount); i++ {
		offset := 8 + i*4
		sid.SubAuthorities[i] = binary.LittleEndian.Uint32(data[offset : offset+4])
	}

	return sid, nil
}

// ParseSIDString parses the S-R-I-S1-...-Sn form.
func ParseSIDString(s string) (*SID, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) < 3 || !strings.EqualFold(parts[0], "S") {
		return nil, fmt.Errorf("invalid SID string %q", s)
	}
	rev, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid SID revision in %q", s)
	}
	auth, err := strconv.ParseUint(parts[2], 10, 48)
	if err != nil {
		return nil, fmt.Errorf("invalid SID authority in %q", s)
	}
	if len(parts)-3 > 15 {
		return nil, fmt.Errorf("too many sub-authorities in %q", s)
	}

	sid := &SID{Revision: uint8(rev), SubAuthorityCount: uint8(len(parts) - 3)}
	for i := 0; i < 6; i++ {
		sid.IdentifierAuthority[5-i] = byte(auth >> (8 * i))
	}
	for _, p := range parts[3:] {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid sub-authority %q in %q", p, s)
		}
		sid.SubAuthorities = append(sid.SubAuthorities, uint32(v))
	}
	return sid, nil
}

// String returns the canonical string representation of the SID.
// Format: S-R-I-S1-S2-...-Sn
func (s *SID) String() string {
	if s == nil {
		return ""
	}

	var identAuth uint64
	for i := 0; i < 6; i++ {
		identAuth = (identAuth << 8) | uint64(s.IdentifierAuthority[i])
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("S-%d-%d", s.Revision, identAuth))
	for _, sa := range s.SubAuthorities {
		sb.WriteString(fmt.Sprintf("-%d", sa))
	}
	return sb.String()
}

// Bytes returns the binary form of the SID.
func (s *SID) Bytes() []byte {
	out := make([]byte, s.Size())
	out[0] = s.Revision
	out[1] = byte(len(s.SubAuthorities))
	copy(out[2:8], s.IdentifierAuthority[:])
	for i, sa := range s.SubAuthorities {
		binary.LittleEndian.PutUint32(out[8+i*4:], sa)
	}
	return out
}

// Size returns the size of the SID in bytes.
func (s *SID) Size() int {
	return 8 + len(s.SubAuthorities)*4
}

// RID returns the last sub-authority.
func (s *SID) RID() uint32 {
	if len(s.SubAuthorities) == 0 {
		return 0
	}
	return s.SubAuthorities[len(s.SubAuthorities)-1]
}

// SIDString converts binary SID bytes to their string form, or "" when the
// bytes do not hold a valid SID.
func SIDString(data []byte) string {
	sid, err := ParseSID(data)
	if err != nil {
		return ""
	}
	return sid.String()
}

// SIDFilterValue returns the escaped binary form of a string SID for use in an
// LDAP equality filter on objectSid.
func SIDFilterValue(s string) (string, error) {
	sid, err := ParseSIDString(s)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range sid.Bytes() {
		fmt.Fprintf(&sb, "\\%02x", b)
	}
	return sb.String(), nil
}

// Well-known SIDs never emitted as principals
const (
	SIDLocalSystem   = "S-1-5-18"
	SIDCreatorOwner  = "S-1-3-0"
	SIDPrincipalSelf = "S-1-5-10"
)

// Well-known SIDs materialized as groups in the output
const (
	SIDEveryone                    = "S-1-1-0"
	SIDAuthenticatedUsers          = "S-1-5-11"
	SIDEnterpriseDomainControllers = "S-1-5-9"
)

// IsIgnoredSID reports whether a SID is one of the principals never emitted.
func IsIgnoredSID(s string) bool {
	switch strings.ToUpper(s) {
	case SIDLocalSystem, SIDCreatorOwner, SIDPrincipalSelf:
		return true
	}
	return false
}

// WellKnownSIDs maps well-known SIDs to their names.
var WellKnownSIDs = map[string]string{
	"S-1-0-0":      "Null SID",
	"S-1-1-0":      "Everyone",
	"S-1-2-0":      "Local",
	"S-1-2-1":      "Console Logon",
	"S-1-3-0":      "Creator Owner",
	"S-1-3-1":      "Creator Group",
	"S-1-5-1":      "Dialup",
	"S-1-5-2":      "Network",
	"S-1-5-3":      "Batch",
	"S-1-5-4":      "Interactive",
	"S-1-5-6":      "Service",
	"S-1-5-7":      "Anonymous",
	"S-1-5-9":      "Enterprise Domain Controllers",
	"S-1-5-10":     "Principal Self",
	"S-1-5-11":     "Authenticated Users",
	"S-1-5-12":     "Restricted Code",
	"S-1-5-13":     "Terminal Server Users",
	"S-1-5-14":     "Remote Interactive Logon",
	"S-1-5-15":     "This Organization",
	"S-1-5-17":     "IUSR",
	"S-1-5-18":     "Local System",
	"S-1-5-19":     "Local Service",
	"S-1-5-20":     "Network Service",
	"S-1-5-32-544": "Administrators",
	"S-1-5-32-545": "Users",
	"S-1-5-32-546": "Guests",
	"S-1-5-32-547": "Power Users",
	"S-1-5-32-548": "Account Operators",
	"S-1-5-32-549": "Server Operators",
	"S-1-5-32-550": "Print Operators",
	"S-1-5-32-551": "Backup Operators",
	"S-1-5-32-552": "Replicators",
	"S-1-5-32-554": "Pre-Windows 2000 Compatible Access",
	"S-1-5-32-555": "Remote Desktop Users",
	"S-1-5-32-556": "Network Configuration Operators",
	"S-1-5-32-557": "Incoming Forest Trust Builders",
	"S-1-5-32-558": "Performance Monitor Users",
	"S-1-5-32-559": "Performance Log Users",
	"S-1-5-32-560": "Windows Authorization Access Group",
	"S-1-5-32-561": "Terminal Server License Servers",
	"S-1-5-32-562": "Distributed COM Users",
	"S-1-5-32-568": "IIS_IUSRS",
	"S-1-5-32-569": "Cryptographic Operators",
	"S-1-5-32-573": "Event Log Readers",
	"S-1-5-32-574": "Certificate Service DCOM Access",
	"S-1-5-32-575": "RDS Remote Access Servers",
	"S-1-5-32-576": "RDS Endpoint Servers",
	"S-1-5-32-577": "RDS Management Servers",
	"S-1-5-32-578": "Hyper-V Administrators",
	"S-1-5-32-579": "Access Control Assistance Operators",
	"S-1-5-32-580": "Remote Management Users",
}

// GetWellKnownName returns the name for a well-known SID, or empty string if not known.
func GetWellKnownName(sidString string) string {
	return WellKnownSIDs[strings.ToUpper(sidString)]
}

// IsDomainSID returns true if the SID is a domain-relative SID (S-1-5-21-*).
// Domain SIDs are globally unique; every other SID needs the domain name as
// a prefix to be unique in the output.
func IsDomainSID(sidString string) bool {
	return strings.HasPrefix(strings.ToUpper(sidString), "S-1-5-21-")
}

// DomainSIDOf strips the RID from a domain-relative SID.
func DomainSIDOf(sidString string) string {
	if !IsDomainSID(sidString) {
		return ""
	}
	i := strings.LastIndexByte(sidString, '-')
	return sidString[:i]
}
