package acl

import (
	"strings"

	"github.com/gofrs/uuid"
)

// GUIDFromBytes decodes a GUID stored in the Windows mixed-endian layout.
func GUIDFromBytes(b []byte) uuid.UUID {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil
	}
	return swapUUIDEndianess(u)
}

// GUIDBytes is the inverse of GUIDFromBytes.
func GUIDBytes(u uuid.UUID) []byte {
	s := swapUUIDEndianess(u)
	return s.Bytes()
}

// GUIDString converts raw objectGUID bytes to the upper-case identifier form.
func GUIDString(b []byte) string {
	if len(b) != 16 {
		return ""
	}
	return strings.ToUpper(GUIDFromBytes(b).String())
}

func swapUUIDEndianess(u uuid.UUID) uuid.UUID {
	var r uuid.UUID
	r[0], r[1], r[2], r[3] = u[3], u[2], u[1], u[0]
	r[4], r[5] = u[5], u[4]
	r[6], r[7] = u[7], u[6]
	copy(r[8:], u[8:])
	return r
}

// GUIDMap maps lower-case schemaIDGUID strings to lower-case lDAPDisplayName.
type GUIDMap map[string]string

// NewGUIDMap builds a GUIDMap from any case of GUID and attribute name.
func NewGUIDMap(entries map[string]string) GUIDMap {
	m := make(GUIDMap, len(entries))
	for guid, name := range entries {
		m[strings.ToLower(guid)] = strings.ToLower(name)
	}
	return m
}

// Name returns the attribute name for a GUID, or "".
func (m GUIDMap) Name(guid string) string {
	return m[strings.ToLower(guid)]
}
