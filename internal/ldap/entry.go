package ldap

import (
	"strconv"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/specterops/dirhound/internal/acl"
)

// Entry is a directory object with attribute names folded to lower case.
type Entry struct {
	DN         string
	Attributes map[string][][]byte
}

// NewEntry builds an entry from string values. Used by file-driven targets
// and tests.
func NewEntry(dn string, attrs map[string][]string) *Entry {
	e := &Entry{DN: dn, Attributes: make(map[string][][]byte, len(attrs))}
	for name, values := range attrs {
		raw := make([][]byte, len(values))
		for i, v := range values {
			raw[i] = []byte(v)
		}
		e.Attributes[strings.ToLower(name)] = raw
	}
	return e
}

// SetBytes stores a single binary value.
func (e *Entry) SetBytes(name string, value []byte) {
	if e.Attributes == nil {
		e.Attributes = make(map[string][][]byte)
	}
	e.Attributes[strings.ToLower(name)] = [][]byte{value}
}

func fromLDAP(le *goldap.Entry) *Entry {
	e := &Entry{DN: le.DN, Attributes: make(map[string][][]byte, len(le.Attributes))}
	for _, attr := range le.Attributes {
		// ranged attributes come back as "member;range=0-1499"
		name := strings.ToLower(attr.Name)
		if i := strings.IndexByte(name, ';'); i > 0 {
			name = name[:i]
		}
		e.Attributes[name] = append(e.Attributes[name], attr.ByteValues...)
	}
	return e
}

func (e *Entry) Has(name string) bool {
	return len(e.Attributes[strings.ToLower(name)]) > 0
}

func (e *Entry) GetBytes(name string) []byte {
	values := e.Attributes[strings.ToLower(name)]
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

func (e *Entry) GetString(name string) string {
	return string(e.GetBytes(name))
}

func (e *Entry) GetStrings(name string) []string {
	values := e.Attributes[strings.ToLower(name)]
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}

// GetInt64 parses the first value as a decimal integer, returning 0 when
// absent or malformed.
func (e *Entry) GetInt64(name string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(e.GetString(name)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// GetBool reads an LDAP boolean ("TRUE"/"FALSE").
func (e *Entry) GetBool(name string) bool {
	return strings.EqualFold(e.GetString(name), "TRUE")
}

// ObjectSID returns objectSid in string form, or "" when absent.
func (e *Entry) ObjectSID() string {
	raw := e.GetBytes("objectSid")
	if len(raw) == 0 {
		return ""
	}
	return acl.SIDString(raw)
}

// ObjectGUID returns objectGUID in upper-case dashed form, or "" when absent.
func (e *Entry) ObjectGUID() string {
	raw := e.GetBytes("objectGUID")
	if len(raw) != 16 {
		return ""
	}
	return acl.GUIDString(raw)
}

// HasObjectClass reports whether class appears in objectClass.
func (e *Entry) HasObjectClass(class string) bool {
	for _, c := range e.GetStrings("objectClass") {
		if strings.EqualFold(c, class) {
			return true
		}
	}
	return false
}
