package smb

import (
	"bytes"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/specterops/dirhound/internal/acl"
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// wstr encodes a conformant varying string padded to 4 bytes.
func wstr(s string) []byte {
	chars := utf16.Encode([]rune(s))
	out := append(le32(uint32(len(chars))), le32(0)...)
	out = append(out, le32(uint32(len(chars)))...)
	for _, c := range chars {
		out = append(out, byte(c), byte(c>>8))
	}
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

func sidBytes(t *testing.T, s string) []byte {
	t.Helper()
	sid, err := acl.ParseSIDString(s)
	if err != nil {
		t.Fatalf("ParseSIDString(%s): %v", s, err)
	}
	return append(le32(uint32(len(sid.SubAuthorities))), sid.Bytes()...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func handleStub(fill byte) []byte {
	return concat(bytes.Repeat([]byte{fill}, 20), le32(0))
}

func TestSessionEnumRequest(t *testing.T) {
	stub := encodeSessionEnumRequest("HOST1")

	if got := binary.LittleEndian.Uint32(stub); got != 0x00020000 {
		t.Errorf("Expected first referent 0x00020000, got 0x%08x", got)
	}
	// "\\HOST1" plus NUL is 8 characters
	if got := binary.LittleEndian.Uint32(stub[4:]); got != 8 {
		t.Errorf("Expected max count 8, got %d", got)
	}
	// 4 referent + 12 counts + 16 string, then ClientName and UserName
	if got := binary.LittleEndian.Uint32(stub[40:]); got != sessionInfoLevel10 {
		t.Errorf("Expected level 10 at offset 40, got %d", got)
	}
}

func TestDecodeSessionEnumResponse(t *testing.T) {
	stub := concat(
		le32(10),         // Level
		le32(10),         // discriminant
		le32(0x00020000), // container
		le32(2),          // EntriesRead
		le32(0x00020004), // Buffer
		le32(2),          // max count
		// entry 0
		le32(0x00020008), // sesi10_cname
		le32(0x0002000c), // sesi10_username
		le32(60),         // sesi10_time
		le32(5),          // sesi10_idle_time
		// entry 1
		le32(0x00020010), // sesi10_cname
		le32(0),          // sesi10_username (NULL)
		le32(0),
		le32(0),
		// deferred strings
		wstr("\\\\10.0.0.5\x00"),
		wstr("alice\x00"),
		wstr("\\\\WS01\x00"),
		le32(2),          // TotalEntries
		le32(0x00020014), // ResumeHandle
		le32(0),
		le32(0), // status
	)

	sessions, err := decodeSessionEnumResponse(stub)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].ComputerName != "10.0.0.5" || sessions[0].UserName != "alice" || sessions[0].Time != 60 {
		t.Errorf("Unexpected session 0: %+v", sessions[0])
	}
	if sessions[1].ComputerName != "WS01" || sessions[1].UserName != "" {
		t.Errorf("Unexpected session 1: %+v", sessions[1])
	}
}

func TestDecodeSessionEnumAccessDenied(t *testing.T) {
	stub := concat(le32(10), le32(10), le32(0), le32(0), le32(0), le32(ERROR_ACCESS_DENIED))
	_, err := decodeSessionEnumResponse(stub)
	rpcErr, ok := err.(*RPCError)
	if !ok || rpcErr.Status != ERROR_ACCESS_DENIED {
		t.Fatalf("Expected access denied RPCError, got %v", err)
	}
}

func TestDecodeSessionEnumTruncated(t *testing.T) {
	stub := concat(le32(10), le32(10), le32(0x00020000), le32(3), le32(0x00020004), le32(3), le32(0))
	if _, err := decodeSessionEnumResponse(stub); err == nil {
		t.Fatal("Expected error for a truncated stub")
	}
}

func TestDecodeWkstaUserEnumResponse(t *testing.T) {
	stub := concat(
		le32(1),          // Level
		le32(1),          // discriminant
		le32(0x00020000), // container
		le32(1),          // EntriesRead
		le32(0x00020004), // Buffer
		le32(1),          // max count
		le32(0x00020008), // wkui1_username
		le32(0x0002000c), // wkui1_logon_domain
		le32(0),          // wkui1_oth_domains (NULL)
		le32(0x00020010), // wkui1_logon_server
		wstr("bob\x00"),
		wstr("CORP\x00"),
		wstr("DC01\x00"),
		le32(1), // TotalEntries
		le32(0), // ResumeHandle (NULL)
		le32(0), // status
	)

	users, err := decodeWkstaUserEnumResponse(stub)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := WkstaUser{UserName: "bob", LogonDomain: "CORP", LogonServer: "DC01"}
	if len(users) != 1 || users[0] != want {
		t.Errorf("Expected %+v, got %+v", want, users)
	}
}

func TestIsUserHive(t *testing.T) {
	tests := map[string]bool{
		"S-1-5-21-1-2-3-1001":          true,
		"s-1-5-21-1-2-3-1001":          true,
		"S-1-5-21-1-2-3-1001_Classes":  false,
		"S-1-5-18":                     false,
		".DEFAULT":                     false,
		"S-1-5-80-1234-5678-9012-3456": false,
	}
	for name, want := range tests {
		if got := IsUserHive(name); got != want {
			t.Errorf("IsUserHive(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestWINREGUserSIDs(t *testing.T) {
	keys := []string{".DEFAULT", "S-1-5-19", "S-1-5-21-1-2-3-1001", "S-1-5-21-1-2-3-1001_Classes", "s-1-5-21-1-2-3-1105"}

	srv := newFakeServer()
	srv.handlers[opOpenUsers] = func([]byte) []byte { return handleStub(0xaa) }
	srv.handlers[opBaseRegCloseKey] = func([]byte) []byte { return handleStub(0x00) }
	srv.handlers[opBaseRegEnumKey] = func(stub []byte) []byte {
		index := binary.LittleEndian.Uint32(stub[20:])
		if int(index) >= len(keys) {
			return le32(ERROR_NO_MORE_ITEMS)
		}
		name := keys[index] + "\x00"
		return concat(
			[]byte{byte(len(name) * 2), 0x00, 0x00, 0x04}, // Length, MaximumLength
			le32(0x00020000),
			wstr(name),
			le32(0), // lpClassOut (NULL)
			le32(0), // lpftLastWriteTime (NULL)
			le32(0), // status
		)
	}

	rpc, err := NewRPCClient(srv, WINREG)
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	sids, err := NewWINREGClient(rpc).UserSIDs()
	if err != nil {
		t.Fatalf("UserSIDs failed: %v", err)
	}
	want := []string{"S-1-5-21-1-2-3-1001", "S-1-5-21-1-2-3-1105"}
	if len(sids) != len(want) || sids[0] != want[0] || sids[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, sids)
	}
	if len(srv.requests[opBaseRegCloseKey]) != 1 {
		t.Errorf("Expected HKU to be closed once, got %d", len(srv.requests[opBaseRegCloseKey]))
	}
}

func newSAMRServer(t *testing.T, members []string) *fakeServer {
	srv := newFakeServer()
	srv.handlers[opSamrConnect2] = func([]byte) []byte { return handleStub(0x01) }
	srv.handlers[opSamrOpenDomain] = func([]byte) []byte { return handleStub(0x02) }
	srv.handlers[opSamrOpenAlias] = func([]byte) []byte { return handleStub(0x03) }
	srv.handlers[opSamrCloseHandle] = func([]byte) []byte { return handleStub(0x00) }
	srv.handlers[opSamrEnumerateDomainsInSamServer] = func([]byte) []byte {
		return concat(
			le32(2),          // EnumerationContext
			le32(0x00020000), // Buffer
			le32(2),          // EntriesRead
			le32(0x00020004), // Buffer->Buffer
			le32(2),          // max count
			// RelativeId, Length, MaximumLength, Name
			le32(0), []byte{0x0e, 0x00, 0x0e, 0x00}, le32(0x00020008),
			le32(0), []byte{0x0e, 0x00, 0x0e, 0x00}, le32(0x0002000c),
			wstr("WS01-PC"),
			wstr("Builtin"),
			le32(2), // CountReturned
			le32(0), // status
		)
	}
	srv.handlers[opSamrLookupDomainInSamServer] = func([]byte) []byte {
		return concat(le32(0x00020000), sidBytes(t, "S-1-5-21-9-8-7"), le32(0))
	}
	srv.handlers[opSamrGetMembersInAlias] = func([]byte) []byte {
		out := concat(le32(uint32(len(members))), le32(0x00020000), le32(uint32(len(members))))
		for i := range members {
			out = append(out, le32(0x00020004+uint32(4*i))...)
		}
		for _, m := range members {
			out = append(out, sidBytes(t, m)...)
		}
		return append(out, le32(0)...)
	}
	return srv
}

func TestSAMRMachineSID(t *testing.T) {
	srv := newSAMRServer(t, nil)
	rpc, err := NewRPCClient(srv, SAMR)
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	samr := NewSAMRClient(rpc, "ws01")
	defer samr.Close()

	sid, err := samr.MachineSID()
	if err != nil {
		t.Fatalf("MachineSID failed: %v", err)
	}
	if sid != "S-1-5-21-9-8-7" {
		t.Errorf("Expected S-1-5-21-9-8-7, got %s", sid)
	}

	// the lookup names the account domain, not Builtin
	req := srv.requests[opSamrLookupDomainInSamServer]
	if len(req) != 1 || !bytes.Contains(req[0], []byte{'W', 0, 'S', 0, '0', 0, '1', 0}) {
		t.Errorf("Unexpected lookup request %v", req)
	}
}

func TestSAMRAliasMembers(t *testing.T) {
	srv := newSAMRServer(t, []string{"S-1-5-21-9-8-7-500", "S-1-5-21-1-2-3-512"})
	rpc, err := NewRPCClient(srv, SAMR)
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	samr := NewSAMRClient(rpc, "ws01")

	members, err := samr.AliasMembers(RIDAdministrators)
	if err != nil {
		t.Fatalf("AliasMembers failed: %v", err)
	}
	if len(members) != 2 || members[0] != "S-1-5-21-9-8-7-500" || members[1] != "S-1-5-21-1-2-3-512" {
		t.Errorf("Unexpected members %v", members)
	}

	// Builtin domain is opened by SID
	open := srv.requests[opSamrOpenDomain]
	if len(open) != 1 || !bytes.HasSuffix(open[0], sidBytes(t, "S-1-5-32")) {
		t.Errorf("Unexpected OpenDomain request % x", open)
	}
	// alias RID follows the handle and access mask
	alias := srv.requests[opSamrOpenAlias]
	if len(alias) != 1 || binary.LittleEndian.Uint32(alias[0][24:]) != RIDAdministrators {
		t.Errorf("Unexpected OpenAlias request % x", alias)
	}

	samr.Close()
	// alias, domain and server handles
	if got := len(srv.requests[opSamrCloseHandle]); got != 3 {
		t.Errorf("Expected 3 handles closed, got %d", got)
	}
}
