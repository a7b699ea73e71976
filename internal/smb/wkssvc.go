package smb

import "strings"

// wkssvc operation numbers
const (
	opNetrWkstaUserEnum = 2

	wkstaUserInfoLevel1 = 1
)

// WkstaUser is one WKSTA_USER_INFO_1 entry: an account logged on to the host.
type WkstaUser struct {
	UserName     string
	LogonDomain  string
	OtherDomains string
	LogonServer  string
}

// WKSSVCClient provides the workstation service calls.
type WKSSVCClient struct {
	rpc *RPCClient
}

func NewWKSSVCClient(rpc *RPCClient) *WKSSVCClient {
	return &WKSSVCClient{rpc: rpc}
}

func (c *WKSSVCClient) Close() {
	c.rpc.Close()
}

// NetrWkstaUserEnum lists the users logged on to the workstation at level 1.
func (c *WKSSVCClient) NetrWkstaUserEnum(serverName string) ([]WkstaUser, error) {
	stub, err := c.rpc.Call(opNetrWkstaUserEnum, encodeWkstaUserEnumRequest(serverName))
	if err != nil {
		return nil, err
	}
	return decodeWkstaUserEnumResponse(stub)
}

func encodeWkstaUserEnumRequest(serverName string) []byte {
	w := newNDRWriter()
	w.uniqueWideString(`\\` + strings.TrimPrefix(serverName, `\\`))
	w.uint32(wkstaUserInfoLevel1) // Level
	w.uint32(wkstaUserInfoLevel1) // union discriminant
	w.pointer()                   // WKSTA_USER_INFO_1_CONTAINER
	w.uint32(0)                   // EntriesRead
	w.null()                      // Buffer
	w.uint32(maxPreferredLength)
	w.pointer() // ResumeHandle
	w.uint32(0)
	return w.Bytes()
}

func decodeWkstaUserEnumResponse(stub []byte) ([]WkstaUser, error) {
	status, err := stubStatus(stub)
	if err != nil {
		return nil, err
	}
	if status != 0 && status != ERROR_MORE_DATA {
		return nil, &RPCError{Op: "NetrWkstaUserEnum", Status: status}
	}

	r := newNDRReader(stub[:len(stub)-4])
	_ = r.uint32() // Level
	_ = r.uint32() // discriminant
	if r.uint32() == 0 {
		return nil, r.Err()
	}
	count := r.uint32()
	if r.uint32() == 0 || count == 0 {
		return nil, r.Err()
	}
	if maxCount := r.uint32(); maxCount < count {
		return nil, ErrShortStub
	}

	ptrs := make([][4]uint32, count)
	for i := range ptrs {
		for j := range ptrs[i] {
			ptrs[i][j] = r.uint32()
		}
	}
	users := make([]WkstaUser, count)
	for i := range users {
		fields := []*string{&users[i].UserName, &users[i].LogonDomain, &users[i].OtherDomains, &users[i].LogonServer}
		for j, f := range fields {
			if ptrs[i][j] != 0 {
				*f = r.wideString()
			}
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return users, nil
}
