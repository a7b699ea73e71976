package smb

import (
	"strings"
)

// srvsvc operation numbers
const (
	opNetrSessionEnum = 12

	sessionInfoLevel10 = 10
	maxPreferredLength = 0xffffffff
)

// NetSession is one SESSION_INFO_10 entry.
type NetSession struct {
	ComputerName string
	UserName     string
	Time         uint32
	IdleTime     uint32
}

// SRVSVCClient provides the server service calls.
type SRVSVCClient struct {
	rpc *RPCClient
}

func NewSRVSVCClient(rpc *RPCClient) *SRVSVCClient {
	return &SRVSVCClient{rpc: rpc}
}

// Close closes the underlying pipe.
func (c *SRVSVCClient) Close() {
	c.rpc.Close()
}

// NetrSessionEnum lists the sessions open on the server at level 10.
func (c *SRVSVCClient) NetrSessionEnum(serverName string) ([]NetSession, error) {
	stub, err := c.rpc.Call(opNetrSessionEnum, encodeSessionEnumRequest(serverName))
	if err != nil {
		return nil, err
	}
	return decodeSessionEnumResponse(stub)
}

func encodeSessionEnumRequest(serverName string) []byte {
	w := newNDRWriter()
	w.uniqueWideString(`\\` + strings.TrimPrefix(serverName, `\\`))
	w.null()                     // ClientName
	w.null()                     // UserName
	w.uint32(sessionInfoLevel10) // Level
	w.uint32(sessionInfoLevel10) // union discriminant
	w.pointer()                  // SESSION_INFO_10_CONTAINER
	w.uint32(0)                  // EntriesRead
	w.null()                     // Buffer
	w.uint32(maxPreferredLength) // PreferedMaximumLength
	w.pointer()                  // ResumeHandle
	w.uint32(0)
	return w.Bytes()
}

func decodeSessionEnumResponse(stub []byte) ([]NetSession, error) {
	status, err := stubStatus(stub)
	if err != nil {
		return nil, err
	}
	if status != 0 && status != ERROR_MORE_DATA {
		return nil, &RPCError{Op: "NetrSessionEnum", Status: status}
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

	type refs struct{ cname, user uint32 }
	ptrs := make([]refs, 0, count)
	sessions := make([]NetSession, 0, count)
	for i := uint32(0); i < count && r.Err() == nil; i++ {
		var s NetSession
		p := refs{cname: r.uint32(), user: r.uint32()}
		s.Time = r.uint32()
		s.IdleTime = r.uint32()
		ptrs = append(ptrs, p)
		sessions = append(sessions, s)
	}
	for i := range sessions {
		if ptrs[i].cname != 0 {
			sessions[i].ComputerName = strings.TrimPrefix(r.wideString(), `\\`)
		}
		if ptrs[i].user != 0 {
			sessions[i].UserName = r.wideString()
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
