package smb

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/specterops/dirhound/internal/acl"
)

// samr operation numbers
const (
	opSamrCloseHandle                 = 1
	opSamrLookupDomainInSamServer     = 5
	opSamrEnumerateDomainsInSamServer = 6
	opSamrOpenDomain                  = 7
	opSamrOpenAlias                   = 27
	opSamrGetMembersInAlias           = 33
	opSamrConnect2                    = 57
)

// Builtin aliases collected from hosts
const (
	RIDAdministrators        uint32 = 544
	RIDRemoteDesktopUsers    uint32 = 555
	RIDDistributedCOMUsers   uint32 = 562
	RIDRemoteManagementUsers uint32 = 580
	builtinDomainSID                = "S-1-5-32"
)

// SAMRClient enumerates local groups through the security account manager.
// Server and domain handles are opened lazily and kept until Close.
type SAMRClient struct {
	rpc        *RPCClient
	serverName string

	server  ContextHandle
	builtin ContextHandle
}

func NewSAMRClient(rpc *RPCClient, serverName string) *SAMRClient {
	return &SAMRClient{rpc: rpc, serverName: serverName}
}

// Close releases the open handles and the pipe.
func (c *SAMRClient) Close() {
	c.closeHandles()
	c.rpc.Close()
}

func (c *SAMRClient) closeHandles() {
	if !c.builtin.IsZero() {
		c.closeHandle(c.builtin)
		c.builtin = ContextHandle{}
	}
	if !c.server.IsZero() {
		c.closeHandle(c.server)
		c.server = ContextHandle{}
	}
}

func (c *SAMRClient) connect() error {
	if !c.server.IsZero() {
		return nil
	}
	w := newNDRWriter()
	w.uniqueWideString(`\\` + strings.TrimPrefix(c.serverName, `\\`))
	w.uint32(maximumAllowed)
	stub, err := c.rpc.Call(opSamrConnect2, w.Bytes())
	if err != nil {
		return err
	}
	h, err := decodeHandleResponse("SamrConnect2", stub)
	if err != nil {
		return err
	}
	c.server = h
	return nil
}

// MachineSID returns the SID of the host's account domain.
func (c *SAMRClient) MachineSID() (string, error) {
	if err := c.connect(); err != nil {
		return "", err
	}
	domains, err := c.enumerateDomains()
	if err != nil {
		return "", err
	}
	for _, name := range domains {
		if strings.EqualFold(name, "Builtin") {
			continue
		}
		return c.lookupDomain(name)
	}
	return "", errors.New("no account domain reported")
}

func (c *SAMRClient) enumerateDomains() ([]string, error) {
	w := newNDRWriter()
	w.handle(c.server)
	w.uint32(0) // EnumerationContext
	w.uint32(maxPreferredLength)
	stub, err := c.rpc.Call(opSamrEnumerateDomainsInSamServer, w.Bytes())
	if err != nil {
		return nil, err
	}
	return decodeEnumerateDomainsResponse(stub)
}

func decodeEnumerateDomainsResponse(stub []byte) ([]string, error) {
	status, err := stubStatus(stub)
	if err != nil {
		return nil, err
	}
	if status != 0 && status != STATUS_MORE_ENTRIES {
		return nil, &RPCError{Op: "SamrEnumerateDomainsInSamServer", Status: status}
	}

	r := newNDRReader(stub[:len(stub)-4])
	_ = r.uint32() // EnumerationContext
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
	ptrs := make([]uint32, count)
	for i := range ptrs {
		_ = r.uint32() // RelativeId
		_ = r.uint16() // Length
		_ = r.uint16() // MaximumLength
		ptrs[i] = r.uint32()
	}
	names := make([]string, 0, count)
	for _, p := range ptrs {
		if p != 0 {
			names = append(names, r.wideString())
		}
	}
	return names, r.Err()
}

func (c *SAMRClient) lookupDomain(name string) (string, error) {
	w := newNDRWriter()
	w.handle(c.server)
	w.unicodeString(name)
	stub, err := c.rpc.Call(opSamrLookupDomainInSamServer, w.Bytes())
	if err != nil {
		return "", err
	}
	return decodeLookupDomainResponse(stub)
}

func decodeLookupDomainResponse(stub []byte) (string, error) {
	status, err := stubStatus(stub)
	if err != nil {
		return "", err
	}
	if status != 0 {
		return "", &RPCError{Op: "SamrLookupDomainInSamServer", Status: status}
	}
	r := newNDRReader(stub[:len(stub)-4])
	if r.uint32() == 0 {
		return "", errors.New("SamrLookupDomainInSamServer returned no SID")
	}
	sid := r.sid()
	return sid, r.Err()
}

func (c *SAMRClient) openBuiltin() error {
	if !c.builtin.IsZero() {
		return nil
	}
	if err := c.connect(); err != nil {
		return err
	}
	sid, err := acl.ParseSIDString(builtinDomainSID)
	if err != nil {
		return err
	}
	w := newNDRWriter()
	w.handle(c.server)
	w.uint32(maximumAllowed)
	w.sid(sid)
	stub, err := c.rpc.Call(opSamrOpenDomain, w.Bytes())
	if err != nil {
		return err
	}
	h, err := decodeHandleResponse("SamrOpenDomain", stub)
	if err != nil {
		return err
	}
	c.builtin = h
	return nil
}

// AliasMembers returns the member SIDs of a Builtin alias.
func (c *SAMRClient) AliasMembers(rid uint32) ([]string, error) {
	if err := c.openBuiltin(); err != nil {
		return nil, err
	}

	w := newNDRWriter()
	w.handle(c.builtin)
	w.uint32(maximumAllowed)
	w.uint32(rid)
	stub, err := c.rpc.Call(opSamrOpenAlias, w.Bytes())
	if err != nil {
		return nil, err
	}
	alias, err := decodeHandleResponse("SamrOpenAlias", stub)
	if err != nil {
		return nil, err
	}
	defer c.closeHandle(alias)

	w = newNDRWriter()
	w.handle(alias)
	stub, err = c.rpc.Call(opSamrGetMembersInAlias, w.Bytes())
	if err != nil {
		return nil, err
	}
	return decodeMembersInAliasResponse(stub)
}

func decodeMembersInAliasResponse(stub []byte) ([]string, error) {
	status, err := stubStatus(stub)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, &RPCError{Op: "SamrGetMembersInAlias", Status: status}
	}

	r := newNDRReader(stub[:len(stub)-4])
	count := r.uint32()
	if r.uint32() == 0 || count == 0 {
		return nil, r.Err()
	}
	if maxCount := r.uint32(); maxCount < count {
		return nil, ErrShortStub
	}
	ptrs := make([]uint32, count)
	for i := range ptrs {
		ptrs[i] = r.uint32()
	}
	sids := make([]string, 0, count)
	for _, p := range ptrs {
		if p != 0 {
			sids = append(sids, r.sid())
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return sids, nil
}

func (c *SAMRClient) closeHandle(h ContextHandle) {
	w := newNDRWriter()
	w.handle(h)
	c.rpc.Call(opSamrCloseHandle, w.Bytes())
}
