package smb

import (
	"strings"
)

// winreg operation numbers
const (
	opOpenUsers       = 4
	opBaseRegCloseKey = 5
	opBaseRegEnumKey  = 9

	maximumAllowed = 0x02000000
	maxKeyName     = 512
	maxSubkeys     = 4096
)

// WINREGClient provides the remote registry calls.
type WINREGClient struct {
	rpc *RPCClient
}

func NewWINREGClient(rpc *RPCClient) *WINREGClient {
	return &WINREGClient{rpc: rpc}
}

func (c *WINREGClient) Close() {
	c.rpc.Close()
}

// OpenUsers opens HKEY_USERS.
func (c *WINREGClient) OpenUsers() (ContextHandle, error) {
	w := newNDRWriter()
	w.null() // ServerName
	w.uint32(maximumAllowed)
	stub, err := c.rpc.Call(opOpenUsers, w.Bytes())
	if err != nil {
		return ContextHandle{}, err
	}
	return decodeHandleResponse("OpenUsers", stub)
}

// EnumKey returns the name of subkey index of key. done is set once the
// server reports no more items.
func (c *WINREGClient) EnumKey(key ContextHandle, index uint32) (name string, done bool, err error) {
	w := newNDRWriter()
	w.handle(key)
	w.uint32(index)
	w.emptyUnicodeBuffer(maxKeyName) // lpNameIn
	w.pointer()                      // lpClassIn
	w.emptyUnicodeBuffer(64)
	w.null() // lpftLastWriteTime

	stub, err := c.rpc.Call(opBaseRegEnumKey, w.Bytes())
	if err != nil {
		return "", false, err
	}
	return decodeEnumKeyResponse(stub)
}

func decodeEnumKeyResponse(stub []byte) (string, bool, error) {
	status, err := stubStatus(stub)
	if err != nil {
		return "", false, err
	}
	switch status {
	case 0:
	case ERROR_NO_MORE_ITEMS:
		return "", true, nil
	default:
		return "", false, &RPCError{Op: "BaseRegEnumKey", Status: status}
	}

	r := newNDRReader(stub[:len(stub)-4])
	_ = r.uint16() // Length
	_ = r.uint16() // MaximumLength
	if r.uint32() == 0 {
		return "", false, r.Err()
	}
	name := r.wideString()
	return name, false, r.Err()
}

// CloseKey releases a registry handle.
func (c *WINREGClient) CloseKey(key ContextHandle) error {
	w := newNDRWriter()
	w.handle(key)
	stub, err := c.rpc.Call(opBaseRegCloseKey, w.Bytes())
	if err != nil {
		return err
	}
	_, err = decodeHandleResponse("BaseRegCloseKey", stub)
	return err
}

// UserSIDs lists the domain SIDs with a loaded profile hive under HKEY_USERS.
func (c *WINREGClient) UserSIDs() ([]string, error) {
	users, err := c.OpenUsers()
	if err != nil {
		return nil, err
	}
	defer c.CloseKey(users)

	var sids []string
	for i := uint32(0); i < maxSubkeys; i++ {
		name, done, err := c.EnumKey(users, i)
		if err != nil {
			return sids, err
		}
		if done {
			break
		}
		if IsUserHive(name) {
			sids = append(sids, strings.ToUpper(name))
		}
	}
	return sids, nil
}

// IsUserHive reports whether an HKEY_USERS subkey is a domain account hive.
func IsUserHive(name string) bool {
	upper := strings.ToUpper(name)
	return strings.HasPrefix(upper, "S-1-5-21-") && !strings.HasSuffix(upper, "_CLASSES")
}

// decodeHandleResponse reads a stub made of a context handle and a status.
func decodeHandleResponse(op string, stub []byte) (ContextHandle, error) {
	status, err := stubStatus(stub)
	if err != nil {
		return ContextHandle{}, err
	}
	if status != 0 {
		return ContextHandle{}, &RPCError{Op: op, Status: status}
	}
	r := newNDRReader(stub)
	h := r.handle()
	return h, r.Err()
}
