package smb

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/specterops/dirhound/internal/acl"
)

// DCE/RPC connection-oriented PDU constants
const (
	rpcVersionMajor = 5
	rpcVersionMinor = 0

	rpcRequest  = 0
	rpcResponse = 2
	rpcFault    = 3
	rpcBind     = 11
	rpcBindAck  = 12
	rpcBindNak  = 13

	pfcFirstFrag = 0x01
	pfcLastFrag  = 0x02

	rpcHeaderLen  = 16
	rpcRequestLen = 24
	maxFragSize   = 4280
)

// NDR transfer syntax 8a885d04-1ceb-11c9-9fe8-08002b104860 v2
var ndrSyntax = uuid.Must(uuid.FromString("8a885d04-1ceb-11c9-9fe8-08002b104860"))

// Interface identifies an RPC interface and the named pipe that serves it.
type Interface struct {
	Name  string
	Pipe  string
	UUID  uuid.UUID
	Major uint16
	Minor uint16
}

// Interfaces used by host enumeration
var (
	SRVSVC = Interface{Name: "srvsvc", Pipe: "srvsvc", UUID: uuid.Must(uuid.FromString("4b324fc8-1670-01d3-1278-5a47bf6ee188")), Major: 3}
	WKSSVC = Interface{Name: "wkssvc", Pipe: "wkssvc", UUID: uuid.Must(uuid.FromString("6bffd098-a112-3610-9833-46c3f87e345a")), Major: 1}
	WINREG = Interface{Name: "winreg", Pipe: "winreg", UUID: uuid.Must(uuid.FromString("338cd001-2244-31f1-aaaa-900038001003")), Major: 1}
	SAMR   = Interface{Name: "samr", Pipe: "samr", UUID: uuid.Must(uuid.FromString("12345778-1234-abcd-ef00-0123456789ac")), Major: 1}
)

// RPCError is a fault PDU or a non-zero status returned by a remote call.
type RPCError struct {
	Op     string
	Status uint32
	Fault  bool
}

func (e *RPCError) Error() string {
	kind := "status"
	if e.Fault {
		kind = "fault"
	}
	return e.Op + " failed with " + kind + " " + StatusName(e.Status)
}

// RPCClient speaks DCE/RPC over a bound named pipe. Calls are serialized.
type RPCClient struct {
	iface  Interface
	pipe   io.ReadWriteCloser
	callID uint32

	pending []byte
	mu      sync.Mutex
}

// NewRPCClient binds iface over pipe.
func NewRPCClient(pipe io.ReadWriteCloser, iface Interface) (*RPCClient, error) {
	c := &RPCClient{iface: iface, pipe: pipe, callID: 1}
	if err := c.bind(); err != nil {
		return nil, errors.Wrapf(err, "failed to bind to %s", iface.Name)
	}
	return c, nil
}

// Close closes the underlying pipe.
func (c *RPCClient) Close() error {
	return c.pipe.Close()
}

func (c *RPCClient) header(ptype byte, fragLen int) []byte {
	var buf bytes.Buffer
	buf.WriteByte(rpcVersionMajor)
	buf.WriteByte(rpcVersionMinor)
	buf.WriteByte(ptype)
	buf.WriteByte(pfcFirstFrag | pfcLastFrag)
	binary.Write(&buf, binary.LittleEndian, uint32(0x00000010)) // little-endian, ASCII, IEEE
	binary.Write(&buf, binary.LittleEndian, uint16(fragLen))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // auth length
	binary.Write(&buf, binary.LittleEndian, c.callID)
	return buf.Bytes()
}

// bindPDU builds the bind request for the client interface.
func (c *RPCClient) bindPDU() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint16(maxFragSize)) // max xmit frag
	binary.Write(&body, binary.LittleEndian, uint16(maxFragSize)) // max recv frag
	binary.Write(&body, binary.LittleEndian, uint32(0))           // assoc group
	body.WriteByte(1)                                             // context items
	body.Write([]byte{0, 0, 0})                                   // reserved
	binary.Write(&body, binary.LittleEndian, uint16(0))           // context id
	body.WriteByte(1)                                             // transfer syntaxes
	body.WriteByte(0)                                             // reserved
	body.Write(acl.GUIDBytes(c.iface.UUID))
	binary.Write(&body, binary.LittleEndian, c.iface.Major)
	binary.Write(&body, binary.LittleEndian, c.iface.Minor)
	body.Write(acl.GUIDBytes(ndrSyntax))
	binary.Write(&body, binary.LittleEndian, uint32(2))

	return append(c.header(rpcBind, rpcHeaderLen+body.Len()), body.Bytes()...)
}

func (c *RPCClient) bind() error {
	if _, err := c.pipe.Write(c.bindPDU()); err != nil {
		return errors.Wrap(err, "failed to send bind request")
	}
	c.callID++

	pdu, err := c.readPDU()
	if err != nil {
		return errors.Wrap(err, "failed to read bind response")
	}
	switch pdu[2] {
	case rpcBindAck:
	case rpcBindNak:
		return errors.New("bind rejected by server")
	default:
		return errors.Errorf("unexpected response type: %d", pdu[2])
	}

	// the presentation result list follows the secondary address
	if len(pdu) < 26 {
		return errors.New("bind ack too short")
	}
	secAddrLen := int(binary.LittleEndian.Uint16(pdu[24:26]))
	off := 26 + secAddrLen
	if rem := off % 4; rem != 0 {
		off += 4 - rem
	}
	if len(pdu) < off+6 {
		return errors.New("bind ack truncated")
	}
	if result := binary.LittleEndian.Uint16(pdu[off+4:]); result != 0 {
		return errors.Errorf("transfer syntax rejected (result %d)", result)
	}
	return nil
}

// readPDU returns the next complete PDU from the pipe.
func (c *RPCClient) readPDU() ([]byte, error) {
	buf := make([]byte, maxFragSize*2)
	for {
		if len(c.pending) >= rpcHeaderLen {
			fragLen := int(binary.LittleEndian.Uint16(c.pending[8:10]))
			if fragLen < rpcHeaderLen {
				return nil, errors.Errorf("invalid fragment length %d", fragLen)
			}
			if len(c.pending) >= fragLen {
				pdu := make([]byte, fragLen)
				copy(pdu, c.pending[:fragLen])
				c.pending = c.pending[fragLen:]
				return pdu, nil
			}
		}
		n, err := c.pipe.Read(buf)
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
			continue
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
}

// Call sends one request and returns the reassembled response stub.
func (c *RPCClient) Call(opnum uint16, stub []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var req bytes.Buffer
	req.Write(c.header(rpcRequest, rpcRequestLen+len(stub)))
	binary.Write(&req, binary.LittleEndian, uint32(len(stub))) // alloc hint
	binary.Write(&req, binary.LittleEndian, uint16(0))         // context id
	binary.Write(&req, binary.LittleEndian, opnum)
	req.Write(stub)
	c.callID++

	if _, err := c.pipe.Write(req.Bytes()); err != nil {
		return nil, errors.Wrapf(err, "failed to send %s request %d", c.iface.Name, opnum)
	}

	var out []byte
	for {
		pdu, err := c.readPDU()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s response %d", c.iface.Name, opnum)
		}
		switch pdu[2] {
		case rpcResponse:
		case rpcFault:
			status := uint32(0)
			if len(pdu) >= rpcRequestLen+4 {
				status = binary.LittleEndian.Uint32(pdu[rpcRequestLen:])
			}
			return nil, &RPCError{Op: c.iface.Name, Status: status, Fault: true}
		default:
			return nil, errors.Errorf("unexpected response type: %d", pdu[2])
		}
		if len(pdu) < rpcRequestLen {
			return nil, errors.New("response too short")
		}
		out = append(out, pdu[rpcRequestLen:]...)
		if pdu[3]&pfcLastFrag != 0 {
			return out, nil
		}
	}
}
