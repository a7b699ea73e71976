// Package smb provides SMB sessions and the DCE/RPC clients used for host enumeration.
package smb

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medianexapp/go-smb2"
	"github.com/pkg/errors"

	"github.com/specterops/dirhound/internal/credentials"
	"github.com/specterops/dirhound/internal/logger"
)

// Desired access used when opening an RPC named pipe
const pipeAccess = 0x12019f

// Session is an authenticated SMB session to one host with IPC$ mounted on demand.
type Session struct {
	log         logger.LoggerInterface
	host        string
	port        int
	timeout     time.Duration
	credentials *credentials.Credentials

	// conn is read by ForceClose without mu
	conn atomic.Pointer[net.Conn]

	session   *smb2.Session
	ipc       *smb2.Share
	connected bool

	mu sync.Mutex
}

// NewSession creates a Session. Connect must be called before opening pipes.
func NewSession(host string, port int, timeout time.Duration, creds *credentials.Credentials, log logger.LoggerInterface) *Session {
	if port == 0 {
		port = 445
	}
	return &Session{
		log:         log,
		host:        host,
		port:        port,
		timeout:     timeout,
		credentials: creds,
	}
}

// Host returns the remote host name.
func (s *Session) Host() string {
	return s.host
}

// Connect dials the host and authenticates with NTLM.
func (s *Session) Connect(ctx context.Context) error {
	s.log.Debug(fmt.Sprintf("[>] Connecting to remote SMB server '%s'...", s.host))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	address := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		s.log.Debug(fmt.Sprintf("[NETWORK] Could not connect to '%s': %v", address, err))
		return errors.Wrap(ErrConnectionFailed, err.Error())
	}

	s.conn.Store(&conn)

	dialer := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     s.credentials.Username,
			Password: s.credentials.Password,
			Domain:   s.credentials.Domain,
			Hash:     s.credentials.NTRaw,
		},
	}
	session, err := dialer.DialConn(ctx, conn, address)
	if err != nil {
		classification := ClassifyError(err)
		s.log.Debug(fmt.Sprintf("[%s] Authentication to '%s' failed: %s", classification.Category, s.host, classification.Message))
		s.conn.Store(nil)
		conn.Close()
		return errors.Wrap(ErrAuthFailed, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn.Load() == nil {
		// force-closed while authenticating
		session.Logoff()
		return ErrNotConnected
	}
	s.session = session
	s.connected = true

	s.log.Debug(fmt.Sprintf("[+] Authenticated to '%s' as '%s\\%s'", s.host, s.credentials.Domain, s.credentials.Username))
	return nil
}

// IsConnected returns whether the session is connected.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && s.session != nil && s.conn.Load() != nil
}

// Ping tests a pooled session before it is reused.
func (s *Session) Ping() bool {
	s.mu.Lock()
	if !s.connected || s.session == nil {
		s.mu.Unlock()
		return false
	}
	session := s.session
	s.mu.Unlock()

	_, err := session.ListSharenames()
	return err == nil
}

// ipcShare mounts IPC$ once per session. The mount happens without holding
// s.mu so that ForceClose can interrupt it.
func (s *Session) ipcShare() (*smb2.Share, error) {
	s.mu.Lock()
	if !s.connected || s.session == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if s.ipc != nil {
		ipc := s.ipc
		s.mu.Unlock()
		return ipc, nil
	}
	session := s.session
	s.mu.Unlock()

	share, err := session.Mount("IPC$")
	if err != nil {
		return nil, errors.Wrap(err, "failed to mount IPC$")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		share.Umount()
		return nil, ErrNotConnected
	}
	if s.ipc != nil {
		share.Umount()
		return s.ipc, nil
	}
	s.ipc = share
	return share, nil
}

// OpenPipe opens the named pipe serving iface and binds to it.
func (s *Session) OpenPipe(iface Interface) (*RPCClient, error) {
	share, err := s.ipcShare()
	if err != nil {
		return nil, err
	}
	pipe, err := share.OpenFile(iface.Pipe, pipeAccess, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s pipe", iface.Pipe)
	}
	rpc, err := NewRPCClient(pipe, iface)
	if err != nil {
		pipe.Close()
		return nil, err
	}
	return rpc, nil
}

// Close logs off and closes the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ipc != nil {
		s.ipc.Umount()
		s.ipc = nil
	}
	if s.session != nil {
		s.session.Logoff()
		s.session = nil
	}
	if conn := s.conn.Swap(nil); conn != nil {
		(*conn).Close()
	}
	s.connected = false
	return nil
}

// ForceClose closes the connection after setting an immediate deadline,
// which fails any blocked call. When another goroutine holds s.mu during
// network I/O only the TCP connection is closed; a later Close does the
// cleanup.
func (s *Session) ForceClose() error {
	if conn := s.conn.Swap(nil); conn != nil {
		s.log.Debug(fmt.Sprintf("[FORCECLOSE] Closing connection for %s", s.host))
		(*conn).SetDeadline(time.Now())
		(*conn).Close()
	}
	if s.mu.TryLock() {
		s.ipc = nil
		s.session = nil
		s.connected = false
		s.mu.Unlock()
	}
	return nil
}
