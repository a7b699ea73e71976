package smb

import (
	"context"
)

// HostClient runs the enumeration calls against remote hosts, reusing pooled
// sessions between calls to the same host. Every method returns owned values.
type HostClient struct {
	pool *ConnectionPool
}

func NewHostClient(pool *ConnectionPool) *HostClient {
	return &HostClient{pool: pool}
}

// withPipe checks out a session for host, binds iface and runs fn. The
// session goes back to the pool unless the call broke the transport. When ctx
// is done before fn returns, the session's connection is closed so that the
// blocked pipe I/O fails.
func (c *HostClient) withPipe(ctx context.Context, host string, iface Interface, fn func(*RPCClient) error) error {
	session, err := c.pool.GetConnection(ctx, host)
	if err != nil {
		return err
	}
	stop := interruptOnDone(ctx, session)

	rpc, err := session.OpenPipe(iface)
	if err != nil {
		c.release(host, session, !stop(), err)
		return err
	}
	err = fn(rpc)
	rpc.Close()
	c.release(host, session, !stop(), err)
	return err
}

// interruptOnDone force-closes s once ctx is done. stop reports false when
// the session was already closed.
func interruptOnDone(ctx context.Context, s *Session) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		s.ForceClose()
	})
}

func (c *HostClient) release(host string, session *Session, interrupted bool, err error) {
	if interrupted || (err != nil && ClassifyError(err).Category == ErrorCategoryNetwork) {
		c.pool.Discard(session)
		return
	}
	c.pool.ReturnConnection(host, session)
}

// Sessions lists the SMB sessions open on host.
func (c *HostClient) Sessions(ctx context.Context, host string) ([]NetSession, error) {
	var out []NetSession
	err := c.withPipe(ctx, host, SRVSVC, func(rpc *RPCClient) error {
		var err error
		out, err = NewSRVSVCClient(rpc).NetrSessionEnum(host)
		return err
	})
	return out, err
}

// PrivilegedSessions lists the users logged on to host.
func (c *HostClient) PrivilegedSessions(ctx context.Context, host string) ([]WkstaUser, error) {
	var out []WkstaUser
	err := c.withPipe(ctx, host, WKSSVC, func(rpc *RPCClient) error {
		var err error
		out, err = NewWKSSVCClient(rpc).NetrWkstaUserEnum(host)
		return err
	})
	return out, err
}

// RegistrySessions lists the account SIDs with a loaded hive on host.
func (c *HostClient) RegistrySessions(ctx context.Context, host string) ([]string, error) {
	var out []string
	err := c.withPipe(ctx, host, WINREG, func(rpc *RPCClient) error {
		var err error
		out, err = NewWINREGClient(rpc).UserSIDs()
		return err
	})
	return out, err
}

// MachineSID returns the SID of the local account domain of host.
func (c *HostClient) MachineSID(ctx context.Context, host string) (string, error) {
	var out string
	err := c.withPipe(ctx, host, SAMR, func(rpc *RPCClient) error {
		samr := NewSAMRClient(rpc, host)
		defer samr.closeHandles()
		var err error
		out, err = samr.MachineSID()
		return err
	})
	return out, err
}

// AliasMembers returns the member SIDs of a Builtin alias of host.
func (c *HostClient) AliasMembers(ctx context.Context, host string, rid uint32) ([]string, error) {
	var out []string
	err := c.withPipe(ctx, host, SAMR, func(rpc *RPCClient) error {
		samr := NewSAMRClient(rpc, host)
		defer samr.closeHandles()
		var err error
		out, err = samr.AliasMembers(rid)
		return err
	})
	return out, err
}

// Release closes the idle sessions kept for host.
func (c *HostClient) Release(host string) {
	c.pool.Release(host)
}
