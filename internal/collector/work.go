// Package collector turns directory entries into BloodHound output records.
package collector

import (
	"context"
	"sync/atomic"

	"github.com/specterops/dirhound/internal/acl"
	"github.com/specterops/dirhound/internal/cache"
	"github.com/specterops/dirhound/internal/graph"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/liveness"
	"github.com/specterops/dirhound/pkg/kinds"
)

// Work is one entry moving through the processor. Stages read the entry and
// fill the record.
type Work struct {
	Entry  *ldap.Entry
	Kind   kinds.Kind
	ID     cache.Identity
	Domain string
	Record graph.Record
	Base   *graph.Base
}

// Stage is one optional enumeration step. A stage that does not apply to the
// work's kind returns it unchanged. Returning nil drops the record.
type Stage func(ctx context.Context, w *Work) *Work

// Resolver is the identity resolution surface the processors need.
type Resolver interface {
	Domain() string
	DomainSID() string
	WellKnown(sid string) (cache.Identity, bool)
	ResolveSID(ctx context.Context, sid string) (cache.Identity, bool)
	ResolveDN(ctx context.Context, dn string) (cache.Identity, bool)
	ResolveHost(ctx context.Context, host string) (string, bool)
	Remember(e *ldap.Entry) (cache.Identity, bool)
}

// ACLDecoder decodes security descriptors into permissions.
type ACLDecoder interface {
	Decode(ctx context.Context, raw []byte, target kinds.Kind, hasLAPS bool) []acl.Permission
	DecodeGMSA(ctx context.Context, raw []byte) []acl.Permission
}

// HostEngine runs the liveness and local enumeration of one computer.
type HostEngine interface {
	Run(ctx context.Context, h liveness.Host) liveness.Result
}

// StealthTargets reports whether a computer was selected for stealth collection.
type StealthTargets interface {
	IsStealthTarget(dn string) bool
}

// Counters holds run counters shared by every worker.
type Counters struct {
	Processed atomic.Int64
	Records   atomic.Int64
	Discarded atomic.Int64
	Errors    atomic.Int64
	Computers atomic.Int64
	Contacted atomic.Int64
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Processed int64
	Records   int64
	Discarded int64
	Errors    int64
	Computers int64
	Contacted int64
}

// Snapshot copies the counters.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Processed: c.Processed.Load(),
		Records:   c.Records.Load(),
		Discarded: c.Discarded.Load(),
		Errors:    c.Errors.Load(),
		Computers: c.Computers.Load(),
		Contacted: c.Contacted.Load(),
	}
}
