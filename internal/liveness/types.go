// Package liveness decides whether a computer is worth contacting and runs the
// time-bounded session and local group enumeration against it.
package liveness

import (
	"context"

	"github.com/specterops/dirhound/internal/cache"
	"github.com/specterops/dirhound/internal/smb"
)

// Task names recorded in HostStatus
const (
	TaskAvailability       = "availability"
	TaskReachability       = "reachability"
	TaskSessions           = "sessions"
	TaskPrivilegedSessions = "privileged-sessions"
	TaskRegistrySessions   = "registry-sessions"
	TaskMachineSID         = "machine-sid"
)

// Outcomes that are not error classifications
const (
	OutcomeSuccess              = "Success"
	OutcomeTimeout              = "Timeout"
	OutcomeSkipped              = "skipped"
	OutcomeUnreachable          = "unreachable"
	OutcomeNonWindowsOS         = "NonWindowsOS"
	OutcomePwdLastSetOutOfRange = "PwdLastSetOutOfRange"
	OutcomeNotApplicable        = "NotApplicable"
)

// HostStatus is the outcome of one task against one host.
type HostStatus struct {
	HostName string
	Task     string
	Outcome  string
}

// Host is the directory view of a computer needed to enumerate it.
type Host struct {
	Name            string // DNS host name used to connect
	SID             string
	SAMAccountName  string
	OperatingSystem string
	IsDC            bool
	PwdLastSet      int64 // unix timestamp, 0 when unknown
	StealthTarget   bool
}

// Session links a logged-on user to the computer the session is from.
type Session struct {
	UserSID     string
	ComputerSID string
}

// SessionResult is the outcome of one session enumeration mechanism.
type SessionResult struct {
	Collected     bool
	FailureReason string
	Results       []Session
}

// LocalGroupResult holds the resolved members of one Builtin alias.
type LocalGroupResult struct {
	ObjectIdentifier string
	Name             string
	Collected        bool
	FailureReason    string
	Results          []cache.Identity
}

// Result is everything collected from one host.
type Result struct {
	// Attempted is false when the host was skipped before any network call.
	Attempted   bool
	Connectable bool
	Error       string

	Sessions           SessionResult
	PrivilegedSessions SessionResult
	RegistrySessions   SessionResult
	LocalGroups        []LocalGroupResult
}

// Client is the remote enumeration surface. Implementations return owned
// values; calls may be abandoned after a timeout and left to finish on their own.
type Client interface {
	Sessions(ctx context.Context, host string) ([]smb.NetSession, error)
	PrivilegedSessions(ctx context.Context, host string) ([]smb.WkstaUser, error)
	RegistrySessions(ctx context.Context, host string) ([]string, error)
	MachineSID(ctx context.Context, host string) (string, error)
	AliasMembers(ctx context.Context, host string, rid uint32) ([]string, error)
	Release(host string)
}

// Resolver turns remote account names and SIDs into directory identities.
type Resolver interface {
	Domain() string
	ResolveSID(ctx context.Context, sid string) (cache.Identity, bool)
	ResolveAccount(ctx context.Context, account, domain string) (cache.Identity, bool)
	ResolveHost(ctx context.Context, host string) (string, bool)
}
