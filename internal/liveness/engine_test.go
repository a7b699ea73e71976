package liveness

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/specterops/dirhound/internal/cache"
	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/internal/smb"
	"github.com/specterops/dirhound/pkg/kinds"
)

// fakeClient answers enumeration calls from canned values. A call whose
// error is errBlock never returns until release is closed.
type fakeClient struct {
	sessions    []smb.NetSession
	sessionsErr error
	wksta       []smb.WkstaUser
	wkstaErr    error
	registry    []string
	machineSID  string
	members     map[uint32][]string
	membersErr  error

	release chan struct{}

	mu       sync.Mutex
	calls    []string
	times    []time.Time
	released []string
}

var errBlock = errors.New("block")

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.times = append(f.times, time.Now())
	f.mu.Unlock()
}

func (f *fakeClient) wait(err error) error {
	if err == errBlock {
		<-f.release
	}
	return err
}

func (f *fakeClient) Sessions(ctx context.Context, host string) ([]smb.NetSession, error) {
	f.record("sessions")
	if err := f.wait(f.sessionsErr); err != nil {
		return nil, err
	}
	return f.sessions, nil
}

func (f *fakeClient) PrivilegedSessions(ctx context.Context, host string) ([]smb.WkstaUser, error) {
	f.record("wksta")
	if err := f.wait(f.wkstaErr); err != nil {
		return nil, err
	}
	return f.wksta, nil
}

func (f *fakeClient) RegistrySessions(ctx context.Context, host string) ([]string, error) {
	f.record("registry")
	return f.registry, nil
}

func (f *fakeClient) MachineSID(ctx context.Context, host string) (string, error) {
	f.record("machinesid")
	return f.machineSID, nil
}

func (f *fakeClient) AliasMembers(ctx context.Context, host string, rid uint32) ([]string, error) {
	f.record("alias")
	if err := f.wait(f.membersErr); err != nil {
		return nil, err
	}
	return f.members[rid], nil
}

func (f *fakeClient) Release(host string) {
	f.mu.Lock()
	f.released = append(f.released, host)
	f.mu.Unlock()
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeResolver struct {
	accounts map[string]string // NAME@DOMAIN -> SID
	sids     map[string]kinds.Kind
	hosts    map[string]string
}

func (r *fakeResolver) Domain() string { return "CORP.LOCAL" }

func (r *fakeResolver) ResolveSID(ctx context.Context, sid string) (cache.Identity, bool) {
	k, ok := r.sids[sid]
	return cache.Identity{ID: sid, Kind: k}, ok
}

func (r *fakeResolver) ResolveAccount(ctx context.Context, account, domain string) (cache.Identity, bool) {
	sid, ok := r.accounts[strings.ToUpper(account+"@"+domain)]
	return cache.Identity{ID: sid, Kind: kinds.User}, ok
}

func (r *fakeResolver) ResolveHost(ctx context.Context, host string) (string, bool) {
	sid, ok := r.hosts[strings.ToUpper(host)]
	return sid, ok
}

func newResolver() *fakeResolver {
	return &fakeResolver{
		accounts: map[string]string{
			"ALICE@CORP.LOCAL": "S-1-5-21-1-2-3-1104",
			"ALICE@CORP":       "S-1-5-21-1-2-3-1104",
			"BOB@CORP":         "S-1-5-21-1-2-3-1105",
		},
		sids: map[string]kinds.Kind{
			"S-1-5-21-1-2-3-512":  kinds.Group,
			"S-1-5-21-1-2-3-1105": kinds.User,
		},
		hosts: map[string]string{
			"10.0.0.7": "S-1-5-21-1-2-3-2001",
		},
	}
}

func newTestEngine(t *testing.T, opts config.Options, client Client) (*Engine, chan HostStatus) {
	t.Helper()
	opts.Domain = "CORP.LOCAL"
	if opts.Username == "" {
		opts.Username = "svc_collect"
	}
	if opts.RemoteTimeout == 0 {
		opts.RemoteTimeout = 100 * time.Millisecond
	}
	cfg, err := config.New(opts)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	ch := make(chan HostStatus, 64)
	e, err := NewEngine(cfg, client, newResolver(), ch, logger.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.probe = func(context.Context, string, int, time.Duration) (bool, error) { return true, nil }
	return e, ch
}

func drain(ch chan HostStatus) []HostStatus {
	var out []HostStatus
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}

func statusFor(statuses []HostStatus, task string) (string, bool) {
	for _, s := range statuses {
		if s.Task == task {
			return s.Outcome, true
		}
	}
	return "", false
}

var testHost = Host{
	Name:            "ws01.corp.local",
	SID:             "S-1-5-21-1-2-3-1601",
	SAMAccountName:  "WS01$",
	OperatingSystem: "Windows 10 Enterprise",
}

func TestFilterAccounts(t *testing.T) {
	in := []Account{
		{Name: "alice", Domain: "CORP"},
		{Name: "bob$", Domain: "CORP"},
		{Name: "", Domain: "CORP"},
		{Name: "ANONYMOUS LOGON", Domain: "CORP"},
	}
	out := FilterAccounts(in, "svc_collect")
	if len(out) != 1 || out[0].Name != "alice" {
		t.Fatalf("Expected only alice, got %+v", out)
	}

	in = []Account{
		{Name: "SVC_COLLECT", Domain: "CORP"},
		{Name: "carol", Domain: "NT AUTHORITY"},
		{Name: "  dave ", Domain: "CORP"},
	}
	out = FilterAccounts(in, "svc_collect")
	if len(out) != 1 || out[0].Name != "dave" {
		t.Errorf("Expected only dave, got %+v", out)
	}
}

func TestUnreachableHost(t *testing.T) {
	client := &fakeClient{}
	e, ch := newTestEngine(t, config.Options{Methods: []string{"all"}, WindowsOnly: true}, client)
	e.probe = func(context.Context, string, int, time.Duration) (bool, error) {
		return false, errors.New("connection refused")
	}

	res := e.Run(context.Background(), testHost)
	statuses := drain(ch)

	if len(statuses) != 1 {
		t.Fatalf("Expected exactly 1 status, got %+v", statuses)
	}
	want := HostStatus{HostName: "ws01.corp.local", Task: TaskReachability, Outcome: OutcomeUnreachable}
	if statuses[0] != want {
		t.Errorf("Expected %+v, got %+v", want, statuses[0])
	}
	if client.callCount() != 0 {
		t.Errorf("Expected no remote calls, got %v", client.calls)
	}
	if res.Connectable || !res.Attempted {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestStepTimeoutDoesNotSkipLaterSteps(t *testing.T) {
	client := &fakeClient{
		sessionsErr: errBlock,
		wksta:       []smb.WkstaUser{{UserName: "bob", LogonDomain: "CORP"}},
		release:     make(chan struct{}),
	}
	defer close(client.release)

	e, ch := newTestEngine(t, config.Options{
		Methods:       []string{"session", "loggedon"},
		SkipRegistry:  true,
		RemoteTimeout: 50 * time.Millisecond,
	}, client)

	start := time.Now()
	res := e.Run(context.Background(), testHost)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Run took %v with a 50ms remote timeout", elapsed)
	}

	statuses := drain(ch)
	if outcome, _ := statusFor(statuses, TaskSessions); outcome != OutcomeTimeout {
		t.Errorf("Expected sessions outcome Timeout, got %q", outcome)
	}
	if outcome, _ := statusFor(statuses, TaskPrivilegedSessions); outcome != OutcomeSuccess {
		t.Errorf("Expected privileged sessions outcome Success, got %q", outcome)
	}
	if _, ok := statusFor(statuses, TaskRegistrySessions); ok {
		t.Error("Registry sessions ran although disabled")
	}

	if res.Sessions.Collected || res.Sessions.FailureReason != OutcomeTimeout {
		t.Errorf("Unexpected sessions result %+v", res.Sessions)
	}
	want := Session{UserSID: "S-1-5-21-1-2-3-1105", ComputerSID: testHost.SID}
	if !res.PrivilegedSessions.Collected || len(res.PrivilegedSessions.Results) != 1 || res.PrivilegedSessions.Results[0] != want {
		t.Errorf("Unexpected privileged sessions %+v", res.PrivilegedSessions)
	}
}

func TestSessionsResolved(t *testing.T) {
	client := &fakeClient{
		sessions: []smb.NetSession{
			{ComputerName: "10.0.0.7", UserName: "alice"},
			{ComputerName: "10.0.0.7", UserName: "alice"},
			{ComputerName: "127.0.0.1", UserName: "alice"},
			{ComputerName: "10.0.0.7", UserName: "WS02$"},
			{ComputerName: "10.0.0.9", UserName: "alice"},
			{ComputerName: "10.0.0.7", UserName: "mallory"},
		},
	}
	e, ch := newTestEngine(t, config.Options{Methods: []string{"session"}}, client)

	res := e.Run(context.Background(), testHost)
	drain(ch)

	want := []Session{
		{UserSID: "S-1-5-21-1-2-3-1104", ComputerSID: "S-1-5-21-1-2-3-2001"},
		{UserSID: "S-1-5-21-1-2-3-1104", ComputerSID: testHost.SID},
	}
	if len(res.Sessions.Results) != len(want) {
		t.Fatalf("Expected %d sessions, got %+v", len(want), res.Sessions.Results)
	}
	for i := range want {
		if res.Sessions.Results[i] != want[i] {
			t.Errorf("Session %d: expected %+v, got %+v", i, want[i], res.Sessions.Results[i])
		}
	}
	if len(client.released) != 1 {
		t.Errorf("Expected host sessions released once, got %v", client.released)
	}
}

func TestLocalGroupDropsMachineAccounts(t *testing.T) {
	client := &fakeClient{
		machineSID: "S-1-5-21-9-8-7",
		members: map[uint32][]string{
			smb.RIDAdministrators: {"S-1-5-21-9-8-7-500", "S-1-5-21-1-2-3-512", "S-1-5-21-4-4-4-1000"},
		},
	}
	e, ch := newTestEngine(t, config.Options{Methods: []string{"localadmin"}}, client)

	res := e.Run(context.Background(), testHost)
	statuses := drain(ch)

	if len(res.LocalGroups) != 1 {
		t.Fatalf("Expected 1 local group, got %+v", res.LocalGroups)
	}
	lg := res.LocalGroups[0]
	if lg.ObjectIdentifier != "S-1-5-21-1-2-3-1601-544" || lg.Name != "ADMINISTRATORS@WS01.CORP.LOCAL" {
		t.Errorf("Unexpected group identity %s / %s", lg.ObjectIdentifier, lg.Name)
	}
	// the local -500 is dropped, the unresolvable foreign SID is skipped
	if !lg.Collected || len(lg.Results) != 1 || lg.Results[0].ID != "S-1-5-21-1-2-3-512" {
		t.Errorf("Unexpected members %+v", lg.Results)
	}
	if outcome, _ := statusFor(statuses, LocalGroupTask(smb.RIDAdministrators)); outcome != OutcomeSuccess {
		t.Errorf("Expected Success for the Administrators query, got %q", outcome)
	}
}

func TestLocalGroupErrorsAreClassified(t *testing.T) {
	client := &fakeClient{
		machineSID: "S-1-5-21-9-8-7",
		membersErr: &smb.RPCError{Op: "SamrOpenAlias", Status: smb.STATUS_ACCESS_DENIED},
	}
	e, ch := newTestEngine(t, config.Options{Methods: []string{"localadmin", "rdp"}}, client)

	res := e.Run(context.Background(), testHost)
	statuses := drain(ch)

	if len(res.LocalGroups) != 2 {
		t.Fatalf("Expected 2 local groups, got %+v", res.LocalGroups)
	}
	for _, lg := range res.LocalGroups {
		if lg.Collected || lg.FailureReason != "ErrorAccessDenied" || len(lg.Results) != 0 {
			t.Errorf("Unexpected group result %+v", lg)
		}
	}
	for _, rid := range []uint32{smb.RIDAdministrators, smb.RIDRemoteDesktopUsers} {
		if outcome, _ := statusFor(statuses, LocalGroupTask(rid)); outcome != "ErrorAccessDenied" {
			t.Errorf("Expected ErrorAccessDenied for %d, got %q", rid, outcome)
		}
	}
}

func TestEligibility(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		opts    config.Options
		host    Host
		outcome string
	}{
		{
			name:    "stealth non-target",
			opts:    config.Options{Stealth: true},
			host:    testHost,
			outcome: OutcomeSkipped,
		},
		{
			name:    "excluded domain controller",
			opts:    config.Options{ExcludeDCs: true},
			host:    Host{Name: "dc01.corp.local", OperatingSystem: "Windows Server 2022", IsDC: true},
			outcome: OutcomeSkipped,
		},
		{
			name:    "exclusion glob",
			opts:    config.Options{ExcludeHosts: []string{"ws*"}},
			host:    testHost,
			outcome: OutcomeSkipped,
		},
		{
			name:    "stale password",
			opts:    config.Options{},
			host:    Host{Name: "old.corp.local", OperatingSystem: "Windows 7", PwdLastSet: now.Add(-90 * 24 * time.Hour).Unix()},
			outcome: OutcomePwdLastSetOutOfRange,
		},
		{
			name:    "non windows",
			opts:    config.Options{WindowsOnly: true},
			host:    Host{Name: "nas.corp.local", OperatingSystem: "Ubuntu 22.04"},
			outcome: OutcomeNonWindowsOS,
		},
	}

	for _, tt := range tests {
		client := &fakeClient{}
		tt.opts.Methods = []string{"all"}
		e, ch := newTestEngine(t, tt.opts, client)
		e.now = func() time.Time { return now }

		res := e.Run(context.Background(), tt.host)
		statuses := drain(ch)
		if len(statuses) != 1 || statuses[0].Task != TaskAvailability || statuses[0].Outcome != tt.outcome {
			t.Errorf("%s: expected one %s status, got %+v", tt.name, tt.outcome, statuses)
		}
		if res.Attempted || client.callCount() != 0 {
			t.Errorf("%s: expected no network activity", tt.name)
		}
	}
}

func TestCallWithTimeoutHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := callWithTimeout(ctx, time.Minute, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	v, err := callWithTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("Expected 42, got %d, %v", v, err)
	}
}

func TestLocalGroupThrottledAfterMachineSID(t *testing.T) {
	client := &fakeClient{
		machineSID: "S-1-5-21-9-8-7",
		members:    map[uint32][]string{smb.RIDAdministrators: {"S-1-5-21-1-2-3-512"}},
	}
	e, _ := newTestEngine(t, config.Options{Methods: []string{"localadmin"}, Throttle: 60 * time.Millisecond}, client)

	e.Run(context.Background(), testHost)

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.calls) != 2 || client.calls[0] != "machinesid" || client.calls[1] != "alias" {
		t.Fatalf("Unexpected calls %v", client.calls)
	}
	if gap := client.times[1].Sub(client.times[0]); gap < 60*time.Millisecond {
		t.Errorf("Expected the throttle between the machine SID and alias queries, got %v", gap)
	}
}

func TestCallWithTimeoutCancelsAbandonedCall(t *testing.T) {
	interrupted := make(chan struct{})
	_, err := callWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(interrupted)
		return 0, ctx.Err()
	})
	if err != ErrTimeout {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	select {
	case <-interrupted:
	case <-time.After(time.Second):
		t.Error("The call context was not cancelled after the timeout")
	}
}
