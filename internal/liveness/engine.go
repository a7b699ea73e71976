package liveness

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/specterops/dirhound/internal/cache"
	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/internal/smb"
	"github.com/specterops/dirhound/internal/utils"
)

const (
	smbPort         = 445
	maxPasswordAge  = 60 * 24 * time.Hour
	maxProbeTimeout = time.Minute
)

// localGroup is one Builtin alias queried on every host.
type localGroup struct {
	rid    uint32
	name   string
	method config.CollectionMethod
}

var localGroups = []localGroup{
	{smb.RIDAdministrators, "ADMINISTRATORS", config.MethodLocalAdmin},
	{smb.RIDRemoteDesktopUsers, "REMOTE DESKTOP USERS", config.MethodRDP},
	{smb.RIDRemoteManagementUsers, "REMOTE MANAGEMENT USERS", config.MethodPSRemote},
	{smb.RIDDistributedCOMUsers, "DISTRIBUTED COM USERS", config.MethodDCOM},
}

// LocalGroupTask returns the status task name of a Builtin alias query.
func LocalGroupTask(rid uint32) string {
	return "localgroup-" + strconv.FormatUint(uint64(rid), 10)
}

// Engine runs the per-host state machine. It is safe for concurrent use by
// the worker pool.
type Engine struct {
	cfg      *config.Config
	client   Client
	resolver Resolver
	status   chan<- HostStatus
	log      logger.LoggerInterface

	exclude []glob.Glob
	sem     *semaphore.Weighted

	probe func(ctx context.Context, host string, port int, timeout time.Duration) (bool, error)
	now   func() time.Time
}

// NewEngine creates an Engine. status may be nil when outcomes are not collected.
func NewEngine(cfg *config.Config, client Client, resolver Resolver, status chan<- HostStatus, log logger.LoggerInterface) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		client:   client,
		resolver: resolver,
		status:   status,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.MaxHosts())),
		probe:    utils.IsPortOpen,
		now:      time.Now,
	}
	for _, pattern := range cfg.ExcludeHosts() {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid exclusion pattern %q", pattern)
		}
		e.exclude = append(e.exclude, g)
	}
	return e, nil
}

func (e *Engine) report(host, task, outcome string) {
	if e.status == nil {
		return
	}
	e.status <- HostStatus{HostName: host, Task: task, Outcome: outcome}
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrTimeout) {
		return OutcomeTimeout
	}
	return smb.ClassifyError(err).Outcome
}

// excluded reports whether host policy rules the host out before any
// network call.
func (e *Engine) excluded(h Host) bool {
	if e.cfg.Stealth() && !h.StealthTarget {
		return true
	}
	if e.cfg.ExcludeDCs() && h.IsDC {
		return true
	}
	name := strings.ToLower(h.Name)
	short := strings.ToLower(utils.ShortName(h.Name))
	for _, g := range e.exclude {
		if g.Match(name) || g.Match(short) {
			return true
		}
	}
	return false
}

func (e *Engine) passwordTooOld(h Host) bool {
	if e.cfg.SkipPwdCheck() || h.PwdLastSet <= 0 {
		return false
	}
	return e.now().Sub(time.Unix(h.PwdLastSet, 0)) > maxPasswordAge
}

func isWindows(osName string) bool {
	return strings.Contains(strings.ToLower(osName), "windows")
}

// Run executes the enabled steps against h in order. A failed step never
// stops the following ones; only an unreachable host or a cancelled ctx does.
func (e *Engine) Run(ctx context.Context, h Host) Result {
	var res Result
	log := e.log

	if h.Name == "" {
		h.Name = strings.TrimSuffix(h.SAMAccountName, "$")
		if h.Name != "" && e.resolver != nil {
			h.Name = strings.ToLower(h.Name + "." + e.resolver.Domain())
		}
	}
	if h.Name == "" {
		return res
	}

	switch {
	case e.excluded(h):
		log.Debug(fmt.Sprintf("Skipping %s: excluded by host policy", h.Name))
		e.report(h.Name, TaskAvailability, OutcomeSkipped)
		return res
	case e.passwordTooOld(h):
		log.Debug(fmt.Sprintf("Skipping %s: password last set more than 60 days ago", h.Name))
		e.report(h.Name, TaskAvailability, OutcomePwdLastSetOutOfRange)
		res.Error = OutcomePwdLastSetOutOfRange
		return res
	case e.cfg.WindowsOnly() && !isWindows(h.OperatingSystem):
		log.Debug(fmt.Sprintf("Skipping %s: operating system %q", h.Name, h.OperatingSystem))
		e.report(h.Name, TaskAvailability, OutcomeNonWindowsOS)
		res.Error = OutcomeNonWindowsOS
		return res
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return res
	}
	defer e.sem.Release(1)
	if e.client != nil {
		defer e.client.Release(h.Name)
	}
	res.Attempted = true

	if !e.cfg.SkipPortCheck() {
		timeout := e.cfg.PortTimeout()
		if timeout > maxProbeTimeout {
			timeout = maxProbeTimeout
		}
		ok, err := e.probe(ctx, h.Name, smbPort, timeout)
		if !ok {
			if ctx.Err() != nil {
				return res
			}
			log.Debug(fmt.Sprintf("Port %d is not open on %s: %v", smbPort, h.Name, err))
			e.report(h.Name, TaskReachability, OutcomeUnreachable)
			res.Error = OutcomeUnreachable
			return res
		}
		e.report(h.Name, TaskReachability, OutcomeSuccess)
	}
	res.Connectable = true

	methods := e.cfg.Methods()
	steps := []func(context.Context, Host, *Result) bool{}
	if methods.Has(config.MethodSession) {
		steps = append(steps, e.sessions)
	}
	if methods.Has(config.MethodLoggedOn) {
		steps = append(steps, e.privilegedSessions)
		if !e.cfg.SkipRegistry() {
			steps = append(steps, e.registrySessions)
		}
	}
	if methods.Any(config.MethodLocalGroup) {
		steps = append(steps, e.localGroups)
	}

	for i, step := range steps {
		if i > 0 {
			if err := utils.Sleep(ctx, e.cfg.Throttle(), e.cfg.Jitter()); err != nil {
				return res
			}
		}
		if !step(ctx, h, &res) {
			return res
		}
	}
	return res
}

// finish records the outcome of a remote call. It returns false when ctx
// is done and the host should be abandoned.
func (e *Engine) finish(ctx context.Context, host, task string, err error) bool {
	if err != nil && ctx.Err() != nil {
		return false
	}
	outcome := outcomeOf(err)
	if err != nil {
		e.log.Debug(fmt.Sprintf("%s on %s failed: %v", task, host, err))
	}
	e.report(host, task, outcome)
	return true
}

func (e *Engine) sessions(ctx context.Context, h Host, res *Result) bool {
	raw, err := callWithTimeout(ctx, e.cfg.RemoteTimeout(), func(ctx context.Context) ([]smb.NetSession, error) {
		return e.client.Sessions(ctx, h.Name)
	})
	if !e.finish(ctx, h.Name, TaskSessions, err) {
		return false
	}
	if err != nil {
		res.Sessions.FailureReason = outcomeOf(err)
		return true
	}

	accounts := make([]Account, 0, len(raw))
	for _, s := range raw {
		accounts = append(accounts, Account{Name: s.UserName, Domain: e.resolver.Domain(), Computer: s.ComputerName})
	}
	res.Sessions.Collected = true
	for _, a := range FilterAccounts(accounts, e.cfg.Username()) {
		user, ok := e.resolver.ResolveAccount(ctx, a.Name, a.Domain)
		if !ok {
			continue
		}
		computerSID := e.sessionComputer(ctx, h, a.Computer)
		if computerSID == "" {
			continue
		}
		res.Sessions.Results = appendSession(res.Sessions.Results, Session{UserSID: user.ID, ComputerSID: computerSID})
	}
	return true
}

// sessionComputer resolves the client side of a network session. Loopback
// sessions belong to the host itself.
func (e *Engine) sessionComputer(ctx context.Context, h Host, computer string) string {
	computer = strings.Trim(computer, "[]")
	switch computer {
	case "", "127.0.0.1", "::1", "localhost":
		return h.SID
	}
	sid, ok := e.resolver.ResolveHost(ctx, computer)
	if !ok {
		return ""
	}
	return sid
}

func (e *Engine) privilegedSessions(ctx context.Context, h Host, res *Result) bool {
	raw, err := callWithTimeout(ctx, e.cfg.RemoteTimeout(), func(ctx context.Context) ([]smb.WkstaUser, error) {
		return e.client.PrivilegedSessions(ctx, h.Name)
	})
	if !e.finish(ctx, h.Name, TaskPrivilegedSessions, err) {
		return false
	}
	if err != nil {
		res.PrivilegedSessions.FailureReason = outcomeOf(err)
		return true
	}

	accounts := make([]Account, 0, len(raw))
	for _, u := range raw {
		accounts = append(accounts, Account{Name: u.UserName, Domain: u.LogonDomain})
	}
	localName := strings.ToUpper(strings.TrimSuffix(h.SAMAccountName, "$"))
	res.PrivilegedSessions.Collected = true
	for _, a := range FilterAccounts(accounts, e.cfg.Username()) {
		// accounts local to the host are not directory principals
		if localName != "" && strings.EqualFold(a.Domain, localName) {
			continue
		}
		user, ok := e.resolver.ResolveAccount(ctx, a.Name, a.Domain)
		if !ok {
			continue
		}
		res.PrivilegedSessions.Results = appendSession(res.PrivilegedSessions.Results, Session{UserSID: user.ID, ComputerSID: h.SID})
	}
	return true
}

func (e *Engine) registrySessions(ctx context.Context, h Host, res *Result) bool {
	sids, err := callWithTimeout(ctx, e.cfg.RemoteTimeout(), func(ctx context.Context) ([]string, error) {
		return e.client.RegistrySessions(ctx, h.Name)
	})
	if !e.finish(ctx, h.Name, TaskRegistrySessions, err) {
		return false
	}
	if err != nil {
		res.RegistrySessions.FailureReason = outcomeOf(err)
		return true
	}

	res.RegistrySessions.Collected = true
	for _, sid := range sids {
		user, ok := e.resolver.ResolveSID(ctx, sid)
		if !ok {
			continue
		}
		res.RegistrySessions.Results = appendSession(res.RegistrySessions.Results, Session{UserSID: user.ID, ComputerSID: h.SID})
	}
	return true
}

func appendSession(list []Session, s Session) []Session {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

func (e *Engine) localGroups(ctx context.Context, h Host, res *Result) bool {
	methods := e.cfg.Methods()

	// On domain controllers the account domain is the directory domain, so
	// there is nothing local to filter out.
	var machineSID string
	var machineErr error
	if !h.IsDC {
		machineSID, machineErr = callWithTimeout(ctx, e.cfg.RemoteTimeout(), func(ctx context.Context) (string, error) {
			return e.client.MachineSID(ctx, h.Name)
		})
		if machineErr != nil && ctx.Err() != nil {
			return false
		}
		if machineErr != nil {
			e.log.Debug(fmt.Sprintf("machine SID lookup on %s failed: %v", h.Name, machineErr))
		}
	}

	// the machine SID lookup counts as the previous call to the host
	called := !h.IsDC
	for _, lg := range localGroups {
		if !methods.Has(lg.method) {
			continue
		}

		result := LocalGroupResult{
			ObjectIdentifier: fmt.Sprintf("%s-%d", h.SID, lg.rid),
			Name:             lg.name + "@" + strings.ToUpper(h.Name),
		}
		task := LocalGroupTask(lg.rid)

		if machineErr != nil {
			e.report(h.Name, task, outcomeOf(machineErr))
			result.FailureReason = outcomeOf(machineErr)
			res.LocalGroups = append(res.LocalGroups, result)
			continue
		}

		if called {
			if err := utils.Sleep(ctx, e.cfg.Throttle(), e.cfg.Jitter()); err != nil {
				return false
			}
		}
		called = true

		members, err := callWithTimeout(ctx, e.cfg.RemoteTimeout(), func(ctx context.Context) ([]string, error) {
			return e.client.AliasMembers(ctx, h.Name, lg.rid)
		})
		if !e.finish(ctx, h.Name, task, err) {
			return false
		}
		if err != nil {
			result.FailureReason = outcomeOf(err)
			res.LocalGroups = append(res.LocalGroups, result)
			continue
		}

		result.Collected = true
		result.Results = e.resolveMembers(ctx, members, machineSID)
		res.LocalGroups = append(res.LocalGroups, result)
	}
	return true
}

// resolveMembers drops accounts native to the host and resolves the rest.
func (e *Engine) resolveMembers(ctx context.Context, sids []string, machineSID string) []cache.Identity {
	prefix := ""
	if machineSID != "" {
		prefix = strings.ToUpper(machineSID) + "-"
	}
	var out []cache.Identity
	for _, sid := range sids {
		if prefix != "" && strings.HasPrefix(strings.ToUpper(sid), prefix) {
			continue
		}
		id, ok := e.resolver.ResolveSID(ctx, sid)
		if !ok {
			continue
		}
		out = append(out, id)
	}
	return out
}
