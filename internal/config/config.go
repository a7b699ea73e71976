// Package config provides the run configuration for dirhound.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Options is the mutable form filled from flags. It is turned into an
// immutable Config by New.
type Options struct {
	Debug    bool
	Trace    bool
	NoColors *bool

	Domain      string
	DC          string
	LDAPPort    int
	UseLDAPS    bool
	SearchBase  string
	LDAPFilter  string
	Nameserver  string
	Username    string
	Password    string
	Hashes      string
	UseKerberos bool
	Krb5Conf    string

	Methods []string

	Threads         int
	QueueSize       int
	MaxHosts        int
	Throttle        time.Duration
	Jitter          int
	PortTimeout     time.Duration
	RemoteTimeout   time.Duration
	Stealth         bool
	ExcludeDCs      bool
	ExcludeHosts    []string
	WindowsOnly     bool
	SkipPortCheck   bool
	SkipPwdCheck    bool
	SkipRegistry    bool
	ComputerFile    string
	OutputDir       string
	OutputPrefix    string
	ZipFilename     string
	NoZip           bool
	NoOutput        bool
	PrettyPrint     bool
	DumpStatus      bool
	CacheFile       string
	InvalidateCache bool
	NoSaveCache     bool
	NoCache         bool
	Loop            bool
	LoopDuration    time.Duration
	LoopInterval    time.Duration
}

// Config holds the configuration settings for a collection run. It is built
// once by New and only read afterwards.
type Config struct {
	debug    bool
	trace    bool
	noColors bool

	domain      string
	dc          string
	ldapPort    int
	useLDAPS    bool
	searchBase  string
	ldapFilter  string
	nameserver  string
	username    string
	password    string
	hashes      string
	useKerberos bool
	krb5Conf    string

	methods CollectionMethod

	threads         int
	queueSize       int
	maxHosts        int
	throttle        time.Duration
	jitter          int
	portTimeout     time.Duration
	remoteTimeout   time.Duration
	stealth         bool
	excludeDCs      bool
	excludeHosts    []string
	windowsOnly     bool
	skipPortCheck   bool
	skipPwdCheck    bool
	skipRegistry    bool
	computerFile    string
	outputDir       string
	outputPrefix    string
	zipFilename     string
	noZip           bool
	noOutput        bool
	prettyPrint     bool
	dumpStatus      bool
	cacheFile       string
	invalidateCache bool
	noSaveCache     bool
	noCache         bool
	loop            bool
	loopDuration    time.Duration
	loopInterval    time.Duration
}

// Defaults applied by New to zero values
const (
	DefaultThreads       = 50
	DefaultQueueSize     = 1000
	DefaultMaxHosts      = 64
	DefaultPortTimeout   = 10 * time.Second
	DefaultRemoteTimeout = 10 * time.Second
	DefaultLoopDuration  = 2 * time.Hour
	DefaultLoopInterval  = 30 * time.Second
)

// NewConfig creates a minimal Config carrying only logging settings.
// If noColors is nil, it defaults based on the platform.
func NewConfig(debug bool, noColors *bool) *Config {
	return &Config{
		debug:    debug,
		noColors: resolveNoColors(noColors),
	}
}

// New validates opts and returns the immutable run configuration.
func New(opts Options) (*Config, error) {
	if opts.Domain == "" {
		return nil, errors.New("a domain is required (--domain)")
	}
	if opts.Password != "" && opts.Hashes != "" {
		return nil, errors.New("options --password and --hashes are mutually exclusive")
	}
	if opts.Stealth && opts.ComputerFile != "" {
		return nil, errors.New("options --stealth and --computer-file are mutually exclusive")
	}
	if opts.Jitter < 0 || opts.Jitter > 100 {
		return nil, fmt.Errorf("jitter must be between 0 and 100, got %d", opts.Jitter)
	}

	for _, pattern := range opts.ExcludeHosts {
		if _, err := glob.Compile(strings.ToLower(pattern)); err != nil {
			return nil, fmt.Errorf("invalid --exclude-hosts pattern %q: %w", pattern, err)
		}
	}

	methods, err := ParseCollectionMethods(opts.Methods)
	if err != nil {
		return nil, err
	}
	if opts.Loop && methods.LoopMethods() == 0 {
		return nil, errors.New("loop mode requires the Session or LoggedOn collection method")
	}

	cfg := &Config{
		debug:           opts.Debug || opts.Trace,
		trace:           opts.Trace,
		noColors:        resolveNoColors(opts.NoColors),
		domain:          strings.ToUpper(strings.TrimSpace(opts.Domain)),
		dc:              opts.DC,
		ldapPort:        opts.LDAPPort,
		useLDAPS:        opts.UseLDAPS,
		searchBase:      opts.SearchBase,
		ldapFilter:      opts.LDAPFilter,
		nameserver:      opts.Nameserver,
		username:        opts.Username,
		password:        opts.Password,
		hashes:          opts.Hashes,
		useKerberos:     opts.UseKerberos,
		krb5Conf:        opts.Krb5Conf,
		methods:         methods,
		threads:         orDefault(opts.Threads, DefaultThreads),
		queueSize:       orDefault(opts.QueueSize, DefaultQueueSize),
		maxHosts:        orDefault(opts.MaxHosts, DefaultMaxHosts),
		throttle:        opts.Throttle,
		jitter:          opts.Jitter,
		portTimeout:     orDefaultDuration(opts.PortTimeout, DefaultPortTimeout),
		remoteTimeout:   orDefaultDuration(opts.RemoteTimeout, DefaultRemoteTimeout),
		stealth:         opts.Stealth,
		excludeDCs:      opts.ExcludeDCs,
		excludeHosts:    append([]string(nil), opts.ExcludeHosts...),
		windowsOnly:     opts.WindowsOnly,
		skipPortCheck:   opts.SkipPortCheck,
		skipPwdCheck:    opts.SkipPwdCheck,
		skipRegistry:    opts.SkipRegistry,
		computerFile:    opts.ComputerFile,
		outputDir:       opts.OutputDir,
		outputPrefix:    opts.OutputPrefix,
		zipFilename:     opts.ZipFilename,
		noZip:           opts.NoZip,
		noOutput:        opts.NoOutput,
		prettyPrint:     opts.PrettyPrint,
		dumpStatus:      opts.DumpStatus,
		cacheFile:       opts.CacheFile,
		invalidateCache: opts.InvalidateCache,
		noSaveCache:     opts.NoSaveCache,
		noCache:         opts.NoCache,
		loop:            opts.Loop,
		loopDuration:    orDefaultDuration(opts.LoopDuration, DefaultLoopDuration),
		loopInterval:    orDefaultDuration(opts.LoopInterval, DefaultLoopInterval),
	}
	if cfg.outputDir == "" {
		cfg.outputDir = "."
	}
	if cfg.ldapPort == 0 {
		cfg.ldapPort = 389
		if cfg.useLDAPS {
			cfg.ldapPort = 636
		}
	}
	return cfg, nil
}

// WithMethods returns a copy of c restricted to the given methods. Used by
// loop mode to re-run only session collection.
func (c *Config) WithMethods(m CollectionMethod) *Config {
	cp := *c
	cp.methods = m
	cp.excludeHosts = append([]string(nil), c.excludeHosts...)
	return &cp
}

func resolveNoColors(noColors *bool) bool {
	if noColors != nil {
		return *noColors
	}
	// Platform-specific default: disable colors on non-Linux by default
	return runtime.GOOS != "linux"
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Debug returns whether debug mode is enabled.
func (c *Config) Debug() bool { return c.debug }

// Trace returns whether trace logging is enabled.
func (c *Config) Trace() bool { return c.trace }

// NoColors returns whether colored output is disabled.
func (c *Config) NoColors() bool { return c.noColors }

// Domain returns the upper-cased target domain name.
func (c *Config) Domain() string { return c.domain }

// DC returns the domain controller to query, or "" to locate one from the domain name.
func (c *Config) DC() string { return c.dc }

func (c *Config) LDAPPort() int { return c.ldapPort }
func (c *Config) UseLDAPS() bool { return c.useLDAPS }
func (c *Config) SearchBase() string { return c.searchBase }
func (c *Config) LDAPFilter() string { return c.ldapFilter }
func (c *Config) Nameserver() string { return c.nameserver }
func (c *Config) Username() string { return c.username }
func (c *Config) Password() string { return c.password }
func (c *Config) Hashes() string { return c.hashes }
func (c *Config) UseKerberos() bool { return c.useKerberos }
func (c *Config) Krb5Conf() string { return c.krb5Conf }

// Methods returns the requested collection methods.
func (c *Config) Methods() CollectionMethod { return c.methods }

// Threads is the number of pipeline workers.
func (c *Config) Threads() int { return c.threads }

// QueueSize is the capacity of the bounded work queue.
func (c *Config) QueueSize() int { return c.queueSize }

// MaxHosts caps the number of hosts under concurrent network enumeration.
func (c *Config) MaxHosts() int { return c.maxHosts }

// Throttle is the base delay between two remote calls against the same host.
func (c *Config) Throttle() time.Duration { return c.throttle }

// Jitter is the percentage of random variation applied to Throttle.
func (c *Config) Jitter() int { return c.jitter }

func (c *Config) PortTimeout() time.Duration { return c.portTimeout }
func (c *Config) RemoteTimeout() time.Duration { return c.remoteTimeout }
func (c *Config) Stealth() bool { return c.stealth }
func (c *Config) ExcludeDCs() bool { return c.excludeDCs }

// ExcludeHosts returns the host name glob patterns that are never contacted.
func (c *Config) ExcludeHosts() []string {
	return append([]string(nil), c.excludeHosts...)
}

func (c *Config) WindowsOnly() bool { return c.windowsOnly }
func (c *Config) SkipPortCheck() bool { return c.skipPortCheck }
func (c *Config) SkipPwdCheck() bool { return c.skipPwdCheck }
func (c *Config) SkipRegistry() bool { return c.skipRegistry }
func (c *Config) ComputerFile() string { return c.computerFile }
func (c *Config) OutputDir() string { return c.outputDir }
func (c *Config) OutputPrefix() string { return c.outputPrefix }
func (c *Config) ZipFilename() string { return c.zipFilename }
func (c *Config) NoZip() bool { return c.noZip }
func (c *Config) NoOutput() bool { return c.noOutput }
func (c *Config) PrettyPrint() bool { return c.prettyPrint }
func (c *Config) DumpStatus() bool { return c.dumpStatus }
func (c *Config) CacheFile() string { return c.cacheFile }
func (c *Config) InvalidateCache() bool { return c.invalidateCache }
func (c *Config) NoSaveCache() bool { return c.noSaveCache }
func (c *Config) NoCache() bool { return c.noCache }
func (c *Config) Loop() bool { return c.loop }
func (c *Config) LoopDuration() time.Duration { return c.loopDuration }
func (c *Config) LoopInterval() time.Duration { return c.loopInterval }
