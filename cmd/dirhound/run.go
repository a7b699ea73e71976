package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/specterops/dirhound/internal/acl"
	"github.com/specterops/dirhound/internal/cache"
	"github.com/specterops/dirhound/internal/collector"
	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/credentials"
	"github.com/specterops/dirhound/internal/graph"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/liveness"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/internal/pipeline"
	"github.com/specterops/dirhound/internal/sid"
	"github.com/specterops/dirhound/internal/smb"
	"github.com/specterops/dirhound/internal/status"
	"github.com/specterops/dirhound/internal/targets"
	"github.com/specterops/dirhound/internal/utils"
)

// Sessions kept open per remote host
const smbConnectionsPerHost = 2

// Share of the container or host memory the Go runtime aims to stay under
const memoryLimitRatio = 0.8

func run(cmd *cobra.Command, args []string) {
	fmt.Printf("DirHound v%s\n\n", Version)

	cfg, err := config.New(options())
	if err != nil {
		fmt.Printf("[!] %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg, logfile)
	defer log.Close()
	tune(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Warning(fmt.Sprintf("Received signal %v, finishing queued work and writing output...", sig))
		cancel()
	}()

	log.Info(fmt.Sprintf("Starting DirHound against %s (methods: %s)", cfg.Domain(), cfg.Methods()))
	startTime := time.Now()

	if err := execute(ctx, cfg, log); err != nil {
		log.Error(err.Error())
		log.Close()
		os.Exit(1)
	}

	elapsed := time.Since(startTime)
	log.Info(fmt.Sprintf("DirHound completed, time elapsed: %s", utils.DeltaTime(elapsed)))
	fmt.Printf("[+] DirHound completed, total time: %s\n", utils.DeltaTime(elapsed))
}

// execute connects, runs the main collection and the loop, then saves the
// cache and closes the connections, also when a run fails.
func execute(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	c, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { c.close(ctx.Err() != nil) }()

	if _, err := c.collect(ctx, cfg, true); err != nil {
		return err
	}
	if cfg.Loop() && ctx.Err() == nil {
		c.loop(ctx, cfg)
	}
	return nil
}

// tune sizes GOMAXPROCS and the soft memory limit to the container limits.
func tune(log logger.LoggerInterface) {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		log.Debug("Could not set GOMAXPROCS: " + err.Error())
	}
	if limit, err := memlimit.SetGoMemLimit(memoryLimitRatio); err == nil && limit > 0 {
		log.Debug(fmt.Sprintf("Memory limit set to %s", utils.FormatFileSize(limit)))
	}
}

// collection holds the connections and shared state of a run. It outlives
// the loop iterations.
type collection struct {
	log       *logger.Logger
	client    *ldap.Client
	domainSID string

	store     *cache.Store
	cache     *cache.Cache
	saveCache bool

	resolver *sid.Resolver
	decoder  *acl.Decoder
	pool     *smb.ConnectionPool
	hosts    *smb.HostClient
	stealth  *targets.StealthProducer
}

// connect performs every startup step that must succeed before the pipeline
// starts: the LDAP bind, the domain SID lookup and, in stealth mode, the
// target discovery.
func connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (*collection, error) {
	c := &collection{log: log}

	creds := credentials.NewCredentials(cfg.Domain(), cfg.Username(), cfg.Password(), cfg.Hashes(), cfg.UseKerberos(), cfg.Krb5Conf())

	fmt.Printf("[*] Connecting to %s...\n", cfg.Domain())
	client, err := ldap.NewClient(&ldap.ClientOptions{
		Domain:      cfg.Domain(),
		Server:      cfg.DC(),
		Port:        cfg.LDAPPort(),
		UseLDAPS:    cfg.UseLDAPS(),
		SearchBase:  cfg.SearchBase(),
		Nameserver:  cfg.Nameserver(),
		Credentials: creds,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", cfg.Domain(), err)
	}
	c.client = client
	fmt.Printf("[+] Connected to %s\n", client.Server())

	c.domainSID, err = client.DomainSID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("could not resolve the domain SID: %w", err)
	}
	log.Info(fmt.Sprintf("Domain SID: %s", c.domainSID))

	c.openCache(cfg)

	c.resolver = sid.NewResolver(client, c.cache, cfg.Domain(), c.domainSID, cfg.Nameserver(), log)
	if dse, err := client.RootDSE(ctx); err != nil {
		log.Warning("Could not read the RootDSE, trusted domain names are unknown: " + err.Error())
	} else {
		c.resolver.LoadDomainNames(ctx, dse.ConfigurationNamingContext)
	}

	if cfg.Methods().Has(config.MethodACL) {
		guids, err := client.SchemaGUIDs(ctx)
		if err != nil {
			log.Warning("Could not load the schema GUIDs, object type ACEs will be skipped: " + err.Error())
		}
		c.decoder = acl.NewDecoder(c.resolver, guids, log)
		log.Debug(fmt.Sprintf("Loaded %d schema GUIDs", len(guids)))
	}

	if cfg.Methods().NeedsComputers() || cfg.Loop() {
		c.pool = smb.NewConnectionPool(smbConnectionsPerHost, cfg.RemoteTimeout(), creds, logger.NewTaskLogger(log, "smb"))
		c.hosts = smb.NewHostClient(c.pool)
	}

	if cfg.Stealth() {
		c.stealth = targets.NewStealthProducer(client, cfg, log)
		if err := c.stealth.Load(ctx); err != nil {
			c.close(false)
			return nil, fmt.Errorf("could not find stealth targets: %w", err)
		}
		fmt.Printf("[+] %d stealth targets\n", c.stealth.Len())
	}

	return c, nil
}

// openCache loads the cache snapshot unless caching is disabled or the user
// asked for a fresh one.
func (c *collection) openCache(cfg *config.Config) {
	if cfg.NoCache() {
		c.cache = cache.New()
		return
	}
	path := cfg.CacheFile()
	if path == "" {
		path = cache.DefaultPath(cfg.OutputDir())
	}
	c.store = cache.NewStore(path, logger.NewTaskLogger(c.log, "cache"))
	c.saveCache = !cfg.NoSaveCache()
	if cfg.InvalidateCache() {
		if err := c.store.Delete(); err != nil {
			c.log.Warning("Could not remove the cache file: " + err.Error())
		}
		c.log.Info("Cache invalidated, starting empty")
		c.cache = cache.New()
		return
	}
	c.cache = c.store.Load()
}

// close saves the cache and releases every connection. With force, sessions
// still in use by abandoned calls are closed too.
func (c *collection) close(force bool) {
	if c.store != nil && c.saveCache {
		if err := c.store.Save(c.cache); err != nil {
			c.log.Warning("Could not save the cache file: " + err.Error())
		} else {
			c.log.Debug("Cache saved to " + c.store.Path())
		}
	}
	if c.pool != nil {
		active, idle := c.pool.Counts()
		c.log.Debug(fmt.Sprintf("Closing %d active and %d idle SMB sessions", active, idle))
		if force {
			c.pool.ForceCloseAll()
		} else {
			c.pool.CloseAll()
		}
	}
	c.client.Close()
}

// producers selects where the entries of a run come from.
func (c *collection) producers(cfg *config.Config) []pipeline.Producer {
	switch {
	case cfg.ComputerFile() != "":
		if cfg.Methods().Any(config.MethodDCOnly) {
			c.log.Warning("--computer-file limits the run to the listed computers")
		}
		return []pipeline.Producer{targets.NewFileProducer(c.client, cfg, c.log)}
	case c.stealth != nil && !cfg.Methods().Any(config.MethodDCOnly):
		return []pipeline.Producer{c.stealth}
	default:
		return []pipeline.Producer{targets.NewLDAPProducer(c.client, cfg, c.log)}
	}
}

// collect runs one pipeline pass with the methods of cfg and prints its
// summary. The well-known principals are only written by the main run.
func (c *collection) collect(ctx context.Context, cfg *config.Config, wellKnown bool) (*pipeline.Result, error) {
	counters := &collector.Counters{}
	deps := collector.Deps{
		Resolver: c.resolver,
		Searcher: c.client,
		Counters: counters,
		Log:      c.log,
	}
	if c.decoder != nil {
		deps.Decoder = c.decoder
	}
	if c.stealth != nil {
		deps.Stealth = c.stealth
	}

	var statusChan chan liveness.HostStatus
	if cfg.Methods().NeedsComputers() && c.hosts != nil {
		statusChan = make(chan liveness.HostStatus, cfg.MaxHosts())
		engine, err := liveness.NewEngine(cfg, c.hosts, c.resolver, statusChan, logger.NewTaskLogger(c.log, "hosts"))
		if err != nil {
			return nil, err
		}
		deps.Engine = engine
	}
	proc := collector.NewProcessor(cfg, deps)

	sink, err := status.NewSink(status.StatusPath(cfg), c.log)
	if err != nil {
		return nil, err
	}

	writer := graph.NewWriter(graph.OptionsFromConfig(cfg), c.log)
	writer.SetProgress(exportProgress())

	opts := pipeline.Options{
		Threads:   cfg.Threads(),
		QueueSize: cfg.QueueSize(),
		Processor: proc,
		Writer:    writer,
		Counters:  counters,
		Status:    statusChan,
		Sink:      sink,
		Progress:  status.NewProgressTracker(c.log, os.Stderr, false),
		Log:       c.log,
	}
	if wellKnown {
		opts.WellKnown = func() []graph.Record {
			return collector.WellKnownRecords([]collector.DomainInfo{{Name: cfg.Domain(), SID: c.domainSID}}, proc.DCs())
		}
	}
	p, err := pipeline.New(opts)
	if err != nil {
		return nil, err
	}

	fmt.Printf("[*] Collecting %s\n", cfg.Methods())
	res, err := p.Run(ctx, c.producers(cfg)...)
	fmt.Println() // blank line after progress bar
	if err != nil {
		c.log.Error(fmt.Sprintf("Failed to write the output: %v", err))
	}
	if res == nil {
		return nil, err
	}

	c.log.Info(fmt.Sprintf("Processed %d objects (%d discarded, %d errors) in %s",
		res.Counters.Processed, res.Counters.Discarded, res.Counters.Errors, utils.DeltaTime(res.Elapsed)))
	if err := status.PrintFinalSummary(os.Stdout, sink, res.Records, res.Artifact, res.Elapsed); err != nil {
		c.log.Debug("Could not print the summary: " + err.Error())
	}
	if res.Artifact != "" {
		if info, statErr := os.Stat(res.Artifact); statErr == nil {
			fmt.Printf("[+] Output written to \"%s\" (%s)\n", res.Artifact, utils.FormatFileSize(info.Size()))
		} else {
			fmt.Printf("[+] Output written to \"%s\"\n", res.Artifact)
		}
	}
	return res, nil
}

// loop repeats the session-type methods every loop interval until the loop
// duration has elapsed or the run is cancelled.
func (c *collection) loop(ctx context.Context, cfg *config.Config) {
	loopCfg := cfg.WithMethods(cfg.Methods().LoopMethods())
	deadline := time.Now().Add(cfg.LoopDuration())
	c.log.Info(fmt.Sprintf("Looping %s every %s until %s", loopCfg.Methods(), cfg.LoopInterval(), deadline.Format(time.RFC3339)))

	for i := 1; time.Now().Before(deadline); i++ {
		fmt.Printf("[*] Waiting %s before loop %d\n", utils.DeltaTime(cfg.LoopInterval()), i)
		if err := utils.Sleep(ctx, cfg.LoopInterval(), 0); err != nil {
			return
		}
		if _, err := c.collect(ctx, loopCfg, false); err != nil {
			c.log.Error(fmt.Sprintf("Loop %d failed: %v", i, err))
		}
		if ctx.Err() != nil {
			return
		}
	}
	c.log.Info("Loop duration elapsed")
}

// exportProgress prints the writer phases on a single console line.
func exportProgress() graph.ProgressFunc {
	lastProgressLine := ""
	return func(phase string, current, total int) {
		var line string
		if total > 0 {
			pct := float64(current) / float64(total) * 100
			line = fmt.Sprintf("\r\033[K    [%s] %d/%d (%.1f%%)", phase, current, total, pct)
		} else {
			line = fmt.Sprintf("\r\033[K    [%s]", phase)
		}
		if line != lastProgressLine {
			fmt.Print(line)
			lastProgressLine = line
		}
	}
}
