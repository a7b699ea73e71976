// DirHound - collects Active Directory objects, ACLs and host sessions into
// BloodHound-compatible JSON files.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/specterops/dirhound/internal/config"
)

// Version information
const Version = "1.0.0"

const envPrefix = "DIRHOUND"

// CLI flags
var (
	// Collection
	collectionMethods []string
	ldapFilter        string
	searchBase        string

	// Connection
	domain      string
	dc          string
	useLDAPS    bool
	ldapPort    int
	username    string
	password    string
	hashes      string
	useKerberos bool
	krb5Conf    string
	nameserver  string

	// Runtime
	threads         int
	queueSize       int
	maxHosts        int
	throttleMs      int
	jitter          int
	portTimeoutMs   int
	remoteTimeoutMs int

	// Host policy
	stealth       bool
	excludeDCs    bool
	excludeHosts  []string
	windowsOnly   bool
	skipPortCheck bool
	skipPwdCheck  bool
	skipRegistry  bool
	computerFile  string

	// Output
	outputDir    string
	outputPrefix string
	zipFilename  string
	noZip        bool
	noOutput     bool
	prettyPrint  bool
	dumpStatus   bool

	// Cache
	cacheFile       string
	invalidateCache bool
	noSaveCache     bool
	noCache         bool

	// Loop
	loop         bool
	loopDuration time.Duration
	loopInterval time.Duration

	// Logging and config
	debug      bool
	trace      bool
	noColors   bool
	logfile    string
	configFile string
	envFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dirhound",
		Short: "DirHound - Collect Active Directory data for BloodHound",
		Long: `DirHound enumerates users, groups, computers, domains, GPOs, OUs and containers
over LDAP, decodes their security descriptors and queries domain computers for
sessions and local group members, writing BloodHound-compatible JSON files.`,
		Run:     run,
		Version: Version,
	}
	addFlags(rootCmd.Flags())

	cobra.OnInitialize(func() {
		if err := loadConfiguration(rootCmd, viper.GetViper()); err != nil {
			fmt.Printf("[!] %v\n", err)
			os.Exit(1)
		}
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addFlags(flags *pflag.FlagSet) {
	// Collection
	flags.StringSliceVarP(&collectionMethods, "collection-methods", "c", []string{"Default"}, "Collection methods (Default, All, DCOnly, ComputerOnly, Group, LocalGroup, LocalAdmin, RDP, DCOM, PSRemote, Session, LoggedOn, Trusts, ACL, Container, ObjectProps)")
	flags.StringVar(&ldapFilter, "ldap-filter", "", "Additional LDAP filter ANDed with the collection filter")
	flags.StringVar(&searchBase, "search-base", "", "Base DN to search from (default: the domain root)")

	// Connection
	flags.StringVarP(&domain, "domain", "d", "", "Domain to collect")
	flags.StringVar(&dc, "dc", "", "Domain controller to query (default: the domain name)")
	flags.BoolVar(&useLDAPS, "ldaps", false, "Use LDAPS instead of LDAP")
	flags.IntVar(&ldapPort, "ldap-port", 0, "LDAP port (default: 389, or 636 with --ldaps)")
	flags.StringVarP(&username, "username", "u", "", "Username of the domain account")
	flags.StringVarP(&password, "password", "p", "", "Password of the domain account")
	flags.StringVar(&hashes, "hashes", "", "LM:NT hashes for pass-the-hash")
	flags.BoolVarP(&useKerberos, "kerberos", "k", false, "Use Kerberos authentication")
	flags.StringVar(&krb5Conf, "krb5-conf", "", "Path to krb5.conf (default: $KRB5_CONFIG or /etc/krb5.conf)")
	flags.StringVar(&nameserver, "nameserver", "", "Nameserver for DNS queries (default: the domain controller)")

	// Runtime
	flags.IntVar(&threads, "threads", config.DefaultThreads, "Number of worker threads")
	flags.IntVar(&queueSize, "queue-size", config.DefaultQueueSize, "Capacity of the work queue")
	flags.IntVar(&maxHosts, "max-hosts", config.DefaultMaxHosts, "Maximum number of hosts enumerated concurrently")
	flags.IntVar(&throttleMs, "throttle", 0, "Delay in milliseconds between requests to a host")
	flags.IntVar(&jitter, "jitter", 0, "Percentage of jitter applied to the throttle")
	flags.IntVar(&portTimeoutMs, "port-timeout", int(config.DefaultPortTimeout/time.Millisecond), "Timeout in milliseconds for the SMB port check")
	flags.IntVar(&remoteTimeoutMs, "remote-timeout", int(config.DefaultRemoteTimeout/time.Millisecond), "Timeout in milliseconds for each remote call")

	// Host policy
	flags.BoolVar(&stealth, "stealth", false, "Only enumerate likely session targets (file servers and domain controllers)")
	flags.BoolVar(&excludeDCs, "exclude-dcs", false, "Skip host enumeration of domain controllers")
	flags.StringSliceVar(&excludeHosts, "exclude-hosts", nil, "Glob patterns of host names to skip")
	flags.BoolVar(&windowsOnly, "windows-only", true, "Skip computers whose operating system is not Windows")
	flags.BoolVar(&skipPortCheck, "skip-port-check", false, "Do not probe port 445 before enumerating a host")
	flags.BoolVar(&skipPwdCheck, "skip-password-check", false, "Enumerate computers whose password is older than 60 days")
	flags.BoolVar(&skipRegistry, "skip-registry-loggedon", false, "Skip the registry logged-on user enumeration")
	flags.StringVar(&computerFile, "computer-file", "", "File of host names or IP addresses to enumerate instead of the domain")

	// Output
	flags.StringVar(&outputDir, "output-dir", ".", "Directory to write output files to")
	flags.StringVar(&outputPrefix, "output-prefix", "", "Prefix added to output file names")
	flags.StringVar(&zipFilename, "zip-filename", "", "Name of the zip file (default: <timestamp>_BloodHound.zip)")
	flags.BoolVar(&noZip, "no-zip", false, "Keep the JSON files instead of zipping them")
	flags.BoolVar(&noOutput, "no-output", false, "Do not write any output file")
	flags.BoolVar(&prettyPrint, "pretty", false, "Indent the JSON output")
	flags.BoolVar(&dumpStatus, "dump-status", false, "Write host enumeration outcomes to a CSV file")

	// Cache
	flags.StringVar(&cacheFile, "cache-file", "", "Cache file path (default: derived from the machine id)")
	flags.BoolVar(&invalidateCache, "invalidate-cache", false, "Ignore the existing cache file")
	flags.BoolVar(&noSaveCache, "no-save-cache", false, "Do not write the cache file at the end of the run")
	flags.BoolVar(&noCache, "no-cache", false, "Neither read nor write a cache file")

	// Loop
	flags.BoolVar(&loop, "loop", false, "Repeat session collection after the main run")
	flags.DurationVar(&loopDuration, "loop-duration", config.DefaultLoopDuration, "How long loop mode runs")
	flags.DurationVar(&loopInterval, "loop-interval", config.DefaultLoopInterval, "Wait between loop iterations")

	// Logging and config
	flags.BoolVar(&debug, "debug", false, "Debug mode")
	flags.BoolVar(&trace, "trace", false, "Trace mode, implies --debug")
	flags.BoolVar(&noColors, "no-colors", false, "Disable ANSI escape codes")
	flags.StringVar(&logfile, "logfile", "", "Log file to write to")
	flags.StringVar(&configFile, "config", "", "YAML configuration file")
	flags.StringVar(&envFile, "env-file", "", "File of KEY=VALUE pairs loaded into the environment")
}

// loadConfiguration fills every flag not given on the command line from the
// environment (DIRHOUND_<FLAG>) or the configuration file.
func loadConfiguration(cmd *cobra.Command, v *viper.Viper) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("could not load env file %s: %w", envFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("could not read config file %s: %w", configFile, err)
		}
	}

	return bindFlags(cmd, v)
}

// bindFlags copies the viper value of each flag the user did not set.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var errs []string
	apply := func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		var err error
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			err = sv.Replace(splitList(v.GetStringSlice(f.Name)))
		} else {
			err = f.Value.Set(v.GetString(f.Name))
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f.Name, err))
		}
	}
	cmd.Flags().VisitAll(apply)
	cmd.PersistentFlags().VisitAll(apply)

	for _, sub := range cmd.Commands() {
		if err := bindFlags(sub, v); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration value: %s", strings.Join(errs, "; "))
	}
	return nil
}

// splitList splits comma separated values, as environment variables carry
// lists in a single string.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

// options converts the flags into config options.
func options() config.Options {
	return config.Options{
		Debug:    debug,
		Trace:    trace,
		NoColors: &noColors,

		Domain:      domain,
		DC:          dc,
		LDAPPort:    ldapPort,
		UseLDAPS:    useLDAPS,
		SearchBase:  searchBase,
		LDAPFilter:  ldapFilter,
		Nameserver:  nameserver,
		Username:    username,
		Password:    password,
		Hashes:      hashes,
		UseKerberos: useKerberos,
		Krb5Conf:    krb5Conf,

		Methods: collectionMethods,

		Threads:         threads,
		QueueSize:       queueSize,
		MaxHosts:        maxHosts,
		Throttle:        time.Duration(throttleMs) * time.Millisecond,
		Jitter:          jitter,
		PortTimeout:     time.Duration(portTimeoutMs) * time.Millisecond,
		RemoteTimeout:   time.Duration(remoteTimeoutMs) * time.Millisecond,
		Stealth:         stealth,
		ExcludeDCs:      excludeDCs,
		ExcludeHosts:    excludeHosts,
		WindowsOnly:     windowsOnly,
		SkipPortCheck:   skipPortCheck,
		SkipPwdCheck:    skipPwdCheck,
		SkipRegistry:    skipRegistry,
		ComputerFile:    computerFile,
		OutputDir:       outputDir,
		OutputPrefix:    outputPrefix,
		ZipFilename:     zipFilename,
		NoZip:           noZip,
		NoOutput:        noOutput,
		PrettyPrint:     prettyPrint,
		DumpStatus:      dumpStatus,
		CacheFile:       cacheFile,
		InvalidateCache: invalidateCache,
		NoSaveCache:     noSaveCache,
		NoCache:         noCache,
		Loop:            loop,
		LoopDuration:    loopDuration,
		LoopInterval:    loopInterval,
	}
}
