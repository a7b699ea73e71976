package targets

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/specterops/dirhound/internal/collector"
	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/ldap"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/internal/utils"
)

const reverseLookupTimeout = 5 * time.Second

// ReverseLookup maps an IP address to a host name.
type ReverseLookup func(ctx context.Context, ip string) (string, error)

// FileProducer reads host names, IP addresses or IPv4 CIDR ranges from a
// file, one per line, and emits the matching computer entries.
type FileProducer struct {
	path     string
	searcher ldap.Searcher
	base     string
	attrs    []string
	reverse  ReverseLookup
	log      logger.LoggerInterface
}

// NewFileProducer returns a producer for the --computer-file of cfg. IP
// addresses are reverse resolved against the configured nameserver.
func NewFileProducer(searcher ldap.Searcher, cfg *config.Config, log logger.LoggerInterface) *FileProducer {
	nameserver := cfg.Nameserver()
	return &FileProducer{
		path:     cfg.ComputerFile(),
		searcher: searcher,
		base:     cfg.SearchBase(),
		attrs:    collector.Attributes(cfg.Methods()),
		reverse: func(ctx context.Context, ip string) (string, error) {
			return utils.DNSReverse(ctx, ip, nameserver, reverseLookupTimeout)
		},
		log: log,
	}
}

// SetReverseLookup replaces the PTR lookup used for IP lines.
func (p *FileProducer) SetReverseLookup(fn ReverseLookup) { p.reverse = fn }

func (p *FileProducer) String() string { return "file " + p.path }

// Produce resolves every line of the file and emits the computers found.
// Lines that match no computer are logged and skipped.
func (p *FileProducer) Produce(ctx context.Context, emit func(*ldap.Entry) bool) error {
	lines, err := loadFromFile(p.path)
	if err != nil {
		return errors.Wrapf(err, "could not read computer file %s", p.path)
	}
	hosts := p.expand(lines)
	p.log.Debug(fmt.Sprintf("Loaded %d hosts from %s", len(hosts), p.path))

	seen := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		if ctx.Err() != nil {
			return nil
		}
		if utils.IsIPAddr(host) {
			name, err := p.reverse(ctx, host)
			if err != nil {
				p.log.Warning("Could not resolve " + host + " to a host name: " + err.Error())
				continue
			}
			host = name
		}
		host = strings.ToLower(strings.TrimSuffix(host, "."))

		filter := ldap.And(ldap.FilterComputers, hostFilter(host))
		e, err := ldap.FindOne(ctx, p.searcher, p.base, ldap.ScopeSubtree, filter.String(), p.attrs)
		if err != nil {
			p.log.Warning("No computer account found for " + host)
			continue
		}
		key := strings.ToUpper(e.DN)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if !emit(e) {
			return nil
		}
	}
	return nil
}

// expand replaces CIDR ranges by their host addresses.
func (p *FileProducer) expand(lines []string) []string {
	var hosts []string
	for _, line := range lines {
		if !utils.IsIPv4CIDR(line) {
			hosts = append(hosts, line)
			continue
		}
		ips, err := utils.ExpandCIDR(line)
		if err != nil {
			p.log.Warning("Invalid range " + line + ": " + err.Error())
			continue
		}
		hosts = append(hosts, ips...)
	}
	return hosts
}

// loadFromFile loads targets from a file, one per line. Blank lines and
// lines starting with # are skipped.
func loadFromFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var targets []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			targets = append(targets, line)
		}
	}

	return targets, scanner.Err()
}
