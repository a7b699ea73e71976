package status

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/liveness"
	"github.com/specterops/dirhound/internal/logger"
)

// StatusFileName is appended to the output prefix for the status CSV.
const StatusFileName = "compstatus.csv"

type statusKey struct {
	host string
	task string
}

// Sink collects host statuses, keeping the first outcome per (host, task),
// and optionally writes them to a CSV file as they arrive.
type Sink struct {
	log    logger.LoggerInterface
	path   string
	file   *os.File
	csv    *csv.Writer
	seen   map[statusKey]struct{}
	counts map[string]map[string]int
	mu     sync.Mutex
}

// StatusPath returns the CSV path for cfg, or "" when status dumping is off.
func StatusPath(cfg *config.Config) string {
	if !cfg.DumpStatus() || cfg.NoOutput() {
		return ""
	}
	return filepath.Join(cfg.OutputDir(), cfg.OutputPrefix()+StatusFileName)
}

// NewSink creates a sink. When path is set the file is created and the
// header written immediately.
func NewSink(path string, log logger.LoggerInterface) (*Sink, error) {
	if log == nil {
		log = logger.Nop()
	}
	s := &Sink{
		log:    log,
		path:   path,
		seen:   make(map[statusKey]struct{}),
		counts: make(map[string]map[string]int),
	}
	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create status directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create status file")
	}
	s.file = f
	s.csv = csv.NewWriter(f)
	if err := s.csv.Write([]string{"hostName", "task", "outcome"}); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "write status header")
	}
	return s, nil
}

// Path returns the CSV path, or "".
func (s *Sink) Path() string { return s.path }

// Run consumes statuses until ch is closed, then flushes and closes the file.
func (s *Sink) Run(ch <-chan liveness.HostStatus) error {
	for st := range ch {
		s.Add(st)
	}
	return s.Close()
}

// Add records st. It returns false when an outcome for the same host and
// task was already recorded.
func (s *Sink) Add(st liveness.HostStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey{host: st.HostName, task: st.Task}
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}

	byOutcome, ok := s.counts[st.Task]
	if !ok {
		byOutcome = make(map[string]int)
		s.counts[st.Task] = byOutcome
	}
	byOutcome[st.Outcome]++

	if s.csv != nil {
		if err := s.csv.Write([]string{st.HostName, st.Task, st.Outcome}); err != nil {
			s.log.Debug("Could not write status line: " + err.Error())
		}
	}
	s.log.Trace("[" + st.HostName + "] " + st.Task + ": " + st.Outcome)
	return true
}

// Close flushes and closes the CSV file if one is open.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.csv.Flush()
	err := s.csv.Error()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	s.csv = nil
	return errors.Wrap(err, "close status file")
}

// Counts returns a copy of the outcome counts per task.
func (s *Sink) Counts() map[string]map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]int, len(s.counts))
	for task, byOutcome := range s.counts {
		c := make(map[string]int, len(byOutcome))
		for outcome, n := range byOutcome {
			c[outcome] = n
		}
		out[task] = c
	}
	return out
}

// Total returns the number of distinct statuses recorded.
func (s *Sink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Tasks returns the recorded task names in sorted order.
func (s *Sink) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]string, 0, len(s.counts))
	for task := range s.counts {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	return tasks
}
