package graph

import (
	"archive/zip"
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/pkg/kinds"
)

const timestampFormat = "20060102150405"

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Options controls where and how output files are written.
type Options struct {
	Dir         string
	Prefix      string
	ZipFilename string
	NoZip       bool
	NoOutput    bool
	Pretty      bool
	Methods     config.CollectionMethod
}

// OptionsFromConfig copies the output settings of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Dir:         cfg.OutputDir(),
		Prefix:      cfg.OutputPrefix(),
		ZipFilename: cfg.ZipFilename(),
		NoZip:       cfg.NoZip(),
		NoOutput:    cfg.NoOutput(),
		Pretty:      cfg.PrettyPrint(),
		Methods:     cfg.Methods(),
	}
}

// Source yields records until it is closed and empty. Next blocks while the
// source is open and has nothing to hand out.
type Source interface {
	Next() (Record, bool)
}

// ProgressFunc is a callback for export progress reporting.
type ProgressFunc func(phase string, current, total int)

type meta struct {
	Methods config.CollectionMethod `json:"methods"`
	Type    string                  `json:"type"`
	Count   int                     `json:"count"`
	Version int                     `json:"version"`
}

// spool is the NDJSON temp file holding the records of one type until the
// final files are written.
type spool struct {
	file *os.File
	buf  *bufio.Writer
}

// Writer stores records per type on disk so memory stays bounded regardless
// of the number of objects, then writes one JSON file per type with a meta
// trailer and optionally zips them.
type Writer struct {
	opts     Options
	log      logger.LoggerInterface
	spools   map[kinds.Kind]*spool
	counts   map[kinds.Kind]int
	progress ProgressFunc
	now      func() time.Time
	mu       sync.Mutex
}

// NewWriter creates a Writer. Call Drain, or Write followed by Finish.
func NewWriter(opts Options, log logger.LoggerInterface) *Writer {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return &Writer{
		opts:   opts,
		log:    log,
		spools: make(map[kinds.Kind]*spool),
		counts: make(map[kinds.Kind]int),
		now:    time.Now,
	}
}

// SetProgress installs a progress callback used while writing the final files.
func (w *Writer) SetProgress(fn ProgressFunc) {
	w.progress = fn
}

// Write appends a record to the spool of its type.
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := r.Kind()
	if w.opts.NoOutput {
		w.counts[k]++
		return nil
	}

	data, err := jsonAPI.Marshal(r)
	if err != nil {
		return errors.Wrapf(err, "encode %s %s", k, r.Identifier())
	}

	s, err := w.spoolFor(k)
	if err != nil {
		return err
	}
	if _, err := s.buf.Write(data); err != nil {
		return errors.Wrap(err, "write spool")
	}
	if err := s.buf.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "write spool")
	}
	w.counts[k]++
	return nil
}

func (w *Writer) spoolFor(k kinds.Kind) (*spool, error) {
	if s, ok := w.spools[k]; ok {
		return s, nil
	}
	f, err := os.CreateTemp("", "dirhound-"+k.Plural()+"-*.ndjson")
	if err != nil {
		return nil, errors.Wrap(err, "create spool file")
	}
	s := &spool{file: f, buf: bufio.NewWriterSize(f, 256*1024)}
	w.spools[k] = s
	return s, nil
}

// Drain writes every record src yields, then finishes the output. It returns
// the artifact path, or "" when output is suppressed. A record that fails to
// encode is logged and skipped; the first such error is returned after the
// source is exhausted.
func (w *Writer) Drain(src Source) (string, error) {
	var firstErr error
	for {
		r, ok := src.Next()
		if !ok {
			break
		}
		if err := w.Write(r); err != nil {
			w.log.Error(err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	path, err := w.Finish()
	if err != nil {
		return path, err
	}
	return path, firstErr
}

// Counts returns the number of records written per kind.
func (w *Writer) Counts() map[kinds.Kind]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[kinds.Kind]int, len(w.counts))
	for k, n := range w.counts {
		out[k] = n
	}
	return out
}

// Total returns the number of records written.
func (w *Writer) Total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, n := range w.counts {
		total += n
	}
	return total
}

// Finish writes the per-type files and the zip archive and removes the
// spools. The returned path is the zip, or the output directory when
// zipping is disabled.
func (w *Writer) Finish() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.closeSpools()

	if w.opts.NoOutput {
		return "", nil
	}

	if err := os.MkdirAll(w.opts.Dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create output directory")
	}

	stamp := w.now().Format(timestampFormat)
	var written []string
	for _, k := range kinds.AllKinds() {
		s, ok := w.spools[k]
		if !ok {
			continue
		}
		name := filepath.Join(w.opts.Dir, w.opts.Prefix+stamp+"_"+k.Plural()+".json")
		if err := w.writeTypeFile(name, k, s); err != nil {
			return "", err
		}
		w.log.Debug("Wrote " + name)
		written = append(written, name)
	}

	if w.opts.NoZip {
		return w.opts.Dir, nil
	}

	zipName := w.opts.ZipFilename
	if zipName == "" {
		zipName = w.opts.Prefix + stamp + "_BloodHound.zip"
	}
	if !strings.HasSuffix(strings.ToLower(zipName), ".zip") {
		zipName += ".zip"
	}
	zipPath := filepath.Join(w.opts.Dir, zipName)

	if w.progress != nil {
		w.progress("Preparing ZIP archive", 0, len(written))
	}
	if err := zipFiles(zipPath, written); err != nil {
		return "", err
	}
	for _, name := range written {
		if err := os.Remove(name); err != nil {
			w.log.Warning("Could not remove " + name + ": " + err.Error())
		}
	}
	return zipPath, nil
}

// writeTypeFile streams the spool of kind k into name as
// {"data":[...],"meta":{...}}. Only one record is in memory at a time.
func (w *Writer) writeTypeFile(name string, k kinds.Kind, s *spool) error {
	if err := s.buf.Flush(); err != nil {
		return errors.Wrap(err, "flush spool")
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind spool")
	}

	out, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	defer out.Close()

	bw := bufio.NewWriterSize(out, 64*1024)
	total := w.counts[k]
	phase := "Writing " + k.Plural()
	interval := progressInterval(total)

	sep, head, tail := ",", `{"data":[`, `],"meta":`
	if w.opts.Pretty {
		sep, head, tail = ",\n", "{\"data\":[\n", "\n],\"meta\":"
	}

	if _, err := bw.WriteString(head); err != nil {
		return err
	}

	rd := bufio.NewReaderSize(s.file, 256*1024)
	idx := 0
	for {
		line, readErr := rd.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return errors.Wrap(readErr, "read spool")
		}
		line = bytes.TrimRight(line, "\n")
		if len(line) > 0 {
			if idx > 0 {
				if _, err := bw.WriteString(sep); err != nil {
					return err
				}
			}
			if _, err := bw.Write(line); err != nil {
				return err
			}
			idx++
			if w.progress != nil && idx%interval == 0 {
				w.progress(phase, idx, total)
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	trailer, err := jsonAPI.Marshal(meta{
		Methods: w.opts.Methods,
		Type:    k.Plural(),
		Count:   idx,
		Version: Version,
	})
	if err != nil {
		return err
	}
	if _, err := bw.WriteString(tail); err != nil {
		return err
	}
	if _, err := bw.Write(trailer); err != nil {
		return err
	}
	if _, err := bw.WriteString("}\n"); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "write output file")
	}
	return out.Close()
}

// closeSpools releases and removes the temp files.
func (w *Writer) closeSpools() {
	for k, s := range w.spools {
		name := s.file.Name()
		s.file.Close()
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
			w.log.Debug("Could not remove spool " + name + ": " + err.Error())
		}
		delete(w.spools, k)
	}
}

// zipFiles packs files into a new deflate archive at path.
func zipFiles(path string, files []string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create zip")
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 64*1024)
	zw := zip.NewWriter(bw)
	for _, name := range files {
		if err := addToZip(zw, name); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "finalize zip")
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "write zip")
	}
	return f.Close()
}

func addToZip(zw *zip.Writer, name string) error {
	src, err := os.Open(name)
	if err != nil {
		return errors.Wrap(err, "open "+name)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.Base(name)
	header.Method = zip.Deflate

	entry, err := zw.CreateHeader(header)
	if err != nil {
		return errors.Wrap(err, "add "+header.Name)
	}
	_, err = io.Copy(entry, src)
	return err
}

// progressInterval returns how often to report progress.
func progressInterval(total int) int {
	if total <= 0 {
		return 1
	}
	interval := total / 25
	if interval < 1 {
		interval = 1
	}
	return interval
}
