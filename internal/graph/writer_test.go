package graph

import (
	"archive/zip"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/specterops/dirhound/internal/config"
	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/pkg/kinds"
)

type sliceSource struct {
	records []Record
}

func (s *sliceSource) Next() (Record, bool) {
	if len(s.records) == 0 {
		return nil, false
	}
	r := s.records[0]
	s.records = s.records[1:]
	return r, true
}

type typeFile struct {
	Data []map[string]interface{} `json:"data"`
	Meta struct {
		Methods uint32 `json:"methods"`
		Type    string `json:"type"`
		Count   int    `json:"count"`
		Version int    `json:"version"`
	} `json:"meta"`
}

func newTestWriter(t *testing.T, opts Options) *Writer {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	w := NewWriter(opts, logger.Nop())
	w.now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC) }
	return w
}

func readTypeFile(t *testing.T, path string) typeFile {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var tf typeFile
	if err := json.Unmarshal(data, &tf); err != nil {
		t.Fatalf("parse %s: %v\n%s", path, err, data)
	}
	return tf
}

func testRecords() []Record {
	u := NewUser("S-1-5-21-1-2-3-1105")
	u.SetProperty("name", "ALICE@CORP.LOCAL")
	u.SetProperty("enabled", true)

	g1 := NewGroup("S-1-5-21-1-2-3-512")
	g1.Members = append(g1.Members, NewTypedPrincipal("S-1-5-21-1-2-3-1105", kinds.User))
	g2 := NewGroup("S-1-5-21-1-2-3-513")

	return []Record{u, g1, g2}
}

func TestWriterWritesPerTypeFiles(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, Options{
		Dir:     dir,
		Prefix:  "corp_",
		NoZip:   true,
		Methods: config.MethodGroup | config.MethodACL,
	})

	path, err := w.Drain(&sliceSource{records: testRecords()})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if path != dir {
		t.Errorf("Expected output dir %q, got %q", dir, path)
	}

	groups := readTypeFile(t, filepath.Join(dir, "corp_20240301123045_groups.json"))
	if groups.Meta.Count != 2 || len(groups.Data) != 2 {
		t.Errorf("Expected 2 groups, got count=%d data=%d", groups.Meta.Count, len(groups.Data))
	}
	if groups.Meta.Type != "groups" || groups.Meta.Version != 6 {
		t.Errorf("Unexpected meta: %+v", groups.Meta)
	}
	if groups.Meta.Methods != uint32(config.MethodGroup|config.MethodACL) {
		t.Errorf("Expected methods bitmask %d, got %d", config.MethodGroup|config.MethodACL, groups.Meta.Methods)
	}
	members, ok := groups.Data[0]["Members"].([]interface{})
	if !ok || len(members) != 1 {
		t.Fatalf("Expected one member on first group, got %v", groups.Data[0]["Members"])
	}

	users := readTypeFile(t, filepath.Join(dir, "corp_20240301123045_users.json"))
	if users.Meta.Count != 1 {
		t.Errorf("Expected 1 user, got %d", users.Meta.Count)
	}
	props := users.Data[0]["Properties"].(map[string]interface{})
	if props["name"] != "ALICE@CORP.LOCAL" || props["enabled"] != true {
		t.Errorf("Unexpected user properties: %v", props)
	}

	if _, err := os.Stat(filepath.Join(dir, "corp_20240301123045_computers.json")); !os.IsNotExist(err) {
		t.Errorf("No computers were written, expected no computers file")
	}
	if got := w.Counts(); got[kinds.User] != 1 || got[kinds.Group] != 2 || w.Total() != 3 {
		t.Errorf("Unexpected counts: %v", got)
	}
}

func TestWriterZipsOutput(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, Options{Dir: dir})

	path, err := w.Drain(&sliceSource{records: testRecords()})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	expected := filepath.Join(dir, "20240301123045_BloodHound.zip")
	if path != expected {
		t.Fatalf("Expected %q, got %q", expected, path)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if f.Method != zip.Deflate {
			t.Errorf("Expected deflate for %s", f.Name)
		}
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "20240301123045_groups.json,20240301123045_users.json" {
		t.Errorf("Unexpected zip entries: %v", names)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Expected only the zip to remain, found %d entries", len(entries))
	}
}

func TestWriterCustomZipName(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, Options{Dir: dir, ZipFilename: "run1"})

	path, err := w.Drain(&sliceSource{records: testRecords()})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if filepath.Base(path) != "run1.zip" {
		t.Errorf("Expected run1.zip, got %s", path)
	}
}

func TestWriterNoOutput(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, Options{Dir: dir, NoOutput: true})

	path, err := w.Drain(&sliceSource{records: testRecords()})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if path != "" {
		t.Errorf("Expected empty path, got %q", path)
	}
	if w.Total() != 3 {
		t.Errorf("Expected 3 counted records, got %d", w.Total())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected nothing written, found %d entries", len(entries))
	}
}

func TestWriterPrettyPutsOneRecordPerLine(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, Options{Dir: dir, NoZip: true, Pretty: true})

	if _, err := w.Drain(&sliceSource{records: testRecords()}); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "20240301123045_groups.json"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	// {"data":[ / group / group / ],"meta":{...}}
	if len(lines) != 4 {
		t.Fatalf("Expected 4 lines, got %d:\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[1], `{"ObjectIdentifier":"S-1-5-21-1-2-3-512"`) {
		t.Errorf("Unexpected first record line: %s", lines[1])
	}
	readTypeFile(t, filepath.Join(dir, "20240301123045_groups.json"))
}

func TestComputerRecordShape(t *testing.T) {
	c := NewComputer("S-1-5-21-1-2-3-1001")
	data, err := jsonAPI.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	for _, key := range []string{"ObjectIdentifier", "Properties", "Aces", "IsDeleted", "IsACLProtected",
		"ContainedBy", "Sessions", "PrivilegedSessions", "RegistrySessions", "LocalGroups",
		"AllowedToAct", "AllowedToDelegate", "PrimaryGroupSID", "Status"} {
		if _, ok := parsed[key]; !ok {
			t.Errorf("Missing key %s", key)
		}
	}

	sessions := parsed["Sessions"].(map[string]interface{})
	if sessions["Collected"] != false || sessions["FailureReason"] != nil {
		t.Errorf("Unexpected empty session result: %v", sessions)
	}
	if results, ok := sessions["Results"].([]interface{}); !ok || len(results) != 0 {
		t.Errorf("Expected empty results array, got %v", sessions["Results"])
	}
	if parsed["ContainedBy"] != nil {
		t.Errorf("Expected null ContainedBy, got %v", parsed["ContainedBy"])
	}
}
