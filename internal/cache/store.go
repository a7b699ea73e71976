package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/host"
	"go.etcd.io/bbolt"

	"github.com/specterops/dirhound/internal/logger"
	"github.com/specterops/dirhound/internal/utils"
)

var (
	bucketName  = []byte("dirhound")
	snapshotKey = []byte("snapshot")
)

// DefaultLockTimeout bounds how long Load and Save wait for another
// collector process holding the file.
const DefaultLockTimeout = 30 * time.Second

// Store persists cache snapshots in a bbolt file. The file lock bbolt takes
// on open serializes collector processes on the same host; it is held only
// for the duration of Load or Save.
type Store struct {
	path    string
	timeout time.Duration
	logger  logger.LoggerInterface
}

// NewStore creates a Store for the snapshot file at path.
func NewStore(path string, log logger.LoggerInterface) *Store {
	return &Store{path: path, timeout: DefaultLockTimeout, logger: log}
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}

// Exists returns true if a snapshot file exists.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the snapshot. A missing, locked, corrupt or outdated snapshot
// yields an empty cache and a logged warning, never an error.
func (s *Store) Load() *Cache {
	if !s.Exists() {
		s.logger.Debug(fmt.Sprintf("No cache file at %s, starting empty", s.path))
		return New()
	}

	data, err := s.read()
	if err != nil {
		s.logger.Warning(fmt.Sprintf("Could not read cache file %s: %v", s.path, err))
		return New()
	}

	c, err := LoadSnapshot(data)
	if err != nil {
		s.logger.Warning(fmt.Sprintf("Discarding cache file %s: %v", s.path, err))
		return c
	}
	st := c.Stats()
	s.logger.Info(fmt.Sprintf("Loaded cache with %d DNs, %d identifiers, %d name fragments, %d accounts",
		st.DNs, st.Kinds, st.Fragments, st.Accounts))
	return c
}

func (s *Store) read() ([]byte, error) {
	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: s.timeout, ReadOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "opening cache file")
	}
	defer db.Close()

	var data []byte
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return errors.New("cache bucket missing")
		}
		v := b.Get(snapshotKey)
		if v == nil {
			return errors.New("cache snapshot missing")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// Save writes the snapshot of c, replacing the previous one.
func (s *Store) Save(c *Cache) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Wrap(err, "creating cache directory")
		}
	}

	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: s.timeout})
	if err != nil {
		return errors.Wrap(err, "opening cache file")
	}
	defer db.Close()

	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put(snapshotKey, data)
	})
	if err != nil {
		return errors.Wrap(err, "writing cache snapshot")
	}
	s.logger.Debug(fmt.Sprintf("Cache saved to %s (%s)", s.path, utils.FormatFileSize(len(data))))
	return nil
}

// Delete removes the snapshot file.
func (s *Store) Delete() error {
	if !s.Exists() {
		return nil
	}
	return os.Remove(s.path)
}

// DefaultPath derives the snapshot file name from the machine identifier so
// repeated runs on one host share a file.
func DefaultPath(dir string) string {
	id, err := host.HostID()
	if err != nil || id == "" {
		id, _ = os.Hostname()
	}
	sum := sha256.Sum256([]byte(id))
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "dirhound-"+hex.EncodeToString(sum[:8])+".cache")
}
