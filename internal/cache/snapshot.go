package cache

import (
	"bytes"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"

	"github.com/specterops/dirhound/pkg/kinds"
)

// SnapshotVersion is bumped whenever the snapshot layout changes. Snapshots
// written with another version are discarded.
const SnapshotVersion = 2

var snapshotMagic = []byte("DHC")

var (
	ErrSnapshotFormat  = errors.New("not a cache snapshot")
	ErrSnapshotVersion = errors.New("cache snapshot version mismatch")
)

type snapshot struct {
	Version   int                   `codec:"v"`
	CreatedAt int64                 `codec:"t"`
	DNs       map[string]Identity   `codec:"d"`
	Kinds     map[string]kinds.Kind `codec:"k"`
	Fragments map[string][]string   `codec:"f"`
	Accounts  map[string]Identity   `codec:"a"`
}

var msgpackHandle codec.MsgpackHandle

// Encode serializes the cache: a magic and version header followed by an
// lz4 frame holding the msgpack encoded key spaces.
func (c *Cache) Encode() ([]byte, error) {
	snap := snapshot{
		Version:   SnapshotVersion,
		CreatedAt: time.Now().Unix(),
		DNs:       make(map[string]Identity, c.dns.Size()),
		Kinds:     make(map[string]kinds.Kind, c.kinds.Size()),
		Fragments: make(map[string][]string, c.fragments.Size()),
		Accounts:  make(map[string]Identity, c.accounts.Size()),
	}
	c.dns.Range(func(k string, v Identity) bool { snap.DNs[k] = v; return true })
	c.kinds.Range(func(k string, v kinds.Kind) bool { snap.Kinds[k] = v; return true })
	c.fragments.Range(func(k string, v []string) bool { snap.Fragments[k] = v; return true })
	c.accounts.Range(func(k string, v Identity) bool { snap.Accounts[k] = v; return true })

	var raw []byte
	if err := codec.NewEncoderBytes(&raw, &msgpackHandle).Encode(&snap); err != nil {
		return nil, errors.Wrap(err, "encoding cache snapshot")
	}

	var out bytes.Buffer
	out.Write(snapshotMagic)
	out.WriteByte(SnapshotVersion)

	zw := lz4.NewWriter(&out)
	if err := zw.Apply(lz4.BlockChecksumOption(true), lz4.CompressionLevelOption(lz4.Level5)); err != nil {
		return nil, errors.Wrap(err, "configuring lz4 writer")
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Wrap(err, "compressing cache snapshot")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compressing cache snapshot")
	}
	return out.Bytes(), nil
}

// Decode rebuilds a cache from bytes produced by Encode.
func Decode(data []byte) (*Cache, error) {
	header := len(snapshotMagic) + 1
	if len(data) < header || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, ErrSnapshotFormat
	}
	if int(data[len(snapshotMagic)]) != SnapshotVersion {
		return nil, ErrSnapshotVersion
	}

	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data[header:])))
	if err != nil {
		return nil, errors.Wrap(err, "decompressing cache snapshot")
	}

	var snap snapshot
	if err := codec.NewDecoderBytes(raw, &msgpackHandle).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "decoding cache snapshot")
	}
	if snap.Version != SnapshotVersion {
		return nil, ErrSnapshotVersion
	}

	c := New()
	for k, v := range snap.DNs {
		c.dns.Store(k, v)
	}
	for k, v := range snap.Kinds {
		c.kinds.Store(k, v)
	}
	for k, v := range snap.Fragments {
		c.fragments.Store(k, v)
	}
	for k, v := range snap.Accounts {
		c.accounts.Store(k, v)
	}
	return c, nil
}

// LoadSnapshot decodes data and falls back to an empty cache on any error.
// The error is returned for logging only.
func LoadSnapshot(data []byte) (*Cache, error) {
	c, err := Decode(data)
	if err != nil {
		return New(), err
	}
	return c, nil
}
