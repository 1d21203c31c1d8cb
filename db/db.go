/*
Package db implements the persistent stores of the consensus engine. Every
category (blocks, own proposals, DA shares, DA proofs, block signature shares,
consensus state, messages, prices, randoms) is one leveldb ordered byte-map
under the node's data directory. Keys encode (block_id, secondary...) as
big-endian 8-byte words so a prefix scan enumerates a height in order.
*/
package db

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// FormatVersion is written into every store on creation and validated on
// every open.
const FormatVersion = "1.0"

var formatVersionKey = []byte("format.version")

// ErrVersionMismatch is returned when a store was written by an incompatible
// format version.
var ErrVersionMismatch = errors.New("store format version mismatch")

// markerPart terminates a completed share set. It sorts after any real
// secondary index within the same prefix.
const markerPart = ^uint64(0)

// Store wraps one leveldb instance holding a single category of consensus
// data.
type Store struct {
	name   string
	db     *leveldb.DB
	logger hclog.Logger
}

// Open opens (or creates) the named store under dir and validates its format
// version.
func Open(dir, name string, logger hclog.Logger) (*Store, error) {
	ldb, err := leveldb.OpenFile(filepath.Join(dir, name), nil)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}

	s := &Store{name: name, db: ldb, logger: logger.Named(name)}

	version, err := ldb.Get(formatVersionKey, nil)
	switch {
	case err == leveldb.ErrNotFound:
		if err := ldb.Put(formatVersionKey, []byte(FormatVersion), nil); err != nil {
			ldb.Close()
			return nil, err
		}
	case err != nil:
		ldb.Close()
		return nil, err
	case string(version) != FormatVersion:
		ldb.Close()
		return nil, fmt.Errorf("%w: store %s has version %q, want %q",
			ErrVersionMismatch, name, version, FormatVersion)
	}
	return s, nil
}

// Close closes the underlying leveldb instance.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key encodes (blockID, parts...) as big-endian 8-byte words.
func Key(blockID uint64, parts ...uint64) []byte {
	key := make([]byte, 8*(1+len(parts)))
	binary.BigEndian.PutUint64(key, blockID)
	for i, part := range parts {
		binary.BigEndian.PutUint64(key[8*(1+i):], part)
	}
	return key
}

func lastPart(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func (s *Store) put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *Store) get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return value, err
}

func (s *Store) has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

// writeToSet inserts value under (blockID, prefixParts..., member) and counts
// the distinct members already present under the prefix. When the count
// reaches required for the first time, the full set is returned, keyed by
// member; a duplicate member or an incomplete set returns nil ("not enough
// change").
func (s *Store) writeToSet(value []byte, required int, blockID uint64,
	prefixParts []uint64, member uint64) (map[uint64][]byte, error) {
	fullKey := Key(blockID, append(append([]uint64{}, prefixParts...), member)...)
	exists, err := s.has(fullKey)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}
	if err := s.put(fullKey, value); err != nil {
		return nil, err
	}

	marker := Key(blockID, append(append([]uint64{}, prefixParts...), markerPart)...)
	done, err := s.has(marker)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}

	set := make(map[uint64][]byte)
	prefix := Key(blockID, prefixParts...)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if len(iter.Key()) != len(prefix)+8 || lastPart(iter.Key()) == markerPart {
			continue
		}
		valueCopy := make([]byte, len(iter.Value()))
		copy(valueCopy, iter.Value())
		set[lastPart(iter.Key())] = valueCopy
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if len(set) < required {
		return nil, nil
	}
	if err := s.put(marker, []byte{1}); err != nil {
		return nil, err
	}
	return set, nil
}

// readSet returns every member stored under (blockID, prefixParts...).
func (s *Store) readSet(blockID uint64, prefixParts ...uint64) (map[uint64][]byte, error) {
	set := make(map[uint64][]byte)
	prefix := Key(blockID, prefixParts...)
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if len(iter.Key()) != len(prefix)+8 || lastPart(iter.Key()) == markerPart {
			continue
		}
		valueCopy := make([]byte, len(iter.Value()))
		copy(valueCopy, iter.Value())
		set[lastPart(iter.Key())] = valueCopy
	}
	return set, iter.Error()
}
