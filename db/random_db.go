package db

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// RandomDB persists the common-coin randoms derived during binary consensus,
// keyed by (block_id, proposer_index, round).
type RandomDB struct {
	store *Store
}

// NewRandomDB opens the random store under dir.
func NewRandomDB(dir string, nodeID uint64, logger hclog.Logger) (*RandomDB, error) {
	store, err := Open(dir, fmt.Sprintf("randoms_%d.db", nodeID), logger)
	if err != nil {
		return nil, err
	}
	return &RandomDB{store: store}, nil
}

// SaveRandom records the coin value recovered at (blockID, proposerIndex,
// round).
func (r *RandomDB) SaveRandom(blockID, proposerIndex, round, random uint64) error {
	var value [8]byte
	binary.BigEndian.PutUint64(value[:], random)
	return r.store.put(Key(blockID, proposerIndex, round), value[:])
}

// ReadRandom returns the recorded coin value and whether it exists.
func (r *RandomDB) ReadRandom(blockID, proposerIndex, round uint64) (uint64, bool, error) {
	raw, err := r.store.get(Key(blockID, proposerIndex, round))
	if err != nil || raw == nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// Close closes the store.
func (r *RandomDB) Close() error {
	return r.store.Close()
}
