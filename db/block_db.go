package db

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// BlockMagic is the first byte of every serialized committed block.
const BlockMagic byte = 0x33

// SerializedSanityCheck validates the fixed magic and the 64-bit big-endian
// length prefix of a serialized committed block before it is handed to
// deserialization.
func SerializedSanityCheck(serialized []byte) error {
	if len(serialized) < 9 {
		return fmt.Errorf("serialized block too short: %d bytes", len(serialized))
	}
	if serialized[0] != BlockMagic {
		return fmt.Errorf("serialized block has bad magic 0x%02x", serialized[0])
	}
	payloadLen := binary.BigEndian.Uint64(serialized[1:9])
	if payloadLen != uint64(len(serialized)-9) {
		return fmt.Errorf("serialized block length prefix %d does not match payload %d",
			payloadLen, len(serialized)-9)
	}
	return nil
}

// FrameSerialized prepends the block magic and length prefix to a payload.
func FrameSerialized(payload []byte) []byte {
	framed := make([]byte, 9+len(payload))
	framed[0] = BlockMagic
	binary.BigEndian.PutUint64(framed[1:9], uint64(len(payload)))
	copy(framed[9:], payload)
	return framed
}

// BlockDB persists committed blocks keyed by height. Writes are append-only:
// a block is never overwritten once stored.
type BlockDB struct {
	store *Store
}

// NewBlockDB opens the committed-block store under dir.
func NewBlockDB(dir string, nodeID uint64, logger hclog.Logger) (*BlockDB, error) {
	store, err := Open(dir, fmt.Sprintf("blocks_%d.db", nodeID), logger)
	if err != nil {
		return nil, err
	}
	return &BlockDB{store: store}, nil
}

// SaveBlock stores a serialized committed block at its height. Saving any
// block, the same one included, at an occupied height is rejected.
func (b *BlockDB) SaveBlock(blockID uint64, serialized []byte) error {
	if err := SerializedSanityCheck(serialized); err != nil {
		return err
	}
	key := Key(blockID)
	exists, err := b.store.has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("block %d is already stored", blockID)
	}
	return b.store.put(key, serialized)
}

// GetSerializedBlock returns the serialized block at the height, or nil when
// absent. The returned bytes have passed the sanity check.
func (b *BlockDB) GetSerializedBlock(blockID uint64) ([]byte, error) {
	serialized, err := b.store.get(Key(blockID))
	if err != nil || serialized == nil {
		return nil, err
	}
	if err := SerializedSanityCheck(serialized); err != nil {
		return nil, err
	}
	return serialized, nil
}

// LastCommittedBlockID scans for the highest stored height; 0 means the store
// is empty.
func (b *BlockDB) LastCommittedBlockID() (uint64, error) {
	iter := b.store.db.NewIterator(nil, nil)
	defer iter.Release()
	var last uint64
	for iter.Next() {
		if len(iter.Key()) != 8 {
			continue
		}
		blockID := binary.BigEndian.Uint64(iter.Key())
		if blockID > last {
			last = blockID
		}
	}
	return last, iter.Error()
}

// Close closes the store.
func (b *BlockDB) Close() error {
	return b.store.Close()
}
