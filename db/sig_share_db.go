package db

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// DASigShareDB accumulates data-availability signature shares keyed by
// (block_id, proposer_index, signer_index).
type DASigShareDB struct {
	store *Store
}

// NewDASigShareDB opens the DA share store under dir.
func NewDASigShareDB(dir string, nodeID uint64, logger hclog.Logger) (*DASigShareDB, error) {
	store, err := Open(dir, fmt.Sprintf("da_sigshares_%d.db", nodeID), logger)
	if err != nil {
		return nil, err
	}
	return &DASigShareDB{store: store}, nil
}

// CheckAndSaveShare stores a share from the signer. The first time the set of
// distinct signers for (blockID, proposerIndex) reaches required, the whole
// set is returned so the caller can merge the threshold signature; duplicates
// and incomplete sets return nil.
func (d *DASigShareDB) CheckAndSaveShare(blockID, proposerIndex, signerIndex uint64,
	share []byte, required int) (map[uint64][]byte, error) {
	return d.store.writeToSet(share, required, blockID, []uint64{proposerIndex}, signerIndex)
}

// Close closes the store.
func (d *DASigShareDB) Close() error {
	return d.store.Close()
}

// BlockSigShareDB accumulates block signature shares keyed by
// (block_id, signer_index). Unlike DA shares it has no proposer dimension:
// once consensus decides, the committed proposal at a height is fixed.
type BlockSigShareDB struct {
	store *Store
}

// NewBlockSigShareDB opens the block share store under dir.
func NewBlockSigShareDB(dir string, nodeID uint64, logger hclog.Logger) (*BlockSigShareDB, error) {
	store, err := Open(dir, fmt.Sprintf("block_sigshares_%d.db", nodeID), logger)
	if err != nil {
		return nil, err
	}
	return &BlockSigShareDB{store: store}, nil
}

// CheckAndSaveShare behaves like its DA counterpart, keyed by block only.
func (b *BlockSigShareDB) CheckAndSaveShare(blockID, signerIndex uint64,
	share []byte, required int) (map[uint64][]byte, error) {
	return b.store.writeToSet(share, required, blockID, nil, signerIndex)
}

// Close closes the store.
func (b *BlockSigShareDB) Close() error {
	return b.store.Close()
}

// DAProofDB persists completed DA proofs keyed by (block_id, proposer_index).
type DAProofDB struct {
	store *Store
}

// NewDAProofDB opens the DA proof store under dir.
func NewDAProofDB(dir string, nodeID uint64, logger hclog.Logger) (*DAProofDB, error) {
	store, err := Open(dir, fmt.Sprintf("da_proofs_%d.db", nodeID), logger)
	if err != nil {
		return nil, err
	}
	return &DAProofDB{store: store}, nil
}

// SaveProof stores a serialized DA proof; the first proof for a slot wins.
func (d *DAProofDB) SaveProof(blockID, proposerIndex uint64, serialized []byte) (bool, error) {
	key := Key(blockID, proposerIndex)
	exists, err := d.store.has(key)
	if err != nil || exists {
		return false, err
	}
	return true, d.store.put(key, serialized)
}

// GetProof returns the serialized proof for a slot, or nil.
func (d *DAProofDB) GetProof(blockID, proposerIndex uint64) ([]byte, error) {
	return d.store.get(Key(blockID, proposerIndex))
}

// GetProofs returns all stored proofs for the height keyed by proposer index.
func (d *DAProofDB) GetProofs(blockID uint64) (map[uint64][]byte, error) {
	return d.store.readSet(blockID)
}

// Close closes the store.
func (d *DAProofDB) Close() error {
	return d.store.Close()
}
