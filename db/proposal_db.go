package db

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
)

const proposalCacheSizePerNode = 3

// ProposalDB holds block proposals keyed by (block_id, proposer_index).
// Recently seen proposals live in an LRU cache of size n*3; only this node's
// own proposals are persisted, since remote proposals can be re-requested
// from their proposers during catch-up.
type ProposalDB struct {
	store         *Store
	cache         *lru.Cache
	ownIndex      uint64
	commitHistory uint64
}

// NewProposalDB opens the proposal store for the node seated at ownIndex in a
// committee of nodeCount members.
func NewProposalDB(dir string, nodeID, ownIndex uint64, nodeCount int,
	logger hclog.Logger) (*ProposalDB, error) {
	store, err := Open(dir, fmt.Sprintf("block_proposals_%d.db", nodeID), logger)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(nodeCount * proposalCacheSizePerNode)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &ProposalDB{store: store, cache: cache, ownIndex: ownIndex}, nil
}

func proposalCacheKey(blockID, proposerIndex uint64) [2]uint64 {
	return [2]uint64{blockID, proposerIndex}
}

// Put caches the proposal and, for this node's own proposals, persists the
// serialized bytes. The deserialized form is kept in the cache so hot-path
// reads avoid another decode.
func (p *ProposalDB) Put(blockID, proposerIndex uint64, proposal interface{}, serialized []byte) error {
	p.cache.ContainsOrAdd(proposalCacheKey(blockID, proposerIndex), proposal)
	if proposerIndex != p.ownIndex {
		return nil
	}
	return p.store.put(Key(blockID, proposerIndex), serialized)
}

// Get returns the cached proposal for (blockID, proposerIndex), if any.
func (p *ProposalDB) Get(blockID, proposerIndex uint64) (interface{}, bool) {
	return p.cache.Get(proposalCacheKey(blockID, proposerIndex))
}

// GetSerializedOwn returns the persisted serialized bytes of this node's own
// proposal at the height, or nil.
func (p *ProposalDB) GetSerializedOwn(blockID uint64) ([]byte, error) {
	return p.store.get(Key(blockID, p.ownIndex))
}

// Exists reports whether a proposal for (blockID, proposerIndex) is known,
// either cached or persisted.
func (p *ProposalDB) Exists(blockID, proposerIndex uint64) (bool, error) {
	if p.cache.Contains(proposalCacheKey(blockID, proposerIndex)) {
		return true, nil
	}
	if proposerIndex != p.ownIndex {
		return false, nil
	}
	return p.store.has(Key(blockID, proposerIndex))
}

// CleanOldProposals drops cached proposals strictly below the height.
func (p *ProposalDB) CleanOldProposals(belowBlockID uint64) {
	for _, rawKey := range p.cache.Keys() {
		key, ok := rawKey.([2]uint64)
		if !ok {
			continue
		}
		if key[0] < belowBlockID {
			p.cache.Remove(rawKey)
		}
	}
}

// Close closes the store.
func (p *ProposalDB) Close() error {
	return p.store.Close()
}
