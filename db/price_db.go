package db

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"
)

// PriceDB persists the dynamic gas price calculated for each committed block.
type PriceDB struct {
	store *Store
}

// NewPriceDB opens the price store under dir.
func NewPriceDB(dir string, nodeID uint64, logger hclog.Logger) (*PriceDB, error) {
	store, err := Open(dir, fmt.Sprintf("prices_%d.db", nodeID), logger)
	if err != nil {
		return nil, err
	}
	return &PriceDB{store: store}, nil
}

// SavePrice records the price computed after committing blockID.
func (p *PriceDB) SavePrice(blockID uint64, price *uint256.Int) error {
	return p.store.put(Key(blockID), price.Bytes())
}

// ReadPrice returns the price recorded for blockID, or nil when absent.
func (p *PriceDB) ReadPrice(blockID uint64) (*uint256.Int, error) {
	raw, err := p.store.get(Key(blockID))
	if err != nil || raw == nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

// Close closes the store.
func (p *PriceDB) Close() error {
	return p.store.Close()
}
