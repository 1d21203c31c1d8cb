package db

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

// RoundState is the persisted state of one binary-consensus round. It is
// written before the instance enters the next round so a restart resumes
// exactly where the crash happened.
type RoundState struct {
	Round     uint64
	Est       uint8
	BinValues []uint8
	AuxValues []uint8
	Decided   bool
	Decision  uint8
}

// ConsensusStateDB persists binary-consensus round states keyed by
// (block_id, proposer_index, round).
type ConsensusStateDB struct {
	store *Store
}

// NewConsensusStateDB opens the consensus-state store under dir.
func NewConsensusStateDB(dir string, nodeID uint64, logger hclog.Logger) (*ConsensusStateDB, error) {
	store, err := Open(dir, fmt.Sprintf("consensus_state_%d.db", nodeID), logger)
	if err != nil {
		return nil, err
	}
	return &ConsensusStateDB{store: store}, nil
}

// WriteRoundState durably records the state of (blockID, proposerIndex,
// state.Round).
func (c *ConsensusStateDB) WriteRoundState(blockID, proposerIndex uint64, state *RoundState) error {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(state); err != nil {
		return err
	}
	return c.store.put(Key(blockID, proposerIndex, state.Round), buf.Bytes())
}

// ReadLatestRoundState returns the highest-round persisted state for the
// instance, or nil when the instance never ran.
func (c *ConsensusStateDB) ReadLatestRoundState(blockID, proposerIndex uint64) (*RoundState, error) {
	set, err := c.store.readSet(blockID, proposerIndex)
	if err != nil || len(set) == 0 {
		return nil, err
	}
	var latestRound uint64
	for round := range set {
		if round >= latestRound {
			latestRound = round
		}
	}
	state := &RoundState{}
	dec := codec.NewDecoder(bytes.NewReader(set[latestRound]), &codec.MsgpackHandle{})
	if err := dec.Decode(state); err != nil {
		return nil, err
	}
	return state, nil
}

// Close closes the store.
func (c *ConsensusStateDB) Close() error {
	return c.store.Close()
}
