package schain

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/schainlabs/schain/db"
)

// BlockProposal is one proposer's candidate batch for a height. The content
// hash covers every field except the proposer signature.
type BlockProposal struct {
	SchainID      uint64
	BlockID       uint64
	ProposerIndex uint64
	TimeStampS    uint64
	TimeStampMs   uint32
	PrevHash      []byte
	Txs           [][]byte
	Signature     []byte
}

// Hash returns the canonical content hash of the proposal. The encoding is a
// fixed-width field walk so every honest node derives byte-identical hashes
// for the same logical value.
func (p *BlockProposal) Hash() []byte {
	h := sha256.New()
	var word [8]byte

	writeUint := func(v uint64) {
		binary.BigEndian.PutUint64(word[:], v)
		h.Write(word[:])
	}
	writeBytes := func(b []byte) {
		writeUint(uint64(len(b)))
		h.Write(b)
	}

	writeUint(p.SchainID)
	writeUint(p.BlockID)
	writeUint(p.ProposerIndex)
	writeUint(p.TimeStampS)
	writeUint(uint64(p.TimeStampMs))
	writeBytes(p.PrevHash)
	writeUint(uint64(len(p.Txs)))
	for _, tx := range p.Txs {
		writeBytes(tx)
	}
	return h.Sum(nil)
}

// DAProof witnesses that a quorum of committee members hold the proposal
// bytes for (BlockID, ProposerIndex): ThresholdSig aggregates 2f+1 signature
// shares over BlockHash.
type DAProof struct {
	BlockID       uint64
	ProposerIndex uint64
	BlockHash     []byte
	ThresholdSig  []byte
}

// CommittedBlock is a proposal plus the aggregate block signature produced
// after consensus decided on it.
type CommittedBlock struct {
	Proposal     BlockProposal
	ThresholdSig []byte
}

// Serialize frames the block with the fixed magic byte and a 64-bit
// big-endian length prefix.
func (b *CommittedBlock) Serialize() ([]byte, error) {
	payload, err := encode(b)
	if err != nil {
		return nil, err
	}
	return db.FrameSerialized(payload), nil
}

// DeserializeCommittedBlock sanity-checks the framing and decodes the block.
func DeserializeCommittedBlock(serialized []byte) (*CommittedBlock, error) {
	if err := db.SerializedSanityCheck(serialized); err != nil {
		return nil, err
	}
	block := &CommittedBlock{}
	if err := decode(serialized[9:], block); err != nil {
		return nil, err
	}
	if len(block.ThresholdSig) == 0 {
		return nil, errors.New("committed block carries no threshold signature")
	}
	if len(block.Proposal.Signature) == 0 {
		return nil, errors.New("committed block proposal carries no proposer signature")
	}
	return block, nil
}

// coinData is the message the common coin for (schainID, blockID,
// proposerIndex, round) is a threshold signature over.
func coinData(schainID, blockID, proposerIndex, round uint64) []byte {
	data := make([]byte, 32)
	binary.BigEndian.PutUint64(data, schainID)
	binary.BigEndian.PutUint64(data[8:], blockID)
	binary.BigEndian.PutUint64(data[16:], proposerIndex)
	binary.BigEndian.PutUint64(data[24:], round)
	return data
}

// ProposalMsg pushes a block proposal to a peer. Answered with a status pair.
type ProposalMsg struct {
	MsgID    uint64
	Proposal BlockProposal
}

// DAProofMsg pushes a completed DA proof to a peer. Answered with a status
// pair.
type DAProofMsg struct {
	MsgID       uint64
	SenderIndex uint64
	Proof       DAProof
}

// DASigShareMsg returns a data-availability signature share to the proposer
// of (BlockID, ProposerIndex).
type DASigShareMsg struct {
	MsgID         uint64
	BlockID       uint64
	ProposerIndex uint64
	SignerIndex   uint64
	BlockHash     []byte
	PartialSig    []byte
}

// BvBroadcastMsg holds a binary-value echo of the binary consensus.
type BvBroadcastMsg struct {
	MsgID         uint64
	BlockID       uint64
	ProposerIndex uint64
	Round         uint64
	SenderIndex   uint64
	BValue        uint8
}

// AuxBroadcastMsg holds an auxiliary value of the binary consensus together
// with the sender's common-coin share for the round.
type AuxBroadcastMsg struct {
	MsgID         uint64
	BlockID       uint64
	ProposerIndex uint64
	Round         uint64
	SenderIndex   uint64
	BValue        uint8
	CoinShare     []byte
}

// CommitMsg indicates that the sender's binary consensus instance for
// (BlockID, ProposerIndex) has decided Value.
type CommitMsg struct {
	MsgID         uint64
	BlockID       uint64
	ProposerIndex uint64
	SenderIndex   uint64
	Value         uint8
}

// BlockSignMsg broadcasts a block signature share after the height's winning
// proposal is known.
type BlockSignMsg struct {
	MsgID         uint64
	BlockID       uint64
	ProposerIndex uint64
	SignerIndex   uint64
	BlockHash     []byte
	PartialSig    []byte
}

// CatchupRequestMsg asks a peer for committed blocks from FromBlockID on.
type CatchupRequestMsg struct {
	MsgID       uint64
	SenderIndex uint64
	FromBlockID uint64
}

// CatchupResponseMsg carries a contiguous run of serialized committed blocks.
type CatchupResponseMsg struct {
	MsgID       uint64
	SenderIndex uint64
	Blocks      [][]byte
}

// blockIDOf extracts the height a network message belongs to, for routing.
func blockIDOf(msg interface{}) (uint64, error) {
	switch m := msg.(type) {
	case DASigShareMsg:
		return m.BlockID, nil
	case BvBroadcastMsg:
		return m.BlockID, nil
	case AuxBroadcastMsg:
		return m.BlockID, nil
	case CommitMsg:
		return m.BlockID, nil
	case BlockSignMsg:
		return m.BlockID, nil
	default:
		return 0, fmt.Errorf("message %T carries no block id", msg)
	}
}

// senderIndexOf extracts the claimed sender seat of a network message so its
// signature can be checked against the committee record.
func senderIndexOf(msg interface{}) (uint64, error) {
	switch m := msg.(type) {
	case ProposalMsg:
		return m.Proposal.ProposerIndex, nil
	case DAProofMsg:
		return m.SenderIndex, nil
	case DASigShareMsg:
		return m.SignerIndex, nil
	case BvBroadcastMsg:
		return m.SenderIndex, nil
	case AuxBroadcastMsg:
		return m.SenderIndex, nil
	case CommitMsg:
		return m.SenderIndex, nil
	case BlockSignMsg:
		return m.SignerIndex, nil
	case CatchupRequestMsg:
		return m.SenderIndex, nil
	case CatchupResponseMsg:
		return m.SenderIndex, nil
	default:
		return 0, fmt.Errorf("message %T carries no sender index", msg)
	}
}
