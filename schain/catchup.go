package schain

import (
	"math/rand"
	"time"

	"github.com/schainlabs/schain/sign"
)

// maxCatchupBlocks bounds one catch-up response; a peer that is further
// behind keeps asking.
const maxCatchupBlocks = 128

// catchupLoop periodically asks one random peer for blocks past this node's
// tip. The loop is what pulls a node back onto the chain after a partition
// or a missed finalization.
func (s *Schain) catchupLoop() {
	defer s.wg.Done()
	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(s.conf.SchainIndex)))

	for {
		s.sleepInterruptibly(time.Duration(s.conf.CatchupIntervalMs) * time.Millisecond)
		if s.isExitRequested() {
			return
		}

		n := uint64(s.conf.NodeCount())
		if n <= 1 {
			continue
		}
		peer := uint64(r.Intn(int(n))) + 1
		if peer == s.conf.SchainIndex {
			peer = peer%n + 1
		}

		s.lock.Lock()
		from := s.lastCommitted + 1
		s.lock.Unlock()

		s.sendAsync(peer, CatchupReqTag, &CatchupRequestMsg{
			MsgID:       s.nextMsgID(),
			SenderIndex: s.conf.SchainIndex,
			FromBlockID: from,
		})
	}
}

// handleCatchupRequest serves a peer's request with a contiguous run of
// serialized committed blocks. Caller holds the lock.
func (s *Schain) handleCatchupRequest(m *CatchupRequestMsg) {
	if m.FromBlockID == 0 || m.FromBlockID > s.lastCommitted {
		return
	}

	var blocks [][]byte
	for blockID := m.FromBlockID; blockID <= s.lastCommitted && len(blocks) < maxCatchupBlocks; blockID++ {
		serialized, err := s.blockDB.GetSerializedBlock(blockID)
		if err != nil || serialized == nil {
			s.logger.Error("cannot serve catch-up block", "block", blockID, "error", err)
			return
		}
		blocks = append(blocks, serialized)
	}

	s.logger.Debug("serving catch-up", "peer", m.SenderIndex,
		"from", m.FromBlockID, "blocks", len(blocks))
	s.sendAsync(m.SenderIndex, CatchupRspTag, &CatchupResponseMsg{
		MsgID:       s.nextMsgID(),
		SenderIndex: s.conf.SchainIndex,
		Blocks:      blocks,
	})
}

// handleCatchupResponse deserializes a catch-up batch and applies it.
// Caller holds the lock.
func (s *Schain) handleCatchupResponse(m *CatchupResponseMsg) {
	blocks := make([]*CommittedBlock, 0, len(m.Blocks))
	for _, serialized := range m.Blocks {
		block, err := DeserializeCommittedBlock(serialized)
		if err != nil {
			s.logger.Warn("catch-up block does not deserialize",
				"peer", m.SenderIndex, "error", err)
			return
		}
		blocks = append(blocks, block)
	}
	s.applyCatchupBlocks(blocks)
}

// BlockCommitsArrivedThroughCatchup accepts a contiguous list of committed
// blocks from an external catch-up source.
func (s *Schain) BlockCommitsArrivedThroughCatchup(blocks []*CommittedBlock) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.applyCatchupBlocks(blocks)
}

// applyCatchupBlocks verifies and commits every block past the current tip,
// in order. The first block must not leave a gap; anything out of order ends
// the batch. Caller holds the lock.
func (s *Schain) applyCatchupBlocks(blocks []*CommittedBlock) {
	if len(blocks) == 0 {
		return
	}
	if blocks[0].Proposal.BlockID > s.lastCommitted+1 {
		s.logger.Warn("rejecting catch-up batch that would leave a gap",
			"first", blocks[0].Proposal.BlockID, "tip", s.lastCommitted)
		return
	}

	committedBefore := s.lastCommitted
	for _, block := range blocks {
		blockID := block.Proposal.BlockID
		if blockID <= s.lastCommitted {
			continue
		}
		if blockID != s.lastCommitted+1 {
			s.logger.Warn("catch-up batch is out of order", "block", blockID)
			break
		}
		if !s.verifyCommittedBlock(block) {
			break
		}
		s.processCommittedBlock(block)
	}

	if s.lastCommitted > committedBefore {
		s.logger.Info("BLOCK_CATCHUP",
			"blocks", s.lastCommitted-committedBefore, "tip", s.lastCommitted)
		s.proposeNextBlock()
	}
}

// verifyCommittedBlock checks the proposer signature and the finalizing
// threshold signature of a block received from outside this node's own
// consensus run.
func (s *Schain) verifyCommittedBlock(block *CommittedBlock) bool {
	p := &block.Proposal
	record, ok := s.conf.Committee[p.ProposerIndex]
	if !ok {
		s.logger.Warn("catch-up block from out-of-range proposer", "proposer", p.ProposerIndex)
		return false
	}
	hash := p.Hash()
	if ok, err := sign.VerifySignEd25519(record.PublicKey, hash, p.Signature); !ok {
		s.logger.Warn("catch-up block with a bad proposer signature",
			"block", p.BlockID, "error", err)
		return false
	}
	if ok, err := sign.VerifyTS(s.conf.TsPublicKey, hash, block.ThresholdSig); !ok {
		s.logger.Warn("catch-up block with a bad threshold signature",
			"block", p.BlockID, "error", err)
		return false
	}
	return true
}
