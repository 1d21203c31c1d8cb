package schain

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/schainlabs/schain/sign"
)

type instanceKey struct {
	blockID       uint64
	proposerIndex uint64
}

// BlockConsensusAgent coordinates block consensus for each height: it owns
// the n binary-consensus instances of the height's proposer slots, routes
// network messages to them, picks the winning slot once decisions are in,
// and drives the block signature aggregation that finalizes the height.
//
// The agent is driven by the schain's dispatch loop, its item intake and its
// proposal timer, and always runs with the schain lock held.
type BlockConsensusAgent struct {
	schain *Schain
	logger hclog.Logger

	instances map[instanceKey]*BinConsensus

	started      map[uint64]bool             // heights with seeded instances
	decisions    map[uint64]map[uint64]uint8 // height -> slot -> decided bit
	winner       map[uint64]uint64           // height -> winning slot
	signStarted  map[uint64]bool
	pendingSigns map[uint64][]*BlockSignMsg // shares that arrived before the winner was chosen
}

// NewBlockConsensusAgent creates the coordinator.
func NewBlockConsensusAgent(s *Schain) *BlockConsensusAgent {
	return &BlockConsensusAgent{
		schain:       s,
		logger:       s.logger.Named("consensus"),
		instances:    make(map[instanceKey]*BinConsensus),
		started:      make(map[uint64]bool),
		decisions:    make(map[uint64]map[uint64]uint8),
		winner:       make(map[uint64]uint64),
		signStarted:  make(map[uint64]bool),
		pendingSigns: make(map[uint64][]*BlockSignMsg),
	}
}

// instance returns the binary-consensus instance owning (blockID,
// proposerIndex), creating it on first use. A created instance accumulates
// votes even before StartConsensus seeds its estimate.
func (a *BlockConsensusAgent) instance(blockID, proposerIndex uint64) *BinConsensus {
	key := instanceKey{blockID, proposerIndex}
	inst, ok := a.instances[key]
	if !ok {
		inst = NewBinConsensus(a.schain, blockID, proposerIndex)
		a.instances[key] = inst
	}
	return inst
}

// StartConsensus idempotently seeds all n instances of the height with their
// initial estimates from the currently held DA proofs. Heights other than
// last_committed+1 are a silent no-op.
func (a *BlockConsensusAgent) StartConsensus(blockID uint64) {
	if blockID <= a.schain.lastCommitted || blockID > a.schain.lastCommitted+1 {
		return
	}
	if a.started[blockID] {
		return
	}
	a.started[blockID] = true

	proofs, err := a.schain.daProofDB.GetProofs(blockID)
	if err != nil {
		a.schain.exitOnFatalError("cannot read DA proofs", err)
		return
	}

	a.logger.Debug("starting consensus", "block", blockID, "da-proofs", len(proofs))

	for index := uint64(1); index <= uint64(a.schain.conf.NodeCount()); index++ {
		est := uint8(0)
		if _, ok := proofs[index]; ok {
			est = 1
		}
		a.instance(blockID, index).Start(est)
	}
}

// routeMessage dispatches a consensus network message to the owning
// instance. The caller has already verified the sender signature and the
// height window.
func (a *BlockConsensusAgent) routeMessage(msg interface{}) {
	switch m := msg.(type) {
	case BvBroadcastMsg:
		if !a.validSlot(m.ProposerIndex) {
			return
		}
		a.instance(m.BlockID, m.ProposerIndex).HandleBv(&m)
	case AuxBroadcastMsg:
		if !a.validSlot(m.ProposerIndex) {
			return
		}
		a.instance(m.BlockID, m.ProposerIndex).HandleAux(&m)
	case CommitMsg:
		if !a.validSlot(m.ProposerIndex) {
			return
		}
		a.instance(m.BlockID, m.ProposerIndex).HandleCommit(&m)
	case BlockSignMsg:
		a.handleBlockSign(&m)
	default:
		a.logger.Warn("unroutable consensus message", "type", msg)
	}
}

func (a *BlockConsensusAgent) validSlot(proposerIndex uint64) bool {
	if proposerIndex == 0 || proposerIndex > uint64(a.schain.conf.NodeCount()) {
		a.logger.Warn("message for out-of-range proposer slot", "proposer", proposerIndex)
		return false
	}
	return true
}

// slotDecided records a binary-consensus decision and, once the priority
// walk is unblocked, chooses the height's winning proposal.
func (a *BlockConsensusAgent) slotDecided(blockID, proposerIndex uint64, value uint8) {
	if a.decisions[blockID] == nil {
		a.decisions[blockID] = make(map[uint64]uint8)
	}
	if _, ok := a.decisions[blockID][proposerIndex]; ok {
		return
	}
	a.decisions[blockID][proposerIndex] = value
	a.logger.Debug("slot decided", "block", blockID, "proposer", proposerIndex, "value", value)
	a.tryChooseWinner(blockID)
}

// tryChooseWinner walks the height's priority permutation and picks the
// first slot that decided 1, provided every slot ahead of it has decided.
func (a *BlockConsensusAgent) tryChooseWinner(blockID uint64) {
	if _, done := a.winner[blockID]; done {
		return
	}
	decisions := a.decisions[blockID]

	winner := uint64(0)
	for _, slot := range a.priorityOrder(blockID) {
		value, ok := decisions[slot]
		if !ok {
			return // an earlier-priority slot is still running
		}
		if value == 1 {
			winner = slot
			break
		}
	}
	if winner == 0 {
		if len(decisions) == a.schain.conf.NodeCount() {
			// Cannot happen while at least one DA proof seeded an estimate of
			// 1 and fewer than a third of the committee is faulty.
			a.schain.exitOnFatalError("every proposer slot decided 0", nil)
		}
		return
	}

	a.winner[blockID] = winner
	a.logger.Info("winning proposal chosen", "block", blockID, "proposer", winner)
	a.startBlockSigning(blockID)
}

// priorityOrder returns the proposer slots of a height in priority order: a
// permutation of 1..n seeded by the previous committed block's threshold
// signature, or the identity order when no previous block signature is
// available (height 1).
func (a *BlockConsensusAgent) priorityOrder(blockID uint64) []uint64 {
	n := a.schain.conf.NodeCount()
	order := make([]uint64, n)

	var seed int64
	if blockID > 1 {
		if prev := a.schain.getBlock(blockID - 1); prev != nil {
			seed = int64(binary.BigEndian.Uint64(prev.ThresholdSig[:8]))
		}
	}
	if seed == 0 {
		for i := range order {
			order[i] = uint64(i + 1)
		}
		return order
	}

	for i, slot := range rand.New(rand.NewSource(seed)).Perm(n) {
		order[i] = uint64(slot + 1)
	}
	return order
}

// startBlockSigning broadcasts this node's block signature share for the
// winning proposal. Nodes that do not hold the proposal stay silent; they
// receive the finalized block through catch-up.
func (a *BlockConsensusAgent) startBlockSigning(blockID uint64) {
	if a.signStarted[blockID] {
		return
	}
	winner := a.winner[blockID]
	proposal := a.schain.getProposal(blockID, winner)
	if proposal == nil {
		a.logger.Info("winning proposal not held locally, relying on catch-up",
			"block", blockID, "proposer", winner)
		return
	}
	a.signStarted[blockID] = true

	hash := proposal.Hash()
	a.schain.broadcastAsync(BlockSignTag, &BlockSignMsg{
		MsgID:         a.schain.nextMsgID(),
		BlockID:       blockID,
		ProposerIndex: winner,
		SignerIndex:   a.schain.conf.SchainIndex,
		BlockHash:     hash,
		PartialSig:    sign.SignTSPartial(a.schain.conf.TsPrivateKey, hash),
	})

	pending := a.pendingSigns[blockID]
	delete(a.pendingSigns, blockID)
	for _, m := range pending {
		a.handleBlockSign(m)
	}
}

// handleBlockSign collects block signature shares; the share that completes
// the quorum triggers the threshold merge and commits the height.
func (a *BlockConsensusAgent) handleBlockSign(m *BlockSignMsg) {
	winner, chosen := a.winner[m.BlockID]
	if !chosen {
		// This node has not finished its own slot decisions yet; park the
		// share until the winner is known.
		if len(a.pendingSigns[m.BlockID]) < 4*a.schain.conf.NodeCount() {
			a.pendingSigns[m.BlockID] = append(a.pendingSigns[m.BlockID], m)
		}
		return
	}
	if m.ProposerIndex != winner {
		a.logger.Warn("block signature share for a non-winning proposal",
			"block", m.BlockID, "proposer", m.ProposerIndex, "signer", m.SignerIndex)
		return
	}
	proposal := a.schain.getProposal(m.BlockID, winner)
	if proposal == nil {
		return
	}
	hash := proposal.Hash()
	if string(hash) != string(m.BlockHash) {
		a.logger.Warn("block signature share over a wrong hash",
			"block", m.BlockID, "signer", m.SignerIndex)
		return
	}
	signer, err := sign.VerifyTSPartial(a.schain.conf.TsPublicKey, hash, m.PartialSig)
	if err != nil || uint64(signer)+1 != m.SignerIndex {
		a.logger.Warn("invalid block signature share",
			"block", m.BlockID, "signer", m.SignerIndex, "error", err)
		return
	}

	q := a.schain.quorumNum()
	set, err := a.schain.blockSigShareDB.CheckAndSaveShare(m.BlockID, m.SignerIndex, m.PartialSig, q)
	if err != nil {
		a.schain.exitOnFatalError("cannot save block signature share", err)
		return
	}
	if set == nil {
		return
	}

	monitor := a.schain.monitor.Register("BlockConsensusAgent", "mergeBlockSignature", 10*time.Second)
	defer a.schain.monitor.Unregister(monitor)

	shares := make([][]byte, 0, len(set))
	for _, s := range set {
		shares = append(shares, s)
	}
	intactSig, err := sign.RecoverTS(shares, a.schain.conf.TsPublicKey, hash, q,
		a.schain.conf.NodeCount())
	if err != nil {
		a.logger.Warn("block signature merge failed", "block", m.BlockID, "error", err)
		return
	}
	if ok, err := sign.VerifyTS(a.schain.conf.TsPublicKey, hash, intactSig); !ok {
		a.schain.exitOnFatalError("merged block signature does not verify", err)
		return
	}

	a.schain.blockCommitArrived(m.BlockID, winner, intactSig)
}

// cleanHeight discards the consensus bookkeeping of a committed height.
func (a *BlockConsensusAgent) cleanHeight(blockID uint64) {
	for index := uint64(1); index <= uint64(a.schain.conf.NodeCount()); index++ {
		delete(a.instances, instanceKey{blockID, index})
	}
	delete(a.started, blockID)
	delete(a.decisions, blockID)
	delete(a.winner, blockID)
	delete(a.signStarted, blockID)
	delete(a.pendingSigns, blockID)
}
