package schain

import (
	"encoding/binary"

	"github.com/hashicorp/go-hclog"

	"github.com/schainlabs/schain/db"
	"github.com/schainlabs/schain/sign"
)

// BinConsensus is one asynchronous binary Byzantine agreement instance,
// deciding for a single (block_id, proposer_index) slot whether the proposer
// delivered a DA proof in time (1) or the slot is treated as no-proposal (0).
//
// The protocol is the round-based binary-value / auxiliary / common-coin
// loop: each round broadcasts BV(est), amplifies values echoed by f+1
// senders, admits values echoed by 2f+1 senders into bin_values, broadcasts
// one admitted value as AUX together with a coin share, and once 2f+1
// auxiliary values (all admitted) and 2f+1 coin shares are in, either decides
// or carries an estimate into the next round.
//
// Every method is called with the coordinator's lock held; all network sends
// leave through asynchronous helpers on the schain.
type BinConsensus struct {
	schain *Schain
	logger hclog.Logger

	blockID       uint64
	proposerIndex uint64

	started  bool
	round    uint64
	est      uint8
	decided  bool
	decision uint8

	binValues map[uint64]map[uint8]bool
	binOrder  map[uint64][]uint8
	bvSent    map[uint64]map[uint8]bool
	auxSent   map[uint64]bool
	auxValue  map[uint64]uint8

	bvVotes    map[uint64]map[uint8]map[uint64]bool
	auxVotes   map[uint64]map[uint64]uint8
	coinShares map[uint64]map[uint64][]byte
	coinValue  map[uint64]uint8
	coinKnown  map[uint64]bool

	commitVotes  map[uint8]map[uint64]bool
	commitEchoed map[uint64]bool
}

// NewBinConsensus creates the instance and, when the consensus-state store
// holds a persisted round for it, resumes from that round instead of round 0.
func NewBinConsensus(s *Schain, blockID, proposerIndex uint64) *BinConsensus {
	bc := &BinConsensus{
		schain:        s,
		logger:        s.logger.Named("binconsensus"),
		blockID:       blockID,
		proposerIndex: proposerIndex,
		binValues:     make(map[uint64]map[uint8]bool),
		binOrder:      make(map[uint64][]uint8),
		bvSent:        make(map[uint64]map[uint8]bool),
		auxSent:       make(map[uint64]bool),
		auxValue:      make(map[uint64]uint8),
		bvVotes:       make(map[uint64]map[uint8]map[uint64]bool),
		auxVotes:      make(map[uint64]map[uint64]uint8),
		coinShares:    make(map[uint64]map[uint64][]byte),
		coinValue:     make(map[uint64]uint8),
		coinKnown:     make(map[uint64]bool),
		commitVotes:   make(map[uint8]map[uint64]bool),
		commitEchoed:  make(map[uint64]bool),
	}

	state, err := s.consensusStateDB.ReadLatestRoundState(blockID, proposerIndex)
	if err != nil {
		s.exitOnFatalError("cannot read consensus state", err)
		return bc
	}
	if state != nil {
		bc.started = true
		bc.round = state.Round
		bc.est = state.Est
		bc.decided = state.Decided
		bc.decision = state.Decision
		for _, b := range state.BinValues {
			bc.admitBinValue(state.Round, b)
		}
		if len(state.AuxValues) > 0 {
			bc.auxSent[state.Round] = true
			bc.auxValue[state.Round] = state.AuxValues[0]
		}
		bc.resume()
	}
	return bc
}

// resume re-broadcasts this node's contribution to the current round so that
// a crash between persisting and sending cannot stall the instance.
func (bc *BinConsensus) resume() {
	if bc.decided {
		bc.broadcastCommit()
		return
	}
	bc.broadcastBv(bc.round, bc.est)
	if bc.auxSent[bc.round] {
		bc.broadcastAux(bc.round, bc.auxValue[bc.round])
	}
}

// Start seeds the instance with its initial estimate and enters round 0. A
// second call is a no-op.
func (bc *BinConsensus) Start(est uint8) {
	if bc.started || bc.decided {
		return
	}
	bc.started = true
	bc.est = est
	bc.persistRound()
	bc.sendBv(bc.round, est)
	bc.progress()
}

// Decided returns the decision, if any.
func (bc *BinConsensus) Decided() (uint8, bool) {
	return bc.decision, bc.decided
}

// HandleBv processes a binary-value echo.
func (bc *BinConsensus) HandleBv(m *BvBroadcastMsg) {
	if m.BValue > 1 {
		bc.logger.Warn("bv message with out-of-range bit", "sender", m.SenderIndex)
		return
	}
	if bc.decided {
		bc.echoCommit(m.SenderIndex)
		return
	}
	votes := bc.bvVotes[m.Round]
	if votes == nil {
		votes = map[uint8]map[uint64]bool{0: {}, 1: {}}
		bc.bvVotes[m.Round] = votes
	}
	votes[m.BValue][m.SenderIndex] = true
	bc.progress()
}

// HandleAux processes an auxiliary value with its coin share. A sender that
// plays the AUX role twice in a round with different values is a protocol
// violation and is dropped.
func (bc *BinConsensus) HandleAux(m *AuxBroadcastMsg) {
	if m.BValue > 1 {
		bc.logger.Warn("aux message with out-of-range bit", "sender", m.SenderIndex)
		return
	}
	if bc.decided {
		bc.echoCommit(m.SenderIndex)
		return
	}
	votes := bc.auxVotes[m.Round]
	if votes == nil {
		votes = make(map[uint64]uint8)
		bc.auxVotes[m.Round] = votes
	}
	if prev, ok := votes[m.SenderIndex]; ok {
		if prev != m.BValue {
			bc.logger.Warn("duplicate aux with conflicting value",
				"block", m.BlockID, "proposer", m.ProposerIndex,
				"round", m.Round, "sender", m.SenderIndex)
		}
		return
	}

	data := coinData(bc.schain.conf.SchainID, bc.blockID, bc.proposerIndex, m.Round)
	signer, err := sign.VerifyTSPartial(bc.schain.conf.TsPublicKey, data, m.CoinShare)
	if err != nil || uint64(signer)+1 != m.SenderIndex {
		bc.logger.Warn("aux carries an invalid coin share",
			"round", m.Round, "sender", m.SenderIndex, "error", err)
		return
	}

	votes[m.SenderIndex] = m.BValue
	shares := bc.coinShares[m.Round]
	if shares == nil {
		shares = make(map[uint64][]byte)
		bc.coinShares[m.Round] = shares
	}
	shares[m.SenderIndex] = m.CoinShare
	bc.progress()
}

// HandleCommit processes a peer's decision broadcast. Observing f+1 commits
// for the same bit adopts that decision even mid-round.
func (bc *BinConsensus) HandleCommit(m *CommitMsg) {
	if m.Value > 1 {
		bc.logger.Warn("commit message with out-of-range bit", "sender", m.SenderIndex)
		return
	}
	votes := bc.commitVotes[m.Value]
	if votes == nil {
		votes = make(map[uint64]bool)
		bc.commitVotes[m.Value] = votes
	}
	votes[m.SenderIndex] = true

	if bc.decided {
		return
	}
	if len(votes) >= bc.schain.faultNum()+1 {
		bc.decide(m.Value)
	}
}

// progress applies every enabled protocol step for the current round, looping
// because one step routinely enables the next (and early-arrived messages can
// enable several rounds back to back).
func (bc *BinConsensus) progress() {
	if !bc.started || bc.decided {
		return
	}
	for {
		r := bc.round
		moved := false

		votes := bc.bvVotes[r]
		for _, b := range []uint8{0, 1} {
			if votes == nil {
				break
			}
			count := len(votes[b])
			if count >= bc.schain.faultNum()+1 && !bc.bvSent[r][b] {
				bc.sendBv(r, b)
				moved = true
			}
			if count >= bc.schain.quorumNum() && !bc.binValues[r][b] {
				bc.admitBinValue(r, b)
				moved = true
			}
		}

		if len(bc.binOrder[r]) > 0 && !bc.auxSent[r] {
			b := bc.binOrder[r][0]
			bc.auxSent[r] = true
			bc.auxValue[r] = b
			bc.broadcastAux(r, b)
			moved = true
		}

		if bc.stepRound(r) {
			if bc.decided {
				return
			}
			continue
		}
		if !moved {
			return
		}
	}
}

// stepRound attempts the round's final step: collect the 2f+1 auxiliary set,
// derive the common coin, then decide or advance. Returns true when the
// instance left round r.
func (bc *BinConsensus) stepRound(r uint64) bool {
	admitted := bc.binValues[r]
	if len(admitted) == 0 {
		return false
	}

	senders := make([]uint64, 0, len(bc.auxVotes[r]))
	values := make(map[uint8]bool)
	for sender, b := range bc.auxVotes[r] {
		if admitted[b] {
			senders = append(senders, sender)
			values[b] = true
		}
	}
	if len(senders) < bc.schain.quorumNum() {
		return false
	}

	coin, ok := bc.commonCoin(r)
	if !ok {
		return false
	}

	if len(values) == 1 {
		var b uint8
		for v := range values {
			b = v
		}
		if b == coin {
			bc.decide(b)
			return true
		}
		bc.est = b
	} else {
		bc.est = coin
	}

	bc.persistRound()
	bc.round = r + 1
	bc.persistRound()
	bc.sendBv(bc.round, bc.est)
	return true
}

// commonCoin recovers the round's shared random bit from 2f+1 collected coin
// shares. The recovered value is persisted so a restart sees the same coin.
func (bc *BinConsensus) commonCoin(r uint64) (uint8, bool) {
	if bc.coinKnown[r] {
		return bc.coinValue[r], true
	}

	q := bc.schain.quorumNum()
	shares := bc.coinShares[r]
	if len(shares) < q {
		return 0, false
	}

	random, found, err := bc.schain.randomDB.ReadRandom(bc.blockID, bc.proposerIndex, r)
	if err != nil {
		bc.schain.exitOnFatalError("cannot read coin random", err)
		return 0, false
	}
	if !found {
		data := coinData(bc.schain.conf.SchainID, bc.blockID, bc.proposerIndex, r)
		collected := make([][]byte, 0, len(shares))
		for _, s := range shares {
			collected = append(collected, s)
		}
		intactSig, err := sign.RecoverTS(collected, bc.schain.conf.TsPublicKey, data,
			q, bc.schain.conf.NodeCount())
		if err != nil {
			bc.logger.Warn("coin recovery failed, waiting for more shares",
				"round", r, "error", err)
			return 0, false
		}
		random = binary.BigEndian.Uint64(intactSig[:8])
		if err := bc.schain.randomDB.SaveRandom(bc.blockID, bc.proposerIndex, r, random); err != nil {
			bc.schain.exitOnFatalError("cannot persist coin random", err)
			return 0, false
		}
	}

	coin := uint8(random % 2)
	bc.coinValue[r] = coin
	bc.coinKnown[r] = true
	return coin, true
}

func (bc *BinConsensus) admitBinValue(r uint64, b uint8) {
	if bc.binValues[r] == nil {
		bc.binValues[r] = make(map[uint8]bool)
	}
	if !bc.binValues[r][b] {
		bc.binValues[r][b] = true
		bc.binOrder[r] = append(bc.binOrder[r], b)
	}
}

func (bc *BinConsensus) decide(b uint8) {
	bc.decided = true
	bc.decision = b
	bc.persistRound()
	bc.logger.Debug("binary consensus decided",
		"block", bc.blockID, "proposer", bc.proposerIndex,
		"round", bc.round, "value", b)
	bc.broadcastCommit()
	bc.schain.consensus.slotDecided(bc.blockID, bc.proposerIndex, b)
}

// persistRound durably records the instance state; the write must land before
// the instance acts on the recorded round.
func (bc *BinConsensus) persistRound() {
	state := &db.RoundState{
		Round:    bc.round,
		Est:      bc.est,
		Decided:  bc.decided,
		Decision: bc.decision,
	}
	for _, b := range bc.binOrder[bc.round] {
		state.BinValues = append(state.BinValues, b)
	}
	if bc.auxSent[bc.round] {
		state.AuxValues = []uint8{bc.auxValue[bc.round]}
	}
	if err := bc.schain.consensusStateDB.WriteRoundState(bc.blockID, bc.proposerIndex, state); err != nil {
		bc.schain.exitOnFatalError("cannot persist consensus state", err)
	}
}

func (bc *BinConsensus) sendBv(r uint64, b uint8) {
	if bc.bvSent[r] == nil {
		bc.bvSent[r] = make(map[uint8]bool)
	}
	bc.bvSent[r][b] = true
	bc.broadcastBv(r, b)
}

func (bc *BinConsensus) broadcastBv(r uint64, b uint8) {
	bc.schain.broadcastAsync(BvBroadcastTag, &BvBroadcastMsg{
		MsgID:         bc.schain.nextMsgID(),
		BlockID:       bc.blockID,
		ProposerIndex: bc.proposerIndex,
		Round:         r,
		SenderIndex:   bc.schain.conf.SchainIndex,
		BValue:        b,
	})
}

func (bc *BinConsensus) broadcastAux(r uint64, b uint8) {
	data := coinData(bc.schain.conf.SchainID, bc.blockID, bc.proposerIndex, r)
	bc.schain.broadcastAsync(AuxBroadcastTag, &AuxBroadcastMsg{
		MsgID:         bc.schain.nextMsgID(),
		BlockID:       bc.blockID,
		ProposerIndex: bc.proposerIndex,
		Round:         r,
		SenderIndex:   bc.schain.conf.SchainIndex,
		BValue:        b,
		CoinShare:     sign.SignTSPartial(bc.schain.conf.TsPrivateKey, data),
	})
}

func (bc *BinConsensus) broadcastCommit() {
	bc.schain.broadcastAsync(ConsensusCommitTag, &CommitMsg{
		MsgID:         bc.schain.nextMsgID(),
		BlockID:       bc.blockID,
		ProposerIndex: bc.proposerIndex,
		SenderIndex:   bc.schain.conf.SchainIndex,
		Value:         bc.decision,
	})
}

// echoCommit answers a lagging peer's protocol message with this instance's
// decision, at most once per peer.
func (bc *BinConsensus) echoCommit(peerIndex uint64) {
	if bc.commitEchoed[peerIndex] || peerIndex == bc.schain.conf.SchainIndex {
		return
	}
	bc.commitEchoed[peerIndex] = true
	bc.schain.sendAsync(peerIndex, ConsensusCommitTag, &CommitMsg{
		MsgID:         bc.schain.nextMsgID(),
		BlockID:       bc.blockID,
		ProposerIndex: bc.proposerIndex,
		SenderIndex:   bc.schain.conf.SchainIndex,
		Value:         bc.decision,
	})
}
