package schain

import (
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"

	"github.com/schainlabs/schain/config"
	"github.com/schainlabs/schain/conn"
	"github.com/schainlabs/schain/db"
	"github.com/schainlabs/schain/sign"
)

// Health check file states.
const (
	HealthFailed    = "0"
	HealthStarting  = "1"
	HealthConnected = "2"
)

const maxBufferedFutureMsgs = 8192

// ExtFace is the embedder's view of the engine: committed blocks are pushed
// through it in strictly increasing height order with no gaps.
type ExtFace interface {
	CreateBlock(txs [][]byte, timeStampS uint64, timeStampMs uint32, blockID uint64, price *uint256.Int)
}

// TxSource produces the transaction batch for a proposal on demand.
type TxSource interface {
	GetTransactions(blockID uint64) [][]byte
}

// Schain runs one node's share of the committee consensus: it proposes a
// block at every height, feeds incoming proposals through the
// data-availability flow, drives block consensus, and publishes the committed
// chain to the embedder.
type Schain struct {
	conf   *config.Config
	logger hclog.Logger

	lock sync.Mutex

	trans     *conn.NetworkTransport
	client    *ClientAgent
	consensus *BlockConsensusAgent
	pricing   *PricingAgent
	monitor   *MonitoringAgent

	blockDB          *db.BlockDB
	proposalDB       *db.ProposalDB
	daSigShareDB     *db.DASigShareDB
	daProofDB        *db.DAProofDB
	blockSigShareDB  *db.BlockSigShareDB
	consensusStateDB *db.ConsensusStateDB
	outgoingMsgDB    *db.MsgDB
	incomingMsgDB    *db.MsgDB
	priceDB          *db.PriceDB
	randomDB         *db.RandomDB

	extFace  ExtFace
	txSource TxSource

	lastCommitted    uint64
	bootstrapBlockID uint64
	prevTimeStampS   uint64
	prevTimeStampMs  uint32

	blockCache      map[uint64]*CommittedBlock
	proposalHashes  map[instanceKey][]byte
	proposedHeights map[uint64]bool
	futureMsgs      map[uint64][]interface{}
	futureMsgCount  int
	heightTimedOut  map[uint64]bool
	proposalTimer   *time.Timer

	msgID      uint64
	exitFlag   atomic.Bool
	shutdownCh chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewSchain opens every persistent store and wires the child agents. The
// returned schain is not yet listening; call Start and then Bootstrap.
func NewSchain(conf *config.Config, extFace ExtFace, txSource TxSource) (*Schain, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   conf.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})

	s := &Schain{
		conf:            conf,
		logger:          logger,
		extFace:         extFace,
		txSource:        txSource,
		blockCache:      make(map[uint64]*CommittedBlock),
		proposalHashes:  make(map[instanceKey][]byte),
		proposedHeights: make(map[uint64]bool),
		futureMsgs:      make(map[uint64][]interface{}),
		heightTimedOut:  make(map[uint64]bool),
		shutdownCh:      make(chan struct{}),
	}

	var err error
	dir, nodeID := conf.DataDir, conf.NodeID
	if s.blockDB, err = db.NewBlockDB(dir, nodeID, logger); err != nil {
		return nil, err
	}
	if s.proposalDB, err = db.NewProposalDB(dir, nodeID, conf.SchainIndex, conf.NodeCount(), logger); err != nil {
		return nil, err
	}
	if s.daSigShareDB, err = db.NewDASigShareDB(dir, nodeID, logger); err != nil {
		return nil, err
	}
	if s.daProofDB, err = db.NewDAProofDB(dir, nodeID, logger); err != nil {
		return nil, err
	}
	if s.blockSigShareDB, err = db.NewBlockSigShareDB(dir, nodeID, logger); err != nil {
		return nil, err
	}
	if s.consensusStateDB, err = db.NewConsensusStateDB(dir, nodeID, logger); err != nil {
		return nil, err
	}
	if s.outgoingMsgDB, err = db.NewMsgDB(dir, "outgoing_msgs", nodeID, logger); err != nil {
		return nil, err
	}
	if s.incomingMsgDB, err = db.NewMsgDB(dir, "incoming_msgs", nodeID, logger); err != nil {
		return nil, err
	}
	if s.priceDB, err = db.NewPriceDB(dir, nodeID, logger); err != nil {
		return nil, err
	}
	if s.randomDB, err = db.NewRandomDB(dir, nodeID, logger); err != nil {
		return nil, err
	}

	s.client = NewClientAgent(s)
	s.consensus = NewBlockConsensusAgent(s)
	s.pricing = NewPricingAgent(s)
	s.monitor = NewMonitoringAgent(s)
	return s, nil
}

func (s *Schain) quorumNum() int { return s.conf.QuorumNum() }

func (s *Schain) faultNum() int { return (s.conf.NodeCount() - 1) / 3 }

func (s *Schain) isExitRequested() bool { return s.exitFlag.Load() }

func (s *Schain) nextMsgID() uint64 { return atomic.AddUint64(&s.msgID, 1) }

// LastCommittedBlockID returns the height of the newest committed block.
func (s *Schain) LastCommittedBlockID() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastCommitted
}

// Start begins listening, launches the peer workers and the dispatch,
// catch-up and monitoring loops.
func (s *Schain) Start() error {
	if err := s.StartP2PListen(); err != nil {
		return err
	}
	s.trans.SetItemHandler(itemTags, s.handleItem)
	s.client.Start()
	s.monitor.Start()

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.catchupLoop()
	return nil
}

// Bootstrap restores the persisted chain tip and proposes the next height.
func (s *Schain) Bootstrap() error {
	last, err := s.blockDB.LastCommittedBlockID()
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.lastCommitted = last
	s.bootstrapBlockID = last
	if last > 0 {
		block := s.getBlock(last)
		if block == nil {
			return fmt.Errorf("persisted tip %d cannot be loaded", last)
		}
		s.prevTimeStampS = block.Proposal.TimeStampS
		s.prevTimeStampMs = block.Proposal.TimeStampMs
	}
	s.logger.Info("bootstrapping", "last-committed", last)
	s.proposeNextBlock()
	s.replayJournaledMsgs(last + 1)
	return nil
}

// Stop requests a cooperative shutdown: every loop observes the flag at its
// next suspension point and returns.
func (s *Schain) Stop() {
	s.stopOnce.Do(func() {
		s.exitFlag.Store(true)
		close(s.shutdownCh)

		s.lock.Lock()
		if s.proposalTimer != nil {
			s.proposalTimer.Stop()
		}
		s.lock.Unlock()

		s.client.Stop()
		s.monitor.Stop()
		if s.trans != nil {
			s.trans.Close()
		}
		s.wg.Wait()

		for _, closer := range []interface{ Close() error }{
			s.blockDB, s.proposalDB, s.daSigShareDB, s.daProofDB, s.blockSigShareDB,
			s.consensusStateDB, s.outgoingMsgDB, s.incomingMsgDB, s.priceDB, s.randomDB,
		} {
			if err := closer.Close(); err != nil {
				s.logger.Error("store close failed", "error", err)
			}
		}
	})
}

// exitOnFatalError logs an unrecoverable condition and tears the node down.
func (s *Schain) exitOnFatalError(msg string, err error) {
	s.logger.Error("FATAL: "+msg, "error", err)
	go s.Stop()
}

func (s *Schain) sleepInterruptibly(d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.shutdownCh:
	}
}

// dispatchLoop is the single consensus message thread: it validates envelope
// signatures, journals the traffic, and routes each message under the lock.
// Per-(height, proposer) arrival order is preserved because the loop is the
// only writer into the consensus instances.
func (s *Schain) dispatchLoop() {
	defer s.wg.Done()
	msgCh := s.trans.MsgChan()
	for {
		select {
		case <-s.shutdownCh:
			return
		case msgWithSig := <-msgCh:
			s.processNetworkMsg(msgWithSig.Msg, msgWithSig.Sig)
		}
	}
}

func (s *Schain) processNetworkMsg(msg interface{}, sig []byte) {
	senderIndex, err := senderIndexOf(msg)
	if err != nil {
		s.logger.Warn("dropping unroutable message", "error", err)
		return
	}
	record, ok := s.conf.Committee[senderIndex]
	if !ok {
		s.logger.Warn("message from out-of-range sender", "sender", senderIndex)
		return
	}
	encoded, err := encode(msg)
	if err != nil {
		s.logger.Warn("cannot re-encode message for verification", "error", err)
		return
	}
	if ok, err := sign.VerifySignEd25519(record.PublicKey, encoded, sig); !ok {
		s.logger.Warn("message with a bad envelope signature",
			"sender", senderIndex, "error", err)
		return
	}

	if blockID, err := blockIDOf(msg); err == nil {
		if tag, ok := tagOf(msg); ok {
			journaled := append([]byte{tag}, encoded...)
			if err := s.incomingMsgDB.SaveMsg(blockID, s.nextMsgID(), journaled); err != nil {
				s.exitOnFatalError("cannot journal incoming message", err)
				return
			}
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.routeVerifiedMsg(msg)
}

// routeVerifiedMsg dispatches a message whose envelope signature has already
// been checked. Caller holds the lock.
func (s *Schain) routeVerifiedMsg(msg interface{}) {
	switch m := msg.(type) {
	case DASigShareMsg:
		s.handleDASigShare(&m)
	case BvBroadcastMsg, AuxBroadcastMsg, CommitMsg, BlockSignMsg:
		blockID, _ := blockIDOf(msg)
		switch {
		case blockID <= s.lastCommitted:
			// stale, the height is already final
		case blockID > s.lastCommitted+1:
			s.bufferFutureMsg(blockID, msg)
		default:
			s.consensus.routeMessage(msg)
		}
	case CatchupRequestMsg:
		s.handleCatchupRequest(&m)
	case CatchupResponseMsg:
		s.handleCatchupResponse(&m)
	default:
		s.logger.Warn("unknown message type on the consensus channel")
	}
}

// replayJournaledMsgs re-routes the journaled incoming traffic of a height,
// so a restarted node re-collects the votes it had already received before
// the crash. Caller holds the lock.
func (s *Schain) replayJournaledMsgs(blockID uint64) {
	journaled, err := s.incomingMsgDB.ReadMsgs(blockID)
	if err != nil {
		s.exitOnFatalError("cannot read the incoming message journal", err)
		return
	}
	if len(journaled) == 0 {
		return
	}

	ids := make([]uint64, 0, len(journaled))
	for id := range journaled {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	replayed := 0
	for _, id := range ids {
		raw := journaled[id]
		if len(raw) < 2 {
			continue
		}
		reflectedType, ok := reflectedTypesMap[raw[0]]
		if !ok {
			continue
		}
		value := reflect.New(reflectedType)
		if err := decode(raw[1:], value.Interface()); err != nil {
			s.logger.Warn("journaled message does not decode", "block", blockID, "error", err)
			continue
		}
		s.routeVerifiedMsg(value.Elem().Interface())
		replayed++
	}
	s.logger.Info("replayed journaled messages", "block", blockID, "count", replayed)
}

func (s *Schain) bufferFutureMsg(blockID uint64, msg interface{}) {
	if s.futureMsgCount >= maxBufferedFutureMsgs {
		return
	}
	s.futureMsgs[blockID] = append(s.futureMsgs[blockID], msg)
	s.futureMsgCount++
}

func (s *Schain) replayFutureMsgs(blockID uint64) {
	buffered := s.futureMsgs[blockID]
	delete(s.futureMsgs, blockID)
	s.futureMsgCount -= len(buffered)
	for _, msg := range buffered {
		s.consensus.routeMessage(msg)
	}
}

// handleItem is the synchronous intake for proposal and DA-proof pushes; the
// returned status pair travels back to the submitting peer.
func (s *Schain) handleItem(tag uint8, msg interface{}, sig []byte) (uint8, uint8) {
	if s.isExitRequested() {
		return conn.StatusDisconnect, conn.SubNone
	}

	senderIndex, err := senderIndexOf(msg)
	if err != nil {
		return conn.StatusError, conn.SubNone
	}
	record, ok := s.conf.Committee[senderIndex]
	if !ok {
		s.logger.Warn("item from out-of-range sender", "sender", senderIndex)
		return conn.StatusError, conn.SubNone
	}
	encoded, err := encode(msg)
	if err != nil {
		return conn.StatusError, conn.SubNone
	}
	if ok, err := sign.VerifySignEd25519(record.PublicKey, encoded, sig); !ok {
		s.logger.Warn("item with a bad envelope signature", "sender", senderIndex, "error", err)
		return conn.StatusError, conn.SubErrBadSignature
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	switch m := msg.(type) {
	case ProposalMsg:
		return s.handleProposal(&m.Proposal)
	case DAProofMsg:
		return s.handleDAProof(&m.Proof)
	default:
		return conn.StatusError, conn.SubNone
	}
}

// handleProposal admits one peer proposal: window check, proposer signature,
// equivocation pinning, then the DA share goes back to the proposer.
func (s *Schain) handleProposal(p *BlockProposal) (uint8, uint8) {
	if p.SchainID != s.conf.SchainID {
		return conn.StatusError, conn.SubNone
	}
	if p.ProposerIndex == 0 || p.ProposerIndex > uint64(s.conf.NodeCount()) {
		return conn.StatusError, conn.SubNone
	}
	if p.BlockID <= s.lastCommitted {
		return conn.StatusError, conn.SubErrOldBlock
	}
	if p.BlockID > s.lastCommitted+1 {
		// Not ready for this height yet; the pusher will come back.
		return conn.StatusRetryLater, conn.SubNone
	}
	if len(p.Signature) == 0 {
		return conn.StatusError, conn.SubErrBadSignature
	}

	hash := p.Hash()
	record := s.conf.Committee[p.ProposerIndex]
	if ok, err := sign.VerifySignEd25519(record.PublicKey, hash, p.Signature); !ok {
		s.logger.Warn("proposal with a bad proposer signature",
			"block", p.BlockID, "proposer", p.ProposerIndex, "error", err)
		return conn.StatusError, conn.SubErrBadSignature
	}

	key := instanceKey{p.BlockID, p.ProposerIndex}
	if pinned, ok := s.proposalHashes[key]; ok {
		if string(pinned) != string(hash) {
			s.logger.Warn("conflicting proposal for an occupied slot",
				"block", p.BlockID, "proposer", p.ProposerIndex)
			return conn.StatusError, conn.SubErrBadHash
		}
		return conn.StatusSuccess, conn.SubErrDuplicate
	}
	s.proposalHashes[key] = hash

	payload, err := encode(p)
	if err != nil {
		return conn.StatusError, conn.SubNone
	}
	proposal := *p
	if err := s.proposalDB.Put(p.BlockID, p.ProposerIndex, &proposal, db.FrameSerialized(payload)); err != nil {
		s.exitOnFatalError("cannot store proposal", err)
		return conn.StatusError, conn.SubNone
	}

	s.logger.Debug("proposal accepted",
		"block", p.BlockID, "proposer", p.ProposerIndex, "txs", len(p.Txs))

	// Attest availability: return a DA signature share to the proposer.
	s.sendAsync(p.ProposerIndex, DASigShareTag, &DASigShareMsg{
		MsgID:         s.nextMsgID(),
		BlockID:       p.BlockID,
		ProposerIndex: p.ProposerIndex,
		SignerIndex:   s.conf.SchainIndex,
		BlockHash:     hash,
		PartialSig:    sign.SignTSPartial(s.conf.TsPrivateKey, hash),
	})
	return conn.StatusSuccess, conn.SubNone
}

// handleDASigShare collects availability shares for this node's own
// proposal; the share completing the quorum mints the DA proof.
func (s *Schain) handleDASigShare(m *DASigShareMsg) {
	if m.ProposerIndex != s.conf.SchainIndex {
		s.logger.Warn("DA share for a proposal this node did not make",
			"block", m.BlockID, "signer", m.SignerIndex)
		return
	}
	if m.BlockID <= s.lastCommitted {
		return
	}
	proposal := s.getProposal(m.BlockID, s.conf.SchainIndex)
	if proposal == nil {
		return
	}
	hash := proposal.Hash()
	if string(hash) != string(m.BlockHash) {
		s.logger.Warn("DA share over a wrong hash", "block", m.BlockID, "signer", m.SignerIndex)
		return
	}
	signer, err := sign.VerifyTSPartial(s.conf.TsPublicKey, hash, m.PartialSig)
	if err != nil || uint64(signer)+1 != m.SignerIndex {
		s.logger.Warn("invalid DA signature share",
			"block", m.BlockID, "signer", m.SignerIndex, "error", err)
		return
	}

	s.addDASigShare(m.BlockID, m.SignerIndex, hash, m.PartialSig)
}

// addDASigShare stores one verified share. Caller holds the lock.
func (s *Schain) addDASigShare(blockID, signerIndex uint64, hash, partialSig []byte) {
	q := s.quorumNum()
	set, err := s.daSigShareDB.CheckAndSaveShare(blockID, s.conf.SchainIndex, signerIndex, partialSig, q)
	if err != nil {
		s.exitOnFatalError("cannot store DA signature share", err)
		return
	}
	if set == nil {
		return
	}

	shares := make([][]byte, 0, len(set))
	for _, sh := range set {
		shares = append(shares, sh)
	}
	thresholdSig, err := sign.RecoverTS(shares, s.conf.TsPublicKey, hash, q, s.conf.NodeCount())
	if err != nil {
		s.logger.Warn("DA threshold merge failed", "block", blockID, "error", err)
		return
	}

	proof := &DAProof{
		BlockID:       blockID,
		ProposerIndex: s.conf.SchainIndex,
		BlockHash:     hash,
		ThresholdSig:  thresholdSig,
	}
	s.logger.Debug("DA proof assembled", "block", blockID)
	s.daProofArrived(proof)

	msg := &DAProofMsg{MsgID: s.nextMsgID(), SenderIndex: s.conf.SchainIndex, Proof: *proof}
	encoded, err := encode(msg)
	if err != nil {
		s.exitOnFatalError("cannot encode DA proof", err)
		return
	}
	sig := sign.SignEd25519(s.conf.PrivateKey, encoded)
	if err := s.client.EnqueueItem(DAProofTag, msg, sig); err != nil {
		s.logger.Debug("DA proof not enqueued", "error", err)
	}
}

// handleDAProof admits a peer's DA proof.
func (s *Schain) handleDAProof(proof *DAProof) (uint8, uint8) {
	if proof.ProposerIndex == 0 || proof.ProposerIndex > uint64(s.conf.NodeCount()) {
		return conn.StatusError, conn.SubNone
	}
	if proof.BlockID <= s.lastCommitted {
		return conn.StatusError, conn.SubErrOldBlock
	}
	if proof.BlockID > s.lastCommitted+1 {
		return conn.StatusRetryLater, conn.SubNone
	}
	if ok, err := sign.VerifyTS(s.conf.TsPublicKey, proof.BlockHash, proof.ThresholdSig); !ok {
		s.logger.Warn("DA proof with a bad threshold signature",
			"block", proof.BlockID, "proposer", proof.ProposerIndex, "error", err)
		return conn.StatusError, conn.SubErrBadSignature
	}

	key := instanceKey{proof.BlockID, proof.ProposerIndex}
	if pinned, ok := s.proposalHashes[key]; ok && string(pinned) != string(proof.BlockHash) {
		// The proof attests a variant that differs from the proposal this
		// node holds: an equivocating proposer. Leave the slot to decide 0.
		s.logger.Warn("DA proof contradicts the held proposal",
			"block", proof.BlockID, "proposer", proof.ProposerIndex)
		return conn.StatusError, conn.SubErrBadHash
	}

	s.daProofArrived(proof)
	return conn.StatusSuccess, conn.SubNone
}

// daProofArrived stores the proof and starts block consensus once enough
// slots are covered. Caller holds the lock.
func (s *Schain) daProofArrived(proof *DAProof) {
	serialized, err := encode(proof)
	if err != nil {
		s.exitOnFatalError("cannot encode DA proof", err)
		return
	}
	fresh, err := s.daProofDB.SaveProof(proof.BlockID, proof.ProposerIndex, serialized)
	if err != nil {
		s.exitOnFatalError("cannot store DA proof", err)
		return
	}
	if !fresh {
		return
	}
	s.maybeStartConsensus(proof.BlockID)
}

// maybeStartConsensus applies the starting rule: every slot has a proof, or
// a quorum of slots do and the proposal receipt timeout has passed.
func (s *Schain) maybeStartConsensus(blockID uint64) {
	if blockID != s.lastCommitted+1 {
		return
	}
	proofs, err := s.daProofDB.GetProofs(blockID)
	if err != nil {
		s.exitOnFatalError("cannot read DA proofs", err)
		return
	}
	if len(proofs) == s.conf.NodeCount() ||
		(len(proofs) >= s.quorumNum() && s.heightTimedOut[blockID]) {
		s.consensus.StartConsensus(blockID)
	}
}

// proposalTimeoutFired marks the height and re-checks the starting rule, so
// a silent proposer cannot stall the committee.
func (s *Schain) proposalTimeoutFired(blockID uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.heightTimedOut[blockID] = true
	s.maybeStartConsensus(blockID)
}

// proposeNextBlock builds this node's proposal for the next height, stores
// it, pushes it to every peer, and contributes its own DA share.
// Caller holds the lock.
func (s *Schain) proposeNextBlock() {
	if s.isExitRequested() {
		return
	}
	blockID := s.lastCommitted + 1
	if s.proposedHeights[blockID] {
		return
	}
	s.proposedHeights[blockID] = true

	now := time.Now()
	tsS := uint64(now.Unix())
	tsMs := uint32(now.Nanosecond() / 1e6)
	if tsS < s.prevTimeStampS || (tsS == s.prevTimeStampS && tsMs <= s.prevTimeStampMs) {
		tsS = s.prevTimeStampS
		tsMs = s.prevTimeStampMs + 1
	}

	var prevHash []byte
	if prev := s.getBlock(s.lastCommitted); prev != nil {
		prevHash = prev.Proposal.Hash()
	}

	proposal := &BlockProposal{
		SchainID:      s.conf.SchainID,
		BlockID:       blockID,
		ProposerIndex: s.conf.SchainIndex,
		TimeStampS:    tsS,
		TimeStampMs:   tsMs,
		PrevHash:      prevHash,
		Txs:           s.txSource.GetTransactions(blockID),
	}
	hash := proposal.Hash()
	proposal.Signature = sign.SignEd25519(s.conf.PrivateKey, hash)

	s.proposalHashes[instanceKey{blockID, s.conf.SchainIndex}] = hash
	payload, err := encode(proposal)
	if err != nil {
		s.exitOnFatalError("cannot encode own proposal", err)
		return
	}
	if err := s.proposalDB.Put(blockID, s.conf.SchainIndex, proposal, db.FrameSerialized(payload)); err != nil {
		s.exitOnFatalError("cannot store own proposal", err)
		return
	}

	s.logger.Info("proposing block", "block", blockID, "txs", len(proposal.Txs))

	msg := &ProposalMsg{MsgID: s.nextMsgID(), Proposal: *proposal}
	encoded, err := encode(msg)
	if err != nil {
		s.exitOnFatalError("cannot encode proposal message", err)
		return
	}
	sig := sign.SignEd25519(s.conf.PrivateKey, encoded)
	if err := s.outgoingMsgDB.SaveMsg(blockID, msg.MsgID, encoded); err != nil {
		s.exitOnFatalError("cannot journal outgoing proposal", err)
		return
	}
	if err := s.client.EnqueueItem(ProposalTag, msg, sig); err != nil {
		s.logger.Debug("proposal not enqueued", "error", err)
		return
	}

	// This node's own availability share.
	s.addDASigShare(blockID, s.conf.SchainIndex, hash, sign.SignTSPartial(s.conf.TsPrivateKey, hash))

	if s.proposalTimer != nil {
		s.proposalTimer.Stop()
	}
	s.proposalTimer = time.AfterFunc(
		time.Duration(s.conf.ProposalTimeoutMs)*time.Millisecond,
		func() { s.proposalTimeoutFired(blockID) })
}

// blockCommitArrived finalizes a height decided by this node's own consensus
// run. Caller holds the lock.
func (s *Schain) blockCommitArrived(blockID, proposerIndex uint64, thresholdSig []byte) {
	if blockID <= s.lastCommitted {
		return
	}
	proposal := s.getProposal(blockID, proposerIndex)
	if proposal == nil {
		s.logger.Warn("commit arrived but the proposal is gone",
			"block", blockID, "proposer", proposerIndex)
		return
	}
	block := &CommittedBlock{Proposal: *proposal, ThresholdSig: thresholdSig}
	s.processCommittedBlock(block)
	s.proposeNextBlock()
}

// processCommittedBlock persists the block, publishes it to the embedder,
// and advances the chain tip by exactly one. Caller holds the lock.
func (s *Schain) processCommittedBlock(block *CommittedBlock) {
	monitor := s.monitor.Register("Schain", "processCommittedBlock", 10*time.Second)
	defer s.monitor.Unregister(monitor)

	blockID := block.Proposal.BlockID
	if blockID != s.lastCommitted+1 {
		s.exitOnFatalError(fmt.Sprintf("commit of height %d while at %d", blockID, s.lastCommitted), nil)
		return
	}

	serialized, err := block.Serialize()
	if err != nil {
		s.exitOnFatalError("cannot serialize committed block", err)
		return
	}
	if err := s.blockDB.SaveBlock(blockID, serialized); err != nil {
		s.exitOnFatalError("cannot persist committed block", err)
		return
	}

	s.blockCache[blockID] = block
	if blockID > s.conf.CommitHistory {
		delete(s.blockCache, blockID-s.conf.CommitHistory)
	}

	s.lastCommitted = blockID
	s.prevTimeStampS = block.Proposal.TimeStampS
	s.prevTimeStampMs = block.Proposal.TimeStampMs

	price := s.pricing.CalculatePrice(len(block.Proposal.Txs), blockID)
	currentPrice := s.pricing.ReadPrice(blockID - 1)

	s.logger.Info("BLOCK_COMMIT",
		"block", blockID,
		"proposer", block.Proposal.ProposerIndex,
		"txs", len(block.Proposal.Txs),
		"price", price.String())

	if s.extFace != nil {
		s.extFace.CreateBlock(block.Proposal.Txs, block.Proposal.TimeStampS,
			block.Proposal.TimeStampMs, blockID, currentPrice)
	}

	if blockID > s.conf.CommitHistory {
		s.proposalDB.CleanOldProposals(blockID - s.conf.CommitHistory)
	}
	for key := range s.proposalHashes {
		if key.blockID <= blockID {
			delete(s.proposalHashes, key)
		}
	}
	delete(s.proposedHeights, blockID)
	delete(s.heightTimedOut, blockID)
	s.consensus.cleanHeight(blockID)
	s.replayFutureMsgs(blockID + 1)
}

// getProposal returns the proposal for (blockID, proposerIndex) from the
// cache, falling back to the persisted copy for this node's own proposals.
// Caller holds the lock.
func (s *Schain) getProposal(blockID, proposerIndex uint64) *BlockProposal {
	if cached, ok := s.proposalDB.Get(blockID, proposerIndex); ok {
		if proposal, ok := cached.(*BlockProposal); ok {
			return proposal
		}
	}
	if proposerIndex != s.conf.SchainIndex {
		return nil
	}
	serialized, err := s.proposalDB.GetSerializedOwn(blockID)
	if err != nil || serialized == nil {
		return nil
	}
	if err := db.SerializedSanityCheck(serialized); err != nil {
		s.logger.Warn("persisted own proposal fails the sanity check", "block", blockID, "error", err)
		return nil
	}
	proposal := &BlockProposal{}
	if err := decode(serialized[9:], proposal); err != nil {
		s.logger.Warn("persisted own proposal does not decode", "block", blockID, "error", err)
		return nil
	}
	if len(proposal.Signature) == 0 {
		return nil
	}
	return proposal
}

// getBlock returns the committed block at the height from the cache or the
// block store, or nil. Caller holds the lock.
func (s *Schain) getBlock(blockID uint64) *CommittedBlock {
	if blockID == 0 {
		return nil
	}
	if block, ok := s.blockCache[blockID]; ok {
		return block
	}
	serialized, err := s.blockDB.GetSerializedBlock(blockID)
	if err != nil || serialized == nil {
		return nil
	}
	block, err := DeserializeCommittedBlock(serialized)
	if err != nil {
		s.logger.Error("stored block does not deserialize", "block", blockID, "error", err)
		return nil
	}
	return block
}

// broadcastAsync signs and fans a fire-and-forget message out to the whole
// committee, this node included; the self copy loops back through the
// listener so every vote is counted the same way.
func (s *Schain) broadcastAsync(tag uint8, msg interface{}) {
	encoded, err := encode(msg)
	if err != nil {
		s.exitOnFatalError("cannot encode broadcast", err)
		return
	}
	sig := sign.SignEd25519(s.conf.PrivateKey, encoded)
	if blockID, err := blockIDOf(msg); err == nil {
		if err := s.outgoingMsgDB.SaveMsg(blockID, s.nextMsgID(), encoded); err != nil {
			s.exitOnFatalError("cannot journal outgoing message", err)
			return
		}
	}

	go func() {
		for index := uint64(1); index <= uint64(s.conf.NodeCount()); index++ {
			s.sendTo(index, tag, msg, sig)
		}
	}()
}

// sendAsync signs and sends a fire-and-forget message to one peer.
func (s *Schain) sendAsync(peerIndex uint64, tag uint8, msg interface{}) {
	encoded, err := encode(msg)
	if err != nil {
		s.exitOnFatalError("cannot encode message", err)
		return
	}
	sig := sign.SignEd25519(s.conf.PrivateKey, encoded)
	go s.sendTo(peerIndex, tag, msg, sig)
}

func (s *Schain) sendTo(peerIndex uint64, tag uint8, msg interface{}, sig []byte) {
	if s.isExitRequested() || s.trans == nil {
		return
	}
	record, ok := s.conf.Committee[peerIndex]
	if !ok {
		return
	}
	netConn, err := s.trans.GetConn(record.AddrWithPort())
	if err != nil {
		s.logger.Debug("send failed", "peer", peerIndex, "error", err)
		return
	}
	if err := conn.SendMsg(netConn, tag, msg, sig); err != nil {
		s.logger.Debug("send failed", "peer", peerIndex, "error", err)
		return
	}
	if err := s.trans.ReturnConn(netConn); err != nil {
		s.logger.Debug("failed to return connection", "peer", peerIndex, "error", err)
	}
}

// SetHealthCheckFile atomically writes the health state under the data dir:
// 0 failed, 1 starting, 2 connected to a quorum (this node included).
func (s *Schain) SetHealthCheckFile(status string) error {
	return renameio.WriteFile(filepath.Join(s.conf.DataDir, "HEALTH_CHECK"), []byte(status), 0o644)
}

// HealthCheck dials every peer until a quorum (this node included) is
// reachable, then flips the health file to connected. It fails after the
// deadline.
func (s *Schain) HealthCheck(deadline time.Duration) error {
	if err := s.SetHealthCheckFile(HealthStarting); err != nil {
		return err
	}
	s.logger.Info("waiting to connect to peers")

	begin := time.Now()
	connected := make(map[uint64]bool)
	for len(connected)+1 < s.quorumNum() {
		if s.isExitRequested() {
			return ErrShuttingDown
		}
		if time.Since(begin) > deadline {
			if err := s.SetHealthCheckFile(HealthFailed); err != nil {
				return err
			}
			return fmt.Errorf("could not connect to a quorum of peers within %s", deadline)
		}
		for index, record := range s.conf.Committee {
			if index == s.conf.SchainIndex || connected[index] {
				continue
			}
			netConn, err := s.trans.GetConn(record.AddrWithPort())
			if err != nil {
				continue
			}
			if err := netConn.Flush(); err == nil {
				connected[index] = true
			}
			netConn.Release()
		}
		if len(connected)+1 < s.quorumNum() {
			s.sleepInterruptibly(time.Second)
		}
	}
	return s.SetHealthCheckFile(HealthConnected)
}
