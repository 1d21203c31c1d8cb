package schain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schainlabs/schain/conn"
	"github.com/schainlabs/schain/sign"
)

// newOfflineNode builds a schain with open stores but no listener; network
// sends become no-ops, which lets the tests drive the consensus machinery
// directly.
func newOfflineNode(t *testing.T, committee *testCommittee, index uint64) (*Schain, *recordingExtFace) {
	t.Helper()
	conf := committee.newConfig(t, index)
	face := newRecordingExtFace()
	node, err := NewSchain(conf, face, &RandomTxSource{BatchSize: 4, TxSize: 32})
	require.NoError(t, err)
	t.Cleanup(node.Stop)
	return node, face
}

func TestProposalHashCoversEverythingButSignature(t *testing.T) {
	proposal := &BlockProposal{
		SchainID:      1,
		BlockID:       7,
		ProposerIndex: 2,
		TimeStampS:    1000,
		TimeStampMs:   1,
		PrevHash:      []byte{1, 2, 3},
		Txs:           [][]byte{{0xaa}, {0xbb}},
	}
	hash := proposal.Hash()

	withSig := *proposal
	withSig.Signature = []byte("sig")
	require.Equal(t, hash, withSig.Hash(), "signature must not change the content hash")

	changed := *proposal
	changed.Txs = [][]byte{{0xaa}, {0xbc}}
	require.NotEqual(t, hash, changed.Hash())

	changed = *proposal
	changed.TimeStampMs = 2
	require.NotEqual(t, hash, changed.Hash())
}

func TestCommittedBlockRoundTrip(t *testing.T) {
	block := &CommittedBlock{
		Proposal: BlockProposal{
			SchainID:      1,
			BlockID:       3,
			ProposerIndex: 4,
			TimeStampS:    99,
			TimeStampMs:   500,
			PrevHash:      []byte{9, 9},
			Txs:           [][]byte{{1}, {2, 3}},
			Signature:     []byte("proposer"),
		},
		ThresholdSig: []byte("threshold"),
	}

	serialized, err := block.Serialize()
	require.NoError(t, err)

	decoded, err := DeserializeCommittedBlock(serialized)
	require.NoError(t, err)
	require.Equal(t, block, decoded)

	// Canonical: re-serializing yields byte-identical output.
	reserialized, err := decoded.Serialize()
	require.NoError(t, err)
	require.Equal(t, serialized, reserialized)

	_, err = DeserializeCommittedBlock(serialized[1:])
	require.Error(t, err)
}

func TestClientQueueBound(t *testing.T) {
	committee := newTestCommittee(t, 4)
	node, _ := newOfflineNode(t, committee, 1)
	node.conf.MaxProposalQueueSize = 5
	node.client = NewClientAgent(node) // pick up the smaller bound; workers stay unstarted

	for i := 0; i < 20; i++ {
		require.NoError(t, node.client.EnqueueItem(ProposalTag, &ProposalMsg{MsgID: uint64(i)}, nil))
	}
	for index := uint64(1); index <= 4; index++ {
		require.Equal(t, 5, node.client.QueueLen(index))
	}
	// Overflow drops the oldest: the head is the 16th enqueued item.
	head := node.client.queues[1].items[0].msg.(*ProposalMsg)
	require.Equal(t, uint64(15), head.MsgID)
}

func TestEquivocatingProposerIsRejected(t *testing.T) {
	committee := newTestCommittee(t, 4)
	node, _ := newOfflineNode(t, committee, 1)

	mkProposal := func(payload byte) *ProposalMsg {
		p := BlockProposal{
			SchainID:      1,
			BlockID:       1,
			ProposerIndex: 2,
			TimeStampS:    100,
			Txs:           [][]byte{{payload}},
		}
		p.Signature = sign.SignEd25519(committee.privKeys[1], p.Hash())
		return &ProposalMsg{MsgID: 1, Proposal: p}
	}
	submit := func(m *ProposalMsg) (uint8, uint8) {
		encoded, err := encode(m)
		require.NoError(t, err)
		return node.handleItem(ProposalTag, *m, sign.SignEd25519(committee.privKeys[1], encoded))
	}

	status, sub := submit(mkProposal(0x01))
	require.Equal(t, conn.StatusSuccess, status)
	require.Equal(t, conn.SubNone, sub)

	// The same proposal again is a harmless duplicate.
	status, sub = submit(mkProposal(0x01))
	require.Equal(t, conn.StatusSuccess, status)
	require.Equal(t, conn.SubErrDuplicate, sub)

	// A conflicting variant for the occupied slot is rejected.
	status, sub = submit(mkProposal(0x02))
	require.Equal(t, conn.StatusError, status)
	require.Equal(t, conn.SubErrBadHash, sub)

	// A proposal with a broken proposer signature is rejected outright.
	bad := mkProposal(0x03)
	bad.Proposal.BlockID = 1
	bad.Proposal.Signature = []byte("garbage")
	encoded, err := encode(bad)
	require.NoError(t, err)
	status, _ = node.handleItem(ProposalTag, *bad, sign.SignEd25519(committee.privKeys[1], encoded))
	require.Equal(t, conn.StatusError, status)
}

func TestBinConsensusDecidesUnanimousOne(t *testing.T) {
	committee := newTestCommittee(t, 4)
	node, _ := newOfflineNode(t, committee, 1)

	node.lock.Lock()
	defer node.lock.Unlock()

	inst := node.consensus.instance(1, 1)
	inst.Start(1)

	for round := uint64(0); ; round++ {
		require.Less(t, round, uint64(4), "unanimous input must decide within a few rounds")
		for sender := uint64(1); sender <= 4; sender++ {
			inst.HandleBv(&BvBroadcastMsg{
				BlockID: 1, ProposerIndex: 1, Round: round, SenderIndex: sender, BValue: 1,
			})
		}
		data := coinData(1, 1, 1, round)
		for sender := uint64(1); sender <= 4; sender++ {
			inst.HandleAux(&AuxBroadcastMsg{
				BlockID: 1, ProposerIndex: 1, Round: round, SenderIndex: sender, BValue: 1,
				CoinShare: sign.SignTSPartial(committee.shares[sender-1], data),
			})
		}
		if value, decided := inst.Decided(); decided {
			require.Equal(t, uint8(1), value, "unanimous 1 must never decide 0")
			return
		}
		require.Equal(t, round+1, inst.round, "undecided round must advance by one")
		require.Equal(t, uint8(1), inst.est, "unanimous 1 must keep the estimate at 1")
	}
}

func TestBinConsensusAdoptsMajorityCommits(t *testing.T) {
	committee := newTestCommittee(t, 4)
	node, _ := newOfflineNode(t, committee, 1)

	node.lock.Lock()
	defer node.lock.Unlock()

	inst := node.consensus.instance(1, 2)
	inst.Start(0)

	// f+1 = 2 commits for the same value adopt the decision.
	inst.HandleCommit(&CommitMsg{BlockID: 1, ProposerIndex: 2, SenderIndex: 2, Value: 1})
	_, decided := inst.Decided()
	require.False(t, decided)
	inst.HandleCommit(&CommitMsg{BlockID: 1, ProposerIndex: 2, SenderIndex: 3, Value: 1})
	value, decided := inst.Decided()
	require.True(t, decided)
	require.Equal(t, uint8(1), value)
}

func TestBinConsensusResumesPersistedRound(t *testing.T) {
	committee := newTestCommittee(t, 4)
	conf := committee.newConfig(t, 1)

	node, err := NewSchain(conf, nil, &RandomTxSource{BatchSize: 2})
	require.NoError(t, err)

	node.lock.Lock()
	inst := node.consensus.instance(10, 2)
	inst.Start(1)
	node.lock.Unlock()
	node.Stop()

	// A fresh schain over the same data dir resumes the instance state.
	conf2 := committee.newConfig(t, 1)
	conf2.DataDir = conf.DataDir
	restarted, err := NewSchain(conf2, nil, &RandomTxSource{BatchSize: 2})
	require.NoError(t, err)
	t.Cleanup(restarted.Stop)

	restarted.lock.Lock()
	defer restarted.lock.Unlock()
	resumed := restarted.consensus.instance(10, 2)
	require.True(t, resumed.started)
	require.Equal(t, uint64(0), resumed.round)
	require.Equal(t, uint8(1), resumed.est)
	_, decided := resumed.Decided()
	require.False(t, decided)
}

func TestPriorityOrderIsDeterministic(t *testing.T) {
	committee := newTestCommittee(t, 4)
	node, _ := newOfflineNode(t, committee, 1)

	node.lock.Lock()
	defer node.lock.Unlock()

	// No previous signature: identity order.
	require.Equal(t, []uint64{1, 2, 3, 4}, node.consensus.priorityOrder(1))

	node.blockCache[5] = &CommittedBlock{
		Proposal:     BlockProposal{BlockID: 5, Signature: []byte("p")},
		ThresholdSig: []byte{7, 1, 2, 3, 4, 5, 6, 8, 9, 10},
	}
	first := node.consensus.priorityOrder(6)
	second := node.consensus.priorityOrder(6)
	require.Equal(t, first, second, "the permutation must be deterministic")

	seen := make(map[uint64]bool)
	for _, slot := range first {
		require.True(t, slot >= 1 && slot <= 4)
		seen[slot] = true
	}
	require.Len(t, seen, 4, "the order must be a permutation of every slot")
}

func TestCatchupIntakeRules(t *testing.T) {
	committee := newTestCommittee(t, 4)
	node, face := newOfflineNode(t, committee, 1)

	q := 3
	mkCommitted := func(blockID uint64, payload byte) *CommittedBlock {
		p := BlockProposal{
			SchainID:      1,
			BlockID:       blockID,
			ProposerIndex: 2,
			TimeStampS:    1000 + blockID,
			Txs:           [][]byte{{payload}},
		}
		hash := p.Hash()
		p.Signature = sign.SignEd25519(committee.privKeys[1], hash)
		var partials [][]byte
		for i := 0; i < q; i++ {
			partials = append(partials, sign.SignTSPartial(committee.shares[i], hash))
		}
		return &CommittedBlock{
			Proposal:     p,
			ThresholdSig: sign.AssembleIntactTSPartial(partials, committee.pubPoly, hash, q, 4),
		}
	}

	// A batch that would leave a gap is rejected outright.
	node.BlockCommitsArrivedThroughCatchup([]*CommittedBlock{mkCommitted(5, 1)})
	require.Equal(t, uint64(0), node.LastCommittedBlockID())
	require.Zero(t, face.count())

	// A contiguous batch commits in order.
	node.BlockCommitsArrivedThroughCatchup([]*CommittedBlock{
		mkCommitted(1, 1), mkCommitted(2, 2), mkCommitted(3, 3),
	})
	require.Equal(t, uint64(3), node.LastCommittedBlockID())
	heights, _ := face.snapshot()
	require.Equal(t, []uint64{1, 2, 3}, heights)

	// Overlapping prefixes are skipped, new suffixes applied.
	node.BlockCommitsArrivedThroughCatchup([]*CommittedBlock{
		mkCommitted(3, 3), mkCommitted(4, 4),
	})
	require.Equal(t, uint64(4), node.LastCommittedBlockID())

	// A tampered threshold signature stops the batch.
	bad := mkCommitted(5, 5)
	bad.ThresholdSig[0] ^= 0xff
	node.BlockCommitsArrivedThroughCatchup([]*CommittedBlock{bad})
	require.Equal(t, uint64(4), node.LastCommittedBlockID())

	// Durability: a restart over the same stores recovers the tip.
	dataDir := node.conf.DataDir
	node.Stop()
	conf2 := committee.newConfig(t, 1)
	conf2.DataDir = dataDir
	restarted, err := NewSchain(conf2, nil, &RandomTxSource{BatchSize: 2})
	require.NoError(t, err)
	t.Cleanup(restarted.Stop)
	last, err := restarted.blockDB.LastCommittedBlockID()
	require.NoError(t, err)
	require.Equal(t, uint64(4), last)
}

func TestProposalTimeoutStartsConsensusWithQuorum(t *testing.T) {
	committee := newTestCommittee(t, 4)
	node, _ := newOfflineNode(t, committee, 1)

	node.lock.Lock()
	defer node.lock.Unlock()

	// Store DA proofs for a quorum of slots at the next height.
	for proposer := uint64(1); proposer <= 3; proposer++ {
		hash := []byte{byte(proposer)}
		var partials [][]byte
		for i := 0; i < 3; i++ {
			partials = append(partials, sign.SignTSPartial(committee.shares[i], hash))
		}
		proof := &DAProof{
			BlockID:       1,
			ProposerIndex: proposer,
			BlockHash:     hash,
			ThresholdSig:  sign.AssembleIntactTSPartial(partials, committee.pubPoly, hash, 3, 4),
		}
		serialized, err := encode(proof)
		require.NoError(t, err)
		fresh, err := node.daProofDB.SaveProof(proof.BlockID, proof.ProposerIndex, serialized)
		require.NoError(t, err)
		require.True(t, fresh)
	}

	// A quorum alone does not start consensus before the timeout.
	node.maybeStartConsensus(1)
	require.False(t, node.consensus.started[1])

	// After the timeout the quorum is enough; slot 4 is seeded with 0.
	node.heightTimedOut[1] = true
	node.maybeStartConsensus(1)
	require.True(t, node.consensus.started[1])
	require.Equal(t, uint8(1), node.consensus.instance(1, 1).est)
	require.Equal(t, uint8(0), node.consensus.instance(1, 4).est)
}

func TestHealthCheckFileTransitions(t *testing.T) {
	committee := newTestCommittee(t, 4)
	node, _ := newOfflineNode(t, committee, 1)

	healthFile := filepath.Join(node.conf.DataDir, "HEALTH_CHECK")

	require.NoError(t, node.SetHealthCheckFile(HealthStarting))
	content, err := os.ReadFile(healthFile)
	require.NoError(t, err)
	require.Equal(t, HealthStarting, string(content))

	require.NoError(t, node.StartP2PListen())
	// With no peers listening the check must fail within the deadline.
	err = node.HealthCheck(2 * time.Second)
	require.Error(t, err)
	content, err = os.ReadFile(healthFile)
	require.NoError(t, err)
	require.Equal(t, HealthFailed, string(content))
}
