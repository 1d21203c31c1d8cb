package schain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/share"

	"github.com/schainlabs/schain/config"
	"github.com/schainlabs/schain/sign"
)

// recordingExtFace records the commit stream a node publishes.
type recordingExtFace struct {
	mu      sync.Mutex
	heights []uint64
	digests map[uint64][32]byte
}

func newRecordingExtFace() *recordingExtFace {
	return &recordingExtFace{digests: make(map[uint64][32]byte)}
}

func (r *recordingExtFace) CreateBlock(txs [][]byte, _ uint64, _ uint32, blockID uint64, _ *uint256.Int) {
	h := sha256.New()
	for _, tx := range txs {
		h.Write(tx)
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.heights = append(r.heights, blockID)
	r.digests[blockID] = digest
}

func (r *recordingExtFace) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.heights)
}

func (r *recordingExtFace) snapshot() ([]uint64, map[uint64][32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	heights := append([]uint64{}, r.heights...)
	digests := make(map[uint64][32]byte, len(r.digests))
	for k, v := range r.digests {
		digests[k] = v
	}
	return heights, digests
}

func waitForCommits(t *testing.T, faces []*recordingExtFace, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		done := true
		for _, face := range faces {
			if face.count() < want {
				done = false
				break
			}
		}
		if done {
			return
		}
		if time.Now().After(deadline) {
			counts := make([]int, len(faces))
			for i, face := range faces {
				counts[i] = face.count()
			}
			t.Fatalf("nodes did not commit %d blocks in %s, counts: %v", want, timeout, counts)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, n)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ports[i] = l.Addr().(*net.TCPAddr).Port
		require.NoError(t, l.Close())
	}
	return ports
}

type testCommittee struct {
	records  map[uint64]*config.NodeRecord
	privKeys []ed25519.PrivateKey
	shares   []*share.PriShare
	pubPoly  *share.PubPoly
}

func newTestCommittee(t *testing.T, n int) *testCommittee {
	t.Helper()
	ports := freePorts(t, n)
	c := &testCommittee{records: make(map[uint64]*config.NodeRecord, n)}
	for i := 0; i < n; i++ {
		privKey, pubKey := sign.GenED25519Keys()
		c.privKeys = append(c.privKeys, privKey)
		index := uint64(i + 1)
		c.records[index] = &config.NodeRecord{
			NodeID:      index,
			SchainIndex: index,
			IP:          "127.0.0.1",
			Port:        ports[i],
			PublicKey:   pubKey,
		}
	}
	f := (n - 1) / 3
	c.shares, c.pubPoly = sign.GenTSKeys(2*f+1, n)
	return c
}

func (c *testCommittee) newConfig(t *testing.T, index uint64) *config.Config {
	conf := config.New(1, fmt.Sprintf("node%d", index), index, index, c.records, 4,
		t.TempDir(), c.privKeys[index-1], c.pubPoly, c.shares[index-1],
		int(hclog.Warn), 8)
	conf.ProposalTimeoutMs = 1500
	conf.WaitAfterNetworkErrorMs = 200
	conf.ProposalRetryIntervalMs = 200
	conf.CatchupIntervalMs = 800
	return conf
}

func startNode(t *testing.T, conf *config.Config) (*Schain, *recordingExtFace) {
	t.Helper()
	face := newRecordingExtFace()
	node, err := NewSchain(conf, face, &RandomTxSource{BatchSize: conf.BatchSize, TxSize: 64})
	require.NoError(t, err)
	require.NoError(t, node.Start())
	return node, face
}

// requireAgreement checks that every node committed the same batch at every
// height all of them reached, with no gaps and no repeats.
func requireAgreement(t *testing.T, faces []*recordingExtFace, upTo uint64) {
	t.Helper()
	_, reference := faces[0].snapshot()
	for i, face := range faces {
		heights, digests := face.snapshot()
		for j, h := range heights {
			require.Equal(t, uint64(j+1), h,
				"node %d: commit stream must be 1,2,... with no gaps", i+1)
		}
		for h := uint64(1); h <= upTo; h++ {
			require.Equal(t, reference[h], digests[h],
				"node %d: disagreement at height %d", i+1, h)
		}
	}
}

// TestFourNodeHappyPath runs a full 4-node committee and expects every node
// to commit the same first three blocks.
func TestFourNodeHappyPath(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-node integration test in short mode")
	}
	committee := newTestCommittee(t, 4)

	nodes := make([]*Schain, 4)
	faces := make([]*recordingExtFace, 4)
	for i := 0; i < 4; i++ {
		nodes[i], faces[i] = startNode(t, committee.newConfig(t, uint64(i+1)))
	}
	defer func() {
		for _, node := range nodes {
			node.Stop()
		}
	}()

	for _, node := range nodes {
		require.NoError(t, node.Bootstrap())
	}

	waitForCommits(t, faces, 3, 90*time.Second)
	requireAgreement(t, faces, 3)
}

// TestSilentProposer leaves the fourth seat empty: the remaining quorum must
// still commit after the proposal timeout writes the silent slot off.
func TestSilentProposer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-node integration test in short mode")
	}
	committee := newTestCommittee(t, 4)

	nodes := make([]*Schain, 3)
	faces := make([]*recordingExtFace, 3)
	for i := 0; i < 3; i++ {
		nodes[i], faces[i] = startNode(t, committee.newConfig(t, uint64(i+1)))
	}
	defer func() {
		for _, node := range nodes {
			node.Stop()
		}
	}()

	for _, node := range nodes {
		require.NoError(t, node.Bootstrap())
	}

	waitForCommits(t, faces, 2, 90*time.Second)
	requireAgreement(t, faces, 2)
}

// TestLaggingNodeCatchesUp starts the fourth node's proposer late: it must
// pull the missed blocks through catch-up, in order, and then take part.
func TestLaggingNodeCatchesUp(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-node integration test in short mode")
	}
	committee := newTestCommittee(t, 4)

	nodes := make([]*Schain, 4)
	faces := make([]*recordingExtFace, 4)
	for i := 0; i < 3; i++ {
		nodes[i], faces[i] = startNode(t, committee.newConfig(t, uint64(i+1)))
	}
	defer func() {
		for _, node := range nodes {
			if node != nil {
				node.Stop()
			}
		}
	}()

	// Only three nodes run the protocol at first; the fourth is not even
	// listening.
	for i := 0; i < 3; i++ {
		require.NoError(t, nodes[i].Bootstrap())
	}
	waitForCommits(t, faces[:3], 2, 90*time.Second)

	// The fourth joins late and pulls the missed blocks from its peers.
	nodes[3], faces[3] = startNode(t, committee.newConfig(t, 4))
	require.NoError(t, nodes[3].Bootstrap())
	waitForCommits(t, faces, 3, 120*time.Second)
	requireAgreement(t, faces, 2)
}
