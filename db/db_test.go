package db

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "db-test", Level: hclog.Warn})
}

func TestFormatVersionValidation(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "test.db", testLogger())
	require.NoError(t, err)

	require.NoError(t, store.put([]byte("k"), []byte("v")))
	require.NoError(t, store.Close())

	// Reopen succeeds with the matching version tag.
	store, err = Open(dir, "test.db", testLogger())
	require.NoError(t, err)
	value, err := store.get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	// Corrupt the version tag and expect the open to fail.
	require.NoError(t, store.put(formatVersionKey, []byte("0.9")))
	require.NoError(t, store.Close())
	_, err = Open(dir, "test.db", testLogger())
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestShareSetReachesThresholdOnce(t *testing.T) {
	shares, err := NewDASigShareDB(t.TempDir(), 1, testLogger())
	require.NoError(t, err)
	defer shares.Close()

	const (
		blockID  = 5
		proposer = 2
		q        = 3
	)

	set, err := shares.CheckAndSaveShare(blockID, proposer, 1, []byte("s1"), q)
	require.NoError(t, err)
	require.Nil(t, set)

	// A duplicate signer is "not enough change".
	set, err = shares.CheckAndSaveShare(blockID, proposer, 1, []byte("s1-again"), q)
	require.NoError(t, err)
	require.Nil(t, set)

	set, err = shares.CheckAndSaveShare(blockID, proposer, 2, []byte("s2"), q)
	require.NoError(t, err)
	require.Nil(t, set)

	set, err = shares.CheckAndSaveShare(blockID, proposer, 3, []byte("s3"), q)
	require.NoError(t, err)
	require.Len(t, set, q)
	require.Equal(t, []byte("s1"), set[1])
	require.Equal(t, []byte("s2"), set[2])
	require.Equal(t, []byte("s3"), set[3])

	// The completed set is emitted exactly once.
	set, err = shares.CheckAndSaveShare(blockID, proposer, 4, []byte("s4"), q)
	require.NoError(t, err)
	require.Nil(t, set)

	// A different proposer slot at the same height counts separately.
	set, err = shares.CheckAndSaveShare(blockID, proposer+1, 1, []byte("t1"), q)
	require.NoError(t, err)
	require.Nil(t, set)
}

func TestBlockDBSanityAndAppendOnly(t *testing.T) {
	blocks, err := NewBlockDB(t.TempDir(), 1, testLogger())
	require.NoError(t, err)
	defer blocks.Close()

	payload := []byte("serialized committed block")
	framed := FrameSerialized(payload)
	require.NoError(t, SerializedSanityCheck(framed))

	// Bad magic and bad length prefix are rejected.
	badMagic := append([]byte{}, framed...)
	badMagic[0] = 0x34
	require.Error(t, SerializedSanityCheck(badMagic))
	badLen := append([]byte{}, framed...)
	badLen[8]++
	require.Error(t, SerializedSanityCheck(badLen))

	require.NoError(t, blocks.SaveBlock(1, framed))
	require.Error(t, blocks.SaveBlock(1, framed), "height 1 is append-only")

	stored, err := blocks.GetSerializedBlock(1)
	require.NoError(t, err)
	require.Equal(t, framed, stored)

	missing, err := blocks.GetSerializedBlock(2)
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, blocks.SaveBlock(2, framed))
	last, err := blocks.LastCommittedBlockID()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
}

func TestProposalDBCacheAndOwnPersistence(t *testing.T) {
	const ownIndex = 2
	dir := t.TempDir()
	proposals, err := NewProposalDB(dir, 1, ownIndex, 4, testLogger())
	require.NoError(t, err)

	type proposal struct{ Payload string }

	require.NoError(t, proposals.Put(1, 3, &proposal{"remote"}, []byte("remote-bytes")))
	require.NoError(t, proposals.Put(1, ownIndex, &proposal{"own"}, []byte("own-bytes")))

	cached, ok := proposals.Get(1, 3)
	require.True(t, ok)
	require.Equal(t, "remote", cached.(*proposal).Payload)

	exists, err := proposals.Exists(1, ownIndex)
	require.NoError(t, err)
	require.True(t, exists)

	// Only the own proposal survives a restart.
	require.NoError(t, proposals.Close())
	proposals, err = NewProposalDB(dir, 1, ownIndex, 4, testLogger())
	require.NoError(t, err)
	defer proposals.Close()

	_, ok = proposals.Get(1, 3)
	require.False(t, ok)
	serialized, err := proposals.GetSerializedOwn(1)
	require.NoError(t, err)
	require.Equal(t, []byte("own-bytes"), serialized)
}

func TestConsensusStateRoundTrip(t *testing.T) {
	states, err := NewConsensusStateDB(t.TempDir(), 1, testLogger())
	require.NoError(t, err)
	defer states.Close()

	none, err := states.ReadLatestRoundState(10, 2)
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, states.WriteRoundState(10, 2, &RoundState{Round: 0, Est: 1}))
	require.NoError(t, states.WriteRoundState(10, 2, &RoundState{
		Round: 2, Est: 1, BinValues: []uint8{1}, AuxValues: []uint8{1},
	}))
	require.NoError(t, states.WriteRoundState(10, 3, &RoundState{Round: 5, Est: 0}))

	state, err := states.ReadLatestRoundState(10, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), state.Round)
	require.Equal(t, uint8(1), state.Est)
	require.Equal(t, []uint8{1}, state.BinValues)
	require.False(t, state.Decided)
}

func TestPriceAndRandomDBs(t *testing.T) {
	dir := t.TempDir()

	prices, err := NewPriceDB(dir, 1, testLogger())
	require.NoError(t, err)
	defer prices.Close()

	price := uint256.NewInt(100000)
	require.NoError(t, prices.SavePrice(7, price))
	read, err := prices.ReadPrice(7)
	require.NoError(t, err)
	require.Equal(t, price, read)

	randoms, err := NewRandomDB(dir, 1, testLogger())
	require.NoError(t, err)
	defer randoms.Close()

	require.NoError(t, randoms.SaveRandom(7, 2, 0, 0xdeadbeef))
	random, ok, err := randoms.ReadRandom(7, 2, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0xdeadbeef), random)

	_, ok, err = randoms.ReadRandom(7, 2, 1)
	require.NoError(t, err)
	require.False(t, ok)
}
