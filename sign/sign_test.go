package sign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEd25519RoundTrip(t *testing.T) {
	privKey, pubKey := GenED25519Keys()
	data := []byte("an ordered batch of transactions")
	sig := SignEd25519(privKey, data)

	ok, err := VerifySignEd25519(pubKey, data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifySignEd25519(pubKey, append(data, 'x'), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestThresholdSignatures(t *testing.T) {
	const (
		n = 4
		q = 3
	)
	shares, pubPoly := GenTSKeys(q, n)
	data := []byte("block hash to attest")

	var partialSigs [][]byte
	for i := 0; i < q; i++ {
		partialSig := SignTSPartial(shares[i], data)
		signer, err := VerifyTSPartial(pubPoly, data, partialSig)
		require.NoError(t, err)
		require.Equal(t, i, signer)
		partialSigs = append(partialSigs, partialSig)
	}

	intactSig := AssembleIntactTSPartial(partialSigs, pubPoly, data, q, n)
	ok, err := VerifyTS(pubPoly, data, intactSig)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = VerifyTS(pubPoly, []byte("a different message"), intactSig)
	require.Error(t, err)
}

func TestThresholdPartialRejectsWrongMessage(t *testing.T) {
	shares, pubPoly := GenTSKeys(3, 4)
	partialSig := SignTSPartial(shares[0], []byte("signed message"))
	_, err := VerifyTSPartial(pubPoly, []byte("another message"), partialSig)
	require.Error(t, err)
}

func TestTSKeyCodecs(t *testing.T) {
	shares, pubPoly := GenTSKeys(3, 4)

	encodedPub, err := EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)
	decodedPub, err := DecodeTSPublicKey(encodedPub)
	require.NoError(t, err)
	require.True(t, pubPoly.Equal(decodedPub))

	encodedShare, err := EncodeTSPartialKey(shares[2])
	require.NoError(t, err)
	decodedShare, err := DecodeTSPartialKey(encodedShare)
	require.NoError(t, err)
	require.Equal(t, shares[2].I, decodedShare.I)
	require.True(t, shares[2].V.Equal(decodedShare.V))

	_, err = DecodeTSPublicKey([]byte{1, 2, 3})
	require.Error(t, err)
}
