/*
Package sign wraps the ED25519 and BLS threshold signature operations used by
the consensus engine. Threshold signing is built on kyber's tbls scheme over
the bn256 pairing suite: shares are produced with SignTSPartial and combined
into an intact signature with AssembleIntactTSPartial once enough of them are
collected.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return privKey, pubKey
}

// SignEd25519 signs the data with the ED25519 private key.
func SignEd25519(privateKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privateKey, data)
}

// VerifySignEd25519 verifies an ED25519 signature over the data.
func VerifySignEd25519(publicKey ed25519.PublicKey, data, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, errors.New("ed25519 public key has a wrong size")
	}
	return ed25519.Verify(publicKey, data, sig), nil
}

// GenTSKeys generates n threshold key shares with threshold t and the matching
// public polynomial.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	shares := priPoly.Shares(n)
	return shares, pubPoly
}

// SignTSPartial creates a partial threshold signature over the data.
func SignTSPartial(priShare *share.PriShare, data []byte) []byte {
	partialSig, err := tbls.Sign(suite, priShare, data)
	if err != nil {
		panic(err)
	}
	return partialSig
}

// VerifyTSPartial checks a partial threshold signature over the data and
// returns the index of the share that produced it.
func VerifyTSPartial(pubPoly *share.PubPoly, data, partialSig []byte) (int, error) {
	if err := tbls.Verify(suite, pubPoly, data, partialSig); err != nil {
		return 0, err
	}
	return tbls.SigShare(partialSig).Index()
}

// AssembleIntactTSPartial recovers the intact threshold signature from at
// least t partial signatures.
func AssembleIntactTSPartial(partialSigs [][]byte, pubPoly *share.PubPoly, data []byte, t, n int) []byte {
	intactSig, err := tbls.Recover(suite, pubPoly, data, partialSigs, t, n)
	if err != nil {
		panic(err)
	}
	return intactSig
}

// RecoverTS is the non-panicking variant of AssembleIntactTSPartial used where
// the caller can reject bad shares instead of crashing.
func RecoverTS(partialSigs [][]byte, pubPoly *share.PubPoly, data []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pubPoly, data, partialSigs, t, n)
}

// VerifyTS verifies an intact threshold signature over the data.
func VerifyTS(pubPoly *share.PubPoly, data, intactSig []byte) (bool, error) {
	if err := bls.Verify(suite, pubPoly.Commit(), data, intactSig); err != nil {
		return false, err
	}
	return true, nil
}

// EncodeTSPublicKey serializes the public polynomial to bytes so it can be
// stored in a configuration file.
func EncodeTSPublicKey(pubPoly *share.PubPoly) ([]byte, error) {
	_, commits := pubPoly.Info()
	var encoded []byte
	for _, commit := range commits {
		commitAsBytes, err := commit.MarshalBinary()
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, commitAsBytes...)
	}
	return encoded, nil
}

// DecodeTSPublicKey restores a public polynomial encoded by EncodeTSPublicKey.
func DecodeTSPublicKey(encoded []byte) (*share.PubPoly, error) {
	pointLen := suite.G2().Point().MarshalSize()
	if len(encoded) == 0 || len(encoded)%pointLen != 0 {
		return nil, fmt.Errorf("encoded threshold public key has a wrong length: %d", len(encoded))
	}
	var commits []kyber.Point
	for i := 0; i < len(encoded); i += pointLen {
		commit := suite.G2().Point()
		if err := commit.UnmarshalBinary(encoded[i : i+pointLen]); err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}

// EncodeTSPartialKey serializes a private key share to bytes.
func EncodeTSPartialKey(priShare *share.PriShare) ([]byte, error) {
	scalarAsBytes, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	encoded := make([]byte, 2+len(scalarAsBytes))
	binary.BigEndian.PutUint16(encoded, uint16(priShare.I))
	copy(encoded[2:], scalarAsBytes)
	return encoded, nil
}

// DecodeTSPartialKey restores a private key share encoded by
// EncodeTSPartialKey.
func DecodeTSPartialKey(encoded []byte) (*share.PriShare, error) {
	if len(encoded) <= 2 {
		return nil, errors.New("encoded threshold key share is too short")
	}
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(encoded[2:]); err != nil {
		return nil, err
	}
	return &share.PriShare{I: int(binary.BigEndian.Uint16(encoded)), V: scalar}, nil
}
