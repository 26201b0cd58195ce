package merkle

import (
	"bytes"
	"errors"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidProof is returned when a proof does not fold back to the
// committed snapshot root.
var ErrInvalidProof = errors.New("merkle: proof does not match root")

// leafDomain separates quota leaves from interior nodes so a crafted interior
// hash can never be replayed as a leaf.
var leafDomain = []byte("exodus/snapshot/quota/v1")

// QuotaLeaf computes the leaf commitment for a (participant, quota) pair. The
// quota is serialised as a 32-byte big-endian integer.
func QuotaLeaf(participant [20]byte, quota *big.Int) [32]byte {
	amount := make([]byte, 32)
	if quota != nil && quota.Sign() > 0 {
		quota.FillBytes(amount)
	}
	return ethcrypto.Keccak256Hash(leafDomain, participant[:], amount)
}

// hashPair combines two nodes in lexicographic (min, max) order, making the
// fold agnostic to left/right sibling position.
func hashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256Hash(a[:], b[:])
}

// Fold reduces a leaf through the ordered sibling list toward the root.
func Fold(leaf [32]byte, proof [][32]byte) [32]byte {
	acc := leaf
	for _, sibling := range proof {
		acc = hashPair(acc, sibling)
	}
	return acc
}

// VerifyQuota checks that (participant, quota) is a member of the snapshot
// committed to by root. The proof is the ordered list of sibling hashes from
// the leaf toward the root. The verifier places no bound on proof length;
// callers exposed to untrusted input should bound it themselves.
func VerifyQuota(root [32]byte, participant [20]byte, quota *big.Int, proof [][32]byte) error {
	if Fold(QuotaLeaf(participant, quota), proof) != root {
		return ErrInvalidProof
	}
	return nil
}
