package merkle

import (
	"fmt"
	"math/big"
)

// Entry is one (participant, quota) row of a snapshot.
type Entry struct {
	Participant [20]byte
	Quota       *big.Int
}

// Tree holds every level of a sorted-pair Merkle tree built from snapshot
// entries. Level 0 contains the leaves; the last level contains the root.
// Operators use it to publish a root and hand out per-participant proofs.
type Tree struct {
	levels [][][32]byte
}

// NewTree builds the commitment tree over the supplied entries. Entry order
// is preserved: proofs are issued by leaf index. An odd node at any level is
// carried up unhashed.
func NewTree(entries []Entry) (*Tree, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("merkle: snapshot must contain at least one entry")
	}
	leaves := make([][32]byte, len(entries))
	for i, entry := range entries {
		leaves[i] = QuotaLeaf(entry.Participant, entry.Quota)
	}
	levels := [][][32]byte{leaves}
	for current := leaves; len(current) > 1; {
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 == len(current) {
				next = append(next, current[i])
				continue
			}
			next = append(next, hashPair(current[i], current[i+1]))
		}
		levels = append(levels, next)
		current = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the committed snapshot root.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the ordered sibling hashes for the leaf at the given index.
func (t *Tree) Proof(index int) ([][32]byte, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range", index)
	}
	proof := make([][32]byte, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		index /= 2
	}
	return proof, nil
}
