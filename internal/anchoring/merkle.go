package anchoring

import (
	"crypto/sha256"

	"github.com/evident-proof/evident/internal/model"
)

// Leaf and interior hashes are domain separated so a leaf can never be
// passed off as an interior node.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// Tree is a binary SHA-256 Merkle tree. An odd node is paired with itself.
type Tree struct {
	Levels [][][32]byte
	Root   [32]byte
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash [32]byte
	// Left is true when the sibling sits to the left of the running hash.
	Left bool
}

// LeafHash commits to a seal and its id.
func LeafHash(s *model.SealedEvidence) [32]byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(s.ID[:])
	h.Write(s.Seal)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hashNode(left, right [32]byte) [32]byte {
	var buf [65]byte
	buf[0] = nodePrefix
	copy(buf[1:33], left[:])
	copy(buf[33:], right[:])
	return sha256.Sum256(buf[:])
}

// BuildTree constructs a tree over leaves. An empty tree has a zero root.
func BuildTree(leaves [][32]byte) *Tree {
	t := &Tree{}
	if len(leaves) == 0 {
		return t
	}
	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	t.Levels = append(t.Levels, level)

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashNode(level[i], right))
		}
		t.Levels = append(t.Levels, next)
		level = next
	}
	t.Root = level[0]
	return t
}

// Proof returns the sibling path for the leaf at index, or nil.
func (t *Tree) Proof(index int) []ProofStep {
	if len(t.Levels) == 0 || index < 0 || index >= len(t.Levels[0]) {
		return nil
	}
	var path []ProofStep
	pos := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if pos%2 == 0 {
			sib := level[pos]
			if pos+1 < len(level) {
				sib = level[pos+1]
			}
			path = append(path, ProofStep{Hash: sib})
		} else {
			path = append(path, ProofStep{Hash: level[pos-1], Left: true})
		}
		pos /= 2
	}
	return path
}

// VerifyProof recomputes the root from a leaf and its path.
func VerifyProof(leaf [32]byte, path []ProofStep, root [32]byte) bool {
	cur := leaf
	for _, step := range path {
		if step.Left {
			cur = hashNode(step.Hash, cur)
		} else {
			cur = hashNode(cur, step.Hash)
		}
	}
	return cur == root
}

// Inclusion returns the stored form of the proof for the leaf at index, or nil.
func (t *Tree) Inclusion(index int) *model.InclusionProof {
	if len(t.Levels) == 0 || index < 0 || index >= len(t.Levels[0]) {
		return nil
	}
	path := t.Proof(index)
	p := &model.InclusionProof{Root: append([]byte(nil), t.Root[:]...), Path: make([]model.MerkleStep, len(path))}
	for i, step := range path {
		p.Path[i] = model.MerkleStep{Hash: append([]byte(nil), step.Hash[:]...), Left: step.Left}
	}
	return p
}

// VerifyInclusion reports whether s carries a well-formed proof that leads
// from its leaf to the proof's root.
func VerifyInclusion(s *model.SealedEvidence) bool {
	p := s.Inclusion
	if p == nil || len(p.Root) != 32 {
		return false
	}
	path := make([]ProofStep, len(p.Path))
	for i, step := range p.Path {
		if len(step.Hash) != 32 {
			return false
		}
		copy(path[i].Hash[:], step.Hash)
		path[i].Left = step.Left
	}
	var root [32]byte
	copy(root[:], p.Root)
	return VerifyProof(LeafHash(s), path, root)
}
