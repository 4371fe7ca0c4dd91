// Package merkle computes a deterministic content fingerprint over an
// ordered sequence of job identifiers. Two Tasks created from identical,
// identically-ordered input sequences always yield the same root; any
// change in membership or order changes it.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

// EmptyRoot is the sentinel digest for an empty ID sequence.
var EmptyRoot = hex.EncodeToString(sha256.New().Sum(nil))

// Root computes the Merkle root over ids, an ordered sequence of job
// identifiers. Leaves are SHA-256 digests of each ID; interior nodes are
// SHA-256 digests of the concatenation of their two children. An odd node
// out at any level is promoted unchanged to the next level (Bitcoin-style
// duplication is deliberately avoided so a sequence is never confusable
// with one that repeats its last element).
func Root(ids []string) string {
	if len(ids) == 0 {
		return EmptyRoot
	}

	level := make([][]byte, len(ids))
	for i, id := range ids {
		level[i] = leafHash(id)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, nodeHash(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}

	return hex.EncodeToString(level[0])
}

func leafHash(id string) []byte {
	h := sha256.Sum256([]byte(id))
	return h[:]
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
