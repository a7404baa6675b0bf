package qcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// Key construction. All tiers key on content hashes; L1 and L3 carry the
// user ID as a prefix segment so invalidation can purge one user without
// touching another, while L2 is keyed on query text alone so identical
// phrasing across users shares one embedding.

// L1Key builds a query-result key for a user. paramsFingerprint must be a
// stable encoding of the retrieval parameters: two requests with different
// parameters are different answers.
func (c *Caches) L1Key(userID, normalizedQuery, paramsFingerprint string) string {
	sum := hashStrings(normalizedQuery, paramsFingerprint)
	return c.L1.UserPrefix(userID) + sum
}

// L2Key builds an embedding key from normalized query text only
func (c *Caches) L2Key(normalizedQuery string) string {
	return c.L2.keyPrefix + hashStrings(normalizedQuery)
}

// L3Key builds a context-selection key for a user from the query embedding
func (c *Caches) L3Key(userID string, embedding []float32) string {
	return c.L3.UserPrefix(userID) + hashEmbedding(embedding)
}

func hashStrings(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

func hashEmbedding(embedding []float32) string {
	h := sha256.New()
	var buf [4]byte
	for _, v := range embedding {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

// UserPrefix returns the key prefix holding every entry for one user in
// this tier. Prefix deletion over it is the invalidation unit.
func (t *Tier) UserPrefix(userID string) string {
	return fmt.Sprintf("%s{%s}:", t.keyPrefix, userID)
}
