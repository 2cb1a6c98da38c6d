// Package idmap implements fixed-width-key hash maps used on the policy
// lookup hot path, where a general map[string]T would force an
// allocation and a hash recompute per probe. Keys are caller-hashed so
// callers that already have a hash (e.g. xxhash of a fingerprint) don't
// pay for it twice.
package idmap

import "bytes"

// keyWidth is the node key width in bytes (320 bits); named distinctly
// from the test file's own bytesKeyLen constant of the same value to
// avoid a duplicate declaration in this package.
const keyWidth = 40

// u320IDMapNode is one 320-bit (40-byte) keyed entry, chained within its
// bucket via an index into the map's node slab rather than a pointer, to
// keep the hot chain-walk free of per-node allocations.
type u320IDMapNode struct {
	key   [keyWidth]byte
	hash  uint32
	value uint32
	next  int32
}

const noNext = -1

// U320IDMap is a single-writer hash map keyed by a 40-byte fixed-width
// key, sized as the backing store for one FastPath shard's fingerprint
// table. Removed nodes' slab slots are tracked in free and reused by the
// next insert, so repeated evict/insert cycles never grow nodes without
// bound.
type U320IDMap struct {
	buckets []int32
	nodes   []u320IDMapNode
	free    []int32
	mask    uint32
	size    int
	width   int
}

// NewU320IDMap creates a map whose bucket count is the next power of two
// at or above hashSize.
func NewU320IDMap(hashSize int) *U320IDMap {
	n := nextPow2(hashSize)
	buckets := make([]int32, n)
	for i := range buckets {
		buckets[i] = noNext
	}
	return &U320IDMap{
		buckets: buckets,
		nodes:   make([]u320IDMapNode, 0, n),
		mask:    uint32(n - 1),
	}
}

func nextPow2(n int) int {
	if n < 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// AddOrGet inserts (key,value) if key is absent, returning (value, true).
// If key is already present, it returns the stored value and false;
// when overwrite is set the stored value is replaced with value first.
func (m *U320IDMap) AddOrGet(key []byte, hash uint32, value uint32, overwrite bool) (uint32, bool) {
	idx := hash & m.mask
	for n := m.buckets[idx]; n != noNext; n = m.nodes[n].next {
		node := &m.nodes[n]
		if node.hash == hash && bytes.Equal(node.key[:], key) {
			if overwrite {
				node.value = value
			}
			return node.value, false
		}
	}

	node := u320IDMapNode{hash: hash, value: value, next: m.buckets[idx]}
	copy(node.key[:], key)

	var slot int32
	if n := len(m.free); n > 0 {
		slot = m.free[n-1]
		m.free = m.free[:n-1]
		m.nodes[slot] = node
	} else {
		m.nodes = append(m.nodes, node)
		slot = int32(len(m.nodes) - 1)
	}
	m.buckets[idx] = slot
	m.size++

	if w := m.chainLen(idx); w > m.width {
		m.width = w
	}
	return value, true
}

// Get looks up key without mutating the map.
func (m *U320IDMap) Get(key []byte, hash uint32) (uint32, bool) {
	idx := hash & m.mask
	for n := m.buckets[idx]; n != noNext; n = m.nodes[n].next {
		node := &m.nodes[n]
		if node.hash == hash && bytes.Equal(node.key[:], key) {
			return node.value, true
		}
	}
	return 0, false
}

// Remove deletes key if present, reporting whether it was found. Used by
// the fast-path's FIFO eviction; not on the hot lookup path.
func (m *U320IDMap) Remove(key []byte, hash uint32) bool {
	idx := hash & m.mask
	prev := int32(noNext)
	for n := m.buckets[idx]; n != noNext; n = m.nodes[n].next {
		node := &m.nodes[n]
		if node.hash == hash && bytes.Equal(node.key[:], key) {
			if prev == noNext {
				m.buckets[idx] = node.next
			} else {
				m.nodes[prev].next = node.next
			}
			m.free = append(m.free, n)
			m.size--
			return true
		}
		prev = n
	}
	return false
}

func (m *U320IDMap) chainLen(idx uint32) int {
	l := 0
	for n := m.buckets[idx]; n != noNext; n = m.nodes[n].next {
		l++
	}
	return l
}

// Clear drops all entries, keeping the bucket array allocated.
func (m *U320IDMap) Clear() {
	for i := range m.buckets {
		m.buckets[i] = noNext
	}
	m.nodes = m.nodes[:0]
	m.free = m.free[:0]
	m.size = 0
	m.width = 0
}

// Size returns the number of entries currently stored.
func (m *U320IDMap) Size() int { return m.size }

// Width returns the longest bucket chain ever observed, a cheap proxy
// for how skewed the hash distribution is.
func (m *U320IDMap) Width() int { return m.width }
