package group

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Filter is a small cuckoo filter used to suppress re-broadcast of
// messages this node has already seen. No cuckoo filter library exists
// anywhere in the retrieved pack, so this hand-rolls the standard
// two-bucket-candidate design on top of cespare/xxhash/v2 (already a
// pack dependency, pulled in by go-ethereum) rather than reaching for a
// plain map, which would grow unboundedly for a long-lived gossip node.
type Filter struct {
	mu      sync.Mutex
	buckets [][bucketSize]fingerprint
	mask    uint64
}

const (
	bucketSize  = 4
	maxKicks    = 500
	fingerprintBits = 8
)

type fingerprint uint8

// NewFilter builds a filter with capacity rounded up to the next power
// of two number of buckets, each holding bucketSize fingerprint slots.
func NewFilter(capacity int) *Filter {
	numBuckets := nextPow2(uint64(capacity / bucketSize))
	if numBuckets == 0 {
		numBuckets = 1
	}
	return &Filter{
		buckets: make([][bucketSize]fingerprint, numBuckets),
		mask:    numBuckets - 1,
	}
}

func nextPow2(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	p := uint64(1)
	for p < v {
		p <<= 1
	}
	return p
}

func (f *Filter) indexAndFingerprint(key []byte) (i1 uint64, fp fingerprint) {
	h := xxhash.Sum64(key)
	fp = fingerprint(h&0xff) | 1 // never zero, zero means "empty slot"
	i1 = (h >> 8) & f.mask
	return
}

func (f *Filter) altIndex(i uint64, fp fingerprint) uint64 {
	h := xxhash.Sum64([]byte{byte(fp)})
	return (i ^ h) & f.mask
}

// Contains reports whether key was already inserted.
func (f *Filter) Contains(key []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i1, fp := f.indexAndFingerprint(key)
	i2 := f.altIndex(i1, fp)
	return f.bucketHas(i1, fp) || f.bucketHas(i2, fp)
}

func (f *Filter) bucketHas(i uint64, fp fingerprint) bool {
	b := f.buckets[i]
	for _, slot := range b {
		if slot == fp {
			return true
		}
	}
	return false
}

// Insert adds key, evicting via cuckoo kicks if both candidate buckets
// are full. Returns false if it could not find room (filter too full).
func (f *Filter) Insert(key []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i1, fp := f.indexAndFingerprint(key)
	if f.insertIntoBucket(i1, fp) {
		return true
	}
	i2 := f.altIndex(i1, fp)
	if f.insertIntoBucket(i2, fp) {
		return true
	}

	i := i2
	for n := 0; n < maxKicks; n++ {
		slot := n % bucketSize
		fp, f.buckets[i][slot] = f.buckets[i][slot], fp
		i = f.altIndex(i, fp)
		if f.insertIntoBucket(i, fp) {
			return true
		}
	}
	return false
}

func (f *Filter) insertIntoBucket(i uint64, fp fingerprint) bool {
	for j, slot := range f.buckets[i] {
		if slot == 0 {
			f.buckets[i][j] = fp
			return true
		}
	}
	return false
}

// Seen reports whether key has been observed before and records it
// atomically if not, so concurrent broadcast-relay goroutines never
// both treat the same message as novel.
func (f *Filter) Seen(key []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i1, fp := f.indexAndFingerprint(key)
	i2 := f.altIndex(i1, fp)
	if f.bucketHas(i1, fp) || f.bucketHas(i2, fp) {
		return true
	}
	if f.insertIntoBucket(i1, fp) || f.insertIntoBucket(i2, fp) {
		return false
	}
	i := i2
	for n := 0; n < maxKicks; n++ {
		slot := n % bucketSize
		fp, f.buckets[i][slot] = f.buckets[i][slot], fp
		i = f.altIndex(i, fp)
		if f.insertIntoBucket(i, fp) {
			return false
		}
	}
	return false
}
