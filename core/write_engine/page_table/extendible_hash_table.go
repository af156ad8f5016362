// Package pagetable implements an in-memory extendible hash table. The
// buffer pool uses it as its page table (PageID -> FrameID), but the
// structure is generic over any comparable key.
package pagetable

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// maxGlobalDepth caps directory growth at 64 hash bits. Hitting the cap is
// a programming error; realistic pool sizes stay far below it.
const maxGlobalDepth = 64

// HashFunc maps a key to the hash value the directory is indexed by.
// Injectable so callers control distribution (and tests can use identity
// hashes to force splits deterministically).
type HashFunc[K comparable] func(K) uint64

type entry[K comparable, V any] struct {
	key   K
	value V
}

type bucket[K comparable, V any] struct {
	capacity int
	depth    int
	// selfHash is the low-bit pattern (depth bits wide) shared by every
	// key routed to this bucket.
	selfHash uint64
	items    []entry[K, V]
}

func newBucket[K comparable, V any](capacity int, selfHash uint64, depth int) *bucket[K, V] {
	return &bucket[K, V]{
		capacity: capacity,
		depth:    depth,
		selfHash: selfHash,
		items:    make([]entry[K, V], 0, capacity),
	}
}

func (b *bucket[K, V]) find(key K) (V, bool) {
	for i := range b.items {
		if b.items[i].key == key {
			return b.items[i].value, true
		}
	}
	var zero V
	return zero, false
}

func (b *bucket[K, V]) remove(key K) bool {
	for i := range b.items {
		if b.items[i].key == key {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return true
		}
	}
	return false
}

// insert updates in place, appends if there is room, and reports false
// when the bucket is full.
func (b *bucket[K, V]) insert(key K, value V) bool {
	for i := range b.items {
		if b.items[i].key == key {
			b.items[i].value = value
			return true
		}
	}
	if len(b.items) >= b.capacity {
		return false
	}
	b.items = append(b.items, entry[K, V]{key: key, value: value})
	return true
}

// ExtendibleHashTable maps keys to values with dynamic bucket splitting
// and directory doubling. One coarse latch serialises all public
// operations.
type ExtendibleHashTable[K comparable, V any] struct {
	mu          sync.Mutex
	globalDepth int
	bucketSize  int
	numBuckets  int
	dir         []*bucket[K, V]
	hash        HashFunc[K]
	logger      *zap.Logger
}

// NewExtendibleHashTable creates a table whose buckets hold bucketSize
// entries each. The directory starts at global depth 0 with a single
// bucket.
func NewExtendibleHashTable[K comparable, V any](bucketSize int, hash HashFunc[K], logger *zap.Logger) *ExtendibleHashTable[K, V] {
	if bucketSize <= 0 {
		panic(fmt.Sprintf("pagetable: bucket size must be positive, got %d", bucketSize))
	}
	if hash == nil {
		panic("pagetable: hash function must be provided")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtendibleHashTable[K, V]{
		globalDepth: 0,
		bucketSize:  bucketSize,
		numBuckets:  1,
		dir:         []*bucket[K, V]{newBucket[K, V](bucketSize, 0, 0)},
		hash:        hash,
		logger:      logger,
	}
}

// indexOf routes a key to its directory slot using the low globalDepth
// bits of the hash.
func (t *ExtendibleHashTable[K, V]) indexOf(key K) int {
	mask := (uint64(1) << t.globalDepth) - 1
	return int(t.hash(key) & mask)
}

// Find returns the value currently associated with key, if any.
func (t *ExtendibleHashTable[K, V]) Find(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir[t.indexOf(key)].find(key)
}

// Remove deletes the mapping for key and reports whether it existed.
func (t *ExtendibleHashTable[K, V]) Remove(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir[t.indexOf(key)].remove(key)
}

// Insert inserts or updates the mapping for key. It always succeeds:
// a full bucket is split, and when the bucket's local depth already equals
// the global depth the directory is doubled first.
func (t *ExtendibleHashTable[K, V]) Insert(key K, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		b := t.dir[t.indexOf(key)]
		if b.insert(key, value) {
			return
		}
		if t.splitBucket(b) {
			continue
		}
		if !t.expandDir() {
			panic("pagetable: directory cannot grow past 64 bits")
		}
	}
}

// splitBucket splits a full bucket of local depth d into two buckets of
// depth d+1 and rewires every directory slot that pointed at it. Reports
// false when the bucket's depth already equals the global depth (the
// directory must be doubled first).
func (t *ExtendibleHashTable[K, V]) splitBucket(b *bucket[K, V]) bool {
	if b.depth == t.globalDepth {
		return false
	}
	d := b.depth
	b0 := newBucket[K, V](t.bucketSize, b.selfHash, d+1)
	b1 := newBucket[K, V](t.bucketSize, (uint64(1)<<d)|b.selfHash, d+1)
	// All 2^(globalDepth-d) slots matching the old pattern are rewired by
	// the d-th bit of the slot index.
	for i := 0; i < 1<<(t.globalDepth-d); i++ {
		idx := (uint64(i) << d) | b.selfHash
		if i&1 == 0 {
			t.dir[idx] = b0
		} else {
			t.dir[idx] = b1
		}
	}
	t.numBuckets++
	// Redistribute; every entry lands without further splits because the
	// two buckets partition the old pattern.
	for _, it := range b.items {
		if !t.dir[t.indexOf(it.key)].insert(it.key, it.value) {
			panic("pagetable: redistribution overflow after split")
		}
	}
	t.logger.Debug("split bucket",
		zap.Int("local_depth", d+1),
		zap.Int("num_buckets", t.numBuckets))
	return true
}

// expandDir doubles the directory. Each new slot i initially aliases the
// bucket at i masked by the old global depth.
func (t *ExtendibleHashTable[K, V]) expandDir() bool {
	if t.globalDepth == maxGlobalDepth {
		return false
	}
	newDir := make([]*bucket[K, V], 2<<t.globalDepth)
	mask := (uint64(1) << t.globalDepth) - 1
	for i := range newDir {
		newDir[i] = t.dir[uint64(i)&mask]
	}
	t.dir = newDir
	t.globalDepth++
	t.logger.Debug("doubled directory", zap.Int("global_depth", t.globalDepth))
	return true
}

// GlobalDepth returns the number of low-order hash bits indexing the
// directory.
func (t *ExtendibleHashTable[K, V]) GlobalDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalDepth
}

// LocalDepth returns the local depth of the bucket at dirIndex, or -1 for
// an out-of-range index.
func (t *ExtendibleHashTable[K, V]) LocalDepth(dirIndex int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dirIndex < 0 || dirIndex >= len(t.dir) {
		return -1
	}
	return t.dir[dirIndex].depth
}

// NumBuckets returns the number of distinct buckets behind the directory.
func (t *ExtendibleHashTable[K, V]) NumBuckets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numBuckets
}
