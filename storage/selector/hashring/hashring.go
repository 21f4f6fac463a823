// Package hashring implements a consistent-hash ring over storage.Bucket,
// giving storage.Selector.Select a stable bucket-per-object-ID mapping that
// only reshuffles a small fraction of keys when the bucket set changes.
package hashring

import (
	"context"
	"hash/crc32"
	"sort"
	"strconv"
	"sync"

	"github.com/relaycache/tavern/api/defined/v1/storage"
	"github.com/relaycache/tavern/api/defined/v1/storage/object"
)

type Option func(*Ring)

// WithReplicas sets the number of virtual nodes placed on the ring per
// bucket; higher values smooth the key distribution at the cost of a
// larger ring.
func WithReplicas(n int) Option {
	return func(r *Ring) { r.replicas = n }
}

var _ storage.Selector = (*Ring)(nil)

type Ring struct {
	mu       sync.RWMutex
	replicas int
	keys     []uint32
	nodes    map[uint32]storage.Bucket
	buckets  []storage.Bucket
}

// New builds a Ring over the given buckets.
func New(buckets []storage.Bucket, opts ...Option) (*Ring, error) {
	r := &Ring{replicas: 20}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Rebuild(context.Background(), buckets); err != nil {
		return nil, err
	}
	return r, nil
}

// Rebuild implements storage.Selector.
func (r *Ring) Rebuild(_ context.Context, buckets []storage.Bucket) error {
	keys := make([]uint32, 0, len(buckets)*r.replicas)
	nodes := make(map[uint32]storage.Bucket, len(buckets)*r.replicas)

	for _, b := range buckets {
		weight := b.Weight()
		if weight <= 0 {
			weight = 100
		}
		replicas := r.replicas * weight / 100
		if replicas < 1 {
			replicas = 1
		}
		for i := 0; i < replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(b.ID() + "#" + strconv.Itoa(i)))
			keys = append(keys, h)
			nodes[h] = b
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	r.mu.Lock()
	r.keys = keys
	r.nodes = nodes
	r.buckets = buckets
	r.mu.Unlock()
	return nil
}

// Select implements storage.Selector.
func (r *Ring) Select(_ context.Context, id *object.ID) storage.Bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.keys) == 0 {
		return nil
	}
	if len(r.buckets) == 1 {
		return r.buckets[0]
	}

	h := crc32.ChecksumIEEE(id.Bytes())
	i := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= h })
	if i == len(r.keys) {
		i = 0
	}
	return r.nodes[r.keys[i]]
}
