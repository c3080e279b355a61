package producer

import (
	"hash/fnv"
	"math/rand"
	"sync"
)

// Partitioner picks the partition for a record key.
type Partitioner interface {
	Partition(key []byte) int32
	SetNumPartitions(int32)
}

// RandomPartitioner ignores keys. Safe for concurrent use.
type RandomPartitioner struct {
	mu            sync.Mutex
	numPartitions int32
}

func (p *RandomPartitioner) Partition([]byte) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.numPartitions <= 0 {
		return -1
	}
	return rand.Int31n(p.numPartitions)
}

func (p *RandomPartitioner) SetNumPartitions(n int32) {
	p.mu.Lock()
	p.numPartitions = n
	p.mu.Unlock()
}

// HashPartitioner uses Fnv32a. Records with the same key go to the same
// partition as long as the number of partitions does not change.
type HashPartitioner struct {
	mu            sync.Mutex
	numPartitions int32
}

func (p *HashPartitioner) Partition(key []byte) int32 {
	p.mu.Lock()
	n := p.numPartitions
	p.mu.Unlock()
	if n <= 0 {
		return -1
	}
	h := fnv.New32a()
	h.Write(key)
	return int32(h.Sum32() % uint32(n))
}

func (p *HashPartitioner) SetNumPartitions(n int32) {
	p.mu.Lock()
	p.numPartitions = n
	p.mu.Unlock()
}
