package transcript

import "sync"

// partitions hands out one mutex per session id so that operations on the
// same session run one at a time while different sessions proceed in parallel.
// Entries are reference counted and dropped once no caller holds them.
type partitions struct {
	mu    sync.Mutex
	locks map[string]*partition
}

type partition struct {
	mu   sync.Mutex
	refs int
}

func newPartitions() *partitions {
	return &partitions{locks: make(map[string]*partition)}
}

// lock blocks until the caller owns the partition for key and returns the
// matching unlock function.
func (p *partitions) lock(key string) func() {
	p.mu.Lock()
	part, ok := p.locks[key]
	if !ok {
		part = &partition{}
		p.locks[key] = part
	}
	part.refs++
	p.mu.Unlock()

	part.mu.Lock()

	return func() {
		part.mu.Unlock()

		p.mu.Lock()
		part.refs--
		if part.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}
