package lwp

import (
	"iter"
	"sync"
	"weak"
)

// scavengeBatch is the number of ring slots checked per Scavenge call.
const scavengeBatch = 64

// registry tracks every LWP in the system, in creation order. It holds weak
// pointers, so an LWP belonging to a process that was abandoned without
// being reaped is still garbage collected, and its slot reclaimed by the
// scavenger.
type registry struct {
	// data stores weak pointers to LWPs, keyed by registration id.
	data map[uint64]weak.Pointer[LWP]

	// ring records registration ids in creation order. Removed entries are
	// zeroed, and compacted away once sparse enough.
	ring []uint64

	// head is the scavenger's cursor into ring.
	head int

	// nextID is the counter for generating registration ids.
	nextID uint64
	mu     sync.RWMutex

	// scavengeMu serializes scavenge operations.
	scavengeMu sync.Mutex
}

func newRegistry() *registry {
	return &registry{
		data:   make(map[uint64]weak.Pointer[LWP]),
		ring:   make([]uint64, 0, 256),
		nextID: 1, // 0 is the null marker
	}
}

// add registers l, recording the registration id in l.
func (r *registry) add(l *LWP) {
	wp := weak.Make(l)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	r.data[id] = wp
	r.ring = append(r.ring, id)
	l.regID = id
}

// remove unregisters l. It is a no-op if l is not registered.
func (r *registry) remove(l *LWP) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l.regID == 0 {
		return
	}
	delete(r.data, l.regID)
	l.regID = 0
	// the ring slot is cleared by the scavenger
}

// Len returns the number of registered LWPs.
func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// All iterates over a snapshot of the registered LWPs, oldest first.
func (r *registry) All() iter.Seq[*LWP] {
	r.mu.RLock()
	snapshot := make([]weak.Pointer[LWP], 0, len(r.data))
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			snapshot = append(snapshot, wp)
		}
	}
	r.mu.RUnlock()

	return func(yield func(*LWP) bool) {
		for _, wp := range snapshot {
			if l := wp.Value(); l != nil && !yield(l) {
				return
			}
		}
	}
}

// Scavenge checks up to batchSize ring slots, dropping entries that were
// removed or garbage collected. The ring is compacted after each full cycle
// if it has become sparse.
func (r *registry) Scavenge(batchSize int) {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ringLen := len(r.ring)
	if ringLen == 0 {
		return
	}

	start := r.head
	end := min(start+batchSize, ringLen)

	for i := start; i < end; i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		wp, ok := r.data[id]
		if !ok {
			r.ring[i] = 0
			continue
		}
		if wp.Value() == nil {
			delete(r.data, id)
			r.ring[i] = 0
		}
	}

	r.head = end
	if r.head >= ringLen {
		r.head = 0
		// compact once fewer than a quarter of the slots are live
		if ringLen > 256 && len(r.data) < ringLen/4 {
			r.compactAndRenew()
		}
	}
}

// compactAndRenew removes null markers from the ring and rebuilds the map,
// since deleting from a map does not release its buckets. mu must be held.
func (r *registry) compactAndRenew() {
	newRing := make([]uint64, 0, len(r.data))
	newData := make(map[uint64]weak.Pointer[LWP], len(r.data))

	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			newRing = append(newRing, id)
			newData[id] = wp
		}
	}

	r.ring = newRing
	r.data = newData
	r.head = 0
}
