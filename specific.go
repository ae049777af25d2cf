package lwp

import (
	"fmt"
	"sync"
)

// SpecificKey identifies a slot of per-LWP specific data.
type SpecificKey int

// specificDomain is the set of keys, and their destructors.
type specificDomain struct {
	mu    sync.Mutex
	dtors []func(v any)
	live  []bool
	free  []SpecificKey
}

// SpecificKeyCreate allocates a key for per-LWP data. The destructor, which
// may be nil, is called with each non-nil value when its LWP exits or the
// key is deleted. Destructors may block.
func (k *Kernel) SpecificKeyCreate(dtor func(v any)) SpecificKey {
	d := &k.spec
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.free); n != 0 {
		key := d.free[n-1]
		d.free = d.free[:n-1]
		d.dtors[key] = dtor
		d.live[key] = true
		return key
	}
	d.dtors = append(d.dtors, dtor)
	d.live = append(d.live, true)
	return SpecificKey(len(d.dtors) - 1)
}

// SpecificKeyDelete releases key, first destroying the values stored under
// it by every LWP.
func (k *Kernel) SpecificKeyDelete(key SpecificKey) error {
	dtor, err := k.specificDtor(key)
	if err != nil {
		return err
	}
	for l := range k.registry.All() {
		l.specMu.Lock()
		v, ok := l.spec[key]
		delete(l.spec, key)
		l.specMu.Unlock()
		if ok && v != nil && dtor != nil {
			dtor(v)
		}
	}
	d := &k.spec
	d.mu.Lock()
	d.dtors[key] = nil
	d.live[key] = false
	d.free = append(d.free, key)
	d.mu.Unlock()
	return nil
}

func (k *Kernel) specificDtor(key SpecificKey) (func(v any), error) {
	d := &k.spec
	d.mu.Lock()
	defer d.mu.Unlock()
	if key < 0 || int(key) >= len(d.live) || !d.live[key] {
		return nil, fmt.Errorf("%w: specific key %d", ErrInvalidArgument, key)
	}
	return d.dtors[key], nil
}

// SetSpecific stores v under key for l.
func (k *Kernel) SetSpecific(l *LWP, key SpecificKey, v any) error {
	if _, err := k.specificDtor(key); err != nil {
		return err
	}
	l.specMu.Lock()
	defer l.specMu.Unlock()
	if l.spec == nil {
		l.spec = make(map[SpecificKey]any)
	}
	l.spec[key] = v
	return nil
}

// Specific returns the value stored under key for l, or nil.
func (k *Kernel) Specific(l *LWP, key SpecificKey) any {
	l.specMu.Lock()
	defer l.specMu.Unlock()
	return l.spec[key]
}

// finiSpecific destroys the specific data of the exiting l.
func (k *Kernel) finiSpecific(l *LWP) {
	l.specMu.Lock()
	spec := l.spec
	l.spec = nil
	l.specMu.Unlock()
	for key, v := range spec {
		if v == nil {
			continue
		}
		if dtor, err := k.specificDtor(key); err == nil && dtor != nil {
			dtor(v)
		}
	}
}
