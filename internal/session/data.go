package session

import "sync"

// Data is a small concurrent key-value map shared by all components
// operating on one session. CompareAndSet lets concurrent creators of a
// lazily initialized entry converge on a single instance.
type Data struct {
	mu sync.Mutex
	m  map[any]any
}

// Get returns the value stored under key, or nil.
func (d *Data) Get(key any) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m[key]
}

// Set unconditionally stores value under key.
func (d *Data) Set(key, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		d.m = make(map[any]any)
	}
	d.m[key] = value
}

// CompareAndSet stores value under key iff the current value equals old
// (nil matches an absent entry) and reports whether it did.
func (d *Data) CompareAndSet(key, old, value any) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.m[key]
	if old == nil {
		if ok {
			return false
		}
	} else if !ok || cur != old {
		return false
	}
	if d.m == nil {
		d.m = make(map[any]any)
	}
	d.m[key] = value
	return true
}
