package realtime

// RecencySet remembers the last N keys added. Not safe for concurrent use;
// the subscription's read loop is its only user.
type RecencySet struct {
	keys map[string]struct{}
	ring []string
	next int
}

func NewRecencySet(capacity int) *RecencySet {
	if capacity < 1 {
		capacity = 1
	}
	return &RecencySet{
		keys: make(map[string]struct{}, capacity),
		ring: make([]string, 0, capacity),
	}
}

// Add records key and reports whether it was new. When full, the oldest key
// is forgotten.
func (r *RecencySet) Add(key string) bool {
	if _, ok := r.keys[key]; ok {
		return false
	}
	if len(r.ring) < cap(r.ring) {
		r.ring = append(r.ring, key)
	} else {
		delete(r.keys, r.ring[r.next])
		r.ring[r.next] = key
		r.next = (r.next + 1) % len(r.ring)
	}
	r.keys[key] = struct{}{}
	return true
}

func (r *RecencySet) Contains(key string) bool {
	_, ok := r.keys[key]
	return ok
}

func (r *RecencySet) Len() int {
	return len(r.keys)
}
