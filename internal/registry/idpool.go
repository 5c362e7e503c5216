package registry

// idPool hands out session IDs from [1, max]. The next ID allocated is
// always the smallest free one, so recycling favors low IDs and reuse
// order is deterministic. Callers serialize access.
type idPool struct {
	max  int
	used map[int]bool
}

func newIDPool(max int) *idPool {
	return &idPool{max: max, used: make(map[int]bool, max)}
}

// acquire returns the lowest free ID, or false when the pool is exhausted.
func (p *idPool) acquire() (int, bool) {
	for id := 1; id <= p.max; id++ {
		if !p.used[id] {
			p.used[id] = true
			return id, true
		}
	}
	return 0, false
}

// release returns an ID to the pool.
func (p *idPool) release(id int) {
	delete(p.used, id)
}

func (p *idPool) liveCount() int {
	return len(p.used)
}
