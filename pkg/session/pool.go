package session

// MaxSessions is the size of the 16-bit session id space.
const MaxSessions = 1 << 16

// idPool is a bounded bitset of live session ids with a rolling cursor,
// so a closed id is not handed out again until the cursor wraps.
type idPool struct {
	bits     [MaxSessions / 64]uint64
	capacity int
	used     int
	next     int
}

func newIDPool(capacity int, seed uint16, reserved []uint16) *idPool {
	if capacity <= 0 || capacity > MaxSessions {
		capacity = MaxSessions
	}
	p := &idPool{capacity: capacity, next: int(seed) % capacity}
	for _, id := range reserved {
		if int(id) < capacity && !p.has(id) {
			p.set(id)
			p.used++
		}
	}
	return p
}

func (p *idPool) has(id uint16) bool { return p.bits[id/64]&(1<<(id%64)) != 0 }
func (p *idPool) set(id uint16)      { p.bits[id/64] |= 1 << (id % 64) }
func (p *idPool) clear(id uint16)    { p.bits[id/64] &^= 1 << (id % 64) }

// acquire returns a free id, or false once every id is live.
func (p *idPool) acquire() (uint16, bool) {
	if p.used >= p.capacity {
		return 0, false
	}
	for i := 0; i < p.capacity; i++ {
		candidate := (p.next + i) % p.capacity
		word := p.bits[candidate/64]
		if word == ^uint64(0) && candidate%64 == 0 && candidate+64 <= p.capacity {
			i += 63
			continue
		}
		id := uint16(candidate)
		if p.has(id) {
			continue
		}
		p.set(id)
		p.used++
		p.next = (candidate + 1) % p.capacity
		return id, true
	}
	return 0, false
}

func (p *idPool) release(id uint16) {
	if int(id) >= p.capacity || !p.has(id) {
		return
	}
	p.clear(id)
	p.used--
}

func (p *idPool) live() int { return p.used }
