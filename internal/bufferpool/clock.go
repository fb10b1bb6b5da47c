package bufferpool

var _ Replacer = (*clockReplacer)(nil)

type slotState uint8

const (
	slotPresent slotState = 1 << iota
	slotReferenced
	slotEvictable
	slotDirty
)

// clockReplacer is a write-back aware CLOCK. The hand gives referenced
// frames a second chance as usual, but an unreferenced dirty frame is only
// taken when a full pass turns up no clean one, so eviction rarely has to
// write a page back while holding the pool lock.
type clockReplacer struct {
	slots     []slotState
	hand      int
	evictable int
}

func newClockReplacer(capacity int) *clockReplacer {
	return &clockReplacer{slots: make([]slotState, max(capacity, 1))}
}

func (c *clockReplacer) has(id int, s slotState) bool {
	return id >= 0 && id < len(c.slots) && c.slots[id]&s == s
}

// RecordAccess makes the frame a tracked, recently used slot.
func (c *clockReplacer) RecordAccess(id int) {
	if id < 0 || id >= len(c.slots) {
		return
	}
	c.slots[id] |= slotPresent | slotReferenced
}

// SetEvictable flips whether a tracked frame may be chosen; the pool calls it
// as the pin count leaves or reaches zero.
func (c *clockReplacer) SetEvictable(id int, evictable bool) {
	if !c.has(id, slotPresent) || c.has(id, slotEvictable) == evictable {
		return
	}
	if evictable {
		c.slots[id] |= slotEvictable
		c.evictable++
	} else {
		c.slots[id] &^= slotEvictable
		c.evictable--
	}
}

// SetDirty records whether the frame must be written back before reuse.
func (c *clockReplacer) SetDirty(id int, dirty bool) {
	if !c.has(id, slotPresent) {
		return
	}
	if dirty {
		c.slots[id] |= slotDirty
	} else {
		c.slots[id] &^= slotDirty
	}
}

// Evict picks a victim and stops tracking it. Two passes clear every ref bit,
// so some evictable frame is always found: the first unreferenced clean one,
// else the first unreferenced dirty one the hand passed.
func (c *clockReplacer) Evict() (int, bool) {
	if c.evictable == 0 {
		return -1, false
	}

	n := len(c.slots)
	dirtyVictim := -1
	for iter_ := 0; iter_ < 2*n; iter_++ {
		id := c.hand
		c.hand = (c.hand + 1) % n

		s := c.slots[id]
		switch {
		case s&(slotPresent|slotEvictable) != slotPresent|slotEvictable:
		case s&slotReferenced != 0:
			c.slots[id] &^= slotReferenced
		case s&slotDirty != 0:
			if dirtyVictim < 0 {
				dirtyVictim = id
			}
		default:
			c.Remove(id)
			return id, true
		}
	}

	if dirtyVictim < 0 {
		return -1, false
	}
	c.Remove(dirtyVictim)
	c.hand = (dirtyVictim + 1) % n
	return dirtyVictim, true
}

// Remove stops tracking the frame.
func (c *clockReplacer) Remove(id int) {
	if !c.has(id, slotPresent) {
		return
	}
	if c.slots[id]&slotEvictable != 0 {
		c.evictable--
	}
	c.slots[id] = 0
}

func (c *clockReplacer) Size() int { return c.evictable }
