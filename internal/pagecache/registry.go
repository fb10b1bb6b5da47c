package pagecache

import (
	"sync"

	"go.uber.org/atomic"
)

// registry is a copy-on-write set of the files opened through one scope.
// Writers serialize on mu and publish a fresh slice; readers load the
// current slice and never block or observe a partial update.
type registry struct {
	mu    sync.Mutex
	next  uint64
	slots atomic.Pointer[[]slot]
}

type slot struct {
	token uint64
	file  *scopedFile
}

func newRegistry() *registry {
	r := &registry{}
	empty := []slot{}
	r.slots.Store(&empty)
	return r
}

// add registers f and returns the capability that removes it again.
func (r *registry) add(f *scopedFile) (release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	token := r.next

	cur := *r.slots.Load()
	grown := make([]slot, len(cur), len(cur)+1)
	copy(grown, cur)
	grown = append(grown, slot{token: token, file: f})
	r.slots.Store(&grown)

	return func() { r.remove(token) }
}

// remove drops the slot with token; an absent token is a no-op.
func (r *registry) remove(token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.slots.Load()
	for i, s := range cur {
		if s.token != token {
			continue
		}
		shrunk := make([]slot, 0, len(cur)-1)
		shrunk = append(shrunk, cur[:i]...)
		shrunk = append(shrunk, cur[i+1:]...)
		r.slots.Store(&shrunk)
		return
	}
}

// drain empties the registry and returns what it held.
func (r *registry) drain() []*scopedFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.slots.Load()
	empty := []slot{}
	r.slots.Store(&empty)

	files := make([]*scopedFile, len(cur))
	for i, s := range cur {
		files[i] = s.file
	}
	return files
}

// snapshot returns the slots at call time. The slice must not be modified.
func (r *registry) snapshot() []slot {
	return *r.slots.Load()
}
