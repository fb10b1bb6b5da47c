package bufferpool

import "go.uber.org/atomic"

type counters struct {
	hits      atomic.Int64
	faults    atomic.Int64
	evictions atomic.Int64
	flushes   atomic.Int64
	// writebacks counts evictions that had to write a dirty victim first.
	writebacks atomic.Int64
}

// Stats is a point-in-time copy of the pool's event counters.
type Stats struct {
	Hits        int64
	Faults      int64
	Evictions   int64
	Flushes     int64
	Writebacks  int64
	MappedFiles int
}

func (g *GlobalPool) Stats() Stats {
	g.mu.Lock()
	mapped := len(g.files)
	g.mu.Unlock()

	return Stats{
		Hits:        g.stats.hits.Load(),
		Faults:      g.stats.faults.Load(),
		Evictions:   g.stats.evictions.Load(),
		Flushes:     g.stats.flushes.Load(),
		Writebacks:  g.stats.writebacks.Load(),
		MappedFiles: mapped,
	}
}
