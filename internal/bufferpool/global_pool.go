package bufferpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/tuannm99/novapage/internal/pagecache"
	"github.com/tuannm99/novapage/internal/storage"
)

var (
	DefaultCapacity = 128

	ErrNoFreeFrame    = errors.New("bufferpool: no free frame available (all pinned)")
	ErrCursorClosed   = errors.New("bufferpool: cursor is closed")
	ErrTruncateMapped = errors.New("bufferpool: cannot truncate a file that is already mapped")
	ErrWritePinned    = errors.New("bufferpool: page dropped while pinned for write")
)

// flushBatch is how many page writes a flusher does between limiter calls.
const flushBatch = 16

type Replacer interface {
	RecordAccess(frameID int)
	SetEvictable(frameID int, evictable bool)
	SetDirty(frameID int, dirty bool)
	Evict() (frameID int, ok bool)
	Remove(frameID int)
	Size() int
}

// Options configure a GlobalPool.
type Options struct {
	// PageSize is the frame size. Files may be mapped with any page size up to it.
	PageSize int
	// MaxCachedPages is the number of frames.
	MaxCachedPages int
	// ReadOnly rejects anything that would change a file.
	ReadOnly bool
	Logger   *slog.Logger
}

// pageTag uniquely identifies a page in the global pool.
type pageTag struct {
	fileID uint64
	pageID int64
}

// frame is stored in the global frames[].
type frame struct {
	tag   pageTag
	file  *mappedFile
	buf   []byte // len == pool page size; the file uses buf[:file.pageSize]
	dirty bool
	pin   int32
	// wpin counts the write cursors among pin. Their bytes change without
	// the pool lock, so flushing leaves these frames alone.
	wpin int32
}

// mappedFile is the shared state of one mapped path. Every PagedFile handle
// returned by Map holds one reference.
type mappedFile struct {
	id            uint64
	path          string
	pageSize      int
	f             afero.File
	refs          int
	deleteOnClose bool

	lastPageID atomic.Int64
	unmapped   atomic.Bool
}

// GlobalPool is a single shared page cache for every file of every database.
// It mimics PostgreSQL shared_buffers at a high level.
type GlobalPool struct {
	sm       *storage.StorageManager
	pageSize int
	readOnly bool
	logger   *slog.Logger

	mu         sync.Mutex
	frames     []*frame        // len == capacity, nil == free slot
	table      map[pageTag]int // (file,pageID) -> frame index
	repl       Replacer        // replacement policy tracks frame indices [0..cap)
	files      map[string]*mappedFile
	nextFileID uint64
	closed     bool

	stats counters
}

var (
	_ pagecache.PageCache    = (*GlobalPool)(nil)
	_ pagecache.PathResolver = (*GlobalPool)(nil)
)

func NewGlobalPool(sm *storage.StorageManager, opts Options) *GlobalPool {
	if sm == nil {
		sm = storage.NewStorageManager(nil)
	}
	capacity := opts.MaxCachedPages
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = storage.DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GlobalPool{
		sm:       sm,
		pageSize: pageSize,
		readOnly: opts.ReadOnly,
		logger:   logger,
		frames:   make([]*frame, capacity),
		table:    make(map[pageTag]int),
		repl:     newClockReplacer(capacity),
		files:    make(map[string]*mappedFile),
	}
}

func hasOption(opts []pagecache.OpenOption, want pagecache.OpenOption) bool {
	for _, o := range opts {
		if o == want {
			return true
		}
	}
	return false
}

// Map maps path and returns a new handle holding one reference to it.
func (g *GlobalPool) Map(path string, pageSize int, opts ...pagecache.OpenOption) (pagecache.PagedFile, error) {
	if pageSize == 0 {
		pageSize = g.pageSize
	}
	if pageSize < storage.MinPageSize || pageSize > g.pageSize {
		return nil, fmt.Errorf("%w: file page size %d, cache page size %d",
			pagecache.ErrPageSizeMismatch, pageSize, g.pageSize)
	}
	if g.readOnly && (hasOption(opts, pagecache.Create) ||
		hasOption(opts, pagecache.TruncateExisting) ||
		hasOption(opts, pagecache.DeleteOnClose)) {
		return nil, pagecache.ErrReadOnly
	}
	canonical, err := g.sm.CanonicalPath(path)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, pagecache.ErrCacheClosed
	}

	if mf, ok := g.files[canonical]; ok {
		if mf.pageSize != pageSize {
			return nil, fmt.Errorf("%w: %s is mapped with page size %d, requested %d",
				pagecache.ErrPageSizeMismatch, canonical, mf.pageSize, pageSize)
		}
		if hasOption(opts, pagecache.TruncateExisting) {
			return nil, ErrTruncateMapped
		}
		if hasOption(opts, pagecache.DeleteOnClose) {
			mf.deleteOnClose = true
		}
		mf.refs++
		return &pagedFile{pool: g, file: mf}, nil
	}

	var f afero.File
	if g.readOnly {
		f, err = g.sm.OpenFileReadOnly(canonical)
	} else {
		f, err = g.sm.OpenFile(canonical,
			hasOption(opts, pagecache.Create), hasOption(opts, pagecache.TruncateExisting))
	}
	if err != nil {
		return nil, err
	}
	pages, err := g.sm.CountPages(f, pageSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	g.nextFileID++
	mf := &mappedFile{
		id:            g.nextFileID,
		path:          canonical,
		pageSize:      pageSize,
		f:             f,
		refs:          1,
		deleteOnClose: hasOption(opts, pagecache.DeleteOnClose),
	}
	mf.lastPageID.Store(pages - 1)
	g.files[canonical] = mf

	g.logger.Debug("bufferpool: map", "path", canonical, "page_size", pageSize, "pages", pages)
	return &pagedFile{pool: g, file: mf}, nil
}

// GetExistingMapping returns a new handle on path if it is mapped. The
// handle holds a reference and must be closed.
func (g *GlobalPool) GetExistingMapping(path string) (pagecache.PagedFile, bool, error) {
	canonical, err := g.sm.CanonicalPath(path)
	if err != nil {
		return nil, false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	mf, ok := g.files[canonical]
	if !ok || g.closed {
		return nil, false, nil
	}
	mf.refs++
	return &pagedFile{pool: g, file: mf}, true, nil
}

// ListExistingMappings returns one new referencing handle per mapped file.
func (g *GlobalPool) ListExistingMappings() []pagecache.PagedFile {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	out := make([]pagecache.PagedFile, 0, len(g.files))
	for _, mf := range g.files {
		mf.refs++
		out = append(out, &pagedFile{pool: g, file: mf})
	}
	return out
}

// FlushAndForce flushes and forces every mapped file, stopping at the first error.
func (g *GlobalPool) FlushAndForce(limiter pagecache.IOLimiter) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return pagecache.ErrCacheClosed
	}
	files := make([]*mappedFile, 0, len(g.files))
	for _, mf := range g.files {
		files = append(files, mf)
	}
	g.mu.Unlock()

	limiter = pagecache.OrUnlimited(limiter)
	for _, mf := range files {
		if err := g.flushAndForceFile(mf, limiter); err != nil {
			// Unmapped in the meantime; its close flushed it.
			if errors.Is(err, pagecache.ErrFileUnmapped) {
				continue
			}
			return err
		}
	}
	return nil
}

// Close flushes and closes every file that is still mapped. A second call
// returns ErrCacheClosed.
func (g *GlobalPool) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return pagecache.ErrCacheClosed
	}
	g.closed = true

	if len(g.files) > 0 {
		g.logger.Warn("bufferpool: closing with files still mapped", "files", len(g.files))
	}

	var errs error
	for _, mf := range g.files {
		errs = multierr.Append(errs, g.releaseFileLocked(mf))
	}
	g.files = make(map[string]*mappedFile)
	return errs
}

func (g *GlobalPool) PageSize() int { return g.pageSize }

// ReadOnly reports whether the pool refuses writes.
func (g *GlobalPool) ReadOnly() bool { return g.readOnly }

// CanonicalPath canonicalizes path the way Map keys its files, against the
// pool's filesystem.
func (g *GlobalPool) CanonicalPath(path string) (string, error) {
	return g.sm.CanonicalPath(path)
}

func (g *GlobalPool) MaxCachedPages() int64 { return int64(len(g.frames)) }

// ReportEvents logs the event counters collected since the pool was created.
func (g *GlobalPool) ReportEvents() {
	s := g.Stats()
	g.logger.Info("bufferpool: events",
		"hits", s.Hits,
		"faults", s.Faults,
		"evictions", s.Evictions,
		"flushes", s.Flushes,
		"writebacks", s.Writebacks,
		"mapped_files", s.MappedFiles,
	)
}

// pin pins page pageID of mf and returns its bytes. A write pin beyond the
// last page grows the file.
func (g *GlobalPool) pin(mf *mappedFile, pageID int64, write bool) ([]byte, error) {
	tag := pageTag{fileID: mf.id, pageID: pageID}

	g.mu.Lock()
	defer g.mu.Unlock()

	if mf.unmapped.Load() {
		return nil, pagecache.ErrFileUnmapped
	}

	// 1) HIT
	if idx, ok := g.table[tag]; ok {
		f := g.frames[idx]
		if f == nil {
			// Inconsistent mapping -> cleanup.
			delete(g.table, tag)
		} else {
			wasZero := f.pin == 0
			f.pin++
			if write {
				f.wpin++
			}

			g.repl.RecordAccess(idx)
			if wasZero {
				g.repl.SetEvictable(idx, false)
			}
			g.stats.hits.Inc()
			g.grow(mf, pageID, write)
			return f.buf[:mf.pageSize], nil
		}
	}

	// 2) Find free slot
	idx := -1
	for i, f := range g.frames {
		if f == nil {
			idx = i
			break
		}
	}

	// 3) Evict
	var victim *frame
	if idx == -1 {
		var ok bool
		idx, ok = g.repl.Evict()
		if !ok {
			return nil, ErrNoFreeFrame
		}
		victim = g.frames[idx]
		if victim == nil || victim.pin != 0 {
			// Replacer should never return nil/pinned victims.
			return nil, ErrNoFreeFrame
		}
		if victim.dirty {
			if err := g.writeFrame(idx, victim); err != nil {
				// Put victim back as evictable if flush fails
				g.repl.RecordAccess(idx)
				g.repl.SetEvictable(idx, true)
				g.repl.SetDirty(idx, true)
				return nil, err
			}
			g.stats.writebacks.Inc()
		}
	}

	var buf []byte
	if victim != nil {
		buf = victim.buf
	} else {
		buf = make([]byte, g.pageSize)
	}
	if err := g.sm.ReadPage(mf.f, pageID, buf[:mf.pageSize]); err != nil {
		if victim != nil {
			g.repl.RecordAccess(idx)
			g.repl.SetEvictable(idx, true)
		}
		return nil, err
	}
	clear(buf[mf.pageSize:])

	if victim != nil {
		delete(g.table, victim.tag)
		g.stats.evictions.Inc()
	}
	nf := &frame{tag: tag, file: mf, buf: buf, pin: 1}
	if write {
		nf.wpin = 1
	}
	g.frames[idx] = nf
	g.table[tag] = idx
	g.repl.RecordAccess(idx)
	g.repl.SetEvictable(idx, false)

	g.stats.faults.Inc()
	g.grow(mf, pageID, write)
	return buf[:mf.pageSize], nil
}

func (g *GlobalPool) grow(mf *mappedFile, pageID int64, write bool) {
	if !write {
		return
	}
	for {
		last := mf.lastPageID.Load()
		if pageID <= last || mf.lastPageID.CompareAndSwap(last, pageID) {
			return
		}
	}
}

// unpin drops one pin. Releasing a write pin marks the page dirty.
func (g *GlobalPool) unpin(mf *mappedFile, pageID int64, write bool) {
	tag := pageTag{fileID: mf.id, pageID: pageID}

	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.table[tag]
	if !ok {
		return
	}
	f := g.frames[idx]
	if f == nil {
		delete(g.table, tag)
		return
	}
	if write {
		f.dirty = true
		g.repl.SetDirty(idx, true)
		if f.wpin > 0 {
			f.wpin--
		}
	}
	if f.pin > 0 {
		f.pin--
		if f.pin == 0 {
			g.repl.SetEvictable(idx, true)
		}
	}
}

// writeFrame writes frame idx back. The caller holds g.mu and has checked
// that no write cursor holds the frame.
func (g *GlobalPool) writeFrame(idx int, f *frame) error {
	if err := g.sm.WritePage(f.file.f, f.tag.pageID, f.buf[:f.file.pageSize]); err != nil {
		return err
	}
	f.dirty = false
	g.repl.SetDirty(idx, false)
	g.stats.flushes.Inc()
	return nil
}

func (g *GlobalPool) force(mf *mappedFile) error {
	if g.readOnly {
		return nil
	}
	return g.sm.Force(mf.f)
}

// flushAndForceFile writes back the dirty pages of mf in batches, consulting
// limiter between batches without holding the pool lock, then forces the file.
func (g *GlobalPool) flushAndForceFile(mf *mappedFile, limiter pagecache.IOLimiter) error {
	for {
		n, more, err := g.flushBatch(mf)
		if err != nil {
			return err
		}
		if n > 0 {
			if err := limiter.MaybeLimitIO(n); err != nil {
				return err
			}
		}
		if !more {
			break
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if mf.unmapped.Load() {
		return pagecache.ErrFileUnmapped
	}
	return g.force(mf)
}

// flushBatch writes up to flushBatch dirty pages of mf. more reports whether
// the batch was full, so another pass may find further dirty pages. Pages
// held by a write cursor are skipped; they are dirty again once released.
func (g *GlobalPool) flushBatch(mf *mappedFile) (n int, more bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if mf.unmapped.Load() {
		return 0, false, pagecache.ErrFileUnmapped
	}
	for i, f := range g.frames {
		if f == nil || !f.dirty || f.file != mf || f.wpin > 0 {
			continue
		}
		if err := g.writeFrame(i, f); err != nil {
			return n, false, err
		}
		n++
		if n == flushBatch {
			return n, true, nil
		}
	}
	return n, false, nil
}

// unmap drops one reference to mf. The last reference writes back and drops
// every cached page of the file and closes it.
func (g *GlobalPool) unmap(mf *mappedFile) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if mf.unmapped.Load() {
		// The pool was closed underneath the handle.
		return nil
	}
	mf.refs--
	if mf.refs > 0 {
		return nil
	}
	delete(g.files, mf.path)
	return g.releaseFileLocked(mf)
}

// releaseFileLocked flushes, drops and closes mf. Callers hold g.mu.
func (g *GlobalPool) releaseFileLocked(mf *mappedFile) error {
	var errs error
	for i, f := range g.frames {
		if f == nil || f.file != mf {
			continue
		}
		switch {
		case f.wpin > 0:
			errs = multierr.Append(errs, fmt.Errorf("%w: %s page %d", ErrWritePinned, mf.path, f.tag.pageID))
		case f.dirty:
			errs = multierr.Append(errs, g.writeFrame(i, f))
		}
		delete(g.table, f.tag)
		g.frames[i] = nil
		g.repl.Remove(i)
	}
	mf.unmapped.Store(true)

	if errs == nil {
		errs = g.force(mf)
	}
	errs = multierr.Append(errs, mf.f.Close())
	if mf.deleteOnClose {
		errs = multierr.Append(errs, g.sm.Remove(mf.path))
	}
	g.logger.Debug("bufferpool: unmap", "path", mf.path, "err", errs)
	return errs
}
