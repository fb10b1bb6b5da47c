package bufferpool

import (
	"go.uber.org/atomic"

	"github.com/tuannm99/novapage/internal/pagecache"
	"github.com/tuannm99/novapage/internal/storage"
)

var _ pagecache.PagedFile = (*pagedFile)(nil)

// pagedFile is a native handle on a mapped file. Each handle holds one
// reference; Close releases it and fails if called again.
type pagedFile struct {
	pool   *GlobalPool
	file   *mappedFile
	closed atomic.Bool
}

func (p *pagedFile) Io(pageID int64, flags pagecache.IOFlags) (pagecache.PageCursor, error) {
	if p.closed.Load() || p.file.unmapped.Load() {
		return nil, pagecache.ErrFileUnmapped
	}
	if pageID < 0 {
		return nil, storage.ErrNegativePage
	}
	if p.pool.readOnly && flags.Has(pagecache.SharedWriteLock) {
		return nil, pagecache.ErrReadOnly
	}
	return &cursor{handle: p, flags: flags, next: pageID, cur: -1}, nil
}

func (p *pagedFile) PageSize() int { return p.file.pageSize }

func (p *pagedFile) Path() string { return p.file.path }

func (p *pagedFile) FileSize() (int64, error) {
	last, err := p.LastPageID()
	if err != nil {
		return 0, err
	}
	return (last + 1) * int64(p.file.pageSize), nil
}

// LastPageID is -1 for an empty file.
func (p *pagedFile) LastPageID() (int64, error) {
	if p.closed.Load() || p.file.unmapped.Load() {
		return 0, pagecache.ErrFileUnmapped
	}
	return p.file.lastPageID.Load(), nil
}

func (p *pagedFile) FlushAndForce(limiter pagecache.IOLimiter) error {
	if p.closed.Load() {
		return pagecache.ErrFileUnmapped
	}
	return p.pool.flushAndForceFile(p.file, pagecache.OrUnlimited(limiter))
}

func (p *pagedFile) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return pagecache.ErrFileUnmapped
	}
	return p.pool.unmap(p.file)
}

var _ pagecache.PageCursor = (*cursor)(nil)

// cursor holds at most one pinned page at a time. It is not safe for
// concurrent use.
type cursor struct {
	handle *pagedFile
	flags  pagecache.IOFlags
	next   int64
	cur    int64
	buf    []byte
	closed bool
}

func (c *cursor) write() bool { return c.flags.Has(pagecache.SharedWriteLock) }

func (c *cursor) Next() (bool, error) {
	return c.NextTo(c.next)
}

func (c *cursor) NextTo(pageID int64) (bool, error) {
	if c.closed {
		return false, ErrCursorClosed
	}
	c.release()
	if c.handle.closed.Load() {
		return false, pagecache.ErrFileUnmapped
	}
	if pageID < 0 {
		return false, storage.ErrNegativePage
	}

	mf := c.handle.file
	if pageID > mf.lastPageID.Load() && (!c.write() || c.flags.Has(pagecache.NoGrow)) {
		return false, nil
	}

	buf, err := c.handle.pool.pin(mf, pageID, c.write())
	if err != nil {
		return false, err
	}
	c.buf = buf
	c.cur = pageID
	c.next = pageID + 1
	return true, nil
}

func (c *cursor) PageID() int64 { return c.cur }

func (c *cursor) Bytes() []byte { return c.buf }

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.release()
	c.closed = true
	return nil
}

// release unpins the current page; write cursors leave it dirty. Until then
// the page is never written out, so Bytes may be changed freely.
func (c *cursor) release() {
	if c.buf == nil {
		return
	}
	c.handle.pool.unpin(c.handle.file, c.cur, c.write())
	c.buf = nil
}
