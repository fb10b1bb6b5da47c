package bufferpool

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novapage/internal/pagecache"
	"github.com/tuannm99/novapage/internal/storage"
)

// newTestPool creates an in-memory filesystem and a GlobalPool over it.
func newTestPool(t *testing.T, capacity, pageSize int) (*GlobalPool, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	gp := NewGlobalPool(storage.NewStorageManager(fs), Options{
		PageSize:       pageSize,
		MaxCachedPages: capacity,
	})
	t.Cleanup(func() { _ = gp.Close() })
	return gp, fs
}

func writePage(t *testing.T, pf pagecache.PagedFile, pageID int64, b byte) {
	t.Helper()

	c, err := pf.Io(pageID, pagecache.SharedWriteLock)
	require.NoError(t, err)
	ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	c.Bytes()[0] = b
	require.NoError(t, c.Close())
}

func readPage(t *testing.T, pf pagecache.PagedFile, pageID int64) []byte {
	t.Helper()

	c, err := pf.Io(pageID, pagecache.SharedReadLock)
	require.NoError(t, err)
	defer c.Close()
	ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	return bytes.Clone(c.Bytes())
}

type countingLimiter struct {
	calls int
	ios   int
	err   error
}

func (l *countingLimiter) MaybeLimitIO(recentIOs int) error {
	l.calls++
	l.ios += recentIOs
	return l.err
}

func TestGlobalPool_Defaults(t *testing.T) {
	gp := NewGlobalPool(storage.NewStorageManager(afero.NewMemMapFs()), Options{})
	defer gp.Close()

	assert.Equal(t, storage.DefaultPageSize, gp.PageSize())
	assert.Equal(t, int64(DefaultCapacity), gp.MaxCachedPages())
}

func TestGlobalPool_MapMissingFileWithoutCreate(t *testing.T) {
	gp, _ := newTestPool(t, 4, 512)

	_, err := gp.Map("/db/missing.store", 512)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestGlobalPool_PageSizeChecks(t *testing.T) {
	gp, _ := newTestPool(t, 4, 512)

	_, err := gp.Map("/db/a.store", 1024, pagecache.Create)
	require.ErrorIs(t, err, pagecache.ErrPageSizeMismatch)

	pf, err := gp.Map("/db/a.store", 0, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()
	assert.Equal(t, 512, pf.PageSize())

	_, err = gp.Map("/db/a.store", 256)
	require.ErrorIs(t, err, pagecache.ErrPageSizeMismatch)
}

func TestGlobalPool_WriteFlushRead(t *testing.T) {
	gp, fs := newTestPool(t, 8, 512)

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	writePage(t, pf, 0, 11)
	writePage(t, pf, 2, 22)

	last, err := pf.LastPageID()
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
	size, err := pf.FileSize()
	require.NoError(t, err)
	assert.Equal(t, int64(3*512), size)

	require.NoError(t, pf.FlushAndForce(nil))

	data, err := afero.ReadFile(fs, "/db/a.store")
	require.NoError(t, err)
	require.Len(t, data, 3*512)
	assert.Equal(t, byte(11), data[0])
	assert.Equal(t, byte(22), data[2*512])

	assert.Equal(t, byte(22), readPage(t, pf, 2)[0])
}

func TestGlobalPool_SmallerFilePageSize(t *testing.T) {
	gp, fs := newTestPool(t, 8, 1024)

	pf, err := gp.Map("/db/small.store", 256, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	writePage(t, pf, 0, 1)
	writePage(t, pf, 1, 2)
	require.Len(t, readPage(t, pf, 1), 256)
	require.NoError(t, pf.FlushAndForce(nil))

	data, err := afero.ReadFile(fs, "/db/small.store")
	require.NoError(t, err)
	require.Len(t, data, 512)
	assert.Equal(t, byte(2), data[256])
}

func TestGlobalPool_ExistingFileSize(t *testing.T) {
	gp, fs := newTestPool(t, 4, 512)
	require.NoError(t, afero.WriteFile(fs, "/db/a.store", make([]byte, 3*512), storage.FileMode0644))

	pf, err := gp.Map("/db/a.store", 512)
	require.NoError(t, err)
	defer pf.Close()

	last, err := pf.LastPageID()
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestGlobalPool_CursorBounds(t *testing.T) {
	gp, _ := newTestPool(t, 4, 512)

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	last, err := pf.LastPageID()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), last)

	// Empty file: readers and non-growing writers see nothing.
	rc, err := pf.Io(0, pagecache.SharedReadLock)
	require.NoError(t, err)
	ok, err := rc.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, rc.Close())

	nc, err := pf.Io(0, pagecache.SharedWriteLock|pagecache.NoGrow)
	require.NoError(t, err)
	ok, err = nc.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, nc.Close())

	// A growing writer walks forward page by page.
	wc, err := pf.Io(0, pagecache.SharedWriteLock)
	require.NoError(t, err)
	for want := int64(0); want < 3; want++ {
		ok, err = wc.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, wc.PageID())
	}
	ok, err = wc.NextTo(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, wc.Close())
	require.NoError(t, wc.Close())

	_, err = wc.Next()
	require.ErrorIs(t, err, ErrCursorClosed)

	last, err = pf.LastPageID()
	require.NoError(t, err)
	assert.Equal(t, int64(7), last)

	_, err = pf.Io(-1, pagecache.SharedReadLock)
	require.ErrorIs(t, err, storage.ErrNegativePage)
}

func TestGlobalPool_EvictsDirtyFrame(t *testing.T) {
	gp, fs := newTestPool(t, 1, 512)

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	writePage(t, pf, 0, 42)
	// Forces page 0 out of the only frame.
	writePage(t, pf, 1, 7)

	data, err := afero.ReadFile(fs, "/db/a.store")
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, byte(42), data[0])

	assert.Equal(t, byte(42), readPage(t, pf, 0)[0])
	assert.Equal(t, byte(7), readPage(t, pf, 1)[0])

	s := gp.Stats()
	assert.Equal(t, int64(3), s.Evictions)
	assert.Equal(t, int64(2), s.Writebacks)
	assert.Equal(t, int64(4), s.Faults)
	assert.Equal(t, 1, s.MappedFiles)
}

func TestGlobalPool_AllPinned_NoFreeFrame(t *testing.T) {
	gp, _ := newTestPool(t, 1, 512)

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	c0, err := pf.Io(0, pagecache.SharedWriteLock)
	require.NoError(t, err)
	ok, err := c0.Next()
	require.NoError(t, err)
	require.True(t, ok)

	c1, err := pf.Io(1, pagecache.SharedWriteLock)
	require.NoError(t, err)
	_, err = c1.Next()
	require.ErrorIs(t, err, ErrNoFreeFrame)

	require.NoError(t, c0.Close())
	ok, err = c1.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c1.Close())
}

func TestGlobalPool_HitCountsRepeatedAccess(t *testing.T) {
	gp, _ := newTestPool(t, 4, 512)

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	writePage(t, pf, 0, 1)
	readPage(t, pf, 0)
	readPage(t, pf, 0)

	s := gp.Stats()
	assert.Equal(t, int64(1), s.Faults)
	assert.Equal(t, int64(2), s.Hits)
}

func TestGlobalPool_ReferenceCounting(t *testing.T) {
	gp, _ := newTestPool(t, 4, 512)

	first, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	second, err := gp.Map("/db/../db/a.store", 512)
	require.NoError(t, err)
	assert.Equal(t, first.Path(), second.Path())

	writePage(t, first, 0, 5)
	require.NoError(t, first.Close())
	require.ErrorIs(t, first.Close(), pagecache.ErrFileUnmapped)
	_, err = first.Io(0, pagecache.SharedReadLock)
	require.ErrorIs(t, err, pagecache.ErrFileUnmapped)

	// Still mapped through the second handle, and the cached page survived.
	existing, ok, err := gp.GetExistingMapping("/db/a.store")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(5), readPage(t, second, 0)[0])
	listed := gp.ListExistingMappings()
	require.Len(t, listed, 1)
	// Listed handles hold references too; drop them.
	for _, pf := range listed {
		require.NoError(t, pf.Close())
	}

	require.NoError(t, existing.Close())
	require.NoError(t, second.Close())

	_, ok, err = gp.GetExistingMapping("/db/a.store")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, gp.ListExistingMappings())
}

func TestGlobalPool_TruncateAndDeleteOnClose(t *testing.T) {
	gp, fs := newTestPool(t, 4, 512)
	require.NoError(t, afero.WriteFile(fs, "/db/tmp.store", make([]byte, 1024), storage.FileMode0644))

	pf, err := gp.Map("/db/tmp.store", 512, pagecache.TruncateExisting, pagecache.DeleteOnClose)
	require.NoError(t, err)

	size, err := pf.FileSize()
	require.NoError(t, err)
	assert.Zero(t, size)

	_, err = gp.Map("/db/tmp.store", 512, pagecache.TruncateExisting)
	require.ErrorIs(t, err, ErrTruncateMapped)

	writePage(t, pf, 0, 1)
	require.NoError(t, pf.Close())

	exists, err := afero.Exists(fs, "/db/tmp.store")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGlobalPool_FlushUsesLimiterPerBatch(t *testing.T) {
	gp, _ := newTestPool(t, 32, 512)

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	for i := int64(0); i < 20; i++ {
		writePage(t, pf, i, byte(i))
	}

	lim := &countingLimiter{}
	require.NoError(t, pf.FlushAndForce(lim))
	assert.Equal(t, 2, lim.calls)
	assert.Equal(t, 20, lim.ios)

	// Nothing is dirty anymore.
	lim = &countingLimiter{}
	require.NoError(t, gp.FlushAndForce(lim))
	assert.Zero(t, lim.calls)
}

func TestGlobalPool_LimiterErrorAbortsFlush(t *testing.T) {
	gp, _ := newTestPool(t, 32, 512)

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	for i := int64(0); i < 20; i++ {
		writePage(t, pf, i, 1)
	}

	stop := errors.New("stop")
	lim := &countingLimiter{err: stop}
	require.ErrorIs(t, pf.FlushAndForce(lim), stop)
	assert.Equal(t, 1, lim.calls)
	assert.Equal(t, int64(16), gp.Stats().Flushes)
}

func TestGlobalPool_CloseFlushesAndFailsTwice(t *testing.T) {
	fs := afero.NewMemMapFs()
	gp := NewGlobalPool(storage.NewStorageManager(fs), Options{PageSize: 512, MaxCachedPages: 4})

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	writePage(t, pf, 0, 9)

	require.NoError(t, gp.Close())
	require.ErrorIs(t, gp.Close(), pagecache.ErrCacheClosed)

	data, err := afero.ReadFile(fs, "/db/a.store")
	require.NoError(t, err)
	assert.Equal(t, byte(9), data[0])

	_, err = pf.Io(0, pagecache.SharedReadLock)
	require.ErrorIs(t, err, pagecache.ErrFileUnmapped)
	// Releasing a handle whose pool is gone is harmless.
	require.NoError(t, pf.Close())

	_, err = gp.Map("/db/a.store", 512)
	require.ErrorIs(t, err, pagecache.ErrCacheClosed)
	require.ErrorIs(t, gp.FlushAndForce(nil), pagecache.ErrCacheClosed)
	assert.Empty(t, gp.ListExistingMappings())
}

func TestGlobalPool_EvictionPrefersCleanFrame(t *testing.T) {
	gp, _ := newTestPool(t, 2, 512)

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	writePage(t, pf, 0, 1)
	writePage(t, pf, 1, 2)
	require.NoError(t, pf.FlushAndForce(nil))

	// Page 0 is dirty again, page 1 is clean. Page 2 takes page 1's frame.
	writePage(t, pf, 0, 3)
	writePage(t, pf, 2, 4)
	assert.Equal(t, byte(3), readPage(t, pf, 0)[0])

	s := gp.Stats()
	assert.Equal(t, int64(1), s.Evictions)
	assert.Zero(t, s.Writebacks)
	assert.Equal(t, int64(2), s.Hits)
}

func openWriteCursor(t *testing.T, pf pagecache.PagedFile, pageID int64) pagecache.PageCursor {
	t.Helper()

	c, err := pf.Io(pageID, pagecache.SharedWriteLock)
	require.NoError(t, err)
	ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	return c
}

func TestGlobalPool_FlushSkipsWritePinnedPage(t *testing.T) {
	gp, fs := newTestPool(t, 4, 512)

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	writePage(t, pf, 0, 1)
	writePage(t, pf, 1, 5)

	c := openWriteCursor(t, pf, 0)
	c.Bytes()[0] = 2

	// Page 1 goes out; page 0 stays in memory while the cursor holds it.
	require.NoError(t, pf.FlushAndForce(nil))
	assert.Equal(t, int64(1), gp.Stats().Flushes)
	data, err := afero.ReadFile(fs, "/db/a.store")
	require.NoError(t, err)
	require.Len(t, data, 2*512)
	assert.Equal(t, byte(0), data[0])
	assert.Equal(t, byte(5), data[512])

	require.NoError(t, c.Close())
	require.NoError(t, pf.FlushAndForce(nil))
	data, err = afero.ReadFile(fs, "/db/a.store")
	require.NoError(t, err)
	assert.Equal(t, byte(2), data[0])
}

func TestGlobalPool_WriteCursorConcurrentWithFlush(t *testing.T) {
	gp, fs := newTestPool(t, 4, 512)

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	defer pf.Close()

	writePage(t, pf, 0, 1)
	c := openWriteCursor(t, pf, 0)

	var wg conc.WaitGroup
	wg.Go(func() {
		buf := c.Bytes()
		for i := 0; i < 2000; i++ {
			buf[i%len(buf)] = byte(i)
		}
		buf[0] = 0xee
	})
	wg.Go(func() {
		for iter_ := 0; iter_ < 50; iter_++ {
			assert.NoError(t, gp.FlushAndForce(nil))
		}
	})
	wg.Wait()

	require.NoError(t, c.Close())
	require.NoError(t, gp.FlushAndForce(nil))

	data, err := afero.ReadFile(fs, "/db/a.store")
	require.NoError(t, err)
	assert.Equal(t, byte(0xee), data[0])
}

func TestGlobalPool_CloseReportsWritePinnedPage(t *testing.T) {
	fs := afero.NewMemMapFs()
	gp := NewGlobalPool(storage.NewStorageManager(fs), Options{PageSize: 512, MaxCachedPages: 4})

	pf, err := gp.Map("/db/a.store", 512, pagecache.Create)
	require.NoError(t, err)
	writePage(t, pf, 1, 3)

	c := openWriteCursor(t, pf, 0)
	c.Bytes()[0] = 9

	err = gp.Close()
	require.ErrorIs(t, err, ErrWritePinned)

	// The unpinned page still reached the file; the pinned one did not.
	data, err := afero.ReadFile(fs, "/db/a.store")
	require.NoError(t, err)
	require.Len(t, data, 2*512)
	assert.Equal(t, byte(0), data[0])
	assert.Equal(t, byte(3), data[512])

	require.NoError(t, c.Close())
	require.NoError(t, pf.Close())
}

func TestGlobalPool_ReadOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/db/a.store", bytes.Repeat([]byte{6}, 1024), storage.FileMode0644))

	gp := NewGlobalPool(storage.NewStorageManager(fs), Options{PageSize: 512, MaxCachedPages: 4, ReadOnly: true})
	defer gp.Close()
	assert.True(t, gp.ReadOnly())

	for _, opt := range []pagecache.OpenOption{pagecache.Create, pagecache.TruncateExisting, pagecache.DeleteOnClose} {
		_, err := gp.Map("/db/a.store", 512, opt)
		require.ErrorIs(t, err, pagecache.ErrReadOnly)
	}

	pf, err := gp.Map("/db/a.store", 512)
	require.NoError(t, err)

	_, err = pf.Io(0, pagecache.SharedWriteLock)
	require.ErrorIs(t, err, pagecache.ErrReadOnly)
	assert.Equal(t, byte(6), readPage(t, pf, 1)[0])

	require.NoError(t, gp.FlushAndForce(nil))
	require.NoError(t, pf.Close())

	data, err := afero.ReadFile(fs, "/db/a.store")
	require.NoError(t, err)
	assert.Len(t, data, 1024)
}
