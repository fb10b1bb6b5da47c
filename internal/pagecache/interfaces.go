// Package pagecache defines the paged-file cache capability set and the
// per-database Scoped view over a shared cache.
package pagecache

import "errors"

var (
	// ErrAlreadyClosed is returned when a Scoped is closed twice or used after Close.
	ErrAlreadyClosed = errors.New("pagecache: database page cache was already closed")
	// ErrFileUnmapped is returned by a native handle that has already been closed.
	ErrFileUnmapped = errors.New("pagecache: file is already unmapped")
	// ErrCacheClosed is returned by the shared cache after it has been closed.
	ErrCacheClosed = errors.New("pagecache: page cache is closed")
	// ErrPageSizeMismatch is returned when a file is mapped with a page size the
	// cache cannot serve, or with a size different from its existing mapping.
	ErrPageSizeMismatch = errors.New("pagecache: page size mismatch")
	// ErrReadOnly is returned by a read-only cache for anything that would
	// create, truncate, delete or write a file.
	ErrReadOnly = errors.New("pagecache: page cache is read-only")
)

// OpenOption modifies how a file is mapped.
type OpenOption uint8

const (
	// Create creates the file if it does not exist.
	Create OpenOption = iota + 1
	// TruncateExisting truncates the file to zero length when it is first mapped.
	TruncateExisting
	// DeleteOnClose removes the file once its last mapping is closed.
	DeleteOnClose
)

// IOFlags select the access mode of a PageCursor.
type IOFlags uint8

const (
	SharedReadLock IOFlags = 1 << iota
	SharedWriteLock
	// NoGrow keeps write cursors from extending the file.
	NoGrow
)

func (f IOFlags) Has(flag IOFlags) bool { return f&flag != 0 }

// PageCache is the capability surface of a paged-file cache.
type PageCache interface {
	// Map maps path with the given page size. A pageSize of 0 uses the cache page size.
	Map(path string, pageSize int, opts ...OpenOption) (PagedFile, error)
	// GetExistingMapping returns the mapping of path, compared by canonical path.
	GetExistingMapping(path string) (PagedFile, bool, error)
	ListExistingMappings() []PagedFile
	// FlushAndForce writes back every dirty page and forces it to stable
	// storage. A nil limiter means Unlimited.
	FlushAndForce(limiter IOLimiter) error
	Close() error
	PageSize() int
	MaxCachedPages() int64
	ReportEvents()
}

// PathResolver is implemented by caches whose files live on a filesystem
// other than the host's. A Scoped uses it so its lookups agree with the
// paths its shared cache hands out.
type PathResolver interface {
	CanonicalPath(path string) (string, error)
}

// PagedFile is one mapped file.
type PagedFile interface {
	Io(pageID int64, flags IOFlags) (PageCursor, error)
	PageSize() int
	FileSize() (int64, error)
	// Path is the canonical path of the mapped file.
	Path() string
	LastPageID() (int64, error)
	FlushAndForce(limiter IOLimiter) error
	Close() error
}

// PageCursor walks the pages of one PagedFile. The first Next moves to the
// page the cursor was opened at.
type PageCursor interface {
	Next() (bool, error)
	NextTo(pageID int64) (bool, error)
	PageID() int64
	// Bytes is the current page. It is valid until the next Next/NextTo/Close.
	// Only a write cursor may change it, and a flush running meanwhile skips
	// the page until the cursor moves on.
	Bytes() []byte
	Close() error
}
