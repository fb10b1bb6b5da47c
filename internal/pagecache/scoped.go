package pagecache

import (
	"errors"
	"log/slog"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/tuannm99/novapage/internal/storage"
)

var _ PageCache = (*Scoped)(nil)

// Scoped is one database's view of a shared PageCache. It tracks the files
// mapped through it so they can be listed, flushed and closed without
// touching files mapped by other scopes.
//
// Map and Close are serialized by mu. Lookups, listing and flushing work on
// registry snapshots and run concurrently with both and with per-file Close.
type Scoped struct {
	global PageCache
	files  *registry
	logger *slog.Logger

	mu     sync.Mutex
	closed atomic.Bool
}

// NewScoped returns a scope over global, which must outlive it.
func NewScoped(global PageCache, logger *slog.Logger) *Scoped {
	if global == nil {
		panic("pagecache: NewScoped with nil global cache")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scoped{
		global: global,
		files:  newRegistry(),
		logger: logger,
	}
}

func (s *Scoped) Map(path string, pageSize int, opts ...OpenOption) (PagedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrAlreadyClosed
	}

	pf, err := s.global.Map(path, pageSize, opts...)
	if err != nil {
		return nil, err
	}

	f := &scopedFile{delegate: pf}
	f.release = s.files.add(f)

	s.logger.Debug("pagecache: mapped", "path", pf.Path(), "page_size", pf.PageSize())
	return f, nil
}

func (s *Scoped) GetExistingMapping(path string) (PagedFile, bool, error) {
	canonical, err := s.canonicalPath(path)
	if err != nil {
		return nil, false, err
	}
	for _, sl := range s.files.snapshot() {
		if sl.file.Path() == canonical {
			return sl.file, true, nil
		}
	}
	return nil, false, nil
}

func (s *Scoped) canonicalPath(path string) (string, error) {
	if r, ok := s.global.(PathResolver); ok {
		return r.CanonicalPath(path)
	}
	return storage.CanonicalPath(path)
}

func (s *Scoped) ListExistingMappings() []PagedFile {
	snap := s.files.snapshot()
	out := make([]PagedFile, len(snap))
	for i, sl := range snap {
		out[i] = sl.file
	}
	return out
}

// FlushAndForce flushes every file of this scope in turn and stops at the
// first failure.
func (s *Scoped) FlushAndForce(limiter IOLimiter) error {
	if s.closed.Load() {
		return ErrAlreadyClosed
	}
	for _, sl := range s.files.snapshot() {
		if err := sl.file.FlushAndForce(limiter); err != nil {
			// A file closed concurrently has already been flushed by its own close.
			if errors.Is(err, ErrFileUnmapped) && sl.file.isClosed() {
				continue
			}
			return err
		}
	}
	return nil
}

// Close closes every file still mapped through the scope. A second call
// returns ErrAlreadyClosed.
func (s *Scoped) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrAlreadyClosed
	}
	s.closed.Store(true)

	var errs error
	files := s.files.drain()
	for _, f := range files {
		errs = multierr.Append(errs, f.closeDelegate())
	}
	s.logger.Debug("pagecache: scope closed", "files", len(files), "err", errs)
	return errs
}

func (s *Scoped) PageSize() int { return s.global.PageSize() }

func (s *Scoped) MaxCachedPages() int64 { return s.global.MaxCachedPages() }

func (s *Scoped) ReportEvents() { s.global.ReportEvents() }

var _ PagedFile = (*scopedFile)(nil)

// scopedFile wraps a native handle and deregisters from its scope on Close.
type scopedFile struct {
	delegate PagedFile
	release  func()

	once    sync.Once
	closing atomic.Bool
}

func (f *scopedFile) Io(pageID int64, flags IOFlags) (PageCursor, error) {
	return f.delegate.Io(pageID, flags)
}

func (f *scopedFile) PageSize() int { return f.delegate.PageSize() }

func (f *scopedFile) FileSize() (int64, error) { return f.delegate.FileSize() }

func (f *scopedFile) Path() string { return f.delegate.Path() }

func (f *scopedFile) LastPageID() (int64, error) { return f.delegate.LastPageID() }

func (f *scopedFile) FlushAndForce(limiter IOLimiter) error {
	return f.delegate.FlushAndForce(limiter)
}

// Close closes the delegate once and removes the file from its scope.
// Later calls are no-ops.
func (f *scopedFile) Close() error {
	err := f.closeDelegate()
	f.release()
	return err
}

// closeDelegate forwards Close to the delegate exactly once. Only the first
// caller sees the delegate's error.
func (f *scopedFile) closeDelegate() error {
	var err error
	f.once.Do(func() {
		f.closing.Store(true)
		err = f.delegate.Close()
	})
	return err
}

func (f *scopedFile) isClosed() bool { return f.closing.Load() }
