package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/tuannm99/novapage/internal"
	"github.com/tuannm99/novapage/internal/bufferpool"
	"github.com/tuannm99/novapage/internal/pagecache"
	"github.com/tuannm99/novapage/internal/storage"
)

var (
	ErrEngineClosed = errors.New("novapage: engine is closed")
	ErrDatabaseOpen = errors.New("novapage: database is already open")
	ErrInvalidName  = errors.New("novapage: invalid name")
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,63}$`)

func validateIdent(s string) error {
	if !identRe.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	return nil
}

// Engine owns the process-wide page cache and hands out one scoped view of
// it per open database.
type Engine struct {
	Workdir string

	fs      afero.Fs
	pool    *bufferpool.GlobalPool
	limiter pagecache.IOLimiter
	logger  *slog.Logger

	mu     sync.Mutex
	dbs    map[string]*Database
	closed bool
}

// Open builds an engine from cfg. A nil fs means the OS filesystem.
func Open(cfg *internal.NovaPageConfig, fs afero.Fs, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}

	sm := storage.NewStorageManager(fs)
	workdir, err := sm.CanonicalPath(cfg.Storage.Workdir)
	if err != nil {
		return nil, fmt.Errorf("engine: workdir: %w", err)
	}
	// A read-only engine never creates anything, not even directories.
	if !cfg.Cache.ReadOnly {
		if err := fs.MkdirAll(workdir, storage.FileMode0755); err != nil {
			return nil, fmt.Errorf("engine: create workdir: %w", err)
		}
	}

	pool := bufferpool.NewGlobalPool(sm, bufferpool.Options{
		PageSize:       cfg.Cache.PageSize,
		MaxCachedPages: cfg.Cache.MaxCachedPages,
		ReadOnly:       cfg.Cache.ReadOnly,
		Logger:         logger,
	})

	logger.Info("engine: open",
		"workdir", workdir,
		"page_size", pool.PageSize(),
		"max_cached_pages", pool.MaxCachedPages(),
		"read_only", pool.ReadOnly(),
	)
	return &Engine{
		Workdir: workdir,
		fs:      fs,
		pool:    pool,
		limiter: pagecache.NewRateLimiter(cfg.Cache.FlushIOPS),
		logger:  logger,
		dbs:     make(map[string]*Database),
	}, nil
}

// Pool exposes the shared cache, e.g. for event reporting.
func (e *Engine) Pool() *bufferpool.GlobalPool { return e.pool }

// OpenDatabase opens the named database with its own scoped cache.
func (e *Engine) OpenDatabase(name string) (*Database, error) {
	if err := validateIdent(name); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if _, ok := e.dbs[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseOpen, name)
	}

	dir := filepath.Join(e.Workdir, name)
	if e.pool.ReadOnly() {
		if ok, err := afero.DirExists(e.fs, dir); err != nil || !ok {
			return nil, fmt.Errorf("engine: database %s: %w", name, os.ErrNotExist)
		}
	} else if err := e.fs.MkdirAll(dir, storage.FileMode0755); err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := e.logger.With("db", name, "db_id", id.String())
	db := &Database{
		Name:   name,
		ID:     id,
		Dir:    dir,
		engine: e,
		cache:  pagecache.NewScoped(e.pool, logger),
		logger: logger,
	}
	e.dbs[name] = db

	logger.Info("engine: database opened")
	return db, nil
}

// Databases lists the open databases by name.
func (e *Engine) Databases() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.dbs))
	for name := range e.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FlushAll flushes every mapped file of every database through the
// configured IO limiter.
func (e *Engine) FlushAll() error {
	return e.pool.FlushAndForce(e.limiter)
}

// Close closes every open database and then the shared cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.closed = true
	dbs := e.dbs
	e.dbs = make(map[string]*Database)
	e.mu.Unlock()

	var errs error
	for _, db := range dbs {
		if err := db.cache.Close(); err != nil && !errors.Is(err, pagecache.ErrAlreadyClosed) {
			errs = multierr.Append(errs, fmt.Errorf("close database %s: %w", db.Name, err))
		}
	}
	e.pool.ReportEvents()
	errs = multierr.Append(errs, e.pool.Close())
	return errs
}

func (e *Engine) forget(db *Database) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dbs[db.Name] == db {
		delete(e.dbs, db.Name)
	}
}

// Database is one logical owner of mapped store files.
type Database struct {
	Name string
	ID   uuid.UUID
	Dir  string

	engine *Engine
	cache  *pagecache.Scoped
	logger *slog.Logger
}

// Cache is the database's scoped view of the shared page cache.
func (db *Database) Cache() *pagecache.Scoped { return db.cache }

// StorePath returns the file backing the named store.
func (db *Database) StorePath(store string) string {
	return filepath.Join(db.Dir, store+".store")
}

// MapStore maps <dir>/<store>.store with the cache page size.
func (db *Database) MapStore(store string, opts ...pagecache.OpenOption) (pagecache.PagedFile, error) {
	if err := validateIdent(store); err != nil {
		return nil, err
	}
	return db.cache.Map(db.StorePath(store), 0, opts...)
}

// Flush flushes this database's files only.
func (db *Database) Flush() error {
	return db.cache.FlushAndForce(db.engine.limiter)
}

// Close closes the database's files. A second call returns
// pagecache.ErrAlreadyClosed.
func (db *Database) Close() error {
	err := db.cache.Close()
	if errors.Is(err, pagecache.ErrAlreadyClosed) {
		return err
	}
	db.engine.forget(db)
	db.logger.Info("engine: database closed", "err", err)
	return err
}
