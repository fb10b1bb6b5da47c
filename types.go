// Package novapage is the top-level facade: one shared page cache per
// process, and a scoped view of it per database.
package novapage

import (
	"io"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/tuannm99/novapage/internal"
	"github.com/tuannm99/novapage/internal/engine"
	"github.com/tuannm99/novapage/internal/pagecache"
)

type (
	Engine    = engine.Engine
	Database  = engine.Database
	Config    = internal.NovaPageConfig
	PageCache = pagecache.PageCache
	PagedFile = pagecache.PagedFile
	Cursor    = pagecache.PageCursor
	IOLimiter = pagecache.IOLimiter
)

const (
	Create           = pagecache.Create
	TruncateExisting = pagecache.TruncateExisting
	DeleteOnClose    = pagecache.DeleteOnClose

	SharedReadLock  = pagecache.SharedReadLock
	SharedWriteLock = pagecache.SharedWriteLock
	NoGrow          = pagecache.NoGrow
)

var (
	ErrAlreadyClosed = pagecache.ErrAlreadyClosed
	ErrFileUnmapped  = pagecache.ErrFileUnmapped
	ErrEngineClosed  = engine.ErrEngineClosed
	ErrDatabaseOpen  = engine.ErrDatabaseOpen
)

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) { return internal.LoadConfig(path) }

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return internal.DefaultConfig() }

// NewLogger builds a logger from the log section of cfg.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger { return internal.NewLogger(cfg, w) }

// Open starts an engine on the OS filesystem.
func Open(cfg *Config, logger *slog.Logger) (*Engine, error) {
	return engine.Open(cfg, afero.NewOsFs(), logger)
}
