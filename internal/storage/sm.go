package storage

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

var (
	ErrWrongPageSize = errors.New("storage: buffer size != page size")
	ErrNegativePage  = errors.New("storage: negative page id")
)

// StorageManager maps a logical pageID -> byte offset inside one file.
// All file access goes through an afero.Fs so the shared cache can run on
// the OS filesystem or fully in memory.
type StorageManager struct {
	fs afero.Fs
}

func NewStorageManager(fs afero.Fs) *StorageManager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &StorageManager{fs: fs}
}

func (sm *StorageManager) Fs() afero.Fs { return sm.fs }

// OpenFile opens path read-write. Without create a missing file is an error
// wrapping fs.ErrNotExist.
func (sm *StorageManager) OpenFile(path string, create, truncate bool) (afero.File, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	if truncate {
		flag |= os.O_TRUNC
	}
	f, err := sm.fs.OpenFile(path, flag, FileMode0644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return f, nil
}

// OpenFileReadOnly opens an existing file for reading only.
func (sm *StorageManager) OpenFileReadOnly(path string) (afero.File, error) {
	f, err := sm.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return f, nil
}

// ReadPage reads exactly len(dst) bytes of page pageID into dst.
// If the file is smaller than the requested offset+pageSize,
// the remainder is zero-filled.
func (sm *StorageManager) ReadPage(f afero.File, pageID int64, dst []byte) error {
	if pageID < 0 {
		return ErrNegativePage
	}
	if len(dst) == 0 {
		return ErrWrongPageSize
	}
	off := pageID * int64(len(dst))

	n, err := f.ReadAt(dst, off)
	// In-memory filesystems report reads past the end as ErrUnexpectedEOF.
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("storage: read page %d of %s: %w", pageID, f.Name(), err)
	}
	clear(dst[n:])
	return nil
}

// WritePage writes src as page pageID; the page size is len(src).
func (sm *StorageManager) WritePage(f afero.File, pageID int64, src []byte) error {
	if pageID < 0 {
		return ErrNegativePage
	}
	if len(src) == 0 {
		return ErrWrongPageSize
	}
	n, err := f.WriteAt(src, pageID*int64(len(src)))
	if err != nil {
		return fmt.Errorf("storage: write page %d of %s: %w", pageID, f.Name(), err)
	}
	if n != len(src) {
		return io.ErrShortWrite
	}
	return nil
}

func (sm *StorageManager) Size(f afero.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("storage: stat %s: %w", f.Name(), err)
	}
	return info.Size(), nil
}

// CountPages returns how many whole pages of pageSize the file holds.
func (sm *StorageManager) CountPages(f afero.File, pageSize int) (int64, error) {
	size, err := sm.Size(f)
	if err != nil {
		return 0, err
	}
	pages := size / int64(pageSize)
	if size%int64(pageSize) != 0 {
		// A torn tail still counts as a page; readers zero-fill the rest.
		pages++
	}
	return pages, nil
}

// Force syncs file contents to stable storage.
func (sm *StorageManager) Force(f afero.File) error {
	if err := f.Sync(); err != nil {
		return fmt.Errorf("storage: force %s: %w", f.Name(), err)
	}
	return nil
}

func (sm *StorageManager) Remove(path string) error {
	if err := sm.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: remove %s: %w", path, err)
	}
	return nil
}
