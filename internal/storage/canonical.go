package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// maxLinkHops bounds symlink resolution, like the kernel's ELOOP limit.
const maxLinkHops = 40

var ErrTooManyLinks = errors.New("storage: too many levels of symbolic links")

// CanonicalPath returns the comparable form of path on the host filesystem:
// absolute, cleaned, with symlinks resolved for the longest prefix that
// exists. Missing trailing components are appended unchanged, so a file that
// is about to be created canonicalizes the same way before and after.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	var rest []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Nothing along the path exists; the cleaned absolute form is all we have.
			return abs, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

type linkFs interface {
	afero.Lstater
	afero.LinkReader
}

// CanonicalPath canonicalizes path against the manager's filesystem. The OS
// filesystem uses the host resolver; other filesystems resolve links through
// afero's Lstater and LinkReader when they have them, and are purely lexical
// otherwise. Host symlinks never leak into an in-memory filesystem.
func (sm *StorageManager) CanonicalPath(path string) (string, error) {
	if _, ok := sm.fs.(*afero.OsFs); ok {
		return CanonicalPath(path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	lfs, ok := sm.fs.(linkFs)
	if !ok {
		return abs, nil
	}
	return resolveLinks(lfs, abs)
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == filepath.Separator })
}

// resolveLinks walks abs one component at a time, restarting from the
// target of every symlink it meets.
func resolveLinks(lfs linkFs, abs string) (string, error) {
	root := string(filepath.Separator)
	parts := splitPath(abs)
	resolved := root

	hops := 0
	for len(parts) > 0 {
		next := filepath.Join(resolved, parts[0])
		parts = parts[1:]

		fi, _, err := lfs.LstatIfPossible(next)
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Join(append([]string{next}, parts...)...), nil
		}
		if err != nil {
			return "", fmt.Errorf("storage: lstat %s: %w", next, err)
		}
		if fi.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > maxLinkHops {
			return "", fmt.Errorf("%w: %s", ErrTooManyLinks, abs)
		}
		target, err := lfs.ReadlinkIfPossible(next)
		if err != nil {
			return "", fmt.Errorf("storage: readlink %s: %w", next, err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(resolved, target)
		}
		parts = append(splitPath(filepath.Clean(target)), parts...)
		resolved = root
	}
	return resolved, nil
}
