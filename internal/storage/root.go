package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JonnyShabli/mediagrab/internal/apperr"
)

// Root confines every save path and directory listing to one directory tree.
type Root struct {
	dir string
}

type Entry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	// compare against the real location so a symlinked root still works
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return &Root{dir: abs}, nil
}

func (r *Root) Dir() string {
	return r.dir
}

// Resolve maps a user supplied path (relative to the root, or absolute inside it)
// to an absolute path. Anything escaping the root is a validation error.
func (r *Root) Resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	var target string
	switch {
	case p == "" || p == ".":
		return r.dir, nil
	case filepath.IsAbs(p):
		target = filepath.Clean(p)
	default:
		target = filepath.Join(r.dir, p)
	}

	if !r.contains(target) {
		return "", apperr.Validation("save path %q is outside the storage root", p)
	}

	// neither the path nor its deepest existing ancestor may leave the root
	// through a symlink
	if real, ok := existingAncestor(target); ok && !r.contains(real) {
		return "", apperr.Validation("save path %q is outside the storage root", p)
	}
	return target, nil
}

// existingAncestor resolves symlinks of p or, when p does not exist yet, of its
// deepest existing parent.
func existingAncestor(p string) (string, bool) {
	for {
		if real, err := filepath.EvalSymlinks(p); err == nil {
			return real, true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", false
		}
		p = parent
	}
}

// Rel returns abs relative to the root in slash form, "." for the root itself.
func (r *Root) Rel(abs string) string {
	rel, err := filepath.Rel(r.dir, abs)
	if err != nil {
		return "."
	}
	return filepath.ToSlash(rel)
}

func (r *Root) contains(p string) bool {
	rel, err := filepath.Rel(r.dir, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// List returns the entries of a directory inside the root, directories first,
// with a ".." entry when p is below the root.
func (r *Root) List(p string) ([]Entry, error) {
	abs, err := r.Resolve(p)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFound("directory %q not found", p)
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, apperr.Validation("%q is not a readable directory", p)
		}
		return nil, apperr.Internal("read directory", err)
	}

	items := make([]Entry, 0, len(dirEntries)+1)
	for _, de := range dirEntries {
		isDir := de.IsDir()
		if de.Type()&fs.ModeSymlink != 0 {
			if info, err := os.Stat(filepath.Join(abs, de.Name())); err == nil {
				isDir = info.IsDir()
			}
		}
		items = append(items, Entry{
			Name:  de.Name(),
			Path:  r.Rel(filepath.Join(abs, de.Name())),
			IsDir: isDir,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})

	if abs != r.dir {
		parent := Entry{Name: "..", Path: r.Rel(filepath.Dir(abs)), IsDir: true}
		items = append([]Entry{parent}, items...)
	}
	return items, nil
}
