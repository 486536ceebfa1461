// Package webdavfs adapts the jailed filesystem tree to golang.org/x/net/webdav
// for read-only PROPFIND access: LOCK/MKCOL/PUT/DELETE/MOVE are never
// reachable because OpenFile refuses any write flag and the mutating
// methods below all return os.ErrPermission.
package webdavfs

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/net/webdav"

	"github.com/svenstaro/miniserve/internal/pathresolver"
)

// FS implements webdav.FileSystem read-only over a Resolver's jailed
// root, honoring its symlink and hidden-file policies for both the
// requested path and every directory entry it returns.
type FS struct {
	Resolver *pathresolver.Resolver
}

var errReadOnly = os.ErrPermission

func (fs *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error { return errReadOnly }

func (fs *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, errReadOnly
	}
	resolved, err := fs.Resolver.ResolveForRead(name)
	if err != nil {
		return nil, os.ErrNotExist
	}
	if resolved.Kind.IsDir() {
		return &file{resolver: fs.Resolver, relPath: resolved.RelPath, info: resolved.Info}, nil
	}
	f, err := os.Open(resolved.AbsPath)
	if err != nil {
		return nil, err
	}
	return &file{File: f, resolver: fs.Resolver, relPath: resolved.RelPath, info: resolved.Info}, nil
}

func (fs *FS) RemoveAll(ctx context.Context, name string) error { return errReadOnly }

func (fs *FS) Rename(ctx context.Context, oldName, newName string) error { return errReadOnly }

func (fs *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	resolved, err := fs.Resolver.ResolveForRead(name)
	if err != nil {
		return nil, os.ErrNotExist
	}
	return resolved.Info, nil
}

// file is a webdav.File backed either by an open *os.File (regular
// files) or, for directories, by nothing but enough state to resolve
// children on Readdir.
type file struct {
	*os.File
	resolver *pathresolver.Resolver
	relPath  string
	info     os.FileInfo
}

func (f *file) Close() error {
	if f.File != nil {
		return f.File.Close()
	}
	return nil
}

func (f *file) Stat() (os.FileInfo, error) { return f.info, nil }

// Readdir re-resolves each child through the Resolver so symlink and
// hidden-file policy apply identically to PROPFIND as to every other
// listing path.
func (f *file) Readdir(count int) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(joinRoot(f.resolver.Root, f.relPath))
	if err != nil {
		return nil, err
	}
	var out []os.FileInfo
	for _, de := range entries {
		childRel := path.Join("/", f.relPath, de.Name())
		resolved, err := f.resolver.ResolveForRead(childRel)
		if err != nil {
			continue // filtered by hidden/symlink policy, or vanished
		}
		out = append(out, resolved.Info)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

func joinRoot(root, rel string) string {
	if rel == "" {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}

// Handler builds the read-only PROPFIND/OPTIONS handler mounted at prefix.
func Handler(resolver *pathresolver.Resolver, prefix string) http.Handler {
	return &webdav.Handler{
		Prefix:     prefix,
		FileSystem: &FS{Resolver: resolver},
		LockSystem: webdav.NewMemLS(),
	}
}
