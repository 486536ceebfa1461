// Package pathresolver maps a percent-decoded request path, relative
// to a jail root, onto a canonical filesystem path, enforcing the
// jail, symlink and hidden-file policies along the way.
package pathresolver

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/svenstaro/miniserve/internal/apperror"
)

// Kind classifies the resolved target.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlinkFile
	KindSymlinkDir
	KindSymlinkBroken
)

// Resolved is the successful result of resolving a request path.
type Resolved struct {
	// AbsPath is the canonical absolute filesystem path.
	AbsPath string
	// RelPath is AbsPath relative to the jail root, using "/" separators.
	RelPath string
	Kind    Kind
	Info    fs.FileInfo // nil for a broken symlink
}

// Resolver resolves request paths against one jailed root.
type Resolver struct {
	Root            string // canonical absolute root path
	AllowSymlinks   bool
	ShowHidden      bool
}

func New(root string, allowSymlinks, showHidden bool) *Resolver {
	return &Resolver{Root: root, AllowSymlinks: allowSymlinks, ShowHidden: showHidden}
}

// hasDotDot reports whether any "/"-separated component of p, once
// percent-decoded by the caller, is literally "..". This must run on
// the decoded path: encoded traversal ("%2e%2e") is caught because the
// router decodes before calling ResolveForRead/ResolveForWrite.
func hasDotDot(p string) bool {
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// ResolveForRead resolves a GET-style request path. Intermediate and
// final symlinks are rejected when the resolver's AllowSymlinks is
// false; a final-component symlink is reported via Kind so the caller
// (file responder vs. directory lister) can decide what "rejected"
// means for its own response shape.
func (r *Resolver) ResolveForRead(reqPath string) (*Resolved, error) {
	return r.resolve(reqPath, r.AllowSymlinks)
}

// ResolveForWrite always resolves with symlinks disabled, regardless
// of the resolver's configured AllowSymlinks, so a write can never be
// steered through a symlink onto a path outside the jail root.
func (r *Resolver) ResolveForWrite(reqPath string) (*Resolved, error) {
	return r.resolve(reqPath, false)
}

func (r *Resolver) resolve(reqPath string, allowSymlinks bool) (*Resolved, error) {
	if !strings.HasPrefix(reqPath, "/") {
		reqPath = "/" + reqPath
	}
	clean := filepath.Clean(reqPath)
	if hasDotDot(reqPath) {
		return nil, apperror.BadPath("path contains '..'")
	}
	if !strings.HasPrefix(clean, "/") {
		return nil, apperror.BadPath("malformed path")
	}

	// Hidden-file policy: reject any non-root component starting with ".".
	if !r.ShowHidden {
		for _, part := range strings.Split(strings.Trim(clean, "/"), "/") {
			if part != "" && strings.HasPrefix(part, ".") {
				return nil, apperror.NotFound("hidden path component")
			}
		}
	}

	joined := filepath.Join(r.Root, clean)

	// Walk intermediate components to enforce the symlink policy
	// before we ever canonicalize/stat the final component, so a
	// symlinked *directory* in the middle of the path can't be used
	// to smuggle content in when symlinks are disallowed.
	if !allowSymlinks {
		rel, err := filepath.Rel(r.Root, joined)
		if err != nil {
			return nil, apperror.Forbidden("path escapes root")
		}
		cur := r.Root
		if rel != "." {
			for _, part := range strings.Split(rel, string(filepath.Separator)) {
				cur = filepath.Join(cur, part)
				fi, err := os.Lstat(cur)
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						return nil, apperror.NotFound("path does not exist")
					}
					return nil, apperror.ServerError("stat failed", err)
				}
				if fi.Mode()&os.ModeSymlink != 0 {
					return nil, apperror.Forbidden("symlinks are disabled")
				}
			}
		}
	}

	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Distinguish a dangling final symlink from a genuinely
			// missing path: Lstat the un-evaluated join target.
			if lfi, lerr := os.Lstat(joined); lerr == nil && lfi.Mode()&os.ModeSymlink != 0 {
				if !allowSymlinks {
					return nil, apperror.Forbidden("symlinks are disabled")
				}
				relBroken, rerr := filepath.Rel(r.Root, joined)
				if rerr != nil || strings.HasPrefix(relBroken, "..") {
					return nil, apperror.Forbidden("path escapes root")
				}
				return &Resolved{
					AbsPath: joined,
					RelPath: filepath.ToSlash(relBroken),
					Kind:    KindSymlinkBroken,
				}, nil
			}
			return nil, apperror.NotFound("path does not exist")
		}
		return nil, apperror.ServerError("resolving symlinks failed", err)
	}

	// canonical(P) must be root or a descendant of canonical(root).
	rel, err := filepath.Rel(r.Root, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, apperror.Forbidden("path escapes root")
	}
	if rel == "." {
		rel = ""
	}

	lfi, err := os.Lstat(joined)
	if err != nil {
		return nil, apperror.ServerError("stat failed", err)
	}
	isSymlink := lfi.Mode()&os.ModeSymlink != 0
	if isSymlink && !allowSymlinks {
		return nil, apperror.Forbidden("symlinks are disabled")
	}

	info, err := os.Stat(real)
	if err != nil {
		return nil, apperror.ServerError("stat failed", err)
	}

	kind := KindFile
	switch {
	case isSymlink && info.IsDir():
		kind = KindSymlinkDir
	case isSymlink:
		kind = KindSymlinkFile
	case info.IsDir():
		kind = KindDir
	}

	return &Resolved{
		AbsPath: real,
		RelPath: filepath.ToSlash(rel),
		Kind:    kind,
		Info:    info,
	}, nil
}

// IsDir reports whether the resolved kind is a directory (plain or via symlink).
func (k Kind) IsDir() bool { return k == KindDir || k == KindSymlinkDir }

// IsSymlink reports whether the resolved kind was reached through a symlink.
func (k Kind) IsSymlink() bool {
	return k == KindSymlinkFile || k == KindSymlinkDir || k == KindSymlinkBroken
}
