// Package archive streams a subtree as tar, tar.gz or zip without
// buffering the whole archive in memory.
package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/svenstaro/miniserve/internal/pathresolver"
)

// Format is one of the enabled archive encodings.
type Format string

const (
	FormatTar   Format = "tar"
	FormatTarGz Format = "tar_gz"
	FormatZip   Format = "zip"
)

// ContentType returns the MIME type for the archive body.
func (f Format) ContentType() string {
	switch f {
	case FormatTarGz:
		return "application/gzip"
	case FormatZip:
		return "application/zip"
	default:
		return "application/x-tar"
	}
}

// Ext returns the filename suffix convention for the archive.
func (f Format) Ext() string {
	switch f {
	case FormatTarGz:
		return ".tar.gz"
	case FormatZip:
		return ".zip"
	default:
		return ".tar"
	}
}

// ParseFormat maps a ?download= query value to a Format.
func ParseFormat(q string) (Format, bool) {
	switch Format(q) {
	case FormatTar, FormatTarGz, FormatZip:
		return Format(q), true
	default:
		return "", false
	}
}

// entryKind distinguishes a directory, regular file or symlink walk step.
type entryKind int

const (
	kindFile entryKind = iota
	kindDir
	kindSymlink
)

// entry is one pre-order walk step.
type entry struct {
	absPath string
	relPath string // slash-separated, relative to the archived dir, no leading slash
	info    os.FileInfo
	kind    entryKind
	// linkTarget is the raw symlink target (os.Readlink result), set
	// only when kind is kindSymlink.
	linkTarget string
}

// walk collects entries in the subtree rooted at root (an already
// resolved, in-jail absolute path) in deterministic pre-order:
// directories before their contents, siblings sorted by name. Entries
// reached only through a symlink are skipped when allowSymlinks is
// false. When allowSymlinks is true, a symlink is recorded as a
// symlink entry carrying its target and is never followed, even when
// it points at a directory: following it would let a symlink cycle
// (e.g. a subdirectory linking back to an ancestor) recurse forever.
func walk(root string, allowSymlinks bool) ([]entry, error) {
	var out []entry
	var recurse func(absPath, relPath string) error
	recurse = func(absPath, relPath string) error {
		fis, err := os.ReadDir(absPath)
		if err != nil {
			return err
		}
		sort.Slice(fis, func(i, j int) bool { return fis[i].Name() < fis[j].Name() })
		for _, de := range fis {
			childAbs := filepath.Join(absPath, de.Name())
			childRel := path.Join(relPath, de.Name())
			lfi, err := os.Lstat(childAbs)
			if err != nil {
				continue // vanished between readdir and lstat; skip, matches documented truncation behavior
			}
			if lfi.Mode()&os.ModeSymlink != 0 {
				if !allowSymlinks {
					continue
				}
				target, err := os.Readlink(childAbs)
				if err != nil {
					continue
				}
				out = append(out, entry{absPath: childAbs, relPath: childRel, info: lfi, kind: kindSymlink, linkTarget: target})
				continue
			}
			info, err := os.Stat(childAbs)
			if err != nil {
				continue
			}
			if info.IsDir() {
				out = append(out, entry{absPath: childAbs, relPath: childRel, info: info, kind: kindDir})
				if err := recurse(childAbs, childRel); err != nil {
					return err
				}
			} else {
				out = append(out, entry{absPath: childAbs, relPath: childRel, info: info, kind: kindFile})
			}
		}
		return nil
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("archive root %s is not a directory", root)
	}
	if err := recurse(root, ""); err != nil {
		return nil, err
	}
	return out, nil
}

const chunkSize = 64 * 1024

// Stream writes the archive for resolved (a directory) in format to w.
// It streams directly without holding the whole archive or any single
// file's content in memory; it stops early (truncating the archive)
// if ctx is cancelled or a filesystem error occurs mid-walk, logging
// the cause.
func Stream(ctx context.Context, w io.Writer, resolved *pathresolver.Resolved, dirName string, format Format, allowSymlinks bool) error {
	entries, err := walk(resolved.AbsPath, allowSymlinks)
	if err != nil {
		return fmt.Errorf("walking %s: %w", resolved.AbsPath, err)
	}

	switch format {
	case FormatTar:
		return streamTar(ctx, w, dirName, entries)
	case FormatTarGz:
		gz := gzip.NewWriter(w)
		if err := streamTar(ctx, gz, dirName, entries); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	case FormatZip:
		return streamZip(ctx, w, dirName, entries)
	default:
		return fmt.Errorf("unknown archive format %q", format)
	}
}

func streamTar(ctx context.Context, w io.Writer, dirName string, entries []entry) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			logrus.WithError(err).Warn("archive stream cancelled")
			return err
		}
		name := path.Join(dirName, e.relPath)
		switch e.kind {
		case kindDir:
			hdr := &tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     int64(e.info.Mode().Perm()),
				ModTime:  e.info.ModTime(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
		case kindSymlink:
			hdr := &tar.Header{
				Name:     name,
				Typeflag: tar.TypeSymlink,
				Linkname: e.linkTarget,
				Mode:     int64(e.info.Mode().Perm()),
				ModTime:  e.info.ModTime(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
		default:
			if err := writeTarFile(tw, e, name); err != nil {
				logrus.WithError(err).WithField("path", e.absPath).Warn("archive member failed")
				return err
			}
		}
	}
	return nil
}

func writeTarFile(tw *tar.Writer, e entry, name string) error {
	f, err := os.Open(e.absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     int64(e.info.Mode().Perm()),
		Size:     e.info.Size(),
		ModTime:  e.info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	buf := make([]byte, chunkSize)
	_, err = io.CopyBuffer(tw, f, buf)
	return err
}

func streamZip(ctx context.Context, w io.Writer, dirName string, entries []entry) error {
	zw := zip.NewWriter(w)
	defer zw.Close()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			logrus.WithError(err).Warn("archive stream cancelled")
			return err
		}
		name := path.Join(dirName, e.relPath)
		switch e.kind {
		case kindDir:
			if _, err := zw.Create(name + "/"); err != nil {
				return err
			}
		case kindSymlink:
			fh, err := zip.FileInfoHeader(e.info)
			if err != nil {
				return err
			}
			fh.Name = name
			fh.Method = zip.Store
			fw, err := zw.CreateHeader(fh)
			if err != nil {
				return err
			}
			if _, err := fw.Write([]byte(e.linkTarget)); err != nil {
				return err
			}
		default:
			fh, err := zip.FileInfoHeader(e.info)
			if err != nil {
				return err
			}
			fh.Name = name
			fh.Method = zip.Deflate
			fw, err := zw.CreateHeader(fh)
			if err != nil {
				return err
			}
			if err := copyFileInto(fw, e.absPath); err != nil {
				logrus.WithError(err).WithField("path", e.absPath).Warn("archive member failed")
				return err
			}
		}
	}
	return nil
}

func copyFileInto(w io.Writer, absPath string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, chunkSize)
	_, err = io.CopyBuffer(w, f, buf)
	return err
}

// ServeHTTP writes archive response headers and streams the body,
// using r.Context() for cancellation on client disconnect.
func ServeHTTP(w http.ResponseWriter, r *http.Request, resolved *pathresolver.Resolved, format Format, allowSymlinks bool) {
	dirName := path.Base(resolved.RelPath)
	if dirName == "" || dirName == "." {
		dirName = "root"
	}
	filename := dirName + format.Ext()

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)

	if err := Stream(r.Context(), w, resolved, dirName, format, allowSymlinks); err != nil {
		logrus.WithError(err).WithField("path", resolved.RelPath).Error("archive stream truncated")
	}
}
