// Package upload implements multipart file and mkdir uploads: target
// resolution against the configured upload scope, duplicate-name
// resolution, and atomic placement via a temp-file-then-rename guard.
package upload

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/svenstaro/miniserve/internal/apperror"
	"github.com/svenstaro/miniserve/internal/miniconfig"
	"github.com/svenstaro/miniserve/internal/pathresolver"
)

// guard owns a temp file and deletes it on Close unless Commit was
// called first, so every error return path (including a panic
// recovered upstream) leaves no stray temp file behind.
type guard struct {
	path      string
	committed bool
}

func newGuard(dir string) (*guard, *os.File, error) {
	name := filepath.Join(dir, "."+uuid.NewString()+".miniserve-upload")
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, nil, err
	}
	return &guard{path: name}, f, nil
}

func (g *guard) commit(dest string) error {
	if err := os.Rename(g.path, dest); err != nil {
		return err
	}
	g.committed = true
	return nil
}

func (g *guard) close() {
	if !g.committed {
		os.Remove(g.path)
	}
}

// isUploadAllowed reports whether targetRel (slash-separated, relative
// to root, no leading slash) falls within the configured upload scope.
func isUploadAllowed(cfg *miniconfig.Configuration, targetRel string) bool {
	switch cfg.Upload.Policy {
	case miniconfig.UploadDisabled:
		return false
	case miniconfig.UploadAnywhere:
		return true
	case miniconfig.UploadRestricted:
		for _, d := range cfg.Upload.AllowedDirs {
			d = strings.Trim(filepath.ToSlash(d), "/")
			if targetRel == d || strings.HasPrefix(targetRel, d+"/") {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// sanitizeFilename strips any path component from a client-supplied
// filename and rejects names that resolve to nothing useful.
func sanitizeFilename(name string) (string, error) {
	name = filepath.Base(filepath.FromSlash(name))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", apperror.BadPath("invalid upload filename")
	}
	return name, nil
}

// resolveDuplicateName finds the destination filename under policy.
// If dir/name does not exist yet, name is returned unchanged.
func resolveDuplicateName(dir, name string, policy miniconfig.DuplicatePolicy) (string, error) {
	dest := filepath.Join(dir, name)
	if _, err := os.Lstat(dest); os.IsNotExist(err) {
		return name, nil
	}

	switch policy {
	case miniconfig.OnDuplicateOverwrite:
		return name, nil
	case miniconfig.OnDuplicateRename:
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)
		for i := 1; ; i++ {
			candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
			if _, err := os.Lstat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
				return candidate, nil
			}
		}
	default: // OnDuplicateError and unset
		return "", apperror.Conflict(fmt.Sprintf("%s already exists", name))
	}
}

// HandleUpload processes POST <prefix>/upload?path=<rel>.
func HandleUpload(w http.ResponseWriter, r *http.Request, cfg *miniconfig.Configuration, resolver *pathresolver.Resolver) {
	if cfg.Upload.Policy == miniconfig.UploadDisabled {
		writeError(w, apperror.Forbidden("uploads are disabled"))
		return
	}

	targetPath := r.URL.Query().Get("path")
	if targetPath == "" {
		targetPath = "/"
	}
	resolved, err := resolver.ResolveForWrite(targetPath)
	if err != nil {
		writeError(w, err)
		return
	}
	if !resolved.Kind.IsDir() {
		writeError(w, apperror.BadPath("upload target is not a directory"))
		return
	}
	if !isUploadAllowed(cfg, resolved.RelPath) {
		writeError(w, apperror.Forbidden("upload target is outside the allowed upload scope"))
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, apperror.Wrap(apperror.KindPayloadTooLarge, "malformed multipart body", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	if mkdirName := r.FormValue("mkdir"); mkdirName != "" {
		if !cfg.Upload.Mkdir {
			writeError(w, apperror.Forbidden("directory creation is disabled"))
			return
		}
		if err := handleMkdir(resolved.AbsPath, mkdirName); err != nil {
			writeError(w, err)
			return
		}
	}

	for _, fh := range r.MultipartForm.File["file"] {
		if err := handleFilePart(resolved.AbsPath, fh, cfg.Upload.OnDuplicate); err != nil {
			writeError(w, err)
			return
		}
	}

	http.Redirect(w, r, redirectTarget(r, targetPath), http.StatusSeeOther)
}

func handleMkdir(dir, name string) error {
	name, err := sanitizeFilename(name)
	if err != nil {
		return err
	}
	if err := os.Mkdir(filepath.Join(dir, name), 0755); err != nil {
		if os.IsExist(err) {
			return apperror.Conflict(name + " already exists")
		}
		return apperror.ServerError("failed to create directory", err)
	}
	return nil
}

func handleFilePart(dir string, fh *multipart.FileHeader, policy miniconfig.DuplicatePolicy) error {
	name, err := sanitizeFilename(fh.Filename)
	if err != nil {
		return err
	}
	destName, err := resolveDuplicateName(dir, name, policy)
	if err != nil {
		return err
	}

	src, err := fh.Open()
	if err != nil {
		return apperror.ServerError("failed to read uploaded file", err)
	}
	defer src.Close()

	g, tmp, err := newGuard(dir)
	if err != nil {
		return apperror.ServerError("failed to create temp file", err)
	}
	defer g.close()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return apperror.ServerError("failed to write uploaded file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperror.ServerError("failed to flush uploaded file", err)
	}
	if err := g.commit(filepath.Join(dir, destName)); err != nil {
		return apperror.ServerError("failed to place uploaded file", err)
	}
	return nil
}

func redirectTarget(r *http.Request, relPath string) string {
	prefix := strings.TrimSuffix(r.URL.Path, "/upload")
	if prefix == "" {
		prefix = "/"
	}
	return prefix
}

func writeError(w http.ResponseWriter, err error) {
	ae, ok := apperror.As(err)
	status := http.StatusInternalServerError
	msg := "internal error"
	if ok {
		status = ae.Status()
		msg = ae.Message
	}
	http.Error(w, msg, status)
}
