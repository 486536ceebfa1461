// Package router builds the chi route tree dispatching requests to
// the serving components by method and resolved path kind.
package router

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/svenstaro/miniserve/internal/apperror"
	"github.com/svenstaro/miniserve/internal/archive"
	"github.com/svenstaro/miniserve/internal/assets"
	"github.com/svenstaro/miniserve/internal/auth"
	"github.com/svenstaro/miniserve/internal/fileserve"
	"github.com/svenstaro/miniserve/internal/listing"
	"github.com/svenstaro/miniserve/internal/logging"
	"github.com/svenstaro/miniserve/internal/miniconfig"
	"github.com/svenstaro/miniserve/internal/pathresolver"
	"github.com/svenstaro/miniserve/internal/upload"
	"github.com/svenstaro/miniserve/internal/webdavfs"
)

// New builds the full handler tree for cfg.
func New(cfg *miniconfig.Configuration, gate *auth.Gate, tmpl *template.Template, rawTmpl *template.Template) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	if cfg.AllowOrigin != "" {
		r.Use(corsMiddleware(cfg.AllowOrigin))
	}
	r.Use(gate.Middleware)
	r.Use(extraHeadersMiddleware(cfg.ExtraHeaders))

	resolver := pathresolver.New(cfg.RootPath, cfg.AllowSymlinks, cfg.ShowHidden)

	prefix := cfg.RoutePrefix
	internalPrefix := prefix + miniconfig.InternalAssetPrefix

	r.Get(internalPrefix+"/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("OK"))
	})
	r.Get(internalPrefix+"/favicon.svg", serveAsset("image/svg+xml", assets.Favicon))
	r.Get(internalPrefix+"/style.css", serveAsset("text/css; charset=utf-8", assets.Style))

	if cfg.Upload.Policy != miniconfig.UploadDisabled {
		r.Post(prefix+"/upload", func(w http.ResponseWriter, r *http.Request) {
			upload.HandleUpload(w, r, cfg, resolver)
		})
	}

	if cfg.EnableWebDAV {
		davHandler := webdavfs.Handler(resolver, prefix)
		r.Method("PROPFIND", prefix+"/*", davHandler)
		r.Method("OPTIONS", prefix+"/*", davHandler)
	}

	catchAll := func(w http.ResponseWriter, r *http.Request) {
		serveEntry(w, r, cfg, resolver, tmpl, rawTmpl, prefix)
	}
	if prefix == "" {
		r.Get("/*", catchAll)
	} else {
		r.Get(prefix, catchAll)
		r.Get(prefix+"/*", catchAll)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeThemedError(w, tmpl, http.StatusNotFound, "Not Found")
	})

	return r
}

func serveAsset(contentType string, data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Write(data)
	}
}

func requestPath(r *http.Request, prefix string) (string, bool) {
	p := r.URL.Path
	if prefix == "" {
		return p, true
	}
	if p == prefix {
		return "/", true
	}
	if strings.HasPrefix(p, prefix+"/") {
		return strings.TrimPrefix(p, prefix), true
	}
	return "", false
}

func serveEntry(w http.ResponseWriter, r *http.Request, cfg *miniconfig.Configuration, resolver *pathresolver.Resolver, tmpl, rawTmpl *template.Template, prefix string) {
	reqPath, ok := requestPath(r, prefix)
	if !ok {
		writeThemedError(w, tmpl, http.StatusNotFound, "Not Found")
		return
	}

	resolved, err := resolver.ResolveForRead(reqPath)
	if err != nil {
		// SPA/pretty-url rescue only ever applies to a path that is
		// genuinely missing. A jail escape (BadPath) or a blocked
		// symlink (Forbidden) must still fail as such — never silently
		// served the SPA index with a 200. A hidden path resolves as
		// NotFound and is rescued like any other missing path.
		if ae, ok := apperror.As(err); ok && ae.Kind == apperror.KindNotFound {
			if handleMissing(w, r, cfg, resolver, tmpl, rawTmpl, reqPath) {
				return
			}
		}
		writeAppError(w, tmpl, err)
		return
	}

	if resolved.Kind.IsDir() {
		serveDirectory(w, r, cfg, resolver, tmpl, rawTmpl, resolved)
		return
	}

	serveFile(w, r, cfg, resolved)
}

// handleMissing implements the SPA/pretty-url rescue attempted before
// a bare 404, returning true if it served a response.
func handleMissing(w http.ResponseWriter, r *http.Request, cfg *miniconfig.Configuration, resolver *pathresolver.Resolver, tmpl, rawTmpl *template.Template, reqPath string) bool {
	if cfg.PrettyURLs {
		if resolved, err := resolver.ResolveForRead(reqPath + ".html"); err == nil && !resolved.Kind.IsDir() {
			serveFile(w, r, cfg, resolved)
			return true
		}
	}
	if cfg.SPA && cfg.IndexFile != "" {
		if resolved, err := resolver.ResolveForRead("/" + cfg.IndexFile); err == nil && !resolved.Kind.IsDir() {
			serveFile(w, r, cfg, resolved)
			return true
		}
	}
	return false
}

func serveFile(w http.ResponseWriter, r *http.Request, cfg *miniconfig.Configuration, resolved *pathresolver.Resolved) {
	fileserve.ServeHTTP(w, r, resolved, cfg.CompressResponse)
}

func serveDirectory(w http.ResponseWriter, r *http.Request, cfg *miniconfig.Configuration, resolver *pathresolver.Resolver, tmpl, rawTmpl *template.Template, resolved *pathresolver.Resolved) {
	q := r.URL.Query()

	if format, ok := archive.ParseFormat(q.Get("download")); ok {
		if !archiveEnabled(cfg, format) {
			writeThemedError(w, tmpl, http.StatusForbidden, "archive format is disabled")
			return
		}
		archive.ServeHTTP(w, r, resolved, format, cfg.AllowSymlinks)
		return
	}

	if cfg.IndexFile != "" {
		indexRel := path.Join("/", resolved.RelPath, cfg.IndexFile)
		if idx, err := resolver.ResolveForRead(indexRel); err == nil && !idx.Kind.IsDir() {
			serveFile(w, r, cfg, idx)
			return
		}
	}

	if cfg.DisableIndexing {
		writeThemedError(w, tmpl, http.StatusNotFound, "Not Found")
		return
	}

	chosenTmpl := tmpl
	if q.Get("raw") == "true" {
		chosenTmpl = rawTmpl
	}

	dir := listing.NewDirectory(resolved.RelPath, chosenTmpl)
	dir.RoutePrefix = cfg.RoutePrefix
	dir.UploadAllowed = uploadAllowedHere(cfg, resolved.RelPath)
	dir.ArchiveFormats = enabledArchiveFormats(cfg)
	dir.HideVersionFooter = cfg.HideVersionFooter
	dir.HideThemeSelector = cfg.HideThemeSelector
	dir.ShowWgetFooter = cfg.ShowWgetFooter
	dir.ColorScheme = cfg.ColorScheme
	dir.ColorSchemeDark = cfg.ColorSchemeDark
	dir.UploadFilesConcurrency = cfg.UploadFilesConcurrency
	dir.SetQuery(carryQuery(q))

	entries, err := os.ReadDir(resolved.AbsPath)
	if err != nil {
		listing.Error("listing", w, "failed to read directory", err)
		return
	}
	for _, de := range entries {
		childRel := path.Join("/", resolved.RelPath, de.Name())
		child, err := resolver.ResolveForRead(childRel)
		if err != nil {
			continue
		}
		isDir := child.Kind.IsDir()
		if chosenTmpl == rawTmpl {
			dir.AddEntry(child.RelPath, isDir)
		} else {
			size := int64(0)
			if !isDir && child.Info != nil {
				size = child.Info.Size()
			}
			modTime := childModTime(child)
			dir.AddHTMLEntry(child.RelPath, isDir, size, modTime)
		}
		if cfg.ShowSymlinkInfo && child.Kind.IsSymlink() {
			e := &dir.Entries[len(dir.Entries)-1]
			e.IsSymlink = true
			e.SymlinkBroken = child.Kind == pathresolver.KindSymlinkBroken
			if target, err := os.Readlink(filepath.Join(resolved.AbsPath, de.Name())); err == nil {
				e.SymlinkTarget = target
			}
		}
	}

	sortMethod := q.Get("sort")
	order := q.Get("order")
	if sortMethod == "" {
		sortMethod = defaultSortMethod(cfg.Sort)
	}
	if order == "" {
		order = string(cfg.Sort.Order)
	}
	dir.ProcessQueryParams(sortMethod, order)

	if cfg.Readme {
		if html, ok := renderReadme(resolver, resolved.RelPath); ok {
			dir.ReadmeHTML = html
		}
	}

	dir.Serve(w, r)
}

// defaultSortMethod translates the configured (method, dirs_first)
// pair into the listing package's sort-method query value: plain name
// sort has no directory priority, so dirs_first for it maps to the
// dedicated dirs-first method instead of the plain one.
func defaultSortMethod(s miniconfig.SortConfig) string {
	switch s.Method {
	case miniconfig.SortBySize:
		return "size"
	case miniconfig.SortByDate:
		return "date"
	default:
		if s.DirsFirst {
			return ""
		}
		return "name"
	}
}

func archiveEnabled(cfg *miniconfig.Configuration, format archive.Format) bool {
	switch format {
	case archive.FormatTar:
		return cfg.EnableTar
	case archive.FormatTarGz:
		return cfg.EnableTarGz
	case archive.FormatZip:
		return cfg.EnableZip
	default:
		return false
	}
}

func enabledArchiveFormats(cfg *miniconfig.Configuration) []string {
	var out []string
	if cfg.EnableTar {
		out = append(out, string(archive.FormatTar))
	}
	if cfg.EnableTarGz {
		out = append(out, string(archive.FormatTarGz))
	}
	if cfg.EnableZip {
		out = append(out, string(archive.FormatZip))
	}
	return out
}

func uploadAllowedHere(cfg *miniconfig.Configuration, relPath string) bool {
	switch cfg.Upload.Policy {
	case miniconfig.UploadDisabled:
		return false
	case miniconfig.UploadAnywhere:
		return true
	case miniconfig.UploadRestricted:
		for _, d := range cfg.Upload.AllowedDirs {
			d = strings.Trim(filepathToSlash(d), "/")
			if relPath == d || strings.HasPrefix(relPath, d+"/") {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func filepathToSlash(p string) string { return strings.ReplaceAll(p, "\\", "/") }

func carryQuery(q url.Values) url.Values {
	out := url.Values{}
	for _, k := range []string{"sort", "order"} {
		if v := q.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}

func renderReadme(resolver *pathresolver.Resolver, dirRel string) (template.HTML, bool) {
	for _, name := range []string{"README.md", "README", "README.txt"} {
		rel := path.Join("/", dirRel, name)
		resolved, err := resolver.ResolveForRead(rel)
		if err != nil || resolved.Kind.IsDir() {
			continue
		}
		data, err := os.ReadFile(resolved.AbsPath)
		if err != nil {
			continue
		}
		return template.HTML("<pre>" + template.HTMLEscapeString(string(data)) + "</pre>"), true
	}
	return "", false
}

func writeAppError(w http.ResponseWriter, tmpl *template.Template, err error) {
	ae, ok := apperror.As(err)
	status := http.StatusInternalServerError
	msg := "Internal Server Error"
	if ok {
		status = ae.Status()
		msg = ae.Message
	}
	writeThemedError(w, tmpl, status, msg)
}

func writeThemedError(w http.ResponseWriter, tmpl *template.Template, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!doctype html><title>%d</title><h1>%s</h1>", status, template.HTMLEscapeString(message))
}

func corsMiddleware(allowOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PROPFIND")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Range")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extraHeadersMiddleware(headers []miniconfig.Header) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			miniconfig.ApplyExtraHeaders(headers,
				func(name, value string) bool {
					w.Header().Set(name, value)
					return true
				},
				func(name string) bool {
					return w.Header().Get(name) != ""
				},
			)
			next.ServeHTTP(w, r)
		})
	}
}

func childModTime(r *pathresolver.Resolved) time.Time {
	if r.Info != nil {
		return r.Info.ModTime()
	}
	return time.Time{}
}
