// Package listing enumerates one directory, sorts/filters its entries,
// and renders an HTML (or minimal/raw) response. Entries carry a
// pre-escaped URL and, for directories, a ZipURL for the archive
// download link.
package listing

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// DirEntry is one row of a rendered directory listing.
type DirEntry struct {
	remote  string
	URL     string
	ZipURL  string
	Leaf    string
	IsDir   bool
	Size    int64
	ModTime time.Time

	// IsSymlink / SymlinkTarget are populated when symlink details
	// are configured to show in listings.
	IsSymlink     bool
	SymlinkTarget string
	SymlinkBroken bool
}

// SizeHuman renders e.Size in human-readable form, e.g. "4.2 kB".
// Directories render as "-".
func (e DirEntry) SizeHuman() string {
	if e.IsDir {
		return "-"
	}
	return humanize.Bytes(uint64(e.Size))
}

// SizeExact renders the exact decimal byte count.
func (e DirEntry) SizeExact() string {
	if e.IsDir {
		return "-"
	}
	return fmt.Sprintf("%d", e.Size)
}

// ModTimeHuman renders a human-relative timestamp, e.g. "3 days ago".
func (e DirEntry) ModTimeHuman() string { return humanize.Time(e.ModTime) }

// ModTimeISO renders an ISO-8601 timestamp.
func (e DirEntry) ModTimeISO() string { return e.ModTime.UTC().Format(time.RFC3339) }

// Directory is the data passed to the listing template.
type Directory struct {
	DirRemote string
	Title     string
	Query     string
	Entries   []DirEntry

	// ReadmeHTML, when non-empty, is rendered below the listing.
	ReadmeHTML template.HTML
	// UploadAllowed gates the upload form.
	UploadAllowed bool
	// ArchiveFormats lists the enabled archive download formats.
	ArchiveFormats []string
	// RoutePrefix is echoed into the template for building absolute
	// links without ever leaking it into error pages.
	RoutePrefix string
	// HideVersionFooter / HideThemeSelector / ShowWgetFooter /
	// ColorScheme / ColorSchemeDark mirror the matching Configuration
	// fields.
	HideVersionFooter bool
	HideThemeSelector bool
	ShowWgetFooter    bool
	ColorScheme       string
	ColorSchemeDark   string
	UploadFilesConcurrency int

	tmpl *template.Template
}

// NewDirectory creates an empty directory listing for dirRemote (the
// request path relative to the jail root, with no leading slash).
func NewDirectory(dirRemote string, tmpl *template.Template) *Directory {
	return &Directory{
		DirRemote: dirRemote,
		Title:     fmt.Sprintf("Directory listing of /%s", dirRemote),
		tmpl:      tmpl,
	}
}

// SetQuery records query parameters to be echoed into every entry's
// (non-zip) URL, e.g. to preserve ?sort=&order= across navigation.
func (d *Directory) SetQuery(values url.Values) *Directory {
	if len(values) == 0 {
		d.Query = ""
		return d
	}
	d.Query = "?" + values.Encode()
	return d
}

func hrefFor(remote string, isDir bool) (leaf, href, zipHref string) {
	leaf = path.Base(remote)
	if leaf == "." || leaf == "/" {
		leaf = ""
	}
	if isDir {
		leaf += "/"
	}
	if leaf == "" {
		leaf = "/"
	}

	u := &url.URL{Path: leaf}
	encoded := u.String()
	if strings.ContainsRune(leaf, ':') && !strings.HasPrefix(encoded, "./") {
		encoded = "./" + encoded
	}
	href = encoded
	if isDir {
		zipHref = encoded + "?download=zip"
	}
	return leaf, href, zipHref
}

// AddEntry adds a bare entry, used by the raw/minimal listing view.
func (d *Directory) AddEntry(remote string, isDir bool) {
	leaf, href, _ := hrefFor(remote, isDir)
	if d.Query != "" {
		href += d.Query
	}
	d.Entries = append(d.Entries, DirEntry{remote: remote, URL: href, Leaf: leaf, IsDir: isDir})
}

// AddHTMLEntry adds a full entry carrying size/modtime for the rich
// HTML listing view.
func (d *Directory) AddHTMLEntry(remote string, isDir bool, size int64, modTime time.Time) {
	leaf, href, zipHref := hrefFor(remote, isDir)
	if d.Query != "" {
		href += d.Query
	}
	d.Entries = append(d.Entries, DirEntry{
		remote: remote, URL: href, ZipURL: zipHref, Leaf: leaf,
		IsDir: isDir, Size: size, ModTime: modTime,
	})
}

const (
	sortByName         = "name"
	sortByNameDirFirst = ""
	sortBySize         = "size"
	sortByTime         = "date"
)

// ProcessQueryParams sorts Entries in place per the sort method and
// order query parameters. An unrecognized sort method behaves like
// the default: name, directories first. Every
// method but "name" itself breaks ties directories-first, then
// case-insensitive name; "desc" reverses the fully-sorted ascending
// result (not each tie-group independently), which is what keeps
// directory-first groupings internally consistent under descending
// order too.
func (d *Directory) ProcessQueryParams(sortMethod, order string) {
	entries := d.Entries

	sort.SliceStable(entries, func(i, j int) bool {
		return compareEntries(entries[i], entries[j], sortMethod) < 0
	})
	if order == "desc" {
		reverseEntries(entries)
	}
}

func compareEntries(a, b DirEntry, method string) int {
	switch method {
	case sortByName:
		return cmpAlpha(a, b)
	case sortBySize:
		if a.Size != b.Size {
			if a.Size < b.Size {
				return -1
			}
			return 1
		}
		return cmpDirFirstThenAlpha(a, b)
	case sortByTime:
		if !a.ModTime.Equal(b.ModTime) {
			if a.ModTime.Before(b.ModTime) {
				return -1
			}
			return 1
		}
		return cmpDirFirstThenAlpha(a, b)
	default:
		return cmpDirFirstThenAlpha(a, b)
	}
}

func cmpDirFirstThenAlpha(a, b DirEntry) int {
	if a.IsDir != b.IsDir {
		if a.IsDir {
			return -1
		}
		return 1
	}
	return cmpAlpha(a, b)
}

func cmpAlpha(a, b DirEntry) int {
	an := strings.ToLower(strings.TrimSuffix(a.Leaf, "/"))
	bn := strings.ToLower(strings.TrimSuffix(b.Leaf, "/"))
	switch {
	case an < bn:
		return -1
	case an > bn:
		return 1
	default:
		return 0
	}
}

func reverseEntries(e []DirEntry) {
	for i, j := 0, len(e)-1; i < j; i, j = i+1, j-1 {
		e[i], e[j] = e[j], e[i]
	}
}

// Error renders a plain-text error for handlers that bail out before
// building a full Directory.
func Error(logPrefix string, w http.ResponseWriter, userMessage string, err error) {
	http.Error(w, userMessage+".", http.StatusInternalServerError)
}

// Serve renders the directory listing to w using the configured
// template.
func (d *Directory) Serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.tmpl.Execute(w, d); err != nil {
		Error("listing", w, "failed to render directory", err)
	}
}
