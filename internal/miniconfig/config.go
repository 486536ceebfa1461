// Package miniconfig holds the immutable, shared Configuration value
// every request handler reads from. It is constructed once at startup
// (by the cmd/miniserve CLI layer) and never mutated afterwards.
package miniconfig

import (
	"fmt"
	"net"
	"path/filepath"
	"time"
)

// SortMethod is the primary key used to order a directory listing.
type SortMethod string

const (
	SortByName SortMethod = "name"
	SortBySize SortMethod = "size"
	SortByDate SortMethod = "date"
)

// SortOrder is ascending or descending.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// UploadPolicy says where, if anywhere, uploads are accepted.
type UploadPolicy int

const (
	UploadDisabled UploadPolicy = iota
	UploadAnywhere
	UploadRestricted
)

// DuplicatePolicy says what happens when an uploaded file collides
// with an existing name.
type DuplicatePolicy string

const (
	OnDuplicateError     DuplicatePolicy = "error"
	OnDuplicateOverwrite DuplicatePolicy = "overwrite"
	OnDuplicateRename    DuplicatePolicy = "rename"
)

// PrincipalSecretKind says how a principal's configured secret must
// be compared against a presented password.
type PrincipalSecretKind int

const (
	SecretLiteral PrincipalSecretKind = iota
	SecretSHA256
	SecretSHA512
)

// Principal is one configured (username, secret) pair accepted by the
// Auth Gate.
type Principal struct {
	Username string
	Secret   string // literal password, or lowercase hex digest
	Kind     PrincipalSecretKind
}

// TLSIdentity is the TLS material the core attaches to a listening
// socket; the Listener loads cert/key files and hands the parsed
// result through.
type TLSIdentity struct {
	CertFile string
	KeyFile  string
	// ClientCAFile, when non-empty, turns on mutual TLS and the
	// Auth Gate's certificate-identity fallback.
	ClientCAFile string
}

// SortConfig bundles the three knobs that determine default listing order.
type SortConfig struct {
	Method   SortMethod
	Order    SortOrder
	DirsFirst bool
}

// UploadConfig bundles the upload-related configuration.
type UploadConfig struct {
	Policy        UploadPolicy
	AllowedDirs   []string // relative to RootPath; meaningful only for UploadRestricted
	Mkdir         bool
	OnDuplicate   DuplicatePolicy
	MediaTypeHint string
}

// Header is one (name, value) pair appended to every response only if
// the name is not already present.
type Header struct {
	Name  string
	Value string
}

// Configuration is built once at startup by cmd/miniserve and is not
// modified after the router and server are constructed from it.
// Every request handler receives a *Configuration by reference and
// never writes through it.
type Configuration struct {
	RootPath string // absolute, canonicalized jail root

	BindAddrs []net.Addr // parsed TCP listen addresses; unix sockets are listed in UnixSockets
	UnixSockets []string // unix:/path listen addresses

	RoutePrefix string // "" or "/p1/p2/..."; no trailing slash

	Principals []Principal
	AllowOrigin string // "" disables CORS handling; otherwise the Access-Control-Allow-Origin value

	IndexFile string
	SPA       bool
	PrettyURLs bool

	ShowHidden bool

	AllowSymlinks   bool
	ShowSymlinkInfo bool

	EnableTar   bool
	EnableTarGz bool
	EnableZip   bool

	Upload UploadConfig

	Sort SortConfig

	ColorScheme     string
	ColorSchemeDark string
	Title           string
	ExtraHeaders    []Header
	HideVersionFooter bool
	HideThemeSelector bool
	ShowWgetFooter    bool
	CompressResponse  bool
	DisableIndexing   bool
	Readme            bool
	EnableWebDAV      bool
	FileExternalURL   string

	TLS *TLSIdentity

	// UploadFilesConcurrency is surfaced into the upload form as the
	// concurrent-uploads hint for browser clients.
	UploadFilesConcurrency int

	// RequestHeaderTimeout / IdleTimeout bound the HTTP runtime; no
	// additional body-side timeouts are enforced beyond these.
	RequestHeaderTimeout time.Duration
	IdleTimeout          time.Duration
}

// InternalAssetPrefix is the fixed internal-route segment appended to
// RoutePrefix for favicon/style/healthcheck routes.
const InternalAssetPrefix = "/__miniserve_internal"

// CanonicalRoot returns the cleaned, absolute root path.
func (c *Configuration) CanonicalRoot() (string, error) {
	abs, err := filepath.Abs(c.RootPath)
	if err != nil {
		return "", fmt.Errorf("resolving root path: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("canonicalizing root path: %w", err)
	}
	return real, nil
}

// Validate rejects configuration combinations that can never serve a
// coherent response: disabled symlinks together with WebDAV enabled
// is refused at startup rather than silently filtered per-response.
func (c *Configuration) Validate() error {
	if !c.AllowSymlinks && c.EnableWebDAV {
		return fmt.Errorf("--no-symlinks is incompatible with --enable-webdav: pick one")
	}
	if c.Upload.Policy == UploadRestricted && len(c.Upload.AllowedDirs) == 0 {
		return fmt.Errorf("upload restricted to no directories: nothing would ever be accepted")
	}
	switch c.Upload.OnDuplicate {
	case OnDuplicateError, OnDuplicateOverwrite, OnDuplicateRename, "":
	default:
		return fmt.Errorf("invalid on-duplicate-files policy %q", c.Upload.OnDuplicate)
	}
	return nil
}

// ApplyExtraHeaders appends name/value to w's header set only if name
// is not already present.
func ApplyExtraHeaders(headers []Header, set func(name, value string) bool, has func(name string) bool) {
	for _, h := range headers {
		if !has(h.Name) {
			set(h.Name, h.Value)
		}
	}
}
