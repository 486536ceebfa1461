// Command miniserve serves a local directory over HTTP(S): browsing,
// downloading, uploading and read-only WebDAV.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/svenstaro/miniserve/internal/assets"
	"github.com/svenstaro/miniserve/internal/auth"
	"github.com/svenstaro/miniserve/internal/logging"
	"github.com/svenstaro/miniserve/internal/miniconfig"
	"github.com/svenstaro/miniserve/internal/router"
	"github.com/svenstaro/miniserve/internal/server"
)

type flags struct {
	verbose             bool
	port                uint16
	interfaces          []string
	auth                []string
	authFile            string
	index               string
	spa                 bool
	prettyURLs          bool
	routePrefix         string
	randomRoute         bool
	noSymlinks          bool
	hidden              bool
	sortMethod          string
	sortOrder           string
	colorScheme         string
	colorSchemeDark     string
	uploadFiles         []string
	mkdir               bool
	mediaType           string
	onDuplicate         string
	enableTar           bool
	enableTarGz         bool
	enableZip           bool
	compressResponse    bool
	dirsFirst           bool
	title               string
	headers             []string
	showSymlinkInfo     bool
	hideVersionFooter   bool
	hideThemeSelector   bool
	showWgetFooter      bool
	tlsCert             string
	tlsKey              string
	readme              bool
	disableIndexing     bool
	enableWebDAV        bool
	fileExternalURL     string
	allowOrigin         string
	unixSockets         []string
	clientCAFile        string
	uploadConcurrency   int
}

func main() {
	f := &flags{}
	var path string

	root := &cobra.Command{
		Use:   "miniserve [PATH]",
		Short: "A small, self-contained HTTP file server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pathGiven := len(args) == 1
			if pathGiven {
				path = args[0]
			}
			return run(path, pathGiven, f)
		},
	}

	bindFlags(root, f)
	bindEnvDefaults(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func bindFlags(cmd *cobra.Command, f *flags) {
	fl := cmd.Flags()
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "be verbose")
	fl.Uint16VarP(&f.port, "port", "p", 8080, "port to listen on; 0 picks a free port")
	fl.StringSliceVarP(&f.interfaces, "interfaces", "i", nil, "interfaces to listen on")
	fl.StringSliceVarP(&f.auth, "auth", "a", nil, "principal in user:secret form, repeatable")
	fl.StringVar(&f.authFile, "auth-file", "", "file of user:secret principals")
	fl.StringVar(&f.index, "index", "", "index file name")
	fl.BoolVar(&f.spa, "spa", false, "serve index file for any unresolved path")
	fl.BoolVar(&f.prettyURLs, "pretty-urls", false, "try PATH.html when PATH does not exist")
	fl.StringVar(&f.routePrefix, "route-prefix", "", "prefix all routes")
	fl.BoolVar(&f.randomRoute, "random-route", false, "generate a random route prefix")
	fl.BoolVarP(&f.noSymlinks, "no-symlinks", "P", false, "do not follow symlinks")
	fl.BoolVarP(&f.hidden, "hidden", "H", false, "show hidden files")
	fl.StringVarP(&f.sortMethod, "default-sorting-method", "S", "name", "name|size|date")
	fl.StringVarP(&f.sortOrder, "default-sorting-order", "O", "asc", "asc|desc")
	fl.StringVarP(&f.colorScheme, "color-scheme", "c", "squirrel", "color scheme")
	fl.StringVarP(&f.colorSchemeDark, "color-scheme-dark", "d", "archlinux", "dark color scheme")
	fl.StringSliceVarP(&f.uploadFiles, "upload-files", "u", nil, "enable uploads, optionally restricted to DIR")
	fl.Lookup("upload-files").NoOptDefVal = "/"
	fl.BoolVarP(&f.mkdir, "mkdir", "U", false, "allow directory creation via upload form")
	fl.StringVarP(&f.mediaType, "media-type", "m", "", "accept= hint for the upload form")
	fl.StringVarP(&f.onDuplicate, "on-duplicate-files", "o", "error", "error|overwrite|rename")
	fl.BoolVarP(&f.enableTar, "enable-tar", "r", false, "enable .tar download")
	fl.BoolVarP(&f.enableTarGz, "enable-tar-gz", "g", false, "enable .tar.gz download")
	fl.BoolVarP(&f.enableZip, "enable-zip", "z", false, "enable .zip download")
	fl.BoolVarP(&f.compressResponse, "compress-response", "C", false, "gzip-compress responses")
	fl.BoolVarP(&f.dirsFirst, "dirs-first", "D", false, "list directories before files")
	fl.StringVarP(&f.title, "title", "t", "", "page title")
	fl.StringSliceVar(&f.headers, "header", nil, "name:value, repeatable")
	fl.BoolVarP(&f.showSymlinkInfo, "show-symlink-info", "l", false, "annotate symlink entries")
	fl.BoolVarP(&f.hideVersionFooter, "hide-version-footer", "F", false, "hide version footer")
	fl.BoolVar(&f.hideThemeSelector, "hide-theme-selector", false, "hide theme selector")
	fl.BoolVarP(&f.showWgetFooter, "show-wget-footer", "W", false, "show wget recipe footer")
	fl.StringVar(&f.tlsCert, "tls-cert", "", "TLS certificate chain PEM")
	fl.StringVar(&f.tlsKey, "tls-key", "", "TLS private key PEM")
	fl.BoolVar(&f.readme, "readme", false, "render README below listings")
	fl.BoolVarP(&f.disableIndexing, "disable-indexing", "I", false, "never render directory listings")
	fl.BoolVar(&f.enableWebDAV, "enable-webdav", false, "serve read-only WebDAV")
	fl.StringVar(&f.fileExternalURL, "file-external-url", "", "external URL prefix for file links")
	fl.StringVar(&f.allowOrigin, "allow-origin", "", "Access-Control-Allow-Origin value; enables CORS")
	fl.StringSliceVar(&f.unixSockets, "unix-socket", nil, "unix:/path listen address, repeatable")
	fl.StringVar(&f.clientCAFile, "client-ca", "", "PEM CA bundle enabling mutual TLS")
	fl.IntVar(&f.uploadConcurrency, "upload-files-concurrency", 1, "web-upload-files-concurrency hint")
}

// bindEnvDefaults lets every flag also be set via MINISERVE_<UPPER_SNAKE>.
func bindEnvDefaults(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(fl *pflag.Flag) {
		envName := "MINISERVE_" + strings.ToUpper(strings.ReplaceAll(fl.Name, "-", "_"))
		if v, ok := os.LookupEnv(envName); ok && !fl.Changed {
			fl.Value.Set(v)
		}
	})
}

func run(path string, pathGiven bool, f *flags) error {
	logging.Setup(f.verbose)

	if err := server.RequireTTYIfNoPath(pathGiven); err != nil {
		return err
	}
	if !pathGiven {
		path = "."
	}

	cfg, err := buildConfiguration(path, f)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	gate, err := buildGate(f)
	if err != nil {
		return err
	}
	cfg.Principals = gate.Principals

	tmpl, err := assets.ListingTemplate()
	if err != nil {
		return fmt.Errorf("parsing listing template: %w", err)
	}
	rawTmpl, err := assets.RawListingTemplate()
	if err != nil {
		return fmt.Errorf("parsing raw listing template: %w", err)
	}

	handler := router.New(cfg, gate, tmpl, rawTmpl)

	srv, err := server.New(cfg, handler)
	if err != nil {
		return err
	}

	for _, u := range srv.URLs() {
		fmt.Println(u)
	}
	server.LogStartup(srv.URLs())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildGate(f *flags) (*auth.Gate, error) {
	var principals []miniconfig.Principal
	for _, spec := range f.auth {
		p, err := auth.ParsePrincipal(spec)
		if err != nil {
			return nil, err
		}
		principals = append(principals, p)
	}
	if f.authFile != "" {
		fromFile, err := auth.LoadAuthFile(f.authFile)
		if err != nil {
			return nil, err
		}
		principals = append(principals, fromFile...)
	}
	return auth.New("miniserve", principals, f.clientCAFile != ""), nil
}

func buildConfiguration(path string, f *flags) (*miniconfig.Configuration, error) {
	cfg := &miniconfig.Configuration{
		RootPath:          path,
		IndexFile:         f.index,
		SPA:               f.spa,
		PrettyURLs:        f.prettyURLs,
		ShowHidden:        f.hidden,
		AllowSymlinks:     !f.noSymlinks,
		ShowSymlinkInfo:   f.showSymlinkInfo,
		EnableTar:         f.enableTar,
		EnableTarGz:       f.enableTarGz,
		EnableZip:         f.enableZip,
		ColorScheme:       f.colorScheme,
		ColorSchemeDark:   f.colorSchemeDark,
		Title:             f.title,
		HideVersionFooter: f.hideVersionFooter,
		HideThemeSelector: f.hideThemeSelector,
		ShowWgetFooter:    f.showWgetFooter,
		CompressResponse:  f.compressResponse,
		DisableIndexing:   f.disableIndexing,
		Readme:            f.readme,
		EnableWebDAV:      f.enableWebDAV,
		FileExternalURL:   f.fileExternalURL,
		AllowOrigin:       f.allowOrigin,
		UnixSockets:       f.unixSockets,
		UploadFilesConcurrency: f.uploadConcurrency,
		RequestHeaderTimeout:   10 * time.Second,
		IdleTimeout:            120 * time.Second,
		Sort: miniconfig.SortConfig{
			Method:    miniconfig.SortMethod(f.sortMethod),
			Order:     miniconfig.SortOrder(f.sortOrder),
			DirsFirst: f.dirsFirst,
		},
		Upload: miniconfig.UploadConfig{
			Mkdir:         f.mkdir,
			MediaTypeHint: f.mediaType,
			OnDuplicate:   miniconfig.DuplicatePolicy(f.onDuplicate),
		},
	}

	switch {
	case len(f.uploadFiles) == 0:
		cfg.Upload.Policy = miniconfig.UploadDisabled
	case len(f.uploadFiles) == 1 && strings.Trim(f.uploadFiles[0], "/") == "":
		cfg.Upload.Policy = miniconfig.UploadAnywhere
	default:
		cfg.Upload.Policy = miniconfig.UploadRestricted
		cfg.Upload.AllowedDirs = f.uploadFiles
	}

	if f.randomRoute {
		cfg.RoutePrefix = "/" + randomHex(6)
	} else if f.routePrefix != "" {
		cfg.RoutePrefix = "/" + strings.Trim(f.routePrefix, "/")
	}

	for _, h := range f.headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --header %q: want name:value", h)
		}
		cfg.ExtraHeaders = append(cfg.ExtraHeaders, miniconfig.Header{
			Name: strings.TrimSpace(parts[0]), Value: strings.TrimSpace(parts[1]),
		})
	}

	if f.tlsCert != "" || f.tlsKey != "" {
		cfg.TLS = &miniconfig.TLSIdentity{CertFile: f.tlsCert, KeyFile: f.tlsKey, ClientCAFile: f.clientCAFile}
	}

	root, err := cfg.CanonicalRoot()
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	cfg.RootPath = root

	addrs, err := parseBindAddrs(f.interfaces, f.port)
	if err != nil {
		return nil, err
	}
	cfg.BindAddrs = addrs

	return cfg, nil
}

func parseBindAddrs(interfaces []string, port uint16) ([]net.Addr, error) {
	if len(interfaces) == 0 {
		interfaces = []string{"0.0.0.0"}
	}
	var out []net.Addr
	for _, iface := range interfaces {
		addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(iface, strconv.Itoa(int(port))))
		if err != nil {
			return nil, fmt.Errorf("invalid interface %q: %w", iface, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func randomHex(n int) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, n)
	seed := time.Now().UnixNano()
	for i := range buf {
		seed = seed*6364136223846793005 + 1442695040888963407
		buf[i] = digits[(seed>>32)&0xf]
	}
	return string(buf)
}
