// Package server binds one or more listeners (TCP or unix-domain) and
// runs the HTTP(S) runtime for a single Router-built handler.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/svenstaro/miniserve/internal/auth"
	"github.com/svenstaro/miniserve/internal/miniconfig"
)

// Server owns a set of listeners sharing one handler.
type Server struct {
	cfg      *miniconfig.Configuration
	handler  http.Handler
	servers  []*http.Server
	listeners []net.Listener
	urls     []string
}

// New constructs a Server bound to every address/unix-socket in cfg,
// applying TLS if configured. It does not start serving.
func New(cfg *miniconfig.Configuration, handler http.Handler) (*Server, error) {
	s := &Server{cfg: cfg, handler: handler}

	var tlsConfig *tls.Config
	if cfg.TLS != nil {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		if cfg.TLS.ClientCAFile != "" {
			pool, err := auth.LoadClientCAPool(cfg.TLS.ClientCAFile)
			if err != nil {
				return nil, err
			}
			tlsConfig.ClientCAs = pool
			tlsConfig.ClientAuth = auth.ClientAuthType(true)
		}
	}

	for _, addr := range cfg.BindAddrs {
		// Relies on the platform's default dual-stack behavior for a
		// wildcard bind: "tcp" with an unspecified IPv6 address (::)
		// accepts IPv4 connections too on Linux/macOS/Windows without
		// setting IPV6_V6ONLY ourselves. The default 0.0.0.0-only bind
		// never touches IPv6 at all, so this path is unverified for
		// deployments that need both families on separate addresses.
		ln, err := net.Listen("tcp", addr.String())
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", addr, err)
		}
		if tlsConfig != nil {
			ln = tls.NewListener(ln, tlsConfig)
		}
		s.addListener(ln, schemeFor(tlsConfig))
	}

	for _, path := range cfg.UnixSockets {
		path = strings.TrimPrefix(path, "unix:")
		os.Remove(path)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("binding unix socket %s: %w", path, err)
		}
		s.addUnixListener(ln)
	}

	if len(s.listeners) == 0 {
		return nil, errors.New("no listen addresses configured")
	}

	return s, nil
}

func schemeFor(tlsConfig *tls.Config) string {
	if tlsConfig != nil {
		return "https"
	}
	return "http"
}

func (s *Server) addListener(ln net.Listener, scheme string) {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.RequestHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.listeners = append(s.listeners, ln)
	s.servers = append(s.servers, srv)
	s.urls = append(s.urls, fmt.Sprintf("%s://%s%s/", scheme, ln.Addr().String(), s.cfg.RoutePrefix))
}

// addUnixListener marks every connection accepted from ln so the Auth
// Gate bypasses credential checks for it.
func (s *Server) addUnixListener(ln net.Listener) {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.RequestHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, auth.UnixSocketMarkerKey, true)
		},
	}
	s.listeners = append(s.listeners, ln)
	s.servers = append(s.servers, srv)
	s.urls = append(s.urls, fmt.Sprintf("unix:%s", ln.Addr().String()))
}

// URLs returns one URL per bound listener, each reflecting the
// OS-assigned port when bindAddrs requested port 0.
func (s *Server) URLs() []string { return s.urls }

// Serve runs every listener's Accept loop until Shutdown is called or
// a listener fails.
func (s *Server) Serve() error {
	errCh := make(chan error, len(s.servers))
	for i := range s.servers {
		srv, ln := s.servers[i], s.listeners[i]
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}
	for range s.servers {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

// Shutdown gracefully stops every listener.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RequireTTYIfNoPath enforces that the server refuses to start with
// no path argument unless standard input is a TTY, guarding against
// accidentally serving the working directory from a service manager.
func RequireTTYIfNoPath(pathArgGiven bool) error {
	if pathArgGiven {
		return nil
	}
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return nil
	}
	return errors.New("refusing to serve the current directory: no path given and stdin is not a terminal")
}

// LogStartup writes the bound URLs to the structured logger.
func LogStartup(urls []string) {
	for _, u := range urls {
		logrus.WithField("url", u).Info("listening")
	}
}
