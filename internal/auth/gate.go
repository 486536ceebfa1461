// Package auth validates HTTP Basic credentials against a set of
// configured principals, each compared as a literal password or a hex
// sha256/sha512 digest, and optionally against mTLS client-certificate
// identity.
package auth

import (
	"bufio"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/svenstaro/miniserve/internal/miniconfig"
)

// Gate validates HTTP Basic credentials, or, when configured, mTLS
// client-certificate identity, against a fixed set of principals.
type Gate struct {
	Realm          string
	Principals     []miniconfig.Principal
	ClientCertAuth bool
}

func New(realm string, principals []miniconfig.Principal, clientCertAuth bool) *Gate {
	return &Gate{Realm: realm, Principals: principals, ClientCertAuth: clientCertAuth}
}

// Enabled reports whether any principal is configured; an empty
// principal set means the server is unauthenticated.
func (g *Gate) Enabled() bool { return len(g.Principals) > 0 }

// Check validates a (username, password) pair against the configured
// principals. It returns true on the first matching principal.
// Comparisons for digest principals use constant-time equality.
func (g *Gate) Check(user, pass string) bool {
	for _, p := range g.Principals {
		if p.Username != user {
			continue
		}
		if g.matches(p, pass) {
			return true
		}
	}
	return false
}

func (g *Gate) matches(p miniconfig.Principal, pass string) bool {
	switch p.Kind {
	case miniconfig.SecretSHA256:
		sum := sha256.Sum256([]byte(pass))
		return hexEqualFold(hex.EncodeToString(sum[:]), p.Secret)
	case miniconfig.SecretSHA512:
		sum := sha512.Sum512([]byte(pass))
		return hexEqualFold(hex.EncodeToString(sum[:]), p.Secret)
	default:
		return subtle.ConstantTimeCompare([]byte(pass), []byte(p.Secret)) == 1
	}
}

func hexEqualFold(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

// Middleware wraps next with Basic-Auth enforcement. Requests served
// over a unix-domain socket (flagged by the listener via r.Context)
// bypass auth entirely: access to the socket path is already an
// out-of-band authorization boundary.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if isUnixSocketRequest(r) {
			next.ServeHTTP(w, r)
			return
		}
		if g.ClientCertAuth && r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			cn := r.TLS.PeerCertificates[0].Subject.CommonName
			if cn != "" && g.hasUser(cn) {
				next.ServeHTTP(w, r)
				return
			}
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !g.Check(user, pass) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", g.Realm))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) hasUser(user string) bool {
	for _, p := range g.Principals {
		if p.Username == user {
			return true
		}
	}
	return false
}

type unixSocketMarkerKey struct{}

// UnixSocketMarkerKey is the context key the Listener (internal/server)
// sets to true via http.Server.ConnContext for connections accepted
// from a unix-domain listener, so the Auth Gate can skip credential
// checks for them.
var UnixSocketMarkerKey = unixSocketMarkerKey{}

func isUnixSocketRequest(r *http.Request) bool {
	v := r.Context().Value(UnixSocketMarkerKey)
	b, _ := v.(bool)
	return b
}

// ParsePrincipal parses a single -a/--auth flag value of the form
// user:password, user:sha256:hexdigest or user:sha512:hexdigest.
func ParsePrincipal(spec string) (miniconfig.Principal, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return miniconfig.Principal{}, fmt.Errorf("invalid principal %q: want user:secret", spec)
	}
	user := parts[0]
	if user == "" {
		return miniconfig.Principal{}, fmt.Errorf("invalid principal %q: empty username", spec)
	}
	if len(parts) == 3 {
		switch parts[1] {
		case "sha256":
			return miniconfig.Principal{Username: user, Secret: strings.ToLower(parts[2]), Kind: miniconfig.SecretSHA256}, nil
		case "sha512":
			return miniconfig.Principal{Username: user, Secret: strings.ToLower(parts[2]), Kind: miniconfig.SecretSHA512}, nil
		default:
			// Colon was part of a literal password.
			return miniconfig.Principal{Username: user, Secret: parts[1] + ":" + parts[2], Kind: miniconfig.SecretLiteral}, nil
		}
	}
	return miniconfig.Principal{Username: user, Secret: parts[1], Kind: miniconfig.SecretLiteral}, nil
}

// LoadAuthFile parses one "user:secret" principal per line from path.
// Blank lines and lines starting with "#" are skipped.
func LoadAuthFile(path string) ([]miniconfig.Principal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening auth file: %w", err)
	}
	defer f.Close()

	var principals []miniconfig.Principal
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := ParsePrincipal(line)
		if err != nil {
			return nil, fmt.Errorf("auth file %s: %w", path, err)
		}
		principals = append(principals, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading auth file: %w", err)
	}
	return principals, nil
}

// LoadClientCAPool loads a PEM CA bundle for mutual-TLS verification.
func LoadClientCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// ClientAuthType returns the tls.ClientAuthType to use given whether
// mutual TLS is configured.
func ClientAuthType(mtls bool) tls.ClientAuthType {
	if mtls {
		return tls.RequireAndVerifyClientCert
	}
	return tls.NoClientCert
}
