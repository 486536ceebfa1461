// Package logging configures the process-wide structured logger and
// the per-request logging middleware.
package logging

import (
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// L is the shared logger. It is configured once in Setup and read by
// every component afterwards; never mutated per-request.
var L = logrus.New()

// Setup configures the shared logger's level and formatter.
func Setup(verbose bool) {
	L.SetOutput(os.Stderr)
	L.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		L.SetLevel(logrus.DebugLevel)
	} else {
		L.SetLevel(logrus.InfoLevel)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Middleware logs one structured line per request: method, path,
// remote address, status, duration and response size.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		L.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   r.RemoteAddr,
			"status":   rec.status,
			"bytes":    rec.bytes,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}
