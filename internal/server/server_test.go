package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svenstaro/miniserve/internal/miniconfig"
)

func tcpAddr(t *testing.T) net.Addr {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return addr
}

func TestNew_BindsAndServes(t *testing.T) {
	cfg := &miniconfig.Configuration{
		BindAddrs:            []net.Addr{tcpAddr(t)},
		RequestHeaderTimeout: time.Second,
		IdleTimeout:          time.Second,
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	srv, err := New(cfg, handler)
	require.NoError(t, err)
	require.Len(t, srv.URLs(), 1)

	go srv.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	url := srv.URLs()[0]
	var resp *http.Response
	for i := 0; i < 20; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestNew_UnixSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "miniserve.sock")
	cfg := &miniconfig.Configuration{
		UnixSockets:          []string{sockPath},
		RequestHeaderTimeout: time.Second,
		IdleTimeout:          time.Second,
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	srv, err := New(cfg, handler)
	require.NoError(t, err)
	require.Len(t, srv.URLs(), 1)

	go srv.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	client := http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("unix", sockPath)
			},
		},
	}
	var resp *http.Response
	for i := 0; i < 20; i++ {
		resp, err = client.Get("http://unix/")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
}

func TestNew_NoListenersConfigured(t *testing.T) {
	cfg := &miniconfig.Configuration{}
	_, err := New(cfg, http.NotFoundHandler())
	assert.Error(t, err)
}

func TestRequireTTYIfNoPath_PathGiven(t *testing.T) {
	assert.NoError(t, RequireTTYIfNoPath(true))
}
