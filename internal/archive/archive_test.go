package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svenstaro/miniserve/internal/pathresolver"
)

func setupTree(t *testing.T) string {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world"), 0644))
	return root
}

func resolveDir(t *testing.T, root string) *pathresolver.Resolved {
	r := pathresolver.New(root, true, false)
	resolved, err := r.ResolveForRead("/")
	require.NoError(t, err)
	return resolved
}

func TestParseFormat(t *testing.T) {
	f, ok := ParseFormat("zip")
	assert.True(t, ok)
	assert.Equal(t, FormatZip, f)

	_, ok = ParseFormat("rar")
	assert.False(t, ok)
}

func TestStream_Tar(t *testing.T) {
	root := setupTree(t)
	resolved := resolveDir(t, root)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), &buf, resolved, "mydir", FormatTar, true))

	tr := tar.NewReader(&buf)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, "mydir/a.txt")
	assert.Contains(t, names, "mydir/sub/")
	assert.Contains(t, names, "mydir/sub/b.txt")
}

func TestStream_TarGz(t *testing.T) {
	root := setupTree(t)
	resolved := resolveDir(t, root)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), &buf, resolved, "mydir", FormatTarGz, true))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "mydir/a.txt", hdr.Name)
}

func TestStream_Zip(t *testing.T) {
	root := setupTree(t)
	resolved := resolveDir(t, root)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), &buf, resolved, "mydir", FormatZip, true))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "mydir/a.txt")
	assert.Contains(t, names, "mydir/sub/b.txt")
}

func TestStream_CancelledContext(t *testing.T) {
	root := setupTree(t)
	resolved := resolveDir(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := Stream(ctx, &buf, resolved, "mydir", FormatTar, true)
	assert.Error(t, err)
}

func TestStream_Tar_SymlinkEmittedNotFollowed(t *testing.T) {
	root := setupTree(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")))
	resolved := resolveDir(t, root)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), &buf, resolved, "mydir", FormatTar, true))

	tr := tar.NewReader(&buf)
	var found *tar.Header
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Name == "mydir/link.txt" {
			found = hdr
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, byte(tar.TypeSymlink), found.Typeflag)
	assert.Equal(t, filepath.Join(root, "a.txt"), found.Linkname)
}

func TestStream_Tar_SymlinkCycleDoesNotRecurseForever(t *testing.T) {
	root := setupTree(t)
	require.NoError(t, os.Symlink(root, filepath.Join(root, "sub", "loop")))
	resolved := resolveDir(t, root)

	done := make(chan error, 1)
	go func() {
		var buf bytes.Buffer
		done <- Stream(context.Background(), &buf, resolved, "mydir", FormatTar, true)
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not return: symlink cycle caused unbounded recursion")
	}
}

func TestStream_Zip_SymlinkContentIsTarget(t *testing.T) {
	root := setupTree(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")))
	resolved := resolveDir(t, root)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), &buf, resolved, "mydir", FormatZip, true))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var linkFile *zip.File
	for _, f := range zr.File {
		if f.Name == "mydir/link.txt" {
			linkFile = f
		}
	}
	require.NotNil(t, linkFile)
	rc, err := linkFile.Open()
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a.txt"), string(content))
}

func TestStream_Tar_SymlinkSkippedWhenSymlinksDisallowed(t *testing.T) {
	root := setupTree(t)
	require.NoError(t, os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")))
	resolved := resolveDir(t, root)

	var buf bytes.Buffer
	require.NoError(t, Stream(context.Background(), &buf, resolved, "mydir", FormatTar, false))

	tr := tar.NewReader(&buf)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.NotContains(t, names, "mydir/link.txt")
	assert.Contains(t, names, "mydir/a.txt")
}
